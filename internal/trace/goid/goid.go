// Copyright 2025 The exectrace Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package goid resolves the identity of the worker (goroutine) delivering
// a trace notice.
//
// The Go runtime does not export goroutine IDs. The ID is parsed from the
// first line of runtime.Stack output, which has the stable format:
//
//	goroutine 123 [running]:
//
// Performance: ~1500ns per call (dominated by runtime.Stack). The tracer
// resolves the worker once per activation and caches it, so LINE and
// RETURN notices do not pay this cost again.
package goid

import "runtime"

// Current returns the ID of the calling goroutine, or 0 if it cannot be
// determined.
//
// Returns:
//   - int64: Goroutine ID (always positive on success)
func Current() int64 {
	// Only the first line is needed: "goroutine 123 [running]:\n..."
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return Parse(buf[:n])
}

// Parse extracts the goroutine ID from stack trace bytes.
//
// Expected format: "goroutine 123 [running]:..."
// Returns the numeric ID (123 in this example) or 0 if the format is
// invalid. Parsing is done on raw bytes without regex or allocation.
func Parse(buf []byte) int64 {
	const prefix = "goroutine "
	const prefixLen = len(prefix)

	if len(buf) < prefixLen {
		return 0
	}
	if string(buf[:prefixLen]) != prefix {
		return 0
	}

	var gid int64
	for i := prefixLen; i < len(buf); i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			// Usually the space before "[running]".
			break
		}
		gid = gid*10 + int64(c-'0')
	}

	return gid
}
