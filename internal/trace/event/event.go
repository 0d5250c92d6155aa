// Package event defines the trace event record and its durable log line
// format.
//
// An Event is immutable once created: the recorder builds it completely
// before it is appended to the buffer and written to the log, and no
// component modifies it afterwards.
package event

import (
	"path/filepath"
	"strings"
	"time"
)

// Kind classifies a trace event.
type Kind string

// Event kinds.
const (
	Call       Kind = "CALL"
	Line       Kind = "LINE"
	Return     Kind = "RETURN"
	Exception  Kind = "EXCEPTION"
	TraceStart Kind = "TRACE_START"
	TraceStop  Kind = "TRACE_STOP"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{Call, Line, Return, Exception, TraceStart, TraceStop}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsMarker reports whether k is a session marker (TRACE_START/TRACE_STOP)
// rather than a program execution event.
func (k Kind) IsMarker() bool {
	return k == TraceStart || k == TraceStop
}

// Event is a single accepted trace notice.
type Event struct {
	// Timestamp is the elapsed time since session start, in seconds.
	Timestamp float64 `json:"timestamp" msgpack:"timestamp"`

	// Time is the wall-clock time the event was recorded.
	Time time.Time `json:"datetime" msgpack:"datetime"`

	WorkerID int64  `json:"worker_id" msgpack:"worker_id"`
	Kind     Kind   `json:"event_type" msgpack:"event_type"`
	File     string `json:"filename" msgpack:"filename"`
	Function string `json:"function_name" msgpack:"function_name"`
	Package  string `json:"package,omitempty" msgpack:"package,omitempty"`
	Line     int    `json:"line_number" msgpack:"line_number"`

	// Depth is the call stack depth at acceptance: pre-push for CALL,
	// pre-pop for RETURN, current depth otherwise.
	Depth int `json:"call_stack_depth" msgpack:"call_stack_depth"`

	// Source is the trimmed literal source line, when enabled.
	Source string `json:"source_line,omitempty" msgpack:"source_line,omitempty"`

	// Arg is the rendered argument tuple (CALL), result (RETURN) or
	// panic value (EXCEPTION). Nil when absent.
	Arg *string `json:"arg" msgpack:"arg"`
}

// Basename returns the file name without its directory.
func (e Event) Basename() string {
	return Basename(e.File)
}

// HasArg reports whether the event carries a rendered payload.
func (e Event) HasArg() bool {
	return e.Arg != nil
}

// ArgString returns the rendered payload or "" when absent.
func (e Event) ArgString() string {
	if e.Arg == nil {
		return ""
	}
	return *e.Arg
}

// Basename returns the last element of a slash or OS separated path.
func Basename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return filepath.Base(path)
}

// SplitFunction splits a fully qualified runtime function name into its
// package path and the function name within the package.
//
// Examples:
//
//	"main.add"                       -> "main", "add"
//	"github.com/a/b.(*T).Method"     -> "github.com/a/b", "(*T).Method"
//	"github.com/a/b.run.func1"       -> "github.com/a/b", "run.func1"
func SplitFunction(full string) (pkg, name string) {
	slash := strings.LastIndexByte(full, '/')
	dot := strings.IndexByte(full[slash+1:], '.')
	if dot < 0 {
		return "", full
	}
	dot += slash + 1
	return full[:dot], full[dot+1:]
}

// StringPtr returns a pointer to a copy of s.
func StringPtr(s string) *string {
	return &s
}
