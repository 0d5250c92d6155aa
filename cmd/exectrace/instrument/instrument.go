// Package instrument inserts trace probes into Go source files.
//
// Probes are inserted as text on the line of the construct they trace, so
// every original statement keeps its line number, and a //line directive
// naming the original file is prepended. Runtime locations of the
// instrumented build therefore point at the original source.
//
// Example transformation:
//
//	// INPUT:
//	func add(a, b int) int {
//		return a + b
//	}
//
//	// OUTPUT:
//	func add(a, b int) (__exectrace_r0 int) { __exectrace_act := __exectrace.Enter(a, b); defer func() { __exectrace_act.Exit(recover(), __exectrace_r0) }()
//		__exectrace_act.LineAt(2); return a + b
//	}
//
// In package main, main() additionally starts the session with
// __exectrace.Init() and defers __exectrace.Fini(); os.Exit calls are routed
// through __exectrace.Exit so the summary is still written. A recover()
// call becomes __exectrace_act.Recovered(recover()), so a panic stopped
// inside the traced code is still recorded.
//
// Thread Safety: InstrumentFile is safe for concurrent use on distinct
// files.
package instrument

import (
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// TracePackageImportPath is the import path of the tracer API.
	TracePackageImportPath = "github.com/kolkov/exectrace/trace"

	// TracePackageAlias is the local name the tracer API is imported as.
	// It is chosen not to collide with user identifiers.
	TracePackageAlias = "__exectrace"

	activationVar = "__exectrace_act"
	paramPrefix   = "__exectrace_p"
	resultPrefix  = "__exectrace_r"
)

// Options tune InstrumentFile.
type Options struct {
	// LinePath is the file name written in the //line directive. Defaults
	// to the absolute path of the instrumented file.
	LinePath string

	// EntryPoint injects Init/Fini into main.main (package main) and into
	// TestMain (test files).
	EntryPoint bool

	// RewriteExit routes os.Exit calls through the tracer.
	RewriteExit bool
}

// DefaultOptions instruments entry points and os.Exit calls.
func DefaultOptions() *Options {
	return &Options{EntryPoint: true, RewriteExit: true}
}

// InstrumentResult holds the instrumented source and what was done to it.
//
//nolint:revive // InstrumentResult is clear and descriptive despite stuttering
type InstrumentResult struct {
	Code  string
	Stats InstrumentStats
}

// InstrumentFile instruments one Go source file.
//
// src may be nil (read filename), []byte, string or io.Reader, as accepted
// by go/parser. Files that declare no functions are returned unchanged
// apart from the //line directive.
//
//nolint:revive // InstrumentFile is the standard API naming for this operation
func InstrumentFile(filename string, src interface{}, opts *Options) (*InstrumentResult, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	text, err := readSource(filename, src)
	if err != nil {
		return nil, err
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, filename, text, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %s: %w", filename, err)
	}

	if hasImport(file, "C") {
		return nil, NewInstrumentationErrorWithSuggestion(fset, file.Package,
			"cgo files cannot be instrumented",
			"Move the cgo code into a package excluded from tracing")
	}
	if hasImport(file, TracePackageImportPath) {
		return nil, NewInstrumentationErrorWithSuggestion(fset, file.Package,
			"file is already instrumented",
			"Instrument the original sources, not the output of a previous run")
	}

	v := newProbeVisitor(fset, file, opts)
	if err := v.plan(); err != nil {
		return nil, err
	}

	linePath := opts.LinePath
	if linePath == "" {
		linePath = filename
		if abs, err := filepath.Abs(filename); err == nil {
			linePath = abs
		}
	}

	code := apply(text, v.edits)
	code = fmt.Sprintf("//line %s:1\n%s", filepath.ToSlash(linePath), code)

	return &InstrumentResult{Code: code, Stats: v.stats}, nil
}

// readSource returns the text to instrument.
func readSource(filename string, src interface{}) (string, error) {
	switch s := src.(type) {
	case nil:
		data, err := os.ReadFile(filename)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", filename, err)
		}
		return string(data), nil
	case []byte:
		return string(s), nil
	case string:
		return s, nil
	case io.Reader:
		data, err := io.ReadAll(s)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", filename, err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("invalid source type %T for %s", src, filename)
}

// edit inserts text at off, replacing text up to end when end > off.
type edit struct {
	off  int
	end  int
	text string
	seq  int
}

// apply performs edits on src. Insertions at the same offset keep the order
// in which they were planned.
func apply(src string, edits []edit) string {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].off != edits[j].off {
			return edits[i].off < edits[j].off
		}
		return edits[i].seq < edits[j].seq
	})

	var b strings.Builder
	b.Grow(len(src) + 64*len(edits))

	pos := 0
	for _, e := range edits {
		if e.off < pos {
			// Overlaps a replaced range; planner never produces this.
			continue
		}
		b.WriteString(src[pos:e.off])
		b.WriteString(e.text)
		pos = e.off
		if e.end > e.off {
			pos = e.end
		}
	}
	b.WriteString(src[pos:])
	return b.String()
}
