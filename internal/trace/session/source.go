package session

import (
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/kolkov/exectrace/internal/trace/filter"
)

// Location is the resolved source position of a notice.
type Location struct {
	File string

	// Function is the fully qualified runtime name, e.g.
	// "github.com/a/b.(*T).Method".
	Function string

	Line int
}

// Handler receives CALL notices from a Source. The returned Activation
// delivers the LINE, RETURN and EXCEPTION notices of the same invocation.
// A nil Activation means the invocation is not traced.
type Handler interface {
	HandleCall(loc Location, args []any) *Activation
}

// Source is a capture facility that feeds notices to a Handler.
type Source interface {
	Name() string

	// Attach installs h. It fails with *HookConflictError when another
	// handler is installed.
	Attach(h Handler) error

	// Detach removes the installed handler. Notices already being
	// delivered complete normally.
	Detach()
}

type handlerBox struct {
	h Handler
}

// ProbeSource is the process-wide probe hook. Instrumented functions call
// Enter on entry; Enter resolves the caller's location and forwards the
// notice to the attached handler.
type ProbeSource struct {
	handler atomic.Pointer[handlerBox]
}

// Probes is the probe hook used by the public trace package.
var Probes = &ProbeSource{}

// Name implements Source.
func (p *ProbeSource) Name() string { return "probe" }

// Attach implements Source.
func (p *ProbeSource) Attach(h Handler) error {
	if !p.handler.CompareAndSwap(nil, &handlerBox{h: h}) {
		return &HookConflictError{Source: p.Name()}
	}
	return nil
}

// Detach implements Source.
func (p *ProbeSource) Detach() {
	p.handler.Store(nil)
}

// Attached reports whether a handler is installed.
func (p *ProbeSource) Attached() bool {
	return p.handler.Load() != nil
}

// Enter delivers a CALL notice for the function skip frames above the
// caller of Enter (skip 0 is the caller itself). Without an attached
// handler Enter costs one atomic load and returns nil.
func (p *ProbeSource) Enter(skip int, args []any) *Activation {
	b := p.handler.Load()
	if b == nil {
		return nil
	}

	var pcs [1]uintptr
	if runtime.Callers(skip+2, pcs[:]) == 0 {
		return nil
	}
	frame, _ := runtime.CallersFrames(pcs[:]).Next()
	return b.h.HandleCall(Location{File: frame.File, Function: frame.Function, Line: frame.Line}, args)
}

// InterposeSource installs no process-wide hook: only wrapped callables
// deliver notices. It is the fallback where probes are not wanted.
type InterposeSource struct {
	handler atomic.Pointer[handlerBox]
}

// Name implements Source.
func (s *InterposeSource) Name() string { return "interpose" }

// Attach implements Source.
func (s *InterposeSource) Attach(h Handler) error {
	if !s.handler.CompareAndSwap(nil, &handlerBox{h: h}) {
		return &HookConflictError{Source: s.Name()}
	}
	return nil
}

// Detach implements Source.
func (s *InterposeSource) Detach() {
	s.handler.Store(nil)
}

// FuncLocation returns the definition site of the function at pc.
func FuncLocation(pc uintptr) (Location, bool) {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return Location{}, false
	}
	file, line := fn.FileLine(fn.Entry())
	// Method values are compiled into wrappers named "T.M-fm".
	name := strings.TrimSuffix(fn.Name(), "-fm")
	return Location{File: file, Function: name, Line: line}, true
}

// foreignPrefixes name packages between user code and a session marker.
// atexit runs the handler that stops the session on trace.Exit.
var foreignPrefixes = []string{"runtime.", "github.com/tebeka/atexit."}

// userFrame returns the innermost frame outside the tracer, the Go runtime
// and the exit handler package: the frame session markers are attributed to.
func userFrame() Location {
	var pcs [32]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if isUserFrame(f.File, f.Function) {
			return Location{File: f.File, Function: f.Function, Line: f.Line}
		}
		if !more {
			return Location{}
		}
	}
}

func isUserFrame(file, function string) bool {
	if function == "" || filter.IsSelf(file, function) {
		return false
	}
	for _, p := range foreignPrefixes {
		if strings.HasPrefix(function, p) {
			return false
		}
	}
	return true
}
