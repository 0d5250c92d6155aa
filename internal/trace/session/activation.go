package session

import (
	"fmt"
	"runtime"

	"github.com/kolkov/exectrace/internal/trace/callstack"
	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/goid"
	"github.com/kolkov/exectrace/internal/trace/recorder"
)

// Activation is one traced invocation. It carries the filter verdict of
// its CALL: only accepted invocations get an Activation, so its LINE and
// RETURN notices are never filtered again.
//
// A nil *Activation is valid and disarmed: Line does nothing and Exit only
// re-panics.
type Activation struct {
	s        *Session
	worker   int64
	file     string
	function string
	pkg      string

	// parent is the worker's innermost accepted activation at entry.
	parent *Activation

	// line is the last line reported by Line, or the entry line.
	line   int
	exited bool
}

// Line reports that the statement at the caller's line is about to run.
func (a *Activation) Line() {
	if a == nil {
		return
	}
	_, _, line, ok := runtime.Caller(1)
	if !ok {
		return
	}
	a.s.line(a, line)
}

// LineAt is Line with an explicit line number.
func (a *Activation) LineAt(line int) {
	if a == nil {
		return
	}
	a.s.line(a, line)
}

// Exit reports the end of the invocation. It must be called from a
// deferred function with the value of recover():
//
//	act := trace.Enter(a, b)
//	defer func() { act.Exit(recover(), result) }()
//
// A non-nil recovered value is recorded as an EXCEPTION and then panicked
// again unchanged, so the panic keeps propagating exactly as it would
// without tracing. Exit is effective once; later calls only re-panic.
func (a *Activation) Exit(recovered any, results ...any) {
	if a != nil && !a.exited {
		a.exited = true
		a.s.exit(a, recovered, results)
	}
	if recovered != nil {
		panic(recovered)
	}
}

// Recovered reports the value of a recover() call made in the invocation
// and returns it unchanged:
//
//	defer func() {
//		if r := act.Recovered(recover()); r != nil {
//			...
//		}
//	}()
//
// A non-nil value is a panic stopped by the enclosing function, which Exit
// never sees. It is recorded as an EXCEPTION of that function.
func (a *Activation) Recovered(v any) any {
	if a != nil && v != nil {
		a.s.recovered(a, v)
	}
	return v
}

// HandleCall implements Handler. It filters the notice and, when accepted,
// records CALL and pushes the invocation on the worker's stack.
func (s *Session) HandleCall(loc Location, args []any) *Activation {
	w, ok := s.enter(goid.Current())
	if !ok {
		return nil
	}
	defer s.leave(w)
	defer s.absorb()

	if !s.rule.Evaluate(loc.File, loc.Function, loc.Line).Accepted() {
		return nil
	}

	pkg, name := event.SplitFunction(loc.Function)
	a := &Activation{s: s, worker: w, file: loc.File, function: name, pkg: pkg, line: loc.Line}

	depth := s.stack.Depth(w)
	if s.cfg.TraceCalls {
		var arg *string
		if s.cfg.IncludeArgs {
			arg = event.StringPtr(s.render.Tuple(args))
		}
		s.record(a.file, a.function, a.pkg, w, event.Call, loc.Line, depth, arg)
	}
	s.stack.Push(w, callstack.Entry{Function: loc.Function, File: loc.File, Line: loc.Line})
	if top, ok := s.tops.Load(w); ok {
		a.parent = top.(*Activation)
	}
	s.tops.Store(w, a)
	return a
}

func (s *Session) line(a *Activation, n int) {
	a.line = n
	if !s.cfg.TraceLines {
		return
	}
	w, ok := s.enter(a.worker)
	if !ok {
		return
	}
	defer s.leave(w)
	defer s.absorb()

	s.record(a.file, a.function, a.pkg, w, event.Line, n, s.stack.Depth(w), nil)
}

func (s *Session) exit(a *Activation, recovered any, results []any) {
	w, ok := s.enter(a.worker)
	if !ok {
		return
	}
	defer s.leave(w)
	defer s.absorb()

	depth := s.stack.Depth(w)
	if recovered != nil && s.cfg.TraceExceptions {
		s.record(a.file, a.function, a.pkg, w, event.Exception, a.line, depth,
			event.StringPtr(s.render.Value(recovered)))
	}
	if s.cfg.TraceReturns {
		var arg *string
		if recovered == nil && s.cfg.IncludeReturnValues && len(results) > 0 {
			arg = event.StringPtr(s.render.Results(results))
		}
		s.record(a.file, a.function, a.pkg, w, event.Return, a.line, depth, arg)
	}
	s.stack.Pop(w)
	if a.parent != nil {
		s.tops.Store(w, a.parent)
	} else {
		s.tops.Delete(w)
	}
}

// recovered records v against the function whose panic a recovered. The
// recover call runs in a deferred function, so that is a's caller when it
// is traced.
func (s *Session) recovered(a *Activation, v any) {
	if !s.cfg.TraceExceptions {
		return
	}
	w, ok := s.enter(a.worker)
	if !ok {
		return
	}
	defer s.leave(w)
	defer s.absorb()

	target, depth := a, s.stack.Depth(w)
	if a.parent != nil {
		target, depth = a.parent, max(depth-1, 0)
	}
	s.record(target.file, target.function, target.pkg, w, event.Exception, target.line, depth,
		event.StringPtr(s.render.Value(v)))
}

// marker records a session marker attributed to the user code that
// started or stopped the session.
func (s *Session) marker(kind event.Kind) {
	loc := userFrame()
	w := goid.Current()
	pkg, name := event.SplitFunction(loc.Function)
	s.record(loc.File, name, pkg, w, kind, loc.Line, s.stack.Depth(w), nil)
}

func (s *Session) record(file, function, pkg string, w int64, kind event.Kind, line, depth int, arg *string) {
	e := event.Event{
		WorkerID: w,
		Kind:     kind,
		File:     file,
		Function: function,
		Package:  pkg,
		Line:     line,
		Depth:    depth,
		Arg:      arg,
	}
	if s.cfg.IncludeSourceText && file != "" {
		e.Source, _ = s.src.Line(file, line)
	}
	s.rec.Record(e)
}

// enter admits a callback for worker w. It fails when the session is not
// accepting notices or w is already inside a callback.
func (s *Session) enter(w int64) (int64, bool) {
	if !s.enabled.Load() {
		return 0, false
	}
	s.inflight.Add(1)
	if !s.enabled.Load() {
		s.inflight.Add(-1)
		return 0, false
	}
	if _, busy := s.busy.LoadOrStore(w, struct{}{}); busy {
		s.inflight.Add(-1)
		return 0, false
	}
	return w, true
}

func (s *Session) leave(w int64) {
	s.busy.Delete(w)
	s.inflight.Add(-1)
}

// absorb keeps tracer failures away from the traced program.
func (s *Session) absorb() {
	if p := recover(); p != nil {
		s.rec.Errors().Add(recorder.ChannelSource, fmt.Errorf("callback panic: %v", p))
	}
}
