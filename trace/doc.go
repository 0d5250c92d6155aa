// Package trace records a statement-level execution trace of a Go program.
//
// A trace session captures every function call, executed line, return and
// propagating panic of the traced code, tagged with the goroutine that
// produced it and its call nesting depth. Events stream to a durable,
// human-readable log while the program runs. When the session stops, an
// aggregated summary is written as JSON (or MessagePack).
//
// # Quick Start
//
// The exectrace tool instruments a program and links it against this
// package, so normally no code changes are needed:
//
//	$ exectrace build -o app ./cmd/app
//	$ ./app
//	$ exectrace summary execution_summary.json
//
// # Manual Instrumentation
//
// Instrumented functions announce themselves with Enter and report their
// lines and their exit through the returned Activation:
//
//	func add(a, b int) (r int) {
//		act := trace.Enter(a, b)
//		defer func() { act.Exit(recover(), r) }()
//		act.Line()
//		return a + b
//	}
//
// Enter returns a nil Activation while no session is running; a nil
// Activation is valid and costs nothing beyond the call.
//
// # Interposition
//
// Without instrumentation, individual functions can be traced by wrapping
// them:
//
//	add := trace.Wrap(add)
//
// Wrapped functions produce CALL, RETURN and EXCEPTION events but no LINE
// events.
//
// # Sessions
//
// At most one session runs per process:
//
//	s, err := trace.Start(trace.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer s.Stop("")
//
// Init and Fini start and stop a session configured from the environment
// (EXECTRACE_CONFIG and EXECTRACE_* variables); the instrumenter inserts
// them into main.
//
// # Safety
//
// The tracer never changes the behavior of the traced program: panics
// propagate with the identical value, return values are untouched, and
// internal tracer failures are counted rather than raised.
package trace
