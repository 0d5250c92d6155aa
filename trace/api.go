package trace

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/tebeka/atexit"

	"github.com/kolkov/exectrace/internal/trace/config"
	"github.com/kolkov/exectrace/internal/trace/interpose"
	"github.com/kolkov/exectrace/internal/trace/session"
	"github.com/kolkov/exectrace/internal/trace/stats"
)

// Session is a running or stopped trace session.
type Session = session.Session

// Activation is one traced invocation; see Enter.
type Activation = session.Activation

// Config is the configuration of a trace session.
type Config = config.Config

// Stats are the aggregated statistics of a session.
type Stats = stats.Stats

// HookConflictError is returned by Start while another session runs.
type HookConflictError = session.HookConflictError

// Option customizes Start.
type Option = session.Option

// ErrNoSession is returned by Stop when no session is running.
var ErrNoSession = errors.New("no trace session is running")

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads a TOML, YAML or JSON configuration file.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// InterposeOnly makes the session install no probe hook: only functions
// passed through Wrap or WrapAll deliver events.
func InterposeOnly() Option {
	return session.WithSource(&session.InterposeSource{})
}

// Start starts a trace session with cfg and records TRACE_START.
// It fails with *HookConflictError if a session is already running.
func Start(cfg Config, opts ...Option) (*Session, error) {
	return session.Start(cfg, opts...)
}

// Stop stops the running session and writes its summary to summaryPath,
// or to the configured summary path when summaryPath is empty.
func Stop(summaryPath string) (Stats, error) {
	s := session.Active()
	if s == nil {
		return Stats{}, ErrNoSession
	}
	return s.Stop(summaryPath)
}

// Current returns the running session, or nil.
func Current() *Session {
	return session.Active()
}

// Enter reports a call of the function that calls Enter, with its
// arguments, and returns the Activation used to report its lines and exit.
// It returns nil when no session is running or the function is filtered
// out.
//
// Enter must be called directly from the traced function.
func Enter(args ...any) *Activation {
	return session.Probes.Enter(1, args)
}

var (
	initMu  sync.Mutex
	initSes *Session
	exitReg bool
)

// Init starts a session configured from the environment. It is inserted
// at the top of main by the instrumenter.
//
// Init is safe to call more than once; only the first call starts a
// session. Configuration errors are reported on stderr and leave the
// program untraced.
//
// The session is stopped by Fini, or by Exit when the program exits
// through it.
func Init() {
	initMu.Lock()
	defer initMu.Unlock()

	if initSes != nil {
		return
	}

	cfg, err := config.FromEnvironment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "exectrace: %v\n", err)
		return
	}

	s, err := session.Start(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "exectrace: %v\n", err)
		return
	}
	initSes = s

	if !exitReg {
		atexit.Register(Fini)
		exitReg = true
	}
}

// Fini stops the session started by Init and writes its summary.
// It is deferred in main by the instrumenter and is idempotent.
func Fini() {
	initMu.Lock()
	s := initSes
	initSes = nil
	initMu.Unlock()

	if s == nil {
		return
	}
	if _, err := s.Stop(""); err != nil {
		fmt.Fprintf(os.Stderr, "exectrace: %v\n", err)
	}
}

// Exit runs Fini and the other registered exit handlers, then exits with
// code. The instrumenter rewrites os.Exit calls to Exit so the summary is
// written even when main does not return.
func Exit(code int) {
	atexit.Exit(code)
}

// current delivers wrapped calls to whichever session is running when the
// call happens.
type current struct{}

func (current) HandleCall(loc session.Location, args []any) *session.Activation {
	if s := session.Active(); s != nil {
		return s.HandleCall(loc, args)
	}
	return nil
}

// Wrap returns fn wrapped so that each call is traced by the running
// session. Wrapping is idempotent, and calls made while no session runs go
// straight to fn. Non-function values are returned unchanged.
func Wrap[F any](fn F) F {
	return interpose.Wrap[F](current{}, fn)
}

// WrapAll wraps every exported, non-nil func field of the struct ptr points
// to and returns how many fields it wrapped.
func WrapAll(ptr any) (int, error) {
	return interpose.WrapAll(current{}, ptr)
}

// IsWrapped reports whether fn was returned by Wrap.
func IsWrapped(fn any) bool {
	return interpose.IsWrapped(fn)
}
