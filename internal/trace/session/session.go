// Package session drives a trace session: it receives notices from a
// Source, filters them, tracks call nesting and records events, and on
// Stop aggregates the buffer and writes the summary.
//
// Lifecycle:
//
//	s, err := session.Start(cfg)   // TRACE_START, hook installed
//	...                            // notices delivered by the source
//	st, err := s.Stop(path)        // hook removed, TRACE_STOP, summary
//
// At most one session is active per process. Notices are processed on the
// goroutine that produced them; the only shared state is the recorder,
// which serializes appends under one mutex.
//
// Re-entrancy: while a goroutine is inside a tracer callback, further
// notices from that goroutine (e.g. a traced String method invoked while
// rendering a payload) are dropped. Stop waits for callbacks in flight to
// finish and never interrupts them.
package session

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kolkov/exectrace/internal/trace/callstack"
	"github.com/kolkov/exectrace/internal/trace/config"
	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/filter"
	"github.com/kolkov/exectrace/internal/trace/goid"
	"github.com/kolkov/exectrace/internal/trace/monitor"
	"github.com/kolkov/exectrace/internal/trace/recorder"
	"github.com/kolkov/exectrace/internal/trace/render"
	"github.com/kolkov/exectrace/internal/trace/stats"
	"github.com/kolkov/exectrace/internal/trace/store"
	"github.com/kolkov/exectrace/internal/trace/summary"
)

// active holds the running session. It is the process-wide hook slot.
var active atomic.Pointer[Session]

// Active returns the running session, or nil.
func Active() *Session {
	return active.Load()
}

// Option customizes Start.
type Option func(*options)

type options struct {
	source   Source
	logger   logrus.FieldLogger
	sinks    []recorder.Sink
	registry *prometheus.Registry
	out      io.Writer
}

// WithSource selects the capture facility. The default is Probes.
func WithSource(src Source) Option {
	return func(o *options) { o.source = src }
}

// WithLogger sets the logger for the tracer's own diagnostics.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithSink adds an event sink next to the durable log.
func WithSink(s recorder.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithRegistry sets the prometheus registry of the session.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithOutput sets where the console summary is printed. Default stdout.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// Session is a running or stopped trace session.
type Session struct {
	id    string
	cfg   config.Config
	start time.Time
	log   logrus.FieldLogger
	out   io.Writer

	source   Source
	rule     *filter.Rule
	stack    *callstack.Tracker
	rec      *recorder.Recorder
	render   *render.Renderer
	src      *render.SourceReader
	registry *prometheus.Registry
	monitor  *monitor.Monitor

	enabled  atomic.Bool
	inflight atomic.Int64
	busy     sync.Map // int64 (worker id) → struct{}
	tops     sync.Map // int64 (worker id) → *Activation

	stopMu  sync.Mutex
	stopped bool
	final   stats.Stats
}

// Start creates a session from cfg, installs its hook and records
// TRACE_START. It fails with *HookConflictError if a session is active.
func Start(cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	o := options{source: Probes, out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	id := xid.New().String()
	if o.logger == nil {
		o.logger = newLogger(cfg.LogLevel)
	}
	log := o.logger.WithField("session", id)

	s := &Session{
		id:       id,
		cfg:      cfg,
		start:    time.Now(),
		log:      log,
		out:      o.out,
		source:   o.source,
		rule:     filter.NewRule(cfg.ExcludePatterns, cfg.IncludePatterns, log),
		stack:    callstack.New(),
		src:      render.NewSourceReader(0),
		registry: o.registry,
	}

	if !active.CompareAndSwap(nil, s) {
		conflict := &HookConflictError{Source: o.source.Name()}
		if other := active.Load(); other != nil {
			conflict.Active = other.id
		}
		return nil, conflict
	}

	if err := s.open(o); err != nil {
		active.CompareAndSwap(s, nil)
		return nil, err
	}

	s.enabled.Store(true)
	s.marker(event.TraceStart)
	log.WithField("source", s.source.Name()).Debug("trace session started")
	return s, nil
}

func (s *Session) open(o options) error {
	sinks := o.sinks
	if s.cfg.SQLitePath != "" {
		db, err := store.Open(s.cfg.SQLitePath, s.id)
		if err != nil {
			return errors.Wrap(err, "open sqlite sink")
		}
		sinks = append(sinks, db)
	}

	rec, err := recorder.New(s.start, recorder.Options{
		LogPath:     s.cfg.LogFilePath,
		MaxBuffered: s.cfg.MaxBufferedEvents,
		Sinks:       sinks,
		Logger:      s.log,
		Registry:    s.registry,
	})
	if err != nil {
		for _, sk := range sinks {
			sk.Close()
		}
		return err
	}
	s.rec = rec
	s.render = &render.Renderer{
		MaxLength: s.cfg.MaxArgLength,
		OnFailure: func(f *render.Failure) { rec.Errors().Add(recorder.ChannelRender, f) },
	}

	if err := s.source.Attach(s); err != nil {
		rec.Close()
		return err
	}

	if s.cfg.MonitorAddr != "" {
		m := monitor.New(s, s.registry, s.log)
		if err := m.Start(s.cfg.MonitorAddr); err != nil {
			// The monitor is optional; tracing goes on without it.
			rec.Errors().Add(recorder.ChannelIO, err)
		} else {
			s.monitor = m
		}
	}
	return nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	log.SetLevel(lvl)
	return log
}

// ID returns the unique session id.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() config.Config { return s.cfg }

// SourceName names the capture facility the session is attached to.
func (s *Session) SourceName() string { return s.source.Name() }

// Registry returns the prometheus registry holding the session metrics.
func (s *Session) Registry() *prometheus.Registry { return s.registry }

// MonitorAddr returns the live monitor address, or "" when disabled.
func (s *Session) MonitorAddr() string {
	if s.monitor == nil {
		return ""
	}
	return s.monitor.Addr()
}

// Stopped reports whether Stop has been called.
func (s *Session) Stopped() bool {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stopped
}

// Stop removes the hook, waits for callbacks in flight, records
// TRACE_STOP, closes the log and sinks and writes the summary to
// summaryPath (the configured summary_path when empty; no summary when
// both are empty). It returns the final statistics.
//
// Stop is idempotent: later calls return the same statistics and write
// nothing.
func (s *Session) Stop(summaryPath string) (stats.Stats, error) {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return s.final, nil
	}
	s.stopped = true

	s.source.Detach()
	s.enabled.Store(false)
	s.drain()
	s.marker(event.TraceStop)

	end := time.Now()
	events := s.rec.Events()
	s.final = stats.Aggregate(events, stats.DefaultTopN)

	info := s.Info()
	info.EndTime = end
	info.Process = summary.CurrentProcess()
	doc := summary.Build(info, events, s.final)

	path := summaryPath
	if path == "" {
		path = s.cfg.SummaryPath
	}
	format, _ := summary.ParseFormat(s.cfg.SummaryFormat)

	errs := make([]error, 3)
	var g errgroup.Group
	g.Go(func() error {
		errs[0] = s.rec.Close()
		return nil
	})
	if path != "" {
		g.Go(func() error {
			errs[1] = summary.Write(path, &doc, format)
			return nil
		})
	}
	if s.monitor != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			errs[2] = s.monitor.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()

	active.CompareAndSwap(s, nil)

	if s.cfg.PrintSummary {
		summary.Print(s.out, &doc, summary.PrintOptions{Files: true})
	}

	err := multierror.Append(nil, errs...).ErrorOrNil()
	if err != nil {
		s.log.WithError(err).Warn("trace session stopped with errors")
	} else {
		s.log.WithField("events", len(events)).Debug("trace session stopped")
	}
	return s.final, err
}

// drain waits until no callback is in flight. A Stop issued from inside a
// callback does not wait for itself.
func (s *Session) drain() {
	var self int64
	if _, busy := s.busy.Load(goid.Current()); busy {
		self = 1
	}
	for s.inflight.Load() > self {
		runtime.Gosched()
	}
}

// Info implements monitor.Provider.
func (s *Session) Info() summary.ExecutionInfo {
	dropped := s.rec.Dropped()
	return summary.ExecutionInfo{
		SessionID:      s.id,
		StartTime:      s.start,
		Duration:       time.Since(s.start).Seconds(),
		TotalEvents:    s.rec.Len() + int(dropped),
		DroppedEvents:  dropped,
		InternalErrors: s.rec.Errors().Counts(),
	}
}

// Stats aggregates the events buffered so far. It implements
// monitor.Provider.
func (s *Session) Stats() stats.Stats {
	return stats.Aggregate(s.rec.Events(), stats.DefaultTopN)
}

// Tail implements monitor.Provider.
func (s *Session) Tail(n int) []event.Event {
	return s.rec.Tail(n)
}

// Events returns a copy of the buffered events.
func (s *Session) Events() []event.Event {
	return s.rec.Events()
}

// Errors returns the error channel of the session.
func (s *Session) Errors() *recorder.ErrorCounter {
	return s.rec.Errors()
}
