// Package recorder persists accepted trace events.
//
// A Recorder owns the durable log file, the in-memory event buffer and any
// additional sinks. Each Record call appends one whole line to the log and
// one record to the buffer under a single mutex, so lines never interleave
// and log order equals buffer order.
//
// Transparency: nothing in this package returns an error to, or panics
// into, the traced program. Write failures are counted on the ErrorCounter
// and tracing continues.
package recorder

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/exectrace/internal/trace/event"
)

// Sink receives every recorded event after it has been written to the
// durable log.
//
// Write is called with the Recorder mutex held, in log order.
type Sink interface {
	Write(e event.Event) error
	Close() error
}

// Options configure a Recorder.
type Options struct {
	// LogPath is the durable log file. It is truncated and starts with a
	// banner. Empty disables the log.
	LogPath string

	// MaxBuffered bounds the in-memory buffer. Zero means unbounded.
	MaxBuffered int

	Sinks []Sink

	Logger   logrus.FieldLogger
	Registry prometheus.Registerer
}

// Recorder is safe for concurrent use.
type Recorder struct {
	start time.Time
	errs  *ErrorCounter
	log   logrus.FieldLogger

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	buf    *buffer
	sinks  []Sink
	closed bool
}

// New creates the durable log and returns a Recorder whose elapsed
// timestamps count from start.
func New(start time.Time, opts Options) (*Recorder, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := &Recorder{
		start: start,
		errs:  NewErrorCounter(opts.Registry, log),
		log:   log,
		buf:   newBuffer(opts.MaxBuffered),
		sinks: opts.Sinks,
	}

	if opts.LogPath != "" {
		if dir := filepath.Dir(opts.LogPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create log directory")
			}
		}
		f, err := os.Create(opts.LogPath)
		if err != nil {
			return nil, errors.Wrap(err, "create trace log")
		}
		r.file = f
		r.w = bufio.NewWriterSize(f, 64*1024)
		if _, err := r.w.WriteString(event.Banner(start)); err != nil {
			r.errs.Add(ChannelIO, err)
		}
	}

	return r, nil
}

// Errors returns the error channel.
func (r *Recorder) Errors() *ErrorCounter {
	return r.errs
}

// Start returns the session start time.
func (r *Recorder) Start() time.Time {
	return r.start
}

// Record stamps e with the elapsed and wall-clock time, writes it and
// returns the stored event. Events recorded after Close are discarded.
//
// Timestamps are taken under the mutex, so they never decrease in log
// order, for any worker.
func (r *Recorder) Record(e event.Event) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return e
	}

	now := time.Now()
	e.Time = now
	e.Timestamp = now.Sub(r.start).Seconds()

	if r.w != nil {
		if _, err := r.w.WriteString(event.FormatLine(e)); err != nil {
			r.errs.Add(ChannelIO, err)
		}
	}
	r.buf.add(e)

	for _, s := range r.sinks {
		if err := s.Write(e); err != nil {
			r.errs.Add(ChannelSink, err)
		}
	}
	return e
}

// Events returns a copy of the buffered events, oldest first.
func (r *Recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.snapshot()
}

// Tail returns a copy of the newest n events. n <= 0 returns all.
func (r *Recorder) Tail(n int) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.tail(n)
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.len()
}

// Dropped returns the number of events evicted from a bounded buffer.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.dropped
}

// Flush writes buffered log output to disk.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if r.w == nil {
		return nil
	}
	if err := r.w.Flush(); err != nil {
		r.errs.Add(ChannelIO, err)
		return errors.Wrap(err, "flush trace log")
	}
	return nil
}

// Close flushes and closes the log and every sink. Close is idempotent;
// later Record calls are ignored.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var result *multierror.Error
	if err := r.flushLocked(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			r.errs.Add(ChannelIO, err)
			result = multierror.Append(result, errors.Wrap(err, "close trace log"))
		}
	}
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			r.errs.Add(ChannelSink, err)
			result = multierror.Append(result, errors.Wrap(err, "close sink"))
		}
	}
	return result.ErrorOrNil()
}
