// Package monitor serves a live view of a running trace session over HTTP.
//
// Routes:
//
//	GET /metrics           prometheus metrics of the session
//	GET /api/session       execution info so far
//	GET /api/stats         aggregate statistics of the buffered events
//	GET /api/events?tail=N newest N buffered events (default 100)
//	GET /api/resource      pid, rss and cpu time of the traced process
package monitor

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/stats"
	"github.com/kolkov/exectrace/internal/trace/summary"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultTail is the number of events returned without a tail parameter.
const DefaultTail = 100

// Provider exposes the live state of a session.
type Provider interface {
	Info() summary.ExecutionInfo
	Stats() stats.Stats
	Tail(n int) []event.Event
}

// Monitor is a running HTTP server.
type Monitor struct {
	provider Provider
	gatherer prometheus.Gatherer
	log      logrus.FieldLogger

	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// New creates a Monitor. A nil gatherer serves the default registry.
func New(p Provider, g prometheus.Gatherer, log logrus.FieldLogger) *Monitor {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Monitor{provider: p, gatherer: g, log: log}
}

// Router returns the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/api/session", m.session).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", m.stats).Methods(http.MethodGet)
	r.HandleFunc("/api/events", m.events).Methods(http.MethodGet)
	r.HandleFunc("/api/resource", m.resource).Methods(http.MethodGet)
	return r
}

// Start listens on addr and serves in the background. Use port 0 to pick a
// free port; Addr reports the bound address.
func (m *Monitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}

	m.listener = ln
	m.srv = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.WithError(err).Warn("monitor stopped")
		}
	}()

	m.log.WithField("addr", ln.Addr().String()).Info("monitor listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (m *Monitor) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Shutdown stops the server, waiting for active requests up to ctx.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	err := m.srv.Shutdown(ctx)
	<-m.done
	return errors.Wrap(err, "shutdown monitor")
}

func (m *Monitor) session(w http.ResponseWriter, _ *http.Request) {
	m.write(w, m.provider.Info())
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	m.write(w, m.provider.Stats())
}

func (m *Monitor) events(w http.ResponseWriter, r *http.Request) {
	n := DefaultTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			http.Error(w, "tail must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	m.write(w, m.provider.Tail(n))
}

func (m *Monitor) resource(w http.ResponseWriter, _ *http.Request) {
	p := summary.CurrentProcess()
	if p == nil {
		http.Error(w, "process information unavailable", http.StatusServiceUnavailable)
		return
	}
	m.write(w, p)
}

func (m *Monitor) write(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.log.WithError(err).Warn("encode monitor response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(data); err != nil {
		m.log.WithError(err).Debug("write monitor response")
	}
}
