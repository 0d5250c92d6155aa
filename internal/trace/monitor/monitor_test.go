package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/exectrace/internal/trace/event"
	"github.com/kolkov/exectrace/internal/trace/stats"
	"github.com/kolkov/exectrace/internal/trace/summary"
)

type fakeProvider struct {
	events []event.Event
}

func (f *fakeProvider) Info() summary.ExecutionInfo {
	return summary.ExecutionInfo{SessionID: "abc", TotalEvents: len(f.events)}
}

func (f *fakeProvider) Stats() stats.Stats {
	return stats.Aggregate(f.events, 0)
}

func (f *fakeProvider) Tail(n int) []event.Event {
	if n <= 0 || n >= len(f.events) {
		return f.events
	}
	return f.events[len(f.events)-n:]
}

func newTestMonitor(t *testing.T) (*Monitor, *prometheus.Registry) {
	t.Helper()
	p := &fakeProvider{}
	for i := 1; i <= 5; i++ {
		p.events = append(p.events, event.Event{Kind: event.Line, File: "/a/x.go", Function: "f", Line: i})
	}
	reg := prometheus.NewRegistry()
	log, _ := test.NewNullLogger()
	return New(p, reg, log), reg
}

func get(t *testing.T, m *Monitor, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestSessionAndStats(t *testing.T) {
	m, _ := newTestMonitor(t)

	rec := get(t, m, "/api/session")
	require.Equal(t, http.StatusOK, rec.Code)
	var info summary.ExecutionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "abc", info.SessionID)

	rec = get(t, m, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var st stats.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 5, st.TotalLines)
}

func TestEventsTail(t *testing.T) {
	m, _ := newTestMonitor(t)

	rec := get(t, m, "/api/events?tail=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []event.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, 5, events[1].Line)

	rec = get(t, m, "/api/events?tail=x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	m, reg := newTestMonitor(t)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "exectrace_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	rec := get(t, m, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "exectrace_test_total 1")
}

func TestStartShutdown(t *testing.T) {
	m, _ := newTestMonitor(t)
	require.NoError(t, m.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + m.Addr() + "/api/session")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, m.Shutdown(ctx))
}
