package recorder

//go:generate mockgen -destination mock_sink_test.go -package recorder -write_package_comment=false github.com/kolkov/exectrace/internal/trace/recorder Sink

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/kolkov/exectrace/internal/trace/event"
)

func newTestRecorder(t *testing.T, opts Options) (*Recorder, string) {
	t.Helper()
	if opts.LogPath == "" {
		opts.LogPath = filepath.Join(t.TempDir(), "trace.log")
	}
	if opts.Logger == nil {
		log, _ := test.NewNullLogger()
		opts.Logger = log
	}
	r, err := New(time.Now(), opts)
	require.NoError(t, err)
	return r, opts.LogPath
}

func readLog(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestRecord_WritesBannerAndLines(t *testing.T) {
	r, path := newTestRecorder(t, Options{})

	r.Record(event.Event{WorkerID: 1, Kind: event.Call, File: "/x/math.go", Function: "add", Line: 3, Arg: event.StringPtr("(2, 3)")})
	r.Record(event.Event{WorkerID: 1, Kind: event.Return, File: "/x/math.go", Function: "add", Line: 4, Arg: event.StringPtr("5")})
	require.NoError(t, r.Close())

	lines := readLog(t, path)
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "Execution trace started - "))
	assert.Equal(t, strings.Repeat("=", 100), lines[1])
	assert.Equal(t, "", lines[2])
	assert.Contains(t, lines[3], "CALL: math.go:3 in add() (arg: (2, 3))")
	assert.Contains(t, lines[4], "RETURN: math.go:4 in add() (arg: 5)")

	events := r.Events()
	require.Len(t, events, 2)
	assert.False(t, events[0].Time.IsZero())
}

func TestRecord_AfterCloseIgnored(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	r.Record(event.Event{Kind: event.Line, File: "a.go", Function: "f", Line: 1})
	assert.Equal(t, 0, r.Len())
}

// TestRecord_Concurrent checks whole-line atomicity, log order equal to
// buffer order, and per-worker non-decreasing timestamps.
func TestRecord_Concurrent(t *testing.T) {
	r, path := newTestRecorder(t, Options{})

	const workers, perWorker = 16, 200
	var wg sync.WaitGroup
	for w := 1; w <= workers; w++ {
		wg.Add(1)
		go func(w int64) {
			defer wg.Done()
			for i := 1; i <= perWorker; i++ {
				r.Record(event.Event{
					WorkerID: w, Kind: event.Line, File: "/src/loop.go",
					Function: "loop", Line: i, Source: fmt.Sprintf("step(%d)", i),
				})
			}
		}(int64(w))
	}
	wg.Wait()
	require.NoError(t, r.Close())

	events := r.Events()
	require.Len(t, events, workers*perWorker)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	for i := 0; i < 3; i++ {
		require.True(t, sc.Scan())
	}
	last := map[int64]float64{}
	idx := 0
	for sc.Scan() {
		got, err := event.ParseLine(sc.Text())
		require.NoError(t, err)
		want := events[idx]
		assert.Equal(t, want.WorkerID, got.WorkerID)
		assert.Equal(t, want.Line, got.Line)
		assert.Equal(t, want.Source, got.Source)

		assert.GreaterOrEqual(t, want.Timestamp, last[want.WorkerID])
		last[want.WorkerID] = want.Timestamp
		idx++
	}
	assert.Equal(t, len(events), idx)
}

func TestRingBuffer_Drops(t *testing.T) {
	r, _ := newTestRecorder(t, Options{MaxBuffered: 3})

	for i := 1; i <= 5; i++ {
		r.Record(event.Event{Kind: event.Line, File: "a.go", Function: "f", Line: i})
	}

	events := r.Events()
	require.Len(t, events, 3)
	assert.Equal(t, 3, events[0].Line)
	assert.Equal(t, 5, events[2].Line)
	assert.EqualValues(t, 2, r.Dropped())

	tail := r.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, 4, tail[0].Line)
	assert.Equal(t, 5, tail[1].Line)
}

func TestSinks(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockSink(ctrl)

	reg := prometheus.NewRegistry()
	r, _ := newTestRecorder(t, Options{Sinks: []Sink{sink}, Registry: reg})

	gomock.InOrder(
		sink.EXPECT().Write(gomock.Any()).Return(nil),
		sink.EXPECT().Write(gomock.Any()).Return(errors.New("disk full")),
		sink.EXPECT().Close().Return(nil),
	)

	r.Record(event.Event{Kind: event.Call, File: "a.go", Function: "f", Line: 1})
	r.Record(event.Event{Kind: event.Return, File: "a.go", Function: "f", Line: 2})
	require.NoError(t, r.Close())

	assert.EqualValues(t, 1, r.Errors().Count(ChannelSink))
	assert.Equal(t, 2, r.Len(), "sink failures do not drop buffered events")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.Errors().metric.WithLabelValues(ChannelSink)))
}

func TestSinkCloseError(t *testing.T) {
	ctrl := gomock.NewController(t)
	sink := NewMockSink(ctrl)
	sink.EXPECT().Close().Return(errors.New("close failed"))

	r, _ := newTestRecorder(t, Options{Sinks: []Sink{sink}})
	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
}

func TestNew_BadLogPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := New(time.Now(), Options{LogPath: filepath.Join(blocker, "sub", "trace.log")})
	assert.Error(t, err)
}

func TestErrorCounter(t *testing.T) {
	log, hook := test.NewNullLogger()
	c := NewErrorCounter(prometheus.NewRegistry(), log)

	for i := 0; i < 3; i++ {
		c.Add(ChannelRender, errors.New("bad String"))
	}
	c.Add(ChannelIO, errors.New("write"))

	assert.EqualValues(t, 3, c.Count(ChannelRender))
	assert.Equal(t, map[string]int64{ChannelRender: 3, ChannelIO: 1}, c.Counts())
	assert.EqualValues(t, 4, c.Total())
	assert.Len(t, hook.AllEntries(), 2, "only the first failure per channel is logged")
}
