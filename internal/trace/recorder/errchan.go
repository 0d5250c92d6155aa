package recorder

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Error channels. Internal failures are never returned to the traced
// program; they are counted here instead.
const (
	ChannelIO     = "io"
	ChannelRender = "render"
	ChannelSink   = "sink"
	ChannelSource = "source"
)

// logEvery throttles warnings: the first failure on a channel is logged,
// then every logEvery-th one.
const logEvery = 1000

// ErrorCounter is the operator-visible error channel of a session.
//
// Counts are exported as the prometheus counter
// exectrace_internal_errors_total{channel} and mirrored locally so the
// summary can report them without scraping.
type ErrorCounter struct {
	log      logrus.FieldLogger
	metric   *prometheus.CounterVec
	mu       sync.Mutex
	channels map[string]*atomic.Int64
}

// NewErrorCounter registers the error counter with reg. A nil reg skips
// registration.
func NewErrorCounter(reg prometheus.Registerer, log logrus.FieldLogger) *ErrorCounter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &ErrorCounter{
		log: log,
		metric: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exectrace",
			Name:      "internal_errors_total",
			Help:      "Internal tracer failures absorbed without affecting the traced program.",
		}, []string{"channel"}),
		channels: make(map[string]*atomic.Int64),
	}
	if reg != nil {
		if err := reg.Register(c.metric); err != nil {
			log.WithError(err).Debug("internal error counter not registered")
		}
	}
	return c
}

// Add counts err on channel.
func (c *ErrorCounter) Add(channel string, err error) {
	n := c.counter(channel).Add(1)
	c.metric.WithLabelValues(channel).Inc()

	if n == 1 || n%logEvery == 0 {
		c.log.WithFields(logrus.Fields{
			"channel": channel,
			"count":   n,
		}).WithError(err).Warn("tracer internal error absorbed")
	}
}

// Count returns the number of errors counted on channel.
func (c *ErrorCounter) Count(channel string) int64 {
	return c.counter(channel).Load()
}

// Counts returns a snapshot of every non-empty channel.
func (c *ErrorCounter) Counts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.channels))
	for ch, n := range c.channels {
		if v := n.Load(); v > 0 {
			out[ch] = v
		}
	}
	return out
}

// Total returns the sum over all channels.
func (c *ErrorCounter) Total() int64 {
	var total int64
	for _, n := range c.Counts() {
		total += n
	}
	return total
}

func (c *ErrorCounter) counter(channel string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.channels[channel]
	if !ok {
		n = new(atomic.Int64)
		c.channels[channel] = n
	}
	return n
}
