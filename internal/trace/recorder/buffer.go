package recorder

import "github.com/kolkov/exectrace/internal/trace/event"

// buffer is the in-memory event list. With max == 0 it grows without bound;
// otherwise it is a ring that keeps the newest max events and counts the
// rest as dropped. Callers hold the Recorder mutex.
type buffer struct {
	events  []event.Event
	max     int
	head    int // index of the oldest event once the ring is full
	dropped int64
}

func newBuffer(max int) *buffer {
	if max < 0 {
		max = 0
	}
	b := &buffer{max: max}
	if max > 0 {
		b.events = make([]event.Event, 0, min(max, 4096))
	}
	return b
}

func (b *buffer) add(e event.Event) {
	if b.max == 0 || len(b.events) < b.max {
		b.events = append(b.events, e)
		return
	}
	b.events[b.head] = e
	b.head = (b.head + 1) % b.max
	b.dropped++
}

func (b *buffer) len() int {
	return len(b.events)
}

// snapshot copies the buffer, oldest first.
func (b *buffer) snapshot() []event.Event {
	out := make([]event.Event, 0, len(b.events))
	out = append(out, b.events[b.head:]...)
	out = append(out, b.events[:b.head]...)
	return out
}

// tail copies the newest n events, oldest first.
func (b *buffer) tail(n int) []event.Event {
	all := b.snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
