// Package callstack tracks per-worker nesting of traced activations.
//
// Every worker (goroutine) owns its own stack. Stacks are stored in a
// sync.Map keyed by worker id, and a stack is only ever mutated by the
// goroutine it belongs to, so concurrent workers never contend on each
// other's state.
//
// Depth convention:
//   - CALL events record the depth BEFORE Push (the caller's depth).
//   - RETURN events record the depth BEFORE Pop, i.e. the depth of the
//     activation's own body.
//   - LINE and EXCEPTION events record the current depth.
//
// So a top-level call is logged at depth 0, and its body lines and its
// return at depth 1.
//
// Usage:
//
//	t := callstack.New()
//	depth := t.Depth(w)    // 0, recorded on CALL
//	t.Push(w, entry)
//	depth = t.Depth(w)     // 1, recorded on LINE
//	depth = t.Depth(w)     // 1, recorded on RETURN
//	t.Pop(w)
package callstack

import (
	"sort"
	"sync"
)

// Entry is one accepted activation on a worker's stack.
type Entry struct {
	Function string
	File     string
	Line     int
}

// stack is owned by exactly one goroutine.
type stack struct {
	entries []Entry
}

// Tracker holds the stacks of every worker seen in a session.
//
// Thread Safety: Push, Pop and Depth for worker w must only be called from
// worker w. Workers may be called from any goroutine.
type Tracker struct {
	stacks sync.Map // int64 (worker id) → *stack
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{}
}

// Push appends e to the stack of worker w.
func (t *Tracker) Push(w int64, e Entry) {
	if v, ok := t.stacks.Load(w); ok {
		s := v.(*stack)
		s.entries = append(s.entries, e)
		return
	}
	s := &stack{entries: make([]Entry, 0, 8)}
	s.entries = append(s.entries, e)
	t.stacks.Store(w, s)
}

// Pop removes and returns the top entry of worker w's stack.
//
// Popping an empty stack is a legitimate no-op: tracing may start in the
// middle of a call chain, so RETURNs without a matching CALL are expected.
// Pop reports false in that case.
//
// A stack that becomes empty is released.
func (t *Tracker) Pop(w int64) (Entry, bool) {
	v, ok := t.stacks.Load(w)
	if !ok {
		return Entry{}, false
	}
	s := v.(*stack)
	n := len(s.entries)
	if n == 0 {
		t.stacks.Delete(w)
		return Entry{}, false
	}

	e := s.entries[n-1]
	s.entries = s.entries[:n-1]
	if n == 1 {
		t.stacks.Delete(w)
	}
	return e, true
}

// Depth returns the current stack depth of worker w.
func (t *Tracker) Depth(w int64) int {
	if v, ok := t.stacks.Load(w); ok {
		return len(v.(*stack).entries)
	}
	return 0
}

// Top returns the innermost entry of worker w's stack.
func (t *Tracker) Top(w int64) (Entry, bool) {
	v, ok := t.stacks.Load(w)
	if !ok {
		return Entry{}, false
	}
	s := v.(*stack)
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// Workers returns the ids of workers with a non-empty stack, ascending.
func (t *Tracker) Workers() []int64 {
	var ids []int64
	t.stacks.Range(func(k, _ any) bool {
		ids = append(ids, k.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
