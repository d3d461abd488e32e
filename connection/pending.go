package connection

import (
	"encoding/json"
	"sync"
	"time"
)

// outcome is the single resolution of a pending request: a raw result or an
// error, never both.
type outcome struct {
	result json.RawMessage
	err    error
}

// waiter is the receiving side of one in-flight request. The channel is
// buffered so resolution never blocks the inbound pump.
type waiter struct {
	ch      chan outcome
	created time.Time
}

// pendingTable correlates request ids with their waiters. An id is removed
// from the table at the moment it is resolved, failed, or abandoned, which
// makes a second resolution attempt an observable no-op.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		waiters: make(map[string]*waiter),
	}
}

// Register creates a waiter for the given request id, replacing any stale
// entry with the same id.
func (t *pendingTable) Register(id string) *waiter {
	w := &waiter{
		ch:      make(chan outcome, 1),
		created: time.Now(),
	}

	t.mu.Lock()
	t.waiters[id] = w
	t.mu.Unlock()

	return w
}

// Resolve delivers a success value to the waiter for id. Unknown or already
// resolved ids are ignored; returns whether a waiter was resolved.
func (t *pendingTable) Resolve(id string, result json.RawMessage) bool {
	w := t.take(id)
	if w == nil {
		return false
	}
	w.ch <- outcome{result: result}
	return true
}

// Fail delivers a failure to the waiter for id. Unknown or already resolved
// ids are ignored; returns whether a waiter was failed.
func (t *pendingTable) Fail(id string, err error) bool {
	w := t.take(id)
	if w == nil {
		return false
	}
	w.ch <- outcome{err: err}
	return true
}

// Remove drops the waiter for id without resolving it. Used when the caller
// gives up (timeout, cancellation, failed send).
func (t *pendingTable) Remove(id string) bool {
	return t.take(id) != nil
}

// DrainAll fails every outstanding waiter with err and empties the table.
// Returns the number of waiters failed.
func (t *pendingTable) DrainAll(err error) int {
	t.mu.Lock()
	drained := t.waiters
	t.waiters = make(map[string]*waiter)
	t.mu.Unlock()

	for _, w := range drained {
		w.ch <- outcome{err: err}
	}
	return len(drained)
}

// Len returns the number of outstanding requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// lookup returns the waiter for id without removing it, or nil if absent.
func (t *pendingTable) lookup(id string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waiters[id]
}

// take removes and returns the waiter for id, or nil if absent.
func (t *pendingTable) take(id string) *waiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.waiters[id]
	if !ok {
		return nil
	}
	delete(t.waiters, id)
	return w
}
