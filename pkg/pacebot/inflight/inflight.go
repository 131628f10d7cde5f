// Package inflight provides the per-conversation exclusive gate that keeps
// two handlers from running for the same conversation at once.
package inflight

import "sync"

// Tracker is the set of conversations currently being handled.
type Tracker struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{busy: make(map[string]struct{})}
}

// TryAcquire marks the conversation busy and reports true, or reports false
// without changing anything if it is already busy.
func (t *Tracker) TryAcquire(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.busy[conversationID]; ok {
		return false
	}
	t.busy[conversationID] = struct{}{}
	return true
}

// Release clears the busy mark. Releasing a free conversation is a no-op.
func (t *Tracker) Release(conversationID string) {
	t.mu.Lock()
	delete(t.busy, conversationID)
	t.mu.Unlock()
}

// Busy returns the number of conversations currently held.
func (t *Tracker) Busy() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.busy)
}
