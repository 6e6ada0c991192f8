// Package sessions tracks the open live connections so the gateway can
// notify and cancel them while draining.
package sessions

import (
	"context"
	"sync"
)

// Handle is what the tracker needs from one connection.
type Handle struct {
	UserID string
	Cancel func()
	Notify func(message string) error
}

// Tracker is safe for concurrent use. The zero value is not usable; call
// NewTracker. A nil *Tracker ignores every call.
type Tracker struct {
	mu     sync.Mutex
	byConv map[string]*entry
	byUser map[string]int
	// idle is closed whenever no connection is registered.
	idle chan struct{}
}

type entry struct {
	handle Handle
	gone   bool
}

func NewTracker() *Tracker {
	idle := make(chan struct{})
	close(idle)
	return &Tracker{
		byConv: make(map[string]*entry),
		byUser: make(map[string]int),
		idle:   idle,
	}
}

// Register adds a connection under its conversation id. Registering an id
// twice replaces the older entry; the older unregister func becomes a no-op.
func (t *Tracker) Register(conversationID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{handle: h}

	t.mu.Lock()
	if old := t.byConv[conversationID]; old != nil {
		t.removeLocked(conversationID, old)
	}
	if len(t.byConv) == 0 {
		t.idle = make(chan struct{})
	}
	t.byConv[conversationID] = e
	t.byUser[h.UserID]++
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		t.removeLocked(conversationID, e)
		t.mu.Unlock()
	}
}

func (t *Tracker) removeLocked(conversationID string, e *entry) {
	if e.gone {
		return
	}
	e.gone = true
	if t.byConv[conversationID] == e {
		delete(t.byConv, conversationID)
	}
	if t.byUser[e.handle.UserID]--; t.byUser[e.handle.UserID] <= 0 {
		delete(t.byUser, e.handle.UserID)
	}
	if len(t.byConv) == 0 {
		close(t.idle)
	}
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConv)
}

// CountUser returns how many open connections belong to userID.
func (t *Tracker) CountUser(userID string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byUser[userID]
}

// snapshot copies the handles so callbacks run without the lock held.
func (t *Tracker) snapshot() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.byConv))
	for _, e := range t.byConv {
		out = append(out, e.handle)
	}
	return out
}

// NotifyAll sends message to every connection and returns how many
// accepted it.
func (t *Tracker) NotifyAll(message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Notify != nil && h.Notify(message) == nil {
			sent++
		}
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.snapshot() {
		if h.Cancel != nil {
			h.Cancel()
			canceled++
		}
	}
	return canceled
}

// Wait blocks until no connection is registered or ctx ends; it reports
// whether the tracker drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		t.mu.Lock()
		idle := t.idle
		empty := len(t.byConv) == 0
		t.mu.Unlock()
		if empty {
			return true
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return false
		}
	}
}
