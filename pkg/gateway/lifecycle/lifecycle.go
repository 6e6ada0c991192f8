// Package lifecycle holds the process draining state shared by probes and
// the live upgrade handler.
package lifecycle

import (
	"sync"
	"time"
)

type Lifecycle struct {
	mu       sync.RWMutex
	draining bool
	since    time.Time
	now      func() time.Time
}

// SetDraining flips the draining flag. The first transition to draining is
// timestamped; clearing the flag resets it.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case draining && !l.draining:
		l.since = l.clock()
	case !draining:
		l.since = time.Time{}
	}
	l.draining = draining
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.draining
}

// DrainingSince is zero unless the process is draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since
}

func (l *Lifecycle) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}
