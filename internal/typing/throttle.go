package typing

import (
	"sync"
	"time"
)

// Throttle limits outgoing typing pings to one per interval, regardless of
// keystroke rate.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	return &Throttle{interval: interval, now: time.Now}
}

// Allow reports whether a ping may be sent now, and if so records it.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Reset lets the next Allow through, e.g. after a message was sent.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = time.Time{}
	t.mu.Unlock()
}
