// Package debounce rate-limits side effects that must happen at most once
// per cooldown window, such as create-table commands triggered by put
// failures.
package debounce

import (
	"sync"
	"time"
)

type Debouncer struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
	now      func() time.Time
}

func New(cooldown time.Duration) *Debouncer {
	return &Debouncer{cooldown: cooldown, now: time.Now}
}

// Allow reports whether the action may fire now, and if so records the
// attempt. Concurrent callers see at most one true per cooldown window.
func (d *Debouncer) Allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.cooldown {
		return false
	}
	d.last = now
	return true
}
