package debounce

import (
	"sync"
	"testing"
	"time"
)

func TestAllowWithinCooldown(t *testing.T) {
	d := New(5 * time.Minute)
	base := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	now := base
	d.now = func() time.Time { return now }

	if !d.Allow() {
		t.Fatal("first call should be allowed")
	}
	if d.Allow() {
		t.Error("immediate second call should be debounced")
	}
	now = base.Add(4 * time.Minute)
	if d.Allow() {
		t.Error("call within cooldown should be debounced")
	}
	now = base.Add(5 * time.Minute)
	if !d.Allow() {
		t.Error("call after cooldown should be allowed")
	}
	if d.Allow() {
		t.Error("window restarts after an allowed call")
	}
}

func TestAllowConcurrent(t *testing.T) {
	d := New(time.Hour)

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 64)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Allow() {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for range allowed {
		n++
	}
	if n != 1 {
		t.Errorf("%d concurrent calls allowed, want exactly 1", n)
	}
}
