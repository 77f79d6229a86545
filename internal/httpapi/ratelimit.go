package httpapi

import (
	"sync"
	"time"
)

// fixedWindow is a per-client fixed-window request counter: max requests
// per window, counted from the first request in the window.
//
// x/time/rate's token bucket deliberately is not used here: the observed
// contract is a hard fixed-window count (N requests per 15 minutes), not
// a refill rate, and the two behave differently at window boundaries.
type fixedWindow struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	buckets map[string]*windowBucket

	now func() time.Time
}

type windowBucket struct {
	start time.Time
	count int
}

func newFixedWindow(window time.Duration, max int) *fixedWindow {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if max <= 0 {
		max = 100
	}
	return &fixedWindow{
		window:  window,
		max:     max,
		buckets: map[string]*windowBucket{},
		now:     time.Now,
	}
}

func (l *fixedWindow) Window() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.window
}

// SetLimits applies new limiter settings (config hot reload). Existing
// windows keep counting; only the bounds change.
func (l *fixedWindow) SetLimits(window time.Duration, max int) {
	l.mu.Lock()
	if window > 0 {
		l.window = window
	}
	if max > 0 {
		l.max = max
	}
	l.mu.Unlock()
}

func (l *fixedWindow) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil || now.Sub(b.start) >= l.window {
		// Opportunistic prune so idle clients don't accumulate forever.
		if len(l.buckets) > 10000 {
			l.pruneLocked(now)
		}
		l.buckets[key] = &windowBucket{start: now, count: 1}
		return true
	}
	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

func (l *fixedWindow) pruneLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.start) >= l.window {
			delete(l.buckets, k)
		}
	}
}
