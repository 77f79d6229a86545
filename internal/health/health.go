// Package health tracks the process-wide health status served by /health.
//
// Instead of one conflated boolean, three independent sub-statuses are
// tracked (webhook registration, self-probe, rate limiting) and overall
// health is their conjunction. The rate-limit signal self-heals once the
// limiter window has passed; the other two are owned by their components.
package health

import (
	"sync"
	"time"
)

// Check names used in snapshots and the /health payload.
const (
	CheckRegistration = "registration"
	CheckProbe        = "probe"
	CheckRateLimit    = "ratelimit"
)

type Status struct {
	OK        bool      `json:"ok"`
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

type Snapshot struct {
	Healthy   bool              `json:"healthy"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	registration Status
	probe        Status

	// Rate-limit degradation is time-bounded: unhealthy until rlUntil.
	rlSince  time.Time
	rlUntil  time.Time
	rlReason string

	now func() time.Time
}

func NewTracker() *Tracker {
	now := time.Now
	t := now()
	return &Tracker{
		// Until the registrar and prober have reported, assume healthy so
		// the very first self-probe doesn't see a 503 of its own making.
		registration: Status{OK: true, ChangedAt: t},
		probe:        Status{OK: true, ChangedAt: t},
		now:          now,
	}
}

// SetNow injects a clock for tests.
func (h *Tracker) SetNow(now func() time.Time) {
	h.mu.Lock()
	h.now = now
	h.mu.Unlock()
}

func (h *Tracker) SetRegistration(ok bool, reason string) {
	h.mu.Lock()
	h.setLocked(&h.registration, ok, reason)
	h.mu.Unlock()
}

func (h *Tracker) SetProbe(ok bool, reason string) {
	h.mu.Lock()
	h.setLocked(&h.probe, ok, reason)
	h.mu.Unlock()
}

// NoteRateLimited degrades health for the remainder of the limiter window.
func (h *Tracker) NoteRateLimited(window time.Duration) {
	h.mu.Lock()
	now := h.now()
	until := now.Add(window)
	if until.After(h.rlUntil) {
		if !now.Before(h.rlUntil) {
			h.rlSince = now
		}
		h.rlUntil = until
		h.rlReason = "rate limit exceeded"
	}
	h.mu.Unlock()
}

// NoteHandlerError records an uncaught handler failure against the probe
// sub-status; the next successful self-probe clears it.
func (h *Tracker) NoteHandlerError(reason string) {
	h.mu.Lock()
	h.setLocked(&h.probe, false, reason)
	h.mu.Unlock()
}

func (h *Tracker) setLocked(s *Status, ok bool, reason string) {
	if s.OK != ok || s.Reason != reason {
		s.ChangedAt = h.now()
	}
	s.OK = ok
	s.Reason = reason
}

func (h *Tracker) Healthy() bool {
	return h.Snapshot().Healthy
}

func (h *Tracker) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	rl := Status{OK: true}
	if now.Before(h.rlUntil) {
		rl = Status{OK: false, Reason: h.rlReason, ChangedAt: h.rlSince}
	}

	snap := Snapshot{
		Timestamp: now,
		Checks: map[string]Status{
			CheckRegistration: h.registration,
			CheckProbe:        h.probe,
			CheckRateLimit:    rl,
		},
	}
	snap.Healthy = h.registration.OK && h.probe.OK && rl.OK
	return snap
}
