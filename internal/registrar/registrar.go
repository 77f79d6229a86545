// Package registrar registers the server's callback URL with Telegram at
// startup, retrying with a fixed delay up to a bounded attempt count.
//
// Registration is best-effort against an unreliable third-party: bounded
// retries tolerate transient platform outages without an infinite
// reconnection storm. Exhaustion is terminal and requires an operator.
package registrar

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/health"
	logx "relaybot/pkg/logx"
)

type State string

const (
	StatePending   State = "pending"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
)

// SetWebhookFunc performs the platform call and returns the platform's
// acknowledgement description.
type SetWebhookFunc func(ctx context.Context) (string, error)

type Snapshot struct {
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	LastErr  string `json:"last_error,omitempty"`
}

type Registrar struct {
	set    SetWebhookFunc
	health *health.Tracker
	log    logx.Logger

	maxRetries int
	delay      time.Duration

	// after is swappable for tests (fake timer).
	after func(d time.Duration) <-chan time.Time

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
}

type Option func(*Registrar)

// WithTimer injects the retry timer (tests).
func WithTimer(after func(d time.Duration) <-chan time.Time) Option {
	return func(r *Registrar) { r.after = after }
}

func New(set SetWebhookFunc, h *health.Tracker, log logx.Logger, maxRetries int, delay time.Duration, opts ...Option) *Registrar {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registrar{
		set:        set,
		health:     h,
		log:        log,
		maxRetries: maxRetries,
		delay:      delay,
		after:      time.After,
		state:      StatePending,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registrar) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{State: r.state, Attempts: r.attempts}
	if r.lastErr != nil {
		s.LastErr = r.lastErr.Error()
	}
	return s
}

// Run drives registration to a terminal state (succeeded or exhausted) or
// until ctx is cancelled. Call after the HTTP listener is bound, so the
// callback endpoint exists before Telegram starts delivering to it.
func (r *Registrar) Run(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		r.note(attempt)

		desc, err := r.set(ctx)
		if err == nil {
			r.health.SetRegistration(true, "")
			r.finish(StateSucceeded, nil)
			r.log.Info("webhook registered",
				logx.Int("attempt", attempt+1),
				logx.String("ack", desc))
			return
		}
		if ctx.Err() != nil {
			return
		}

		r.health.SetRegistration(false, err.Error())
		if attempt >= r.maxRetries {
			r.finish(StateExhausted, err)
			r.log.Error("webhook registration exhausted; operator intervention required",
				logx.Int("attempts", attempt+1),
				logx.Err(err))
			return
		}

		r.retrying(err)
		r.log.Warn("webhook registration failed; retrying",
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", r.delay),
			logx.Err(err))

		select {
		case <-ctx.Done():
			return
		case <-r.after(r.delay):
		}
	}
}

func (r *Registrar) note(attempt int) {
	r.mu.Lock()
	r.attempts = attempt + 1
	r.mu.Unlock()
}

func (r *Registrar) retrying(err error) {
	r.mu.Lock()
	r.state = StateRetrying
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Registrar) finish(s State, err error) {
	r.mu.Lock()
	r.state = s
	r.lastErr = err
	r.mu.Unlock()
}
