package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Send outcomes published on the bus.
const (
	OutcomeSent    = "sent"
	OutcomeDeduped = "deduped"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// SendEvent describes the outcome of one outbound notification attempt.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Slow subscribers may drop events (bounded backpressure).
type SendEvent struct {
	At      time.Time
	Kind    string // "welcome", "referral", "direct"
	Key     string // dedup key, empty for direct sends
	ChatID  int64
	Outcome string
	Err     string
}

type Bus interface {
	Publish(e SendEvent)
	Subscribe(buffer int) (ch <-chan SendEvent, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan SendEvent{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan SendEvent
	seq  atomic.Uint64
}

func (b *memBus) Publish(e SendEvent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan SendEvent, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; recover in case a subscriber closed its
		// channel concurrently with this send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan SendEvent, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan SendEvent, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
