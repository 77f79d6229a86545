// Package dedup implements the notification de-duplication cache.
//
// The cache maps a notification key (recipient + notification kind, e.g.
// "welcome_123") to the timestamp of the last successful send. A repeat
// notification for the same key is suppressed while the key is younger
// than the configured window; a periodic sweep evicts records older than
// the retention horizon.
//
// Persistence is optional and best-effort: when a store is configured the
// cache consults it on memory misses and journals new marks through an
// async writer, so a restart loses at most the tail of recent marks.
package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

const (
	// storeReadTimeout bounds the synchronous store lookup on a memory
	// miss; dedup must never stall a user-facing request.
	storeReadTimeout = 25 * time.Millisecond

	storeWriteTimeout = 250 * time.Millisecond
)

type Entry struct {
	Key    string        `json:"key"`
	SentAt time.Time     `json:"sent_at"`
	Age    time.Duration `json:"age"`
}

type Stats struct {
	Total  int     `json:"total"`
	Sample []Entry `json:"sample"`
}

type persistWrite struct {
	key    string
	sentAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time

	window    time.Duration
	retention time.Duration

	store     storage.Store
	persistCh chan persistWrite

	log logx.Logger
	now func() time.Time
}

type Option func(*Cache)

// WithStore enables best-effort persistence.
func WithStore(st storage.Store) Option {
	return func(c *Cache) { c.store = st }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(log logx.Logger, window, retention time.Duration, opts ...Option) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{
		entries:   map[string]time.Time{},
		window:    window,
		retention: retention,
		log:       log,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.store != nil {
		c.persistCh = make(chan persistWrite, 1024)
	}
	return c
}

// SetPolicy applies new window/retention values (config hot reload).
func (c *Cache) SetPolicy(window, retention time.Duration) {
	c.mu.Lock()
	if window > 0 {
		c.window = window
	}
	if retention > 0 {
		c.retention = retention
	}
	c.mu.Unlock()
}

func (c *Cache) Window() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

func (c *Cache) Retention() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retention
}

// ShouldSend reports whether a notification for key is allowed: true when
// no record exists or the record is at least window old.
func (c *Cache) ShouldSend(ctx context.Context, key string, window time.Duration) bool {
	now := c.now()

	c.mu.Lock()
	sentAt, ok := c.entries[key]
	c.mu.Unlock()

	if !ok {
		if sentAt, ok = c.lookupStore(ctx, key); ok {
			c.mu.Lock()
			c.entries[key] = sentAt
			c.mu.Unlock()
		}
	}
	if !ok {
		return true
	}
	return now.Sub(sentAt) >= window
}

// Acquire is the atomic check-and-mark used by handlers: it suppresses the
// send (returns false) when key is within the window, otherwise records a
// provisional mark and returns true. Concurrent callers cannot both win,
// which is the one real race in this system. Callers that fail to send
// must Release so a failed attempt doesn't suppress retries.
func (c *Cache) Acquire(ctx context.Context, key string) bool {
	now := c.now()

	c.mu.Lock()
	window := c.window
	sentAt, ok := c.entries[key]
	if ok && now.Sub(sentAt) < window {
		c.mu.Unlock()
		return false
	}
	// Provisional mark while holding the lock.
	c.entries[key] = now
	c.mu.Unlock()

	if !ok {
		// Memory miss: the store may remember a recent send from before a
		// restart. Best-effort, bounded.
		if stored, found := c.lookupStore(ctx, key); found && now.Sub(stored) < window {
			c.mu.Lock()
			c.entries[key] = stored
			c.mu.Unlock()
			return false
		}
	}

	c.enqueuePersist(key, now)
	return true
}

// Release undoes a provisional Acquire mark after a failed send.
func (c *Cache) Release(ctx context.Context, key string) {
	_ = ctx
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// MarkSent records a successful send for key at the current time.
func (c *Cache) MarkSent(ctx context.Context, key string) {
	c.MarkSentAt(ctx, key, c.now())
}

func (c *Cache) MarkSentAt(ctx context.Context, key string, t time.Time) {
	_ = ctx
	c.mu.Lock()
	c.entries[key] = t
	c.mu.Unlock()
	c.enqueuePersist(key, t)
}

// Sweep evicts records older than retention and returns the count removed.
func (c *Cache) Sweep(ctx context.Context, retention time.Duration) int {
	cutoff := c.now().Add(-retention)

	c.mu.Lock()
	removed := 0
	for k, t := range c.entries {
		if t.Before(cutoff) {
			delete(c.entries, k)
			removed++
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		if _, err := c.store.DeleteDedupBefore(sctx, cutoff); err != nil {
			c.log.Debug("store sweep failed", logx.Err(err))
		}
		cancel()
	}
	return removed
}

// Clear removes all records and returns the prior count.
func (c *Cache) Clear(ctx context.Context) int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = map[string]time.Time{}
	c.mu.Unlock()

	if c.store != nil {
		// Everything before now+1s is everything.
		sctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
		if _, err := c.store.DeleteDedupBefore(sctx, c.now().Add(time.Second)); err != nil {
			c.log.Debug("store clear failed", logx.Err(err))
		}
		cancel()
	}
	return n
}

// Stats returns the total record count and a bounded sample of entries,
// sorted by key for stable output.
func (c *Cache) Stats(limit int) Stats {
	if limit <= 0 {
		limit = 10
	}
	now := c.now()

	c.mu.Lock()
	st := Stats{Total: len(c.entries)}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	for _, k := range keys {
		t := c.entries[k]
		st.Sample = append(st.Sample, Entry{Key: k, SentAt: t, Age: now.Sub(t)})
	}
	c.mu.Unlock()
	return st
}

// RunPersist drains the async persist queue until ctx is done. Started
// under the app supervisor when a store is configured.
func (c *Cache) RunPersist(ctx context.Context) {
	if c.persistCh == nil || c.store == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-c.persistCh:
			wctx, cancel := context.WithTimeout(ctx, storeWriteTimeout)
			if err := c.store.PutDedup(wctx, w.key, w.sentAt); err != nil {
				c.log.Debug("dedup persist failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}

func (c *Cache) lookupStore(ctx context.Context, key string) (time.Time, bool) {
	if c.store == nil {
		return time.Time{}, false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sctx, cancel := context.WithTimeout(ctx, storeReadTimeout)
	defer cancel()
	sentAt, ok, err := c.store.GetDedup(sctx, key)
	if err != nil || !ok {
		return time.Time{}, false
	}
	return sentAt, true
}

func (c *Cache) enqueuePersist(key string, t time.Time) {
	if c.persistCh == nil {
		return
	}
	// Never block callers on persistence.
	select {
	case c.persistCh <- persistWrite{key: key, sentAt: t}:
	default:
	}
}
