package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func newTestCache(t *testing.T, window, retention time.Duration) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	c := New(logx.Nop(), window, retention, WithClock(func() time.Time { return now }))
	return c, &now
}

func TestShouldSendWindow(t *testing.T) {
	t.Parallel()
	c, now := newTestCache(t, 24*time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	if !c.ShouldSend(ctx, "welcome_1", c.Window()) {
		t.Fatal("fresh key should be allowed")
	}
	c.MarkSent(ctx, "welcome_1")
	if c.ShouldSend(ctx, "welcome_1", c.Window()) {
		t.Fatal("key inside window should be suppressed")
	}

	// One nanosecond short of the window still suppresses.
	*now = now.Add(24*time.Hour - time.Nanosecond)
	if c.ShouldSend(ctx, "welcome_1", c.Window()) {
		t.Fatal("key at window-1ns should be suppressed")
	}

	// Exactly at the window boundary the key is allowed again.
	*now = now.Add(time.Nanosecond)
	if !c.ShouldSend(ctx, "welcome_1", c.Window()) {
		t.Fatal("key at exactly window age should be allowed")
	}
}

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	if !c.Acquire(ctx, "welcome_2") {
		t.Fatal("first acquire should win")
	}
	if c.Acquire(ctx, "welcome_2") {
		t.Fatal("second acquire inside window should lose")
	}

	// A failed send releases the provisional mark; the retry may send.
	c.Release(ctx, "welcome_2")
	if !c.Acquire(ctx, "welcome_2") {
		t.Fatal("acquire after release should win")
	}
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Acquire(ctx, "referral_1_2") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
}

func TestSweepEvictsOnlyExpired(t *testing.T) {
	t.Parallel()
	c, now := newTestCache(t, time.Hour, 48*time.Hour)
	ctx := context.Background()

	c.MarkSentAt(ctx, "old", now.Add(-72*time.Hour))
	c.MarkSentAt(ctx, "fresh", now.Add(-time.Hour))

	if got := c.Sweep(ctx, c.Retention()); got != 1 {
		t.Fatalf("Sweep removed %d, want 1", got)
	}
	st := c.Stats(10)
	if st.Total != 1 || st.Sample[0].Key != "fresh" {
		t.Fatalf("after sweep: %+v", st)
	}

	// Swept key is sendable again even though it was once marked.
	if !c.ShouldSend(ctx, "old", c.Window()) {
		t.Fatal("swept key should be sendable")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	c.MarkSent(ctx, "a")
	c.MarkSent(ctx, "b")
	if got := c.Clear(ctx); got != 2 {
		t.Fatalf("Clear = %d, want 2", got)
	}
	if st := c.Stats(10); st.Total != 0 {
		t.Fatalf("Total after clear = %d, want 0", st.Total)
	}
	if !c.ShouldSend(ctx, "a", c.Window()) {
		t.Fatal("cleared key should be sendable")
	}
}

func TestStatsSortedAndBounded(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Hour, 24*time.Hour)
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b", "d"} {
		c.MarkSent(ctx, k)
	}
	st := c.Stats(3)
	if st.Total != 4 {
		t.Fatalf("Total = %d, want 4", st.Total)
	}
	if len(st.Sample) != 3 {
		t.Fatalf("Sample size = %d, want 3", len(st.Sample))
	}
	want := []string{"a", "b", "c"}
	for i, e := range st.Sample {
		if e.Key != want[i] {
			t.Fatalf("Sample[%d] = %s, want %s", i, e.Key, want[i])
		}
	}
}

func TestSetPolicy(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, time.Hour, 24*time.Hour)

	c.SetPolicy(2*time.Hour, 0)
	if c.Window() != 2*time.Hour {
		t.Fatalf("Window = %v, want 2h", c.Window())
	}
	if c.Retention() != 24*time.Hour {
		t.Fatalf("Retention changed on zero value: %v", c.Retention())
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	if got := WelcomeKey(42); got != "welcome_42" {
		t.Fatalf("WelcomeKey = %s", got)
	}
	if got := ReferralKey(7, 42); got != "referral_7_42" {
		t.Fatalf("ReferralKey = %s", got)
	}
}
