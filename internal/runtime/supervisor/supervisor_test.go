package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "relaybot/pkg/logx"
)

func TestStopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	started := make(chan struct{})
	s.Go0("worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestFirstErrorWins(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	first := errors.New("first failure")
	s.Go("failing", func(ctx context.Context) error { return first })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || !errors.Is(err, first) {
		t.Fatalf("err = %v, want wrapped first failure", err)
	}
}

func TestCanceledIsNotAnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("context.Canceled should be swallowed, got %v", err)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), logx.Nop())

	s.Go0("panicking", func(ctx context.Context) { panic("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil {
		t.Fatal("panic should surface as the supervisor error")
	}
}
