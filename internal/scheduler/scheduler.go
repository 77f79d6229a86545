// Package scheduler runs the app's periodic maintenance jobs (cache
// sweep, self-probe) on fixed intervals.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "relaybot/pkg/logx"
)

type Service struct {
	log logx.Logger

	mu      sync.Mutex
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	pending []job // jobs registered before Start
}

type job struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context)
}

func New(log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log}
}

// Every registers fn to run on a fixed interval. Safe before or after Start.
func (s *Service) Every(name string, every time.Duration, fn func(ctx context.Context)) {
	if every <= 0 || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job{name: name, every: every, fn: fn}
	if s.c == nil {
		s.pending = append(s.pending, j)
		return
	}
	s.addLocked(j)
}

func (s *Service) addLocked(j job) {
	runCtx := s.runCtx
	log := s.log
	s.c.Schedule(cron.Every(j.every), cron.FuncJob(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in scheduled job",
					logx.String("job", j.name),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		if runCtx.Err() != nil {
			return
		}
		j.fn(runCtx)
	}))
	log.Debug("job scheduled", logx.String("job", j.name), logx.Duration("every", j.every))
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New()
	for _, j := range s.pending {
		s.addLocked(j)
	}
	s.pending = nil
	s.c.Start()
}

// Stop halts scheduling and waits for running jobs up to ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	done := c.Stop() // returns a ctx that is done when running jobs finish
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
