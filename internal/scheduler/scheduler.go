// Package scheduler runs deferred one-shot actions (handoff timeouts) and
// cron-style recurring jobs (ledger pruning). One-shots are keyed so arming
// and cancelling are idempotent per key.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler owns all timers. Callbacks run on their own goroutines with the
// context passed to Start; after Close no new callbacks fire.
type Scheduler struct {
	log  *slog.Logger
	cron *gronx.Gronx

	mu     sync.Mutex
	timers map[string]*time.Timer
	jobs   []job
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

type job struct {
	name string
	expr string
	fn   func(context.Context) error
}

func New(log *slog.Logger) *Scheduler {
	return &Scheduler{
		log:    log.With("component", "scheduler"),
		cron:   gronx.New(),
		timers: map[string]*time.Timer{},
	}
}

// Every registers a recurring job with a cron expression. Jobs start firing
// once Start runs.
func (s *Scheduler) Every(name, expr string, fn func(context.Context) error) error {
	if !s.cron.IsValid(expr) {
		return fmt.Errorf("scheduler: invalid cron expression %q for %s", expr, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job{name: name, expr: expr, fn: fn})
	return nil
}

// At arms a one-shot action for the given instant, replacing any pending
// action under the same key. Instants in the past fire immediately.
func (s *Scheduler) At(key string, when time.Time, fn func(context.Context)) {
	s.After(key, time.Until(when), fn)
}

// After arms a one-shot action, replacing any pending action under the key.
func (s *Scheduler) After(key string, d time.Duration, fn func(context.Context)) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		ctx := s.ctx
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		fn(ctx)
	})
}

// Cancel stops a pending one-shot. Returns false when nothing was pending,
// so racing with the firing path is safe.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if !ok {
		return false
	}
	delete(s.timers, key)
	return t.Stop()
}

// Start runs the recurring-job loop until ctx is cancelled. Due checks tick
// once a minute, the cron grain.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.cancel = cancel
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	s.log.Info("scheduler started", "recurring_jobs", len(jobs))
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, j := range jobs {
				due, err := s.cron.IsDue(j.expr, now)
				if err != nil || !due {
					continue
				}
				go func(j job) {
					if err := j.fn(ctx); err != nil {
						s.log.Error("recurring job failed", "job", j.name, "error", err)
					}
				}(j)
			}
		}
	}
}

// Close stops every pending timer and prevents new ones from arming.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
