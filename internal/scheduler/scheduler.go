// Package scheduler runs the engine's named periodic tasks (batch flush,
// detector sweep, health probe) under one roof, so every timer observes the
// same shutdown signal and the same clock. The webhook drain is not one of
// these tasks: the dispatcher runs its own ticker loop in Dispatcher.Run.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Task is one named periodic job.
type Task struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context)
}

// Scheduler fans tasks out to their own tick loops.
type Scheduler struct {
	logger *slog.Logger
	clock  clockwork.Clock

	mu      sync.Mutex
	tasks   []Task
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an empty scheduler.
func New(logger *slog.Logger, clock clockwork.Clock) *Scheduler {
	return &Scheduler{logger: logger, clock: clock}
}

// Add registers a task. Panics if called after Start, which would be a
// wiring bug.
func (s *Scheduler) Add(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("scheduler: Add after Start")
	}
	s.tasks = append(s.tasks, t)
}

// Start launches every task loop. The loops stop when ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(runCtx, t)
	}
	s.logger.Info("scheduler started", "tasks", len(s.tasks))
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(t.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.Run(ctx)
		}
	}
}

// Stop cancels every task loop and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
