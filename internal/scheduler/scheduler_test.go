package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsTasksOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(slog.Default(), clock)

	var fast, slow atomic.Int32
	s.Add(Task{Name: "fast", Every: time.Second, Run: func(context.Context) { fast.Add(1) }})
	s.Add(Task{Name: "slow", Every: 3 * time.Second, Run: func(context.Context) { slow.Add(1) }})

	s.Start(context.Background())
	defer s.Stop()

	clock.BlockUntil(2) // both tickers waiting
	clock.Advance(3 * time.Second)

	assert.Eventually(t, func() bool {
		return fast.Load() >= 1 && slow.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopHaltsTasks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(slog.Default(), clock)

	var runs atomic.Int32
	s.Add(Task{Name: "tick", Every: time.Second, Run: func(context.Context) { runs.Add(1) }})

	s.Start(context.Background())
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	before := runs.Load()
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, runs.Load(), "no runs after Stop")
}

func TestScheduler_AddAfterStartPanics(t *testing.T) {
	s := New(slog.Default(), clockwork.NewFakeClock())
	s.Start(context.Background())
	defer s.Stop()

	assert.Panics(t, func() {
		s.Add(Task{Name: "late", Every: time.Second, Run: func(context.Context) {}})
	})
}
