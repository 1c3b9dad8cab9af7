package bulk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/observability"
)

type fakeWriter struct {
	mu       sync.Mutex
	written  []string
	failFor  map[string]int // userID -> remaining failures
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{failFor: map[string]int{}}
}

func (f *fakeWriter) Update(_ context.Context, loc *domain.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[loc.UserID]; n > 0 {
		f.failFor[loc.UserID] = n - 1
		return errors.New("index write failed")
	}
	f.written = append(f.written, loc.UserID)
	return nil
}

func (f *fakeWriter) writtenIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

type fakeDetector struct {
	mu        sync.Mutex
	processed []string
}

func (f *fakeDetector) ProcessLocation(_ context.Context, loc *domain.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, loc.UserID)
	return nil
}

func (f *fakeDetector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processed)
}

func loc(userID string) *domain.LocationUpdate {
	return &domain.LocationUpdate{
		UserID:     userID,
		Coordinate: domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
	}
}

func newTestProcessor(w *fakeWriter, d *fakeDetector, cfg Config) *Processor {
	return New(w, d, cfg, slog.Default(), observability.NewMetricsForTesting(), clockwork.NewRealClock())
}

func TestEnqueue_Validates(t *testing.T) {
	p := newTestProcessor(newFakeWriter(), &fakeDetector{}, Config{})

	require.NoError(t, p.Enqueue(loc("u1")))
	assert.Equal(t, 1, p.QueueSize())

	err := p.Enqueue(&domain.LocationUpdate{Coordinate: domain.Coordinate{Lat: 1, Lon: 1}})
	require.Error(t, err)
	assert.Equal(t, 1, p.QueueSize())
}

func TestEnqueueBatch_AllOrNothing(t *testing.T) {
	p := newTestProcessor(newFakeWriter(), &fakeDetector{}, Config{})

	err := p.EnqueueBatch([]*domain.LocationUpdate{
		loc("u1"),
		{UserID: "u2", Coordinate: domain.Coordinate{Lat: 99, Lon: 0}},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Zero(t, p.QueueSize(), "invalid batch rejected whole")

	require.NoError(t, p.EnqueueBatch([]*domain.LocationUpdate{loc("u1"), loc("u2")}))
	assert.Equal(t, 2, p.QueueSize())
}

func TestRun_SizeTrigger(t *testing.T) {
	w := newFakeWriter()
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 3, TimeTrigger: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.EnqueueBatch([]*domain.LocationUpdate{loc("u1"), loc("u2"), loc("u3")}))

	require.Eventually(t, func() bool { return d.count() == 3 },
		2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, w.writtenIDs())
	assert.Zero(t, p.QueueSize())
}

func TestRun_TimeTrigger(t *testing.T) {
	w := newFakeWriter()
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 100, TimeTrigger: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Enqueue(loc("u1")))

	require.Eventually(t, func() bool { return d.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestRun_RetriesToHeadThenDrops(t *testing.T) {
	w := newFakeWriter()
	w.failFor["bad"] = 100 // never recovers
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 2, TimeTrigger: 10 * time.Millisecond, MaxRetries: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.EnqueueBatch([]*domain.LocationUpdate{loc("bad"), loc("ok")}))

	// The failing item surfaces as an observation once retries are spent.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case obs := <-p.Observations():
			if obs.Kind == "location_failed" {
				assert.Equal(t, "bad", obs.UserID)
				stats := p.Stats()
				assert.Equal(t, uint64(1), stats.ErrorCount)
				assert.Equal(t, uint64(1), stats.SuccessCount)
				return
			}
		case <-deadline:
			t.Fatal("expected a location_failed observation")
		}
	}
}

func TestRun_TransientFailureRecovers(t *testing.T) {
	w := newFakeWriter()
	w.failFor["flaky"] = 1 // fails once, then succeeds
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 1, TimeTrigger: 10 * time.Millisecond, MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.Enqueue(loc("flaky")))

	require.Eventually(t, func() bool { return d.count() == 1 },
		2*time.Second, 10*time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.SuccessCount)
	assert.Zero(t, stats.ErrorCount)
}

func TestRun_DrainsOnShutdown(t *testing.T) {
	w := newFakeWriter()
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 1000, TimeTrigger: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Enqueue(loc("u"+string(rune('0'+i)))))
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, 5, d.count(), "queued items drained before shutdown")
}

func TestQueueOverflowObservation(t *testing.T) {
	p := newTestProcessor(newFakeWriter(), &fakeDetector{}, Config{})

	updates := make([]*domain.LocationUpdate, overflowThreshold+1)
	for i := range updates {
		updates[i] = loc("u")
	}
	require.NoError(t, p.EnqueueBatch(updates))

	select {
	case obs := <-p.Observations():
		assert.Equal(t, "queue_overflow", obs.Kind)
		assert.Greater(t, obs.QueueDepth, overflowThreshold)
	default:
		t.Fatal("expected queue_overflow observation")
	}
}

func TestStats_Throughput(t *testing.T) {
	w := newFakeWriter()
	d := &fakeDetector{}
	p := newTestProcessor(w, d, Config{SizeTrigger: 2, TimeTrigger: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.NoError(t, p.EnqueueBatch([]*domain.LocationUpdate{loc("u1"), loc("u2")}))
	require.Eventually(t, func() bool { return d.count() == 2 },
		2*time.Second, 10*time.Millisecond)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.TotalProcessed)
	assert.Greater(t, stats.ThroughputPerSecond, 0.0)
	assert.Greater(t, stats.AverageProcessing, time.Duration(0))
}
