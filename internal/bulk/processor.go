// Package bulk is the high-volume intake for location updates: an
// unbounded FIFO queue drained by size- and time-triggered batches, each
// split across a bounded set of workers. Every item goes into the location
// indexer's batch buffer (which coalesces the actual index writes), is
// checked against the active zones, and its events handed to the webhook
// dispatcher. Failed items re-enter the head of the queue until their
// retry budget runs out.
package bulk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/observability"
)

// Defaults for the processor.
const (
	DefaultSizeTrigger = 100
	DefaultTimeTrigger = time.Second
	DefaultConcurrency = 5
	DefaultMaxRetries  = 3

	// Queue depth at which a QueueOverflow observation is emitted.
	overflowThreshold = 1000

	// Rolling windows for the stats snapshot.
	avgSampleSize    = 1000
	throughputWindow = 5 * time.Second
)

// writer is the C5 slice the processor writes through: the buffered batch
// path, so bulk volume coalesces into pipelined index flushes.
type writer interface {
	Update(ctx context.Context, loc *domain.LocationUpdate) error
}

// detector is the C7 on-demand path: check intersections and emit events.
type detector interface {
	ProcessLocation(ctx context.Context, loc *domain.LocationUpdate) error
}

// Config tunes the processor. Zero values take the defaults.
type Config struct {
	SizeTrigger int
	TimeTrigger time.Duration
	Concurrency int
	MaxRetries  int
}

func (c *Config) applyDefaults() {
	if c.SizeTrigger <= 0 {
		c.SizeTrigger = DefaultSizeTrigger
	}
	if c.TimeTrigger <= 0 {
		c.TimeTrigger = DefaultTimeTrigger
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Observation is a non-error signal from the processor.
type Observation struct {
	Kind       string `json:"kind"` // queue_overflow | location_failed
	UserID     string `json:"user_id,omitempty"`
	QueueDepth int    `json:"queue_depth,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Stats is a snapshot of the processor's counters and rolling windows.
type Stats struct {
	TotalProcessed       uint64        `json:"total_processed"`
	SuccessCount         uint64        `json:"success_count"`
	ErrorCount           uint64        `json:"error_count"`
	AverageProcessing    time.Duration `json:"average_processing_time"`
	QueueSize            int           `json:"queue_size"`
	ThroughputPerSecond  float64       `json:"throughput_per_second"`
}

type item struct {
	loc     *domain.LocationUpdate
	retries int
}

// Processor drains the bulk queue.
type Processor struct {
	writer   writer
	detector detector
	cfg      Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock

	mu    sync.Mutex
	queue []*item

	statsMu     sync.Mutex
	processed   uint64
	successes   uint64
	failures    uint64
	samples     []time.Duration
	sampleIdx   int
	completions []time.Time

	wake         chan struct{}
	observations chan Observation
}

// New builds a processor. Call Run to start draining.
func New(w writer, d detector, cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Processor {
	cfg.applyDefaults()
	return &Processor{
		writer:       w,
		detector:     d,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		clock:        clock,
		wake:         make(chan struct{}, 1),
		observations: make(chan Observation, 64),
	}
}

// Observations exposes the processor's signal stream. Slow consumers drop
// signals rather than blocking workers.
func (p *Processor) Observations() <-chan Observation { return p.observations }

// Enqueue validates and appends one update to the queue.
func (p *Processor) Enqueue(loc *domain.LocationUpdate) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	p.push([]*item{{loc: loc}}, false)
	return nil
}

// EnqueueBatch validates and appends a batch. The first validation error
// rejects the whole batch so callers can fix and resubmit.
func (p *Processor) EnqueueBatch(locs []*domain.LocationUpdate) error {
	items := make([]*item, len(locs))
	for i, loc := range locs {
		if err := loc.Validate(); err != nil {
			return domain.Errorf(domain.KindValidation, "item %d: %v", i, err)
		}
		items[i] = &item{loc: loc}
	}
	p.push(items, false)
	return nil
}

// push appends (or, for retries, prepends) items and wakes the loop.
func (p *Processor) push(items []*item, head bool) {
	p.mu.Lock()
	if head {
		p.queue = append(items, p.queue...)
	} else {
		p.queue = append(p.queue, items...)
	}
	depth := len(p.queue)
	p.mu.Unlock()

	p.metrics.BulkQueueDepth.Set(float64(depth))
	if depth > overflowThreshold {
		p.observe(Observation{Kind: "queue_overflow", QueueDepth: depth})
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// QueueSize returns the current queue depth.
func (p *Processor) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run drains the queue until ctx is cancelled: a batch starts when the
// size trigger is reached or the time trigger fires, and exactly one batch
// is in flight at a time. On cancellation the remaining queue is drained
// once before returning.
func (p *Processor) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.TimeTrigger)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case <-ticker.Chan():
			p.processBatch(context.WithoutCancel(ctx))
		case <-p.wake:
			if p.QueueSize() >= p.cfg.SizeTrigger {
				p.processBatch(context.WithoutCancel(ctx))
			}
		}
	}
}

// drain processes everything still queued, ignoring the size trigger.
func (p *Processor) drain() {
	for p.QueueSize() > 0 {
		p.processBatch(context.Background())
	}
}

// take removes up to n items from the queue head.
func (p *Processor) take(n int) []*item {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := p.queue[:n]
	p.queue = p.queue[n:]
	return batch
}

// processBatch runs one batch through the worker set.
func (p *Processor) processBatch(ctx context.Context) {
	batch := p.take(p.cfg.SizeTrigger)
	if len(batch) == 0 {
		return
	}
	defer p.metrics.BulkQueueDepth.Set(float64(p.QueueSize()))

	chunks := splitChunks(batch, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, chunk := range chunks {
		wg.Add(1)
		go func(items []*item) {
			defer wg.Done()
			for _, it := range items {
				p.processOne(ctx, it)
			}
		}(chunk)
	}
	wg.Wait()
}

func (p *Processor) processOne(ctx context.Context, it *item) {
	start := p.clock.Now()
	err := p.writer.Update(ctx, it.loc)
	if err == nil {
		err = p.detector.ProcessLocation(ctx, it.loc)
	}
	elapsed := p.clock.Since(start)

	if err == nil {
		p.recordSuccess(elapsed)
		return
	}

	if it.retries < p.cfg.MaxRetries {
		it.retries++
		p.metrics.BulkRetries.Inc()
		p.push([]*item{it}, true)
		return
	}

	p.recordFailure()
	p.metrics.BulkFailures.Inc()
	p.logger.Warn("bulk item dropped after retries",
		"user_id", it.loc.UserID, "retries", it.retries, "error", err)
	p.observe(Observation{Kind: "location_failed", UserID: it.loc.UserID, Err: err.Error()})
}

func (p *Processor) recordSuccess(elapsed time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.processed++
	p.successes++
	if len(p.samples) < avgSampleSize {
		p.samples = append(p.samples, elapsed)
	} else {
		p.samples[p.sampleIdx] = elapsed
		p.sampleIdx = (p.sampleIdx + 1) % avgSampleSize
	}
	p.completions = append(p.completions, p.clock.Now())
}

func (p *Processor) recordFailure() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.processed++
	p.failures++
}

// Stats returns a snapshot. The throughput window is pruned on read.
func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	cutoff := p.clock.Now().Add(-throughputWindow)
	kept := p.completions[:0]
	for _, t := range p.completions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.completions = kept

	var avg time.Duration
	if len(p.samples) > 0 {
		var sum time.Duration
		for _, s := range p.samples {
			sum += s
		}
		avg = sum / time.Duration(len(p.samples))
	}

	return Stats{
		TotalProcessed:      p.processed,
		SuccessCount:        p.successes,
		ErrorCount:          p.failures,
		AverageProcessing:   avg,
		QueueSize:           p.QueueSize(),
		ThroughputPerSecond: float64(len(p.completions)) / throughputWindow.Seconds(),
	}
}

func (p *Processor) observe(o Observation) {
	select {
	case p.observations <- o:
	default:
	}
}

// splitChunks divides items into at most n contiguous chunks.
func splitChunks(items []*item, n int) [][]*item {
	if len(items) == 0 {
		return nil
	}
	if n > len(items) {
		n = len(items)
	}
	size := (len(items) + n - 1) / n
	var chunks [][]*item
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
