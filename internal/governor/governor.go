// Package governor fronts the spatial-index pool with a priority queue, a
// sliding-window rate limiter, health-scored read routing, and per-request
// retries. One loop goroutine owns the queue and the window; routing and
// execution run concurrently, per request, once a request is admitted.
package governor

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/tile38"
)

// Defaults per the engine contract.
const (
	DefaultMaxRequestsPerSecond = 1000
	DefaultWindowSize           = time.Second
	DefaultRetryAttempts        = 3
	DefaultRetryDelay           = 100 * time.Millisecond

	// Queue depth at which a QueueOverflow observation is emitted.
	overflowThreshold = 100
)

// Health score deltas by observed latency.
const (
	scoreFast    = 5  // < 100 ms
	scoreOK      = 2  // < 500 ms
	scoreSlow    = 1
	scoreFailure = -10
)

// Config tunes the governor.
type Config struct {
	MaxRequestsPerSecond int
	WindowSize           time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRequestsPerSecond <= 0 {
		c.MaxRequestsPerSecond = DefaultMaxRequestsPerSecond
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// Observation is a non-error signal from the governor.
type Observation struct {
	Kind       string    `json:"kind"` // queue_overflow
	QueueDepth int       `json:"queue_depth"`
	At         time.Time `json:"at"`
}

// Stats is a counter snapshot.
type Stats struct {
	Processed   uint64 `json:"processed"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	QueueDepth  int    `json:"queue_depth"`
}

// executor is the slice of the pool the governor drives.
type executor interface {
	ReadCandidates() []*tile38.Conn
	Write() (*tile38.Conn, error)
	ExecuteOn(ctx context.Context, conn *tile38.Conn, cmd tile38.Command) (any, error)
}

type request struct {
	cmd      tile38.Command
	priority int
	seq      uint64
	write    bool
	ctx      context.Context
	done     chan result
}

type result struct {
	value any
	err   error
}

// requestHeap orders by priority descending, FIFO within a priority.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)        { *h = append(*h, x.(*request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Governor is the request scheduler in front of the index pool.
type Governor struct {
	pool   executor
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	mu    sync.Mutex
	queue requestHeap
	seq   uint64
	wake  chan struct{}

	window []time.Time // admission timestamps inside the sliding window

	observations chan Observation
	processed    atomic.Uint64
	failed       atomic.Uint64
	rateLimited  atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a governor over the pool. Call Run to start serving.
func New(pool executor, cfg Config, logger *slog.Logger, clock clockwork.Clock) *Governor {
	cfg.applyDefaults()
	return &Governor{
		pool:         pool,
		cfg:          cfg,
		logger:       logger,
		clock:        clock,
		wake:         make(chan struct{}, 1),
		observations: make(chan Observation, 64),
		stopped:      make(chan struct{}),
	}
}

// Observations exposes the governor's signal stream. Slow consumers drop
// signals rather than blocking the loop.
func (g *Governor) Observations() <-chan Observation { return g.observations }

// ExecuteRead schedules a read at the given priority and waits for the
// result.
func (g *Governor) ExecuteRead(ctx context.Context, cmd tile38.Command, priority int) (any, error) {
	return g.submit(ctx, cmd, priority, false)
}

// ExecuteWrite schedules a write at the given priority and waits for the
// result. Writes always land on the primary.
func (g *Governor) ExecuteWrite(ctx context.Context, cmd tile38.Command, priority int) (any, error) {
	return g.submit(ctx, cmd, priority, true)
}

func (g *Governor) submit(ctx context.Context, cmd tile38.Command, priority int, write bool) (any, error) {
	req := &request{
		cmd:      cmd,
		priority: priority,
		write:    write,
		ctx:      ctx,
		done:     make(chan result, 1),
	}
	if err := g.enqueue(req); err != nil {
		return nil, err
	}
	select {
	case r := <-req.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) enqueue(req *request) error {
	select {
	case <-g.stopped:
		return domain.NewError(domain.KindInternal, "queue cleared")
	default:
	}

	g.mu.Lock()
	g.seq++
	req.seq = g.seq
	heap.Push(&g.queue, req)
	depth := len(g.queue)
	g.mu.Unlock()

	if depth > overflowThreshold {
		g.observe(Observation{Kind: "queue_overflow", QueueDepth: depth, At: g.clock.Now()})
	}

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run serves the queue until ctx is cancelled, then rejects what remains.
func (g *Governor) Run(ctx context.Context) {
	for {
		req := g.pop()
		if req == nil {
			select {
			case <-ctx.Done():
				g.shutdown()
				return
			case <-g.wake:
				continue
			}
		}

		if req.ctx.Err() != nil {
			req.done <- result{err: req.ctx.Err()}
			continue
		}

		if !g.admit(ctx) {
			req.done <- result{err: domain.NewError(domain.KindInternal, "queue cleared")}
			g.shutdown()
			return
		}

		go g.serve(req)
	}
}

func (g *Governor) pop() *request {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return nil
	}
	return heap.Pop(&g.queue).(*request)
}

// admit blocks until the sliding window has room, returning false when ctx
// is cancelled while waiting.
func (g *Governor) admit(ctx context.Context) bool {
	for {
		now := g.clock.Now()
		cutoff := now.Add(-g.cfg.WindowSize)
		keep := g.window[:0]
		for _, t := range g.window {
			if t.After(cutoff) {
				keep = append(keep, t)
			}
		}
		g.window = keep

		if len(g.window) < g.cfg.MaxRequestsPerSecond {
			g.window = append(g.window, now)
			return true
		}

		g.rateLimited.Add(1)
		wait := g.window[0].Add(g.cfg.WindowSize).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := g.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.Chan():
		}
	}
}

// serve executes one admitted request, retrying with exponential delay.
func (g *Governor) serve(req *request) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		value, err := g.executeOnce(req)
		if err == nil {
			g.processed.Add(1)
			req.done <- result{value: value}
			return
		}
		lastErr = err
		// Misses and validation errors are normal outcomes, not backend
		// failures: return them without touching the failure counter.
		if domain.IsKind(err, domain.KindValidation) || err == tile38.ErrNotFound {
			req.done <- result{err: err}
			return
		}
		if attempt >= g.cfg.RetryAttempts {
			break
		}
		delay := g.cfg.RetryDelay * time.Duration(1<<attempt)
		if !sleepWithContext(req.ctx, g.clock, delay) {
			lastErr = req.ctx.Err()
			break
		}
	}
	g.failed.Add(1)
	req.done <- result{err: lastErr}
}

func (g *Governor) executeOnce(req *request) (any, error) {
	var conn *tile38.Conn
	var err error
	if req.write {
		conn, err = g.pool.Write()
	} else {
		conn = g.healthiest()
		if conn == nil {
			err = domain.NewError(domain.KindNoHealthyConnection, "no index connection available for reads")
		}
	}
	if err != nil {
		return nil, err
	}

	start := g.clock.Now()
	value, execErr := g.pool.ExecuteOn(req.ctx, conn, req.cmd)
	latency := g.clock.Since(start)

	if execErr != nil && execErr != tile38.ErrNotFound {
		conn.AdjustHealth(scoreFailure)
		return nil, execErr
	}
	switch {
	case latency < 100*time.Millisecond:
		conn.AdjustHealth(scoreFast)
	case latency < 500*time.Millisecond:
		conn.AdjustHealth(scoreOK)
	default:
		conn.AdjustHealth(scoreSlow)
	}
	return value, execErr
}

// healthiest picks the read handle with the highest health score.
func (g *Governor) healthiest() *tile38.Conn {
	candidates := g.pool.ReadCandidates()
	var best *tile38.Conn
	bestScore := -1.0
	for _, c := range candidates {
		if s := c.HealthScore(); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// shutdown rejects every queued request.
func (g *Governor) shutdown() {
	g.stopOnce.Do(func() { close(g.stopped) })
	for {
		req := g.pop()
		if req == nil {
			return
		}
		req.done <- result{err: domain.NewError(domain.KindInternal, "queue cleared")}
	}
}

// Stats returns a counter snapshot.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	depth := len(g.queue)
	g.mu.Unlock()
	return Stats{
		Processed:   g.processed.Load(),
		Failed:      g.failed.Load(),
		RateLimited: g.rateLimited.Load(),
		QueueDepth:  depth,
	}
}

func (g *Governor) observe(o Observation) {
	select {
	case g.observations <- o:
	default:
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
