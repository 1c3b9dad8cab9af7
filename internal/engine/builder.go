package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/touristguard/geofence/internal/bulk"
	"github.com/touristguard/geofence/internal/cache"
	"github.com/touristguard/geofence/internal/detector"
	"github.com/touristguard/geofence/internal/governor"
	"github.com/touristguard/geofence/internal/location"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/scheduler"
	"github.com/touristguard/geofence/internal/tile38"
	"github.com/touristguard/geofence/internal/webhook"
	"github.com/touristguard/geofence/internal/zone"
)

// Config is the engine-level wiring configuration assembled by
// internal/config from the environment.
type Config struct {
	Index struct {
		Primary      tile38.Addr
		Replicas     []tile38.Addr
		QueryTimeout time.Duration
	}

	ZoneCollection     string
	LocationCollection string

	CacheEnabled bool
	CacheAddr    string
	Cache        cache.Config

	Governor governor.Config
	Location location.Config
	Bulk     bulk.Config
	Detector detector.Config
	Webhook  webhook.Config
}

// Builder assembles a fully wired engine. Overridable hooks exist for
// tests; production callers set only Config.
type Builder struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	recorder Recorder
	dial     func(addr string) tile38.Commander
	redis    func(addr string) *redis.Client
}

// NewBuilder starts a builder with the mandatory collaborators.
func NewBuilder(cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Builder {
	return &Builder{cfg: cfg, logger: logger, metrics: metrics, clock: clock}
}

// WithRecorder attaches a durable trailing-log recorder.
func (b *Builder) WithRecorder(r Recorder) *Builder {
	b.recorder = r
	return b
}

// WithIndexDial overrides index client construction, for tests.
func (b *Builder) WithIndexDial(dial func(addr string) tile38.Commander) *Builder {
	b.dial = dial
	return b
}

// WithRedisDial overrides cache client construction, for tests.
func (b *Builder) WithRedisDial(dial func(addr string) *redis.Client) *Builder {
	b.redis = dial
	return b
}

// Build wires C1 through C8 in dependency order, warms the zone registry,
// starts the background loops, and returns a ready engine. Construction is
// synchronous: when Build returns without error the engine is serving.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	e := &Engine{
		logger:       b.logger,
		metrics:      b.metrics,
		observations: make(chan Observation, 256),
	}

	poolCfg := tile38.PoolConfig{
		Primary:      b.cfg.Index.Primary,
		Replicas:     b.cfg.Index.Replicas,
		QueryTimeout: b.cfg.Index.QueryTimeout,
		Dial:         b.dial,
	}
	pool, err := tile38.NewPool(ctx, poolCfg, b.logger, b.clock)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	e.governor = governor.New(pool, b.cfg.Governor, b.logger, b.clock)

	if b.cfg.CacheEnabled {
		dial := b.redis
		if dial == nil {
			dial = func(addr string) *redis.Client {
				return redis.NewClient(&redis.Options{Addr: addr})
			}
		}
		e.cache = cache.New(dial(b.cfg.CacheAddr), b.cfg.Cache, b.logger)
	}

	locCfg := b.cfg.Location
	if locCfg.Collection == "" {
		locCfg.Collection = b.cfg.LocationCollection
	}
	// A nil *cache.Cache must stay a nil interface downstream.
	if e.cache != nil {
		e.zones = zone.New(e.governor, e.cache, b.cfg.ZoneCollection, b.logger)
		e.locations = location.New(e.governor, e.cache, locCfg, b.logger, b.metrics, b.clock)
	} else {
		e.zones = zone.New(e.governor, nil, b.cfg.ZoneCollection, b.logger)
		e.locations = location.New(e.governor, nil, locCfg, b.logger, b.metrics, b.clock)
	}

	e.dispatcher = webhook.New(e.zones, e.governor, b.cfg.Webhook, b.logger, b.metrics, b.clock)
	e.detector = detector.New(e.zones, e.locations, e.dispatcher, b.recorder,
		b.cfg.Detector, b.logger, b.metrics, b.clock)
	e.bulk = bulk.New(e.locations, e.detector, b.cfg.Bulk, b.logger, b.metrics, b.clock)

	// Core loops (governor, observation fan-in) outlive the ingest loops
	// at shutdown so drained work still has a request path. The governor
	// must also be serving before the registry warm-up scan goes through
	// it.
	coreCtx, coreCancel := context.WithCancel(context.Background())
	e.coreCancel = coreCancel
	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	e.ingestCancel = ingestCancel

	e.coreWG.Add(1)
	go func() {
		defer e.coreWG.Done()
		e.governor.Run(coreCtx)
	}()

	if err := e.zones.Warm(ctx); err != nil {
		ingestCancel()
		coreCancel()
		pool.Close() //nolint:errcheck // already failing
		return nil, err
	}

	e.ingestWG.Add(1)
	go func() {
		defer e.ingestWG.Done()
		e.bulk.Run(ingestCtx)
	}()
	e.ingestWG.Add(1)
	go func() {
		defer e.ingestWG.Done()
		e.dispatcher.Run(ingestCtx)
	}()

	e.scheduler = scheduler.New(b.logger, b.clock)
	e.scheduler.Add(scheduler.Task{
		Name:  "batch-flush",
		Every: e.locations.FlushInterval(),
		Run: func(ctx context.Context) {
			if err := e.locations.Flush(ctx); err != nil {
				b.logger.Warn("batch flush incomplete", "error", err)
			}
		},
	})
	e.scheduler.Add(scheduler.Task{
		Name:  "detector-sweep",
		Every: e.detector.CheckInterval(),
		Run:   e.detector.Sweep,
	})
	e.scheduler.Add(scheduler.Task{
		Name:  "health-probe",
		Every: tile38.ProbeInterval,
		Run:   e.pool.Probe,
	})
	e.scheduler.Start(ingestCtx)

	e.mergeObservations(coreCtx)

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	b.logger.Info("engine initialized",
		"zones", e.zones.Count(),
		"replicas", len(b.cfg.Index.Replicas),
		"cache_enabled", b.cfg.CacheEnabled)
	return e, nil
}
