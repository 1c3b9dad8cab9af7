// Package engine wires the geofence subsystems together and exposes the
// unified operation surface: location ingest, zone management, geospatial
// math, webhook administration, and health aggregation.
//
// Construction goes through the Builder and completes synchronously; every
// public operation fails with NotInitialized until Build returns. Shutdown
// is ordered: the bulk processor stops accepting and drains, the webhook
// dispatcher drains once, the governor rejects what is left, and the
// connection pool closes last.
package engine

import (
	"context"
	"sync"

	"log/slog"

	"github.com/touristguard/geofence/internal/bulk"
	"github.com/touristguard/geofence/internal/cache"
	"github.com/touristguard/geofence/internal/detector"
	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
	"github.com/touristguard/geofence/internal/governor"
	"github.com/touristguard/geofence/internal/location"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/scheduler"
	"github.com/touristguard/geofence/internal/tile38"
	"github.com/touristguard/geofence/internal/webhook"
	"github.com/touristguard/geofence/internal/zone"
)

// Recorder persists events to a durable trailing log; implementations live
// in internal/adapter.
type Recorder = detector.Recorder

// Engine is the orchestrator over C1-C8.
type Engine struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	pool       *tile38.Pool
	governor   *governor.Governor
	cache      *cache.Cache
	zones      *zone.Manager
	locations  *location.Indexer
	bulk       *bulk.Processor
	detector   *detector.Detector
	dispatcher *webhook.Dispatcher
	scheduler  *scheduler.Scheduler

	// Ingest loops (bulk, dispatcher, scheduler tasks) stop and drain
	// first; core loops (governor, observation fan-in) stop after, so the
	// drains still have a live request path.
	ingestCancel context.CancelFunc
	ingestWG     sync.WaitGroup
	coreCancel   context.CancelFunc
	coreWG       sync.WaitGroup

	mu          sync.Mutex
	initialized bool

	distanceOps  distanceStats
	observations chan Observation
}

var errNotInitialized = domain.NewError(domain.KindNotInitialized, "engine is not initialized")

func (e *Engine) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return errNotInitialized
	}
	return nil
}

// UpdateLocation indexes one location synchronously, runs zone
// intersection, and hands any events to the dispatcher.
func (e *Engine) UpdateLocation(ctx context.Context, loc *domain.LocationUpdate) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.locations.WriteThrough(ctx, loc); err != nil {
		return err
	}
	return e.detector.ProcessLocation(ctx, loc)
}

// QueueLocationUpdate enqueues one location for the bulk processor.
func (e *Engine) QueueLocationUpdate(_ context.Context, loc *domain.LocationUpdate) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.bulk.Enqueue(loc)
}

// ProcessBulkLocations enqueues a batch for the bulk processor.
func (e *Engine) ProcessBulkLocations(_ context.Context, locs []*domain.LocationUpdate) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.bulk.EnqueueBatch(locs)
}

// GetUserLocation returns a user's last known location.
func (e *Engine) GetUserLocation(ctx context.Context, userID string) (*domain.LocationUpdate, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.locations.Current(ctx, userID)
}

// RemoveUserLocation erases a user's live position and membership state.
func (e *Engine) RemoveUserLocation(ctx context.Context, userID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := e.locations.Remove(ctx, userID); err != nil {
		return err
	}
	e.detector.Forget(userID)
	return nil
}

// FindNearbyUsers answers a radius query.
func (e *Engine) FindNearbyUsers(ctx context.Context, q domain.NearbyQuery) ([]domain.UserPosition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.locations.FindNearby(ctx, q)
}

// FindUsersInZone answers a containment query by bounds or polygon.
func (e *Engine) FindUsersInZone(ctx context.Context, q domain.WithinQuery) ([]domain.UserPosition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.locations.FindWithin(ctx, q)
}

// CreateZone validates and persists a zone.
func (e *Engine) CreateZone(ctx context.Context, z *domain.Zone) (*domain.Zone, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.zones.Create(ctx, z)
}

// GetZone returns a zone by id.
func (e *Engine) GetZone(ctx context.Context, id string) (*domain.Zone, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.zones.Get(ctx, id)
}

// UpdateZone applies a partial update to a zone.
func (e *Engine) UpdateZone(ctx context.Context, id string, patch zone.Patch) (*domain.Zone, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.zones.Update(ctx, id, patch)
}

// DeleteZone removes a zone and invalidates dependent caches. Deleting an
// absent zone succeeds.
func (e *Engine) DeleteZone(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.zones.Delete(ctx, id)
}

// SearchZones answers the zone query surface.
func (e *Engine) SearchZones(ctx context.Context, q domain.ZoneQuery) ([]*domain.Zone, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.zones.Search(ctx, q)
}

// ProcessGeofenceEvent forwards an externally generated event through the
// detection and delivery path.
func (e *Engine) ProcessGeofenceEvent(ctx context.Context, event *domain.GeofenceEvent) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.detector.Process(ctx, event)
}

// RegisterWebhook subscribes a new webhook.
func (e *Engine) RegisterWebhook(ctx context.Context, cfg *domain.WebhookConfig) (*domain.WebhookConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.dispatcher.Register(ctx, cfg)
}

// UpdateWebhook replaces a subscription.
func (e *Engine) UpdateWebhook(ctx context.Context, id string, cfg *domain.WebhookConfig) (*domain.WebhookConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.dispatcher.Update(ctx, id, cfg)
}

// RemoveWebhook deletes a subscription.
func (e *Engine) RemoveWebhook(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.dispatcher.Remove(ctx, id)
	return nil
}

// TestWebhook runs a synthetic delivery against one subscription.
func (e *Engine) TestWebhook(ctx context.Context, id string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.dispatcher.Test(ctx, id)
}

// ListWebhooks returns all subscriptions.
func (e *Engine) ListWebhooks(_ context.Context) ([]*domain.WebhookConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.dispatcher.List(), nil
}

// DistanceRequest is the input to the geospatial math operations.
type DistanceRequest struct {
	From      domain.Coordinate `json:"from"`
	To        domain.Coordinate `json:"to"`
	Unit      geo.Unit          `json:"unit,omitempty"`
	Algorithm geo.Algorithm     `json:"algorithm,omitempty"`
}

// CalculateDistance computes the distance between two points.
func (e *Engine) CalculateDistance(_ context.Context, req DistanceRequest) (float64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	unit := req.Unit
	if unit == "" {
		unit = geo.Metres
	}
	d, err := geo.Distance(req.From, req.To, req.Algorithm, unit)
	if err != nil {
		return 0, err
	}
	e.distanceOps.record()
	return d, nil
}

// CalculateDistanceMatrix computes pairwise distances.
func (e *Engine) CalculateDistanceMatrix(_ context.Context, origins, destinations []domain.Coordinate, algo geo.Algorithm, unit geo.Unit) ([][]float64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if unit == "" {
		unit = geo.Metres
	}
	m, err := geo.DistanceMatrix(origins, destinations, algo, unit)
	if err != nil {
		return nil, err
	}
	e.distanceOps.recordN(len(origins) * len(destinations))
	return m, nil
}

// FindNearestPoint returns the candidate nearest to origin.
func (e *Engine) FindNearestPoint(_ context.Context, origin domain.Coordinate, candidates []domain.Coordinate, algo geo.Algorithm, unit geo.Unit) (int, float64, error) {
	if err := e.ready(); err != nil {
		return -1, 0, err
	}
	if unit == "" {
		unit = geo.Metres
	}
	idx, dist, err := geo.NearestPoint(origin, candidates, algo, unit)
	if err != nil {
		return -1, 0, err
	}
	e.distanceOps.recordN(len(candidates))
	return idx, dist, nil
}

// Observations exposes the merged component signal stream.
func (e *Engine) Observations() <-chan Observation { return e.observations }

// ProcessingStats returns the bulk processor snapshot.
func (e *Engine) ProcessingStats() (bulk.Stats, error) {
	if err := e.ready(); err != nil {
		return bulk.Stats{}, err
	}
	return e.bulk.Stats(), nil
}

// PerformanceStats returns governor and webhook accounting.
func (e *Engine) PerformanceStats() (governor.Stats, webhook.Stats, error) {
	if err := e.ready(); err != nil {
		return governor.Stats{}, webhook.Stats{}, err
	}
	return e.governor.Stats(), e.dispatcher.Statistics(), nil
}

// CacheStats returns the lookaside cache counters. Zero stats when the
// cache layer is disabled.
func (e *Engine) CacheStats() (cache.Stats, error) {
	if err := e.ready(); err != nil {
		return cache.Stats{}, err
	}
	if e.cache == nil {
		return cache.Stats{}, nil
	}
	return e.cache.Stats(), nil
}

// DistanceStats returns the count of geospatial math operations served.
func (e *Engine) DistanceStats() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.distanceOps.load(), nil
}

// WebhookStatistics returns the dispatcher's accounting snapshot.
func (e *Engine) WebhookStatistics() (webhook.Stats, error) {
	if err := e.ready(); err != nil {
		return webhook.Stats{}, err
	}
	return e.dispatcher.Statistics(), nil
}

// Shutdown stops the engine in dependency order: the scheduler and the
// ingest loops stop and drain first (with the governor still serving so
// drained work can reach the index), the indexer buffer gets a final
// flush, then the governor rejects what is left and the pool closes.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = false
	e.mu.Unlock()

	e.scheduler.Stop()

	e.ingestCancel()
	if !waitWithContext(ctx, &e.ingestWG) {
		e.logger.Warn("shutdown deadline hit before ingest loops drained")
	}

	// The bulk drain may have pushed items into the indexer's buffer after
	// the flush task stopped; flush once more while writes still flow.
	if err := e.locations.Flush(ctx); err != nil {
		e.logger.Warn("final batch flush incomplete", "error", err)
	}

	e.coreCancel()
	if !waitWithContext(ctx, &e.coreWG) {
		e.logger.Warn("shutdown deadline hit before core loops stopped")
	}

	err := e.pool.Close()
	e.logger.Info("engine stopped")
	return err
}

// waitWithContext waits for wg, returning false when ctx expires first.
func waitWithContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// distanceStats is a monotonic counter of geospatial math operations.
type distanceStats struct {
	mu    sync.Mutex
	count uint64
}

func (s *distanceStats) record()      { s.recordN(1) }
func (s *distanceStats) recordN(n int) {
	s.mu.Lock()
	s.count += uint64(n)
	s.mu.Unlock()
}
func (s *distanceStats) load() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// ZonesManaged returns the number of zones in the live registry.
func (e *Engine) ZonesManaged() int {
	if e.zones == nil {
		return 0
	}
	return e.zones.Count()
}

// queueDepths reports the engine's internal queue depths for health
// grading.
func (e *Engine) queueDepths() (bulkDepth, webhookDepth, governorDepth int) {
	return e.bulk.QueueSize(), e.dispatcher.QueueSize(), e.governor.Stats().QueueDepth
}
