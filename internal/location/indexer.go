// Package location implements the indexing pipeline for per-user location
// updates: a validating batch writer into the spatial index, a cached read
// path for current positions, and radius/containment queries.
package location

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/tile38"
)

// Defaults for the write path.
const (
	DefaultCollection        = "tourists"
	DefaultHistoryCollection = "tourists_history"
	DefaultBatchSize         = 1000
	DefaultFlushInterval     = time.Second
	DefaultLocationTTL       = time.Hour
	DefaultHistoryTTL        = 24 * time.Hour
)

// Side-field names for indexed points.
const (
	fieldTimestamp = "timestamp"
	fieldAccuracy  = "accuracy"
	fieldBattery   = "battery"
	fieldSpeed     = "speed"
	fieldBearing   = "bearing"
	fieldDevice    = "device_id"
	fieldNetwork   = "network_type"
	fieldVersion   = "app_version"
)

// Priorities: user-facing reads outrank background batch writes.
const (
	writePriority = 3
	readPriority  = 6
)

type executor interface {
	ExecuteRead(ctx context.Context, cmd tile38.Command, priority int) (any, error)
	ExecuteWrite(ctx context.Context, cmd tile38.Command, priority int) (any, error)
}

// lookaside is the slice of the C3 cache the indexer uses.
type lookaside interface {
	GetLocation(ctx context.Context, userID string) (*domain.LocationUpdate, bool)
	SetLocation(ctx context.Context, loc *domain.LocationUpdate)
	GetNearby(ctx context.Context, center domain.Coordinate, radiusM float64) ([]domain.UserPosition, bool)
	SetNearby(ctx context.Context, center domain.Coordinate, radiusM float64, result []domain.UserPosition)
	Invalidate(ctx context.Context, keys ...string)
}

// Config tunes the indexer. Zero values take the defaults.
type Config struct {
	Collection        string
	HistoryCollection string
	BatchSize         int
	FlushInterval     time.Duration
	LocationTTL       time.Duration
	HistoryTTL        time.Duration
	EnableHistory     bool
}

func (c *Config) applyDefaults() {
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if c.HistoryCollection == "" {
		c.HistoryCollection = DefaultHistoryCollection
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.LocationTTL <= 0 {
		c.LocationTTL = DefaultLocationTTL
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = DefaultHistoryTTL
	}
}

// Indexer is the location write/read pipeline.
type Indexer struct {
	exec    executor
	cache   lookaside
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	mu     sync.Mutex
	buffer []*domain.LocationUpdate
}

// New builds an indexer. cache may be nil when the lookaside layer is
// disabled.
func New(exec executor, cache lookaside, cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Indexer {
	cfg.applyDefaults()
	return &Indexer{
		exec:    exec,
		cache:   cache,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clock:   clock,
	}
}

// FlushInterval exposes the configured flush period for the scheduler.
func (x *Indexer) FlushInterval() time.Duration { return x.cfg.FlushInterval }

// Update validates loc and buffers it for the next flush. Reaching the
// batch size triggers an immediate flush.
func (x *Indexer) Update(ctx context.Context, loc *domain.LocationUpdate) error {
	if err := loc.Validate(); err != nil {
		return err
	}

	x.mu.Lock()
	x.buffer = append(x.buffer, loc)
	full := len(x.buffer) >= x.cfg.BatchSize
	x.mu.Unlock()

	if full {
		return x.Flush(ctx)
	}
	return nil
}

// WriteThrough validates and writes loc straight to the index, bypassing
// the batch buffer. Used by the synchronous update path.
func (x *Indexer) WriteThrough(ctx context.Context, loc *domain.LocationUpdate) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	if err := x.writeOne(ctx, loc); err != nil {
		return err
	}
	x.metrics.LocationsIndexed.Inc()
	if x.cache != nil {
		x.cache.SetLocation(ctx, loc)
	}
	return nil
}

// Flush drains the buffer and writes every entry to the index. Partial
// failures are reported per entry and do not abort the rest of the batch.
func (x *Indexer) Flush(ctx context.Context) error {
	x.mu.Lock()
	batch := x.buffer
	x.buffer = nil
	x.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := x.clock.Now()
	var failed int
	for _, loc := range batch {
		if err := x.writeOne(ctx, loc); err != nil {
			failed++
			x.logger.Warn("location write failed", "user_id", loc.UserID, "error", err)
			continue
		}
		x.metrics.LocationsIndexed.Inc()
		if x.cache != nil {
			x.cache.SetLocation(ctx, loc)
		}
	}

	x.metrics.BatchesFlushed.Inc()
	x.metrics.BatchSize.Observe(float64(len(batch)))
	x.metrics.FlushDuration.Observe(x.clock.Since(start).Seconds())

	// A full-size batch means sustained write volume; ask the index to
	// compact its append-only file in the background.
	if len(batch) >= x.cfg.BatchSize {
		if _, err := x.exec.ExecuteWrite(ctx, tile38.RewriteAOF(), 1); err != nil {
			x.logger.Debug("aof rewrite request failed", "error", err)
		}
	}

	if failed > 0 {
		return domain.Errorf(domain.KindBatchPartial,
			"%d of %d locations failed to index", failed, len(batch))
	}
	return nil
}

func (x *Indexer) writeOne(ctx context.Context, loc *domain.LocationUpdate) error {
	ttl := int(x.cfg.LocationTTL.Seconds())
	cmd := tile38.SetPoint(x.cfg.Collection, loc.UserID, locationFields(loc), ttl, loc.Coordinate)
	if _, err := x.exec.ExecuteWrite(ctx, cmd, writePriority); err != nil {
		return err
	}

	if x.cfg.EnableHistory {
		historyID := loc.UserID + ":" + strconv.FormatInt(loc.Timestamp.UnixMilli(), 10)
		historyTTL := int(x.cfg.HistoryTTL.Seconds())
		historyCmd := tile38.SetPoint(x.cfg.HistoryCollection, historyID, locationFields(loc), historyTTL, loc.Coordinate)
		if _, err := x.exec.ExecuteWrite(ctx, historyCmd, writePriority); err != nil {
			// History is a best-effort lane; the live write already landed.
			x.logger.Warn("history write failed", "user_id", loc.UserID, "error", err)
		}
	}
	return nil
}

// Buffered returns the number of updates awaiting flush.
func (x *Indexer) Buffered() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.buffer)
}

// Current returns a user's last known location, consulting the cache first
// and back-filling it on an index hit.
func (x *Indexer) Current(ctx context.Context, userID string) (*domain.LocationUpdate, error) {
	if userID == "" {
		return nil, domain.NewError(domain.KindValidation, "user_id is required")
	}
	if x.cache != nil {
		if loc, ok := x.cache.GetLocation(ctx, userID); ok {
			return loc, nil
		}
	}

	reply, err := x.exec.ExecuteRead(ctx, tile38.GetWithFields(x.cfg.Collection, userID), readPriority)
	if err != nil {
		if errors.Is(err, tile38.ErrNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "no location for user %s", userID)
		}
		return nil, err
	}
	obj, err := tile38.DecodeGet(reply)
	if err != nil {
		return nil, err
	}
	loc, err := locationFromObject(userID, obj)
	if err != nil {
		return nil, err
	}

	if x.cache != nil {
		x.cache.SetLocation(ctx, loc)
	}
	return loc, nil
}

// FindNearby returns users within the query radius, nearest-first when
// requested. Results are cached under the quantized query key.
func (x *Indexer) FindNearby(ctx context.Context, q domain.NearbyQuery) ([]domain.UserPosition, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if x.cache != nil {
		if result, ok := x.cache.GetNearby(ctx, q.Center, q.RadiusM); ok {
			return result, nil
		}
	}

	reply, err := x.exec.ExecuteRead(ctx, tile38.Nearby(x.cfg.Collection, q.Limit, q.Center, q.RadiusM), readPriority)
	if err != nil {
		if errors.Is(err, tile38.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	objects, err := tile38.DecodeSearch(reply)
	if err != nil {
		return nil, err
	}

	positions := make([]domain.UserPosition, 0, len(objects))
	for _, obj := range objects {
		if obj.Point == nil {
			continue
		}
		positions = append(positions, domain.UserPosition{
			UserID:     obj.ID,
			Coordinate: *obj.Point,
			DistanceM:  geo.Haversine(q.Center, *obj.Point),
		})
	}
	if q.SortByDistance {
		sort.Slice(positions, func(i, j int) bool {
			return positions[i].DistanceM < positions[j].DistanceM
		})
	}
	if q.Limit > 0 && len(positions) > q.Limit {
		positions = positions[:q.Limit]
	}

	if x.cache != nil {
		x.cache.SetNearby(ctx, q.Center, q.RadiusM, positions)
	}
	return positions, nil
}

// FindWithin returns users inside a bounding box or polygon.
func (x *Indexer) FindWithin(ctx context.Context, q domain.WithinQuery) ([]domain.UserPosition, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var cmd tile38.Command
	if q.Bounds != nil {
		cmd = tile38.WithinBounds(x.cfg.Collection, q.Limit, *q.Bounds)
	} else {
		cmd = tile38.WithinPolygon(x.cfg.Collection, q.Limit, q.Polygon)
	}

	reply, err := x.exec.ExecuteRead(ctx, cmd, readPriority)
	if err != nil {
		if errors.Is(err, tile38.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	objects, err := tile38.DecodeSearch(reply)
	if err != nil {
		return nil, err
	}

	positions := make([]domain.UserPosition, 0, len(objects))
	for _, obj := range objects {
		if obj.Point == nil {
			continue
		}
		positions = append(positions, domain.UserPosition{UserID: obj.ID, Coordinate: *obj.Point})
	}
	return positions, nil
}

// UsersInZone returns users whose current point lies within the given ring.
// The detector calls this per active zone each sweep.
func (x *Indexer) UsersInZone(ctx context.Context, ring []domain.Coordinate, limit int) ([]domain.UserPosition, error) {
	return x.FindWithin(ctx, domain.WithinQuery{Polygon: ring, Limit: limit})
}

// Remove erases a user's live location, for logout or offline transitions.
func (x *Indexer) Remove(ctx context.Context, userID string) error {
	if userID == "" {
		return domain.NewError(domain.KindValidation, "user_id is required")
	}
	_, err := x.exec.ExecuteWrite(ctx, tile38.Del(x.cfg.Collection, userID), writePriority)
	if err != nil && !errors.Is(err, tile38.ErrNotFound) {
		return err
	}
	if x.cache != nil {
		x.cache.Invalidate(ctx, "location:"+userID)
	}
	return nil
}

func locationFields(loc *domain.LocationUpdate) []tile38.Field {
	fields := []tile38.Field{
		{Name: fieldTimestamp, Value: loc.Timestamp.UTC().Format(time.RFC3339Nano)},
	}
	if loc.Accuracy > 0 {
		fields = append(fields, tile38.Field{Name: fieldAccuracy, Value: formatFloat(loc.Accuracy)})
	}
	if loc.Battery > 0 {
		fields = append(fields, tile38.Field{Name: fieldBattery, Value: formatFloat(loc.Battery)})
	}
	if loc.Speed > 0 {
		fields = append(fields, tile38.Field{Name: fieldSpeed, Value: formatFloat(loc.Speed)})
	}
	if loc.Bearing > 0 {
		fields = append(fields, tile38.Field{Name: fieldBearing, Value: formatFloat(loc.Bearing)})
	}
	if loc.DeviceID != "" {
		fields = append(fields, tile38.Field{Name: fieldDevice, Value: loc.DeviceID})
	}
	if loc.NetworkType != "" {
		fields = append(fields, tile38.Field{Name: fieldNetwork, Value: loc.NetworkType})
	}
	if loc.AppVersion != "" {
		fields = append(fields, tile38.Field{Name: fieldVersion, Value: loc.AppVersion})
	}
	return fields
}

// locationFromObject rebuilds a LocationUpdate from an indexed point and
// its side fields.
func locationFromObject(userID string, obj *tile38.Object) (*domain.LocationUpdate, error) {
	if obj.Point == nil {
		return nil, domain.Errorf(domain.KindInternal, "object for user %s carries no point", userID)
	}
	loc := &domain.LocationUpdate{
		UserID:      userID,
		Coordinate:  *obj.Point,
		DeviceID:    obj.Fields[fieldDevice],
		NetworkType: obj.Fields[fieldNetwork],
		AppVersion:  obj.Fields[fieldVersion],
	}
	if v := obj.Fields[fieldTimestamp]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			loc.Timestamp = t
		}
	}
	loc.Accuracy = parseFloat(obj.Fields[fieldAccuracy])
	loc.Battery = parseFloat(obj.Fields[fieldBattery])
	loc.Speed = parseFloat(obj.Fields[fieldSpeed])
	loc.Bearing = parseFloat(obj.Fields[fieldBearing])
	return loc, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
