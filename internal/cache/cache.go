// Package cache is the short-TTL lookaside cache in front of the spatial
// index. Values are JSON with a per-class TTL; any Redis failure degrades to
// a miss so the cache can never take the read path down.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/touristguard/geofence/internal/domain"
)

// Key prefixes per cached class.
const (
	PrefixLocation = "location:"
	PrefixZone     = "zone:"
	PrefixNearby   = "nearby:"
	PrefixGeofence = "geofence:"
)

// Default per-class TTLs.
const (
	DefaultLocationTTL = 300 * time.Second
	DefaultZoneTTL     = 300 * time.Second
	DefaultNearbyTTL   = 300 * time.Second
	DefaultGeofenceTTL = 60 * time.Second
)

// redisClient is the slice of go-redis the cache needs.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Config carries the per-class TTLs. Zero values take the defaults.
type Config struct {
	LocationTTL time.Duration
	ZoneTTL     time.Duration
	NearbyTTL   time.Duration
	GeofenceTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.LocationTTL <= 0 {
		c.LocationTTL = DefaultLocationTTL
	}
	if c.ZoneTTL <= 0 {
		c.ZoneTTL = DefaultZoneTTL
	}
	if c.NearbyTTL <= 0 {
		c.NearbyTTL = DefaultNearbyTTL
	}
	if c.GeofenceTTL <= 0 {
		c.GeofenceTTL = DefaultGeofenceTTL
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is the Redis-backed lookaside cache.
type Cache struct {
	client redisClient
	cfg    Config
	logger *slog.Logger

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64
}

// New builds a cache over the given Redis client.
func New(client redisClient, cfg Config, logger *slog.Logger) *Cache {
	cfg.applyDefaults()
	return &Cache{client: client, cfg: cfg, logger: logger}
}

// LocationKey builds the cache key for a user's current location.
func LocationKey(userID string) string { return PrefixLocation + userID }

// ZoneKey builds the cache key for a zone record.
func ZoneKey(zoneID string) string { return PrefixZone + zoneID }

// NearbyKey builds the cache key for a radius query. The center is quantized
// to 6 decimal places and the radius to whole metres, so float formatting
// cannot split identical queries.
func NearbyKey(center domain.Coordinate, radiusM float64) string {
	return fmt.Sprintf("%s%.6f:%.6f:%.0f", PrefixNearby, center.Lat, center.Lon, radiusM)
}

// GeofenceKey builds the cache key for a user's zone-intersection result at
// a quantized point.
func GeofenceKey(userID string, c domain.Coordinate) string {
	return fmt.Sprintf("%s%s:%.6f:%.6f", PrefixGeofence, userID, c.Lat, c.Lon)
}

// GetLocation returns the cached location for a user, if present.
func (c *Cache) GetLocation(ctx context.Context, userID string) (*domain.LocationUpdate, bool) {
	var loc domain.LocationUpdate
	if !c.get(ctx, LocationKey(userID), &loc) {
		return nil, false
	}
	return &loc, true
}

// SetLocation caches a user's current location.
func (c *Cache) SetLocation(ctx context.Context, loc *domain.LocationUpdate) {
	c.set(ctx, LocationKey(loc.UserID), loc, c.cfg.LocationTTL)
}

// GetZone returns the cached zone record, if present.
func (c *Cache) GetZone(ctx context.Context, zoneID string) (*domain.Zone, bool) {
	var z domain.Zone
	if !c.get(ctx, ZoneKey(zoneID), &z) {
		return nil, false
	}
	return &z, true
}

// SetZone caches a zone record.
func (c *Cache) SetZone(ctx context.Context, z *domain.Zone) {
	c.set(ctx, ZoneKey(z.ID), z, c.cfg.ZoneTTL)
}

// GetNearby returns a cached radius-query result, if present.
func (c *Cache) GetNearby(ctx context.Context, center domain.Coordinate, radiusM float64) ([]domain.UserPosition, bool) {
	var result []domain.UserPosition
	if !c.get(ctx, NearbyKey(center, radiusM), &result) {
		return nil, false
	}
	return result, true
}

// SetNearby caches a radius-query result.
func (c *Cache) SetNearby(ctx context.Context, center domain.Coordinate, radiusM float64, result []domain.UserPosition) {
	c.set(ctx, NearbyKey(center, radiusM), result, c.cfg.NearbyTTL)
}

// GetGeofence returns the cached zone-ID intersection set for a user at a
// point, if present.
func (c *Cache) GetGeofence(ctx context.Context, userID string, at domain.Coordinate) ([]string, bool) {
	var zoneIDs []string
	if !c.get(ctx, GeofenceKey(userID, at), &zoneIDs) {
		return nil, false
	}
	return zoneIDs, true
}

// SetGeofence caches the zone-ID intersection set for a user at a point.
func (c *Cache) SetGeofence(ctx context.Context, userID string, at domain.Coordinate, zoneIDs []string) {
	c.set(ctx, GeofenceKey(userID, at), zoneIDs, c.cfg.GeofenceTTL)
}

// Invalidate removes specific keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("cache delete failed", "keys", keys, "error", err)
		return
	}
	c.deletes.Add(uint64(len(keys)))
}

// InvalidatePrefix removes every key under a prefix, scanning in pages.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			c.logger.Warn("cache scan failed", "prefix", prefix, "error", err)
			return
		}
		if len(keys) > 0 {
			c.Invalidate(ctx, keys...)
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}

// Stats returns the current counter snapshot with the derived hit rate.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

func (c *Cache) get(ctx context.Context, key string, out any) bool {
	data, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return false
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		c.misses.Add(1)
		return false
	}
	c.hits.Add(1)
	return true
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	c.sets.Add(1)
}
