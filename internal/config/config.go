// Package config resolves all engine settings from the environment. The
// PROFILE variable selects dev, test, or prod defaults for the timeouts
// that differ per environment; everything else has a single default.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/touristguard/geofence/internal/bulk"
	"github.com/touristguard/geofence/internal/cache"
	"github.com/touristguard/geofence/internal/detector"
	"github.com/touristguard/geofence/internal/engine"
	"github.com/touristguard/geofence/internal/governor"
	"github.com/touristguard/geofence/internal/location"
	"github.com/touristguard/geofence/internal/tile38"
	"github.com/touristguard/geofence/internal/webhook"
)

// Profile names.
const (
	ProfileDev  = "dev"
	ProfileTest = "test"
	ProfileProd = "prod"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	Profile         string        `envconfig:"PROFILE" default:"dev"`
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	IndexHost     string        `envconfig:"TILE38_HOST" default:"localhost"`
	IndexPort     int           `envconfig:"TILE38_PORT" default:"9851"`
	IndexReplicas string        `envconfig:"TILE38_REPLICAS" default:""`
	QueryTimeout  time.Duration `envconfig:"QUERY_TIMEOUT"` // profile default when unset

	ZoneCollection     string `envconfig:"ZONE_COLLECTION" default:"zones"`
	LocationCollection string `envconfig:"LOCATION_COLLECTION" default:"tourists"`

	CacheEnabled bool          `envconfig:"CACHE_ENABLED" default:"true"`
	RedisAddr    string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	LocationTTL  time.Duration `envconfig:"CACHE_LOCATION_TTL" default:"300s"`
	ZoneTTL      time.Duration `envconfig:"CACHE_ZONE_TTL" default:"300s"`
	NearbyTTL    time.Duration `envconfig:"CACHE_NEARBY_TTL" default:"300s"`
	GeofenceTTL  time.Duration `envconfig:"CACHE_GEOFENCE_TTL" default:"60s"`

	MaxRequestsPerSecond int           `envconfig:"MAX_REQUESTS_PER_SECOND" default:"1000"`
	RateWindow           time.Duration `envconfig:"RATE_WINDOW" default:"1s"`
	RetryAttempts        int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryDelay           time.Duration `envconfig:"RETRY_DELAY" default:"100ms"`

	BatchSize       int           `envconfig:"BATCH_SIZE" default:"1000"`
	FlushInterval   time.Duration `envconfig:"FLUSH_INTERVAL" default:"1s"`
	LiveLocationTTL time.Duration `envconfig:"LOCATION_TTL" default:"1h"`
	EnableHistory   bool          `envconfig:"ENABLE_HISTORY" default:"false"`
	HistoryTTL      time.Duration `envconfig:"HISTORY_TTL" default:"24h"`

	BulkSizeTrigger int           `envconfig:"BULK_SIZE_TRIGGER" default:"100"`
	BulkTimeTrigger time.Duration `envconfig:"BULK_TIME_TRIGGER" default:"1s"`
	BulkConcurrency int           `envconfig:"BULK_CONCURRENCY" default:"5"`
	BulkMaxRetries  int           `envconfig:"BULK_MAX_RETRIES" default:"3"`

	CheckInterval     time.Duration `envconfig:"CHECK_INTERVAL" default:"1s"`
	DetectorBatchSize int           `envconfig:"DETECTOR_BATCH_SIZE" default:"100"`

	WebhookTimeout       time.Duration `envconfig:"WEBHOOK_TIMEOUT"` // profile default when unset
	WebhookDrainInterval time.Duration `envconfig:"WEBHOOK_DRAIN_INTERVAL" default:"100ms"`
	WebhookBatchSize     int           `envconfig:"WEBHOOK_BATCH_SIZE" default:"50"`
	SyncHookIntents      bool          `envconfig:"SYNC_HOOK_INTENTS" default:"false"`

	DatabaseURL     string `envconfig:"DATABASE_URL" default:""`
	KafkaBrokers    string `envconfig:"KAFKA_BROKERS" default:""`
	KafkaEventTopic string `envconfig:"KAFKA_EVENT_TOPIC" default:"geofence-events"`
}

// Load reads configuration from environment variables, applying profile
// defaults where unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process env vars: %w", err)
	}

	switch cfg.Profile {
	case ProfileDev, ProfileTest, ProfileProd:
	default:
		return nil, fmt.Errorf("unknown PROFILE %q", cfg.Profile)
	}

	if cfg.QueryTimeout == 0 {
		if cfg.Profile == ProfileProd {
			cfg.QueryTimeout = 3 * time.Second
		} else {
			cfg.QueryTimeout = 5 * time.Second
		}
	}
	if cfg.WebhookTimeout == 0 {
		if cfg.Profile == ProfileProd {
			cfg.WebhookTimeout = 5 * time.Second
		} else {
			cfg.WebhookTimeout = 10 * time.Second
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		return nil, fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.IndexHost == "" {
		return nil, fmt.Errorf("TILE38_HOST is required")
	}
	if _, err := parseReplicas(cfg.IndexReplicas); err != nil {
		return nil, err
	}
	if cfg.CacheEnabled && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("CACHE_ENABLED is true but REDIS_ADDR is not set")
	}
	if cfg.KafkaBrokers != "" && cfg.KafkaEventTopic == "" {
		return nil, fmt.Errorf("KAFKA_BROKERS set but KAFKA_EVENT_TOPIC is empty")
	}

	return &cfg, nil
}

// Brokers returns the parsed Kafka broker list, nil when streaming is off.
func (c *Config) Brokers() []string {
	if c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// Engine maps the flat environment config onto the engine wiring config.
func (c *Config) Engine() engine.Config {
	var out engine.Config
	out.Index.Primary = tile38.Addr{Host: c.IndexHost, Port: c.IndexPort}
	out.Index.Replicas, _ = parseReplicas(c.IndexReplicas)
	out.Index.QueryTimeout = c.QueryTimeout

	out.ZoneCollection = c.ZoneCollection
	out.LocationCollection = c.LocationCollection

	out.CacheEnabled = c.CacheEnabled
	out.CacheAddr = c.RedisAddr
	out.Cache = cache.Config{
		LocationTTL: c.LocationTTL,
		ZoneTTL:     c.ZoneTTL,
		NearbyTTL:   c.NearbyTTL,
		GeofenceTTL: c.GeofenceTTL,
	}

	out.Governor = governor.Config{
		MaxRequestsPerSecond: c.MaxRequestsPerSecond,
		WindowSize:           c.RateWindow,
		RetryAttempts:        c.RetryAttempts,
		RetryDelay:           c.RetryDelay,
	}
	out.Location = location.Config{
		Collection:    c.LocationCollection,
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushInterval,
		LocationTTL:   c.LiveLocationTTL,
		EnableHistory: c.EnableHistory,
		HistoryTTL:    c.HistoryTTL,
	}
	out.Bulk = bulk.Config{
		SizeTrigger: c.BulkSizeTrigger,
		TimeTrigger: c.BulkTimeTrigger,
		Concurrency: c.BulkConcurrency,
		MaxRetries:  c.BulkMaxRetries,
	}
	out.Detector = detector.Config{
		CheckInterval: c.CheckInterval,
		BatchSize:     c.DetectorBatchSize,
	}
	out.Webhook = webhook.Config{
		DrainInterval:   c.WebhookDrainInterval,
		BatchSize:       c.WebhookBatchSize,
		Timeout:         c.WebhookTimeout,
		SyncHookIntents: c.SyncHookIntents,
	}
	return out
}

// parseReplicas parses a comma-separated host:port list.
func parseReplicas(raw string) ([]tile38.Addr, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var addrs []tile38.Addr
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("invalid TILE38_REPLICAS entry %q: %w", part, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid TILE38_REPLICAS port %q", portStr)
		}
		addrs = append(addrs, tile38.Addr{Host: host, Port: port})
	}
	return addrs, nil
}
