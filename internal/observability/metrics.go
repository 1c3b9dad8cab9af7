package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// geofence engine.
type Metrics struct {
	// Location pipeline.
	LocationsIndexed  prometheus.Counter
	BatchesFlushed    prometheus.Counter
	BatchSize         prometheus.Histogram
	FlushDuration     prometheus.Histogram
	BulkQueueDepth    prometheus.Gauge
	BulkRetries       prometheus.Counter
	BulkFailures      prometheus.Counter

	// Detection and delivery.
	EventsDetected     *prometheus.CounterVec   // labels: event_type
	WebhookDeliveries  *prometheus.CounterVec   // labels: outcome={success,failure}
	DeliveryDuration   prometheus.Histogram
	WebhookQueueDepth  prometheus.Gauge

	// Index and cache.
	IndexCommands *prometheus.CounterVec // labels: command, outcome={success,error}
	CacheOps      *prometheus.CounterVec // labels: class, result={hit,miss}
	RateLimited   prometheus.Counter
	ConnHealth    *prometheus.GaugeVec // labels: conn
}

// NewMetrics creates and registers all engine metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.LocationsIndexed,
		m.BatchesFlushed,
		m.BatchSize,
		m.FlushDuration,
		m.BulkQueueDepth,
		m.BulkRetries,
		m.BulkFailures,
		m.EventsDetected,
		m.WebhookDeliveries,
		m.DeliveryDuration,
		m.WebhookQueueDepth,
		m.IndexCommands,
		m.CacheOps,
		m.RateLimited,
		m.ConnHealth,
	)
	return m
}

// NewMetricsForTesting creates Metrics with no registration, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		LocationsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "locations_indexed_total",
			Help:      "Total location updates written to the spatial index.",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "batches_flushed_total",
			Help:      "Total location batches flushed to the index.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geofence",
			Name:      "batch_size",
			Help:      "Number of locations per flushed batch.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geofence",
			Name:      "flush_duration_seconds",
			Help:      "Duration of a complete batch flush to the index.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
		BulkQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofence",
			Name:      "bulk_queue_depth",
			Help:      "Current depth of the bulk location queue.",
		}),
		BulkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "bulk_retries_total",
			Help:      "Total bulk items requeued after a processing failure.",
		}),
		BulkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "bulk_failures_total",
			Help:      "Total bulk items dropped after exhausting retries.",
		}),
		EventsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "events_detected_total",
			Help:      "Geofence events detected, by event type.",
		}, []string{"event_type"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geofence",
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Duration of successful webhook POSTs.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		WebhookQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geofence",
			Name:      "webhook_queue_depth",
			Help:      "Current depth of the webhook delivery queue.",
		}),
		IndexCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "index_commands_total",
			Help:      "Spatial-index commands by command name and outcome.",
		}, []string{"command", "outcome"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "cache_ops_total",
			Help:      "Cache lookups by class and result.",
		}, []string{"class", "result"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geofence",
			Name:      "rate_limited_total",
			Help:      "Requests delayed by the sliding-window rate limiter.",
		}),
		ConnHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "geofence",
			Name:      "connection_health_score",
			Help:      "Health score per index connection.",
		}, []string{"conn"}),
	}
}
