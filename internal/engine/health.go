package engine

import (
	"github.com/touristguard/geofence/internal/tile38"
)

// HealthLevel grades the engine's overall condition.
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthDegraded  HealthLevel = "degraded"
	HealthUnhealthy HealthLevel = "unhealthy"
)

// Grading thresholds: failure rate and queue depth.
const (
	degradedFailureRate  = 0.20
	unhealthyFailureRate = 0.50
	degradedQueueDepth   = 100
	unhealthyQueueDepth  = 1000
)

// HealthStatus is the aggregate health report.
type HealthStatus struct {
	Level       HealthLevel     `json:"level"`
	Connections []tile38.Status `json:"connections"`
	ZoneCount   int             `json:"zone_count"`
	Queues      QueueDepths     `json:"queues"`
	FailureRate float64         `json:"failure_rate"`
}

// QueueDepths reports the engine's internal queues.
type QueueDepths struct {
	Bulk     int `json:"bulk"`
	Webhook  int `json:"webhook"`
	Governor int `json:"governor"`
}

// GetHealthStatus aggregates connection state, queue depths, and failure
// rates into a single grade: failure rate above 20% or any queue past 100
// degrades the engine; above 50% or past 1000 marks it unhealthy. A dead
// primary is unhealthy outright.
func (e *Engine) GetHealthStatus() (HealthStatus, error) {
	if err := e.ready(); err != nil {
		return HealthStatus{Level: HealthUnhealthy}, err
	}

	connections := e.pool.Health()
	bulkDepth, webhookDepth, governorDepth := e.queueDepths()

	bulkStats := e.bulk.Stats()
	govStats := e.governor.Stats()
	var failureRate float64
	attempts := bulkStats.TotalProcessed + govStats.Processed + govStats.Failed
	if attempts > 0 {
		failureRate = float64(bulkStats.ErrorCount+govStats.Failed) / float64(attempts)
	}

	status := HealthStatus{
		Level:       HealthHealthy,
		Connections: connections,
		ZoneCount:   e.ZonesManaged(),
		Queues: QueueDepths{
			Bulk:     bulkDepth,
			Webhook:  webhookDepth,
			Governor: governorDepth,
		},
		FailureRate: failureRate,
	}

	maxDepth := max(bulkDepth, max(webhookDepth, governorDepth))
	primaryUp := false
	for _, c := range connections {
		if c.Role == tile38.RolePrimary && c.Connected {
			primaryUp = true
		}
	}

	switch {
	case !primaryUp, failureRate > unhealthyFailureRate, maxDepth > unhealthyQueueDepth:
		status.Level = HealthUnhealthy
	case failureRate > degradedFailureRate, maxDepth > degradedQueueDepth:
		status.Level = HealthDegraded
	}
	return status, nil
}
