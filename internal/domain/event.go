package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType describes the relation between a user and a zone at detection
// time. enter/exit are derived by diffing consecutive membership snapshots;
// inside is emitted while membership persists.
type EventType string

const (
	EventEnter   EventType = "enter"
	EventExit    EventType = "exit"
	EventInside  EventType = "inside"
	EventOutside EventType = "outside"
)

// ValidEventType reports whether t is a known event type.
func ValidEventType(t EventType) bool {
	switch t {
	case EventEnter, EventExit, EventInside, EventOutside:
		return true
	}
	return false
}

// AlertLevel grades the urgency of a geofence event.
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"
	AlertMedium   AlertLevel = "medium"
	AlertHigh     AlertLevel = "high"
	AlertCritical AlertLevel = "critical"
)

// AlertLevelForRisk maps a zone risk level to an alert level.
func AlertLevelForRisk(risk int) AlertLevel {
	switch {
	case risk >= 9:
		return AlertCritical
	case risk >= 7:
		return AlertHigh
	case risk >= 5:
		return AlertMedium
	default:
		return AlertLow
	}
}

// EventMetadata carries derived context attached to an event.
type EventMetadata struct {
	AlertLevel     AlertLevel    `json:"alert_level"`
	EventSource    string        `json:"event_source,omitempty"`
	PreviousZoneID string        `json:"previous_zone_id,omitempty"`
	TimeInZone     time.Duration `json:"time_in_zone,omitempty"`
}

// GeofenceEvent is a detected intersection between a user's current point
// and a zone. It lives in memory until delivered or expired.
type GeofenceEvent struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	ZoneID           string        `json:"zone_id"`
	ZoneName         string        `json:"zone_name"`
	ZoneType         ZoneType      `json:"zone_type"`
	EventType        EventType     `json:"event_type"`
	Coordinate       Coordinate    `json:"coordinate"`
	Timestamp        time.Time     `json:"timestamp"`
	Processed        bool          `json:"processed"`
	WebhookDelivered bool          `json:"webhook_delivered"`
	Metadata         EventMetadata `json:"metadata"`
}

// NewGeofenceEvent builds an event for a user intersecting a zone, with a
// fresh ID, the current timestamp, and the alert level derived from the
// zone's risk level.
func NewGeofenceEvent(z *Zone, userID string, at Coordinate, t EventType) GeofenceEvent {
	return GeofenceEvent{
		ID:         uuid.NewString(),
		UserID:     userID,
		ZoneID:     z.ID,
		ZoneName:   z.Name,
		ZoneType:   z.Type,
		EventType:  t,
		Coordinate: at,
		Timestamp:  clock.Now().UTC(),
		Metadata: EventMetadata{
			AlertLevel:  AlertLevelForRisk(z.RiskLevel),
			EventSource: "detector",
		},
	}
}
