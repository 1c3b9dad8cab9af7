package domain

import (
	"net/url"
	"time"
)

// RetryConfig controls webhook delivery retries. With ExponentialBackoff
// unset, the delay grows linearly: RetryDelay * attempt.
type RetryConfig struct {
	MaxRetries         int           `json:"max_retries"`
	RetryDelay         time.Duration `json:"retry_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// WebhookConfig is a subscriber record. Zone and zone-type filters are
// conjunctive with the required event-type filter; an empty zone filter
// matches every zone.
type WebhookConfig struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	Secret     string            `json:"secret,omitempty"`
	Enabled    bool              `json:"enabled"`
	ZoneIDs    []string          `json:"zone_ids,omitempty"`
	ZoneTypes  []ZoneType        `json:"zone_types,omitempty"`
	EventTypes []EventType       `json:"event_types"`
	Retry      RetryConfig       `json:"retry"`
	Headers    map[string]string `json:"headers,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Validate checks the subscriber's URL and filters.
func (w *WebhookConfig) Validate() error {
	if w.Name == "" {
		return NewError(KindValidation, "webhook name is required")
	}
	u, err := url.Parse(w.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Errorf(KindValidation, "webhook url %q must be absolute http(s)", w.URL)
	}
	if len(w.EventTypes) == 0 {
		return NewError(KindValidation, "webhook event_types must be non-empty")
	}
	for _, t := range w.EventTypes {
		if !ValidEventType(t) {
			return Errorf(KindValidation, "unknown event type %q", t)
		}
	}
	for _, t := range w.ZoneTypes {
		if !ValidZoneType(t) {
			return Errorf(KindValidation, "unknown zone type %q", t)
		}
	}
	return nil
}

// Matches reports whether the webhook subscribes to the given event:
// enabled AND event type listed AND (zone filter empty OR zone listed)
// AND (zone-type filter empty OR zone type listed).
func (w *WebhookConfig) Matches(e *GeofenceEvent) bool {
	if !w.Enabled {
		return false
	}
	if !containsEventType(w.EventTypes, e.EventType) {
		return false
	}
	if len(w.ZoneIDs) > 0 && !containsString(w.ZoneIDs, e.ZoneID) {
		return false
	}
	if len(w.ZoneTypes) > 0 && !containsZoneType(w.ZoneTypes, e.ZoneType) {
		return false
	}
	return true
}

func containsEventType(s []EventType, v EventType) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsZoneType(s []ZoneType, v ZoneType) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
