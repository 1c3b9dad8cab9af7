// Package domain models the core entities of the geofence engine: coordinates,
// polygonal zones, per-user location updates, geofence events, and webhook
// subscriptions.
//
// # Coordinates
//
// Coordinates are WGS-84 latitude/longitude pairs stored as (lat, lon).
// The spatial index wire protocol and GeoJSON both exchange (lon, lat);
// that conversion happens exclusively at the index boundary (internal/tile38),
// never in domain code.
//
// # Zones
//
// A zone is a closed polygonal region with a safety classification. The ring
// is stored in vertex order with the closing vertex appended when absent
// ("auto-closure"). Rings must have at least 3 distinct vertices and at most
// 100, must not self-intersect, and must enclose between 100 m² and 10⁹ m².
// Active zones may not overlap each other; overlap means any edge pair
// intersects or any vertex of one ring lies inside the other.
//
// Geometric checks (area, self-intersection, overlap) are computed by
// internal/geo; this package enforces field-level constraints only.
//
// # Risk levels and alert levels
//
// Each zone type carries a default risk level on a 1–10 scale:
//
//	safe → 2, tourist_friendly → 3, caution → 5,
//	restricted → 7, high_risk → 9, emergency → 10
//
// Event alert levels derive from the zone's risk level:
//
//	≥9 critical | ≥7 high | ≥5 medium | otherwise low
//
// # Identity
//
// Zones, events, and webhooks use opaque UUIDs. A location update is
// identified by (userID, timestamp); a newer timestamp supersedes the
// previous reading for that user.
package domain
