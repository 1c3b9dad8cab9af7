// Package postgres is the durable trailing log behind the engine: a plain
// CRUD sink for geofence events, location checks, and zone snapshots. The
// engine remains authoritative for live state; rows here are history.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/touristguard/geofence/internal/domain"
)

// Sink writes engine history to PostgreSQL.
type Sink struct {
	pool *pgxpool.Pool
}

// New opens a connection pool and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Sink, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// Ping verifies the connection.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RecordEvent appends one geofence event to the history table.
func (s *Sink) RecordEvent(ctx context.Context, e *domain.GeofenceEvent) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}
	sql := `INSERT INTO geofence_events
			(id, user_id, zone_id, zone_name, zone_type, event_type, lat, lon, occurred_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, sql,
		e.ID, e.UserID, e.ZoneID, e.ZoneName, string(e.ZoneType), string(e.EventType),
		e.Coordinate.Lat, e.Coordinate.Lon, e.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordLocation appends one location check to the history table.
func (s *Sink) RecordLocation(ctx context.Context, loc *domain.LocationUpdate) error {
	sql := `INSERT INTO location_checks (user_id, lat, lon, accuracy, recorded_at)
			VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, sql,
		loc.UserID, loc.Coordinate.Lat, loc.Coordinate.Lon, loc.Accuracy, loc.Timestamp)
	if err != nil {
		return fmt.Errorf("insert location check: %w", err)
	}
	return nil
}

// RecordZone upserts a zone snapshot.
func (s *Sink) RecordZone(ctx context.Context, z *domain.Zone) error {
	ring, err := json.Marshal(z.Coordinates)
	if err != nil {
		return fmt.Errorf("marshal zone ring: %w", err)
	}
	sql := `INSERT INTO zone_snapshots (id, name, type, status, risk_level, ring, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name, type = EXCLUDED.type, status = EXCLUDED.status,
				risk_level = EXCLUDED.risk_level, ring = EXCLUDED.ring,
				updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, sql,
		z.ID, z.Name, string(z.Type), string(z.Status), z.RiskLevel, ring, z.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert zone snapshot: %w", err)
	}
	return nil
}

// EventHistory returns the most recent events for a user, newest first.
func (s *Sink) EventHistory(ctx context.Context, userID string, limit int) ([]*domain.GeofenceEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	sql := `SELECT id, user_id, zone_id, zone_name, zone_type, event_type, lat, lon, occurred_at, metadata
			FROM geofence_events WHERE user_id = $1
			ORDER BY occurred_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, sql, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.GeofenceEvent
	for rows.Next() {
		var e domain.GeofenceEvent
		var zoneType, eventType string
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.ZoneID, &e.ZoneName, &zoneType, &eventType,
			&e.Coordinate.Lat, &e.Coordinate.Lon, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ZoneType = domain.ZoneType(zoneType)
		e.EventType = domain.EventType(eventType)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
