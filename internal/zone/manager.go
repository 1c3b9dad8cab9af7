// Package zone manages the lifecycle of polygonal zones: validation,
// overlap rejection, persistence to the spatial index, and an in-memory
// registry that serves the hot containment path.
//
// The registry is warmed from the index at startup and is the only mutable
// zone state in the process; every write flows through the manager, so the
// final SET against the primary is the linearization point for concurrent
// mutations.
package zone

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
	"github.com/touristguard/geofence/internal/tile38"
)

// DefaultCollection is the index collection holding zone polygons.
const DefaultCollection = "zones"

// Side-field names used when persisting zones to the index.
const (
	fieldName         = "name"
	fieldType         = "type"
	fieldStatus       = "status"
	fieldDescription  = "description"
	fieldRiskLevel    = "risk_level"
	fieldAlertMessage = "alert_message"
	fieldContacts     = "contacts"
	fieldCreatedBy    = "created_by"
	fieldCreatedAt    = "created_at"
	fieldUpdatedAt    = "updated_at"
)

// executor runs index commands; in production it is the request governor.
type executor interface {
	ExecuteRead(ctx context.Context, cmd tile38.Command, priority int) (any, error)
	ExecuteWrite(ctx context.Context, cmd tile38.Command, priority int) (any, error)
}

// lookaside is the slice of the C3 cache the manager uses.
type lookaside interface {
	GetZone(ctx context.Context, zoneID string) (*domain.Zone, bool)
	SetZone(ctx context.Context, z *domain.Zone)
	Invalidate(ctx context.Context, keys ...string)
	InvalidatePrefix(ctx context.Context, prefix string)
}

// Priorities for zone traffic: admin mutations outrank scan-style reads.
const (
	writePriority = 8
	readPriority  = 4
)

// Manager owns zone CRUD and search.
type Manager struct {
	exec       executor
	cache      lookaside
	registry   *registry
	collection string
	logger     *slog.Logger
}

// New builds a zone manager. cache may be nil when the lookaside layer is
// disabled.
func New(exec executor, cache lookaside, collection string, logger *slog.Logger) *Manager {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Manager{
		exec:       exec,
		cache:      cache,
		registry:   newRegistry(),
		collection: collection,
		logger:     logger,
	}
}

// Warm loads every zone from the index into the in-memory registry.
// Call once during wiring, before any traffic.
func (m *Manager) Warm(ctx context.Context) error {
	reply, err := m.exec.ExecuteRead(ctx, tile38.Scan(m.collection, 0, true), readPriority)
	if err != nil {
		if errors.Is(err, tile38.ErrNotFound) {
			return nil
		}
		return err
	}
	objects, err := tile38.DecodeSearch(reply)
	if err != nil {
		return err
	}
	for i := range objects {
		z, err := zoneFromObject(&objects[i])
		if err != nil {
			m.logger.Warn("skipping undecodable zone", "zone_id", objects[i].ID, "error", err)
			continue
		}
		m.registry.upsert(z)
	}
	m.logger.Info("zone registry warmed", "zones", m.registry.len())
	return nil
}

// Create validates and persists a new zone. The ring is auto-closed; the
// zone is rejected when it overlaps any other active zone.
func (m *Manager) Create(ctx context.Context, z *domain.Zone) (*domain.Zone, error) {
	if err := z.ValidateFields(); err != nil {
		return nil, err
	}
	ring, err := geo.ValidateRing(z.Coordinates)
	if err != nil {
		return nil, err
	}
	z.Coordinates = ring
	z.BoundingBox = geo.BoundingBox(ring)
	z.ApplyDefaults()

	if z.Status == domain.ZoneActive {
		if overlapping := m.registry.overlapping(ring, ""); len(overlapping) > 0 {
			return nil, domain.Errorf(domain.KindZoneOverlap,
				"zone overlaps active zone %q", overlapping[0].Name).
				WithDetails(map[string]any{"zone_id": overlapping[0].ID})
		}
	}

	z.ID = uuid.NewString()
	if err := m.persist(ctx, z); err != nil {
		return nil, err
	}

	m.registry.upsert(z)
	if m.cache != nil {
		m.cache.SetZone(ctx, z)
	}
	m.logger.Info("zone created", "zone_id", z.ID, "name", z.Name, "type", z.Type)
	return z, nil
}

// Patch is a partial zone update. Nil fields are left unchanged.
type Patch struct {
	Name         *string
	Type         *domain.ZoneType
	Status       *domain.ZoneStatus
	Description  *string
	Coordinates  []domain.Coordinate
	RiskLevel    *int
	AlertMessage *string
	Contacts     []string
}

// Update applies a partial update. A coordinate change repeats full
// geometry validation and the overlap check, excluding the zone itself.
func (m *Manager) Update(ctx context.Context, id string, patch Patch) (*domain.Zone, error) {
	z, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		z.Name = *patch.Name
	}
	if patch.Type != nil {
		z.Type = *patch.Type
	}
	if patch.Status != nil {
		z.Status = *patch.Status
	}
	if patch.Description != nil {
		z.Description = *patch.Description
	}
	if patch.RiskLevel != nil {
		z.RiskLevel = *patch.RiskLevel
	}
	if patch.AlertMessage != nil {
		z.AlertMessage = *patch.AlertMessage
	}
	if patch.Contacts != nil {
		z.EmergencyContacts = patch.Contacts
	}
	if err := z.ValidateFields(); err != nil {
		return nil, err
	}

	if patch.Coordinates != nil {
		ring, err := geo.ValidateRing(patch.Coordinates)
		if err != nil {
			return nil, err
		}
		z.Coordinates = ring
		z.BoundingBox = geo.BoundingBox(ring)
	}
	if z.Status == domain.ZoneActive {
		if overlapping := m.registry.overlapping(z.Coordinates, z.ID); len(overlapping) > 0 {
			return nil, domain.Errorf(domain.KindZoneOverlap,
				"zone overlaps active zone %q", overlapping[0].Name)
		}
	}

	z.UpdatedAt = domain.Now().UTC()
	if err := m.persist(ctx, z); err != nil {
		return nil, err
	}

	m.registry.upsert(z)
	m.invalidate(ctx, z.ID)
	if m.cache != nil {
		m.cache.SetZone(ctx, z)
	}
	return z, nil
}

// Get returns a zone by id, consulting the registry, then the lookaside
// cache, then the index.
func (m *Manager) Get(ctx context.Context, id string) (*domain.Zone, error) {
	if z, ok := m.registry.get(id); ok {
		return z, nil
	}
	if m.cache != nil {
		if z, ok := m.cache.GetZone(ctx, id); ok {
			return z, nil
		}
	}

	reply, err := m.exec.ExecuteRead(ctx, tile38.GetWithFields(m.collection, id), readPriority)
	if err != nil {
		if errors.Is(err, tile38.ErrNotFound) {
			return nil, domain.Errorf(domain.KindNotFound, "zone %s not found", id)
		}
		return nil, err
	}
	obj, err := tile38.DecodeGet(reply)
	if err != nil {
		return nil, err
	}
	obj.ID = id
	z, err := zoneFromObject(obj)
	if err != nil {
		return nil, err
	}

	m.registry.upsert(z)
	if m.cache != nil {
		m.cache.SetZone(ctx, z)
	}
	return z, nil
}

// Delete removes a zone from the index, the registry, and the caches.
// Deleting an absent zone is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	_, err := m.exec.ExecuteWrite(ctx, tile38.Del(m.collection, id), writePriority)
	if err != nil && !errors.Is(err, tile38.ErrNotFound) {
		return err
	}
	m.registry.remove(id)
	m.invalidate(ctx, id)
	m.logger.Info("zone deleted", "zone_id", id)
	return nil
}

// Containing returns the active zones whose polygon contains p, from the
// in-memory registry. This is the hot path used per location update.
func (m *Manager) Containing(p domain.Coordinate) []*domain.Zone {
	return m.registry.containing(p)
}

// Active returns up to limit active zones for detector sweeps.
func (m *Manager) Active(limit int) []*domain.Zone {
	return m.registry.active(limit)
}

// Count returns the number of zones currently registered.
func (m *Manager) Count() int {
	return m.registry.len()
}

// Search answers the admin query surface. Spatial filters run against the
// index (INTERSECTS for points, WITHIN for boxes, SCAN otherwise); the
// remaining filters are applied in memory.
func (m *Manager) Search(ctx context.Context, q domain.ZoneQuery) ([]*domain.Zone, error) {
	var cmd tile38.Command
	switch {
	case q.Point != nil:
		if err := domain.ValidateCoordinate(*q.Point); err != nil {
			return nil, err
		}
		cmd = tile38.IntersectsPoint(m.collection, *q.Point)
	case q.Bounds != nil:
		cmd = tile38.WithinBounds(m.collection, 0, *q.Bounds)
	default:
		cmd = tile38.Scan(m.collection, 0, true)
	}

	reply, err := m.exec.ExecuteRead(ctx, cmd, readPriority)
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

	var out []*domain.Zone
	for i := range objects {
		z, err := zoneFromObject(&objects[i])
		if err != nil {
			m.logger.Warn("skipping undecodable zone", "zone_id", objects[i].ID, "error", err)
			continue
		}
		if !matchesQuery(z, q) {
			continue
		}
		out = append(out, z)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func matchesQuery(z *domain.Zone, q domain.ZoneQuery) bool {
	if q.Type != "" && z.Type != q.Type {
		return false
	}
	if q.Status != "" && z.Status != q.Status {
		return false
	}
	if q.MinRisk > 0 && z.RiskLevel < q.MinRisk {
		return false
	}
	if q.MaxRisk > 0 && z.RiskLevel > q.MaxRisk {
		return false
	}
	if q.CreatedBy != "" && z.CreatedBy != q.CreatedBy {
		return false
	}
	return true
}

func (m *Manager) persist(ctx context.Context, z *domain.Zone) error {
	_, err := m.exec.ExecuteWrite(ctx, tile38.SetPolygon(m.collection, z.ID, zoneFields(z), z.Coordinates), writePriority)
	return err
}

func (m *Manager) invalidate(ctx context.Context, zoneID string) {
	if m.cache == nil {
		return
	}
	m.cache.Invalidate(ctx, "zone:"+zoneID)
	// Containment results may reference the changed zone.
	m.cache.InvalidatePrefix(ctx, "geofence:")
}

func zoneFields(z *domain.Zone) []tile38.Field {
	fields := []tile38.Field{
		{Name: fieldName, Value: z.Name},
		{Name: fieldType, Value: string(z.Type)},
		{Name: fieldStatus, Value: string(z.Status)},
		{Name: fieldRiskLevel, Value: strconv.Itoa(z.RiskLevel)},
		{Name: fieldCreatedAt, Value: z.CreatedAt.Format(time.RFC3339)},
		{Name: fieldUpdatedAt, Value: z.UpdatedAt.Format(time.RFC3339)},
	}
	if z.Description != "" {
		fields = append(fields, tile38.Field{Name: fieldDescription, Value: z.Description})
	}
	if z.AlertMessage != "" {
		fields = append(fields, tile38.Field{Name: fieldAlertMessage, Value: z.AlertMessage})
	}
	if len(z.EmergencyContacts) > 0 {
		data, _ := json.Marshal(z.EmergencyContacts)
		fields = append(fields, tile38.Field{Name: fieldContacts, Value: string(data)})
	}
	if z.CreatedBy != "" {
		fields = append(fields, tile38.Field{Name: fieldCreatedBy, Value: z.CreatedBy})
	}
	return fields
}

// zoneFromObject rebuilds a zone record from an index object and its side
// fields.
func zoneFromObject(obj *tile38.Object) (*domain.Zone, error) {
	if len(obj.Ring) == 0 {
		return nil, domain.Errorf(domain.KindInternal, "object %s carries no polygon", obj.ID)
	}
	z := &domain.Zone{
		ID:           obj.ID,
		Name:         obj.Fields[fieldName],
		Type:         domain.ZoneType(obj.Fields[fieldType]),
		Status:       domain.ZoneStatus(obj.Fields[fieldStatus]),
		Description:  obj.Fields[fieldDescription],
		AlertMessage: obj.Fields[fieldAlertMessage],
		CreatedBy:    obj.Fields[fieldCreatedBy],
		Coordinates:  obj.Ring,
	}
	z.BoundingBox = geo.BoundingBox(obj.Ring)
	if v := obj.Fields[fieldRiskLevel]; v != "" {
		if risk, err := strconv.Atoi(v); err == nil {
			z.RiskLevel = risk
		}
	}
	if z.RiskLevel == 0 {
		z.RiskLevel = domain.DefaultRiskLevel(z.Type)
	}
	if v := obj.Fields[fieldContacts]; v != "" {
		_ = json.Unmarshal([]byte(v), &z.EmergencyContacts)
	}
	if v := obj.Fields[fieldCreatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			z.CreatedAt = t
		}
	}
	if v := obj.Fields[fieldUpdatedAt]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			z.UpdatedAt = t
		}
	}
	return z, nil
}
