package zone

import (
	"sync"

	"github.com/dhconnelly/rtreego"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
)

const (
	rtreeDimensions  = 2
	rtreeMinChildren = 8
	rtreeMaxChildren = 16
)

// zoneEntry wraps a zone's bounding box for R-tree storage.
type zoneEntry struct {
	id   string
	rect *rtreego.Rect
}

func (e *zoneEntry) Bounds() *rtreego.Rect { return e.rect }

// registry is the engine's live in-memory view of all zones: a map for
// lookups plus an R-tree over bounding boxes for spatial candidate
// selection. All writes come from the zone manager; readers get copies.
type registry struct {
	mu      sync.RWMutex
	zones   map[string]*domain.Zone
	entries map[string]*zoneEntry
	tree    *rtreego.Rtree
}

func newRegistry() *registry {
	return &registry{
		zones:   make(map[string]*domain.Zone),
		entries: make(map[string]*zoneEntry),
		tree:    rtreego.NewTree(rtreeDimensions, rtreeMinChildren, rtreeMaxChildren),
	}
}

// rectFor converts a bounding box into an R-tree rectangle in (lat, lon)
// axis order. Degenerate extents get a hair of width so the tree accepts
// them.
func rectFor(b domain.BoundingBox) *rtreego.Rect {
	const minExtent = 1e-9
	dLat := b.MaxLat - b.MinLat
	dLon := b.MaxLon - b.MinLon
	if dLat < minExtent {
		dLat = minExtent
	}
	if dLon < minExtent {
		dLon = minExtent
	}
	rect, _ := rtreego.NewRect(rtreego.Point{b.MinLat, b.MinLon}, []float64{dLat, dLon})
	return rect
}

func (r *registry) upsert(z *domain.Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[z.ID]; ok {
		r.tree.Delete(old)
	}
	clone := *z
	entry := &zoneEntry{id: z.ID, rect: rectFor(z.BoundingBox)}
	r.zones[z.ID] = &clone
	r.entries[z.ID] = entry
	r.tree.Insert(entry)
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[id]; ok {
		r.tree.Delete(entry)
		delete(r.entries, id)
	}
	delete(r.zones, id)
}

func (r *registry) get(id string) (*domain.Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.zones[id]
	if !ok {
		return nil, false
	}
	clone := *z
	return &clone, true
}

// containing returns the active zones whose polygon contains p, using the
// R-tree for bounding-box candidates and ray casting for the exact test.
func (r *registry) containing(p domain.Coordinate) []*domain.Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rect := rtreego.Point{p.Lat, p.Lon}.ToRect(1e-9)

	var matches []*domain.Zone
	for _, spatial := range r.tree.SearchIntersect(rect) {
		entry := spatial.(*zoneEntry)
		z, ok := r.zones[entry.id]
		if !ok || z.Status != domain.ZoneActive {
			continue
		}
		if geo.PointInPolygon(p, z.Coordinates) {
			clone := *z
			matches = append(matches, &clone)
		}
	}
	return matches
}

// overlapping returns the active zones (other than excludeID) whose ring
// overlaps the given ring.
func (r *registry) overlapping(ring []domain.Coordinate, excludeID string) []*domain.Zone {
	box := geo.BoundingBox(ring)
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*domain.Zone
	for _, spatial := range r.tree.SearchIntersect(rectFor(box)) {
		entry := spatial.(*zoneEntry)
		if entry.id == excludeID {
			continue
		}
		z, ok := r.zones[entry.id]
		if !ok || z.Status != domain.ZoneActive {
			continue
		}
		if geo.Overlaps(ring, z.Coordinates) {
			clone := *z
			matches = append(matches, &clone)
		}
	}
	return matches
}

// active returns up to limit active zones. A zero limit means all.
func (r *registry) active(limit int) []*domain.Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Zone
	for _, z := range r.zones {
		if z.Status != domain.ZoneActive {
			continue
		}
		clone := *z
		out = append(out, &clone)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.zones)
}
