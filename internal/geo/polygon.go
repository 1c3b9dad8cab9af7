package geo

import (
	"math"

	"github.com/touristguard/geofence/internal/domain"
)

// SegmentEpsilon is the tolerance for collinearity and on-segment checks in
// (lon, lat) degree space. Degree-space geometry is approximate; it is
// accurate for zone-sized polygons (up to a few tens of kilometres) and is
// the same trade-off the spatial index itself makes.
const SegmentEpsilon = 1e-12

// ClosePolygon appends the first vertex when the ring is not closed.
// The input slice is never mutated.
func ClosePolygon(ring []domain.Coordinate) []domain.Coordinate {
	if len(ring) == 0 {
		return nil
	}
	if ring[0] == ring[len(ring)-1] {
		return append([]domain.Coordinate(nil), ring...)
	}
	closed := make([]domain.Coordinate, 0, len(ring)+1)
	closed = append(closed, ring...)
	return append(closed, ring[0])
}

// distinctVertices counts ring vertices excluding a closing duplicate.
func distinctVertices(ring []domain.Coordinate) int {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	seen := make(map[domain.Coordinate]struct{}, n)
	for _, v := range ring[:n] {
		seen[v] = struct{}{}
	}
	return len(seen)
}

// ValidateRing checks a polygon ring against the zone geometry invariants:
// vertex count, closure, self-intersection, and area bounds. It returns the
// closed ring on success.
func ValidateRing(ring []domain.Coordinate) ([]domain.Coordinate, error) {
	if distinctVertices(ring) < domain.MinRingVertices {
		return nil, domain.Errorf(domain.KindZoneValidation,
			"polygon needs at least %d distinct vertices", domain.MinRingVertices)
	}
	if distinctVertices(ring) > domain.MaxRingVertices {
		return nil, domain.Errorf(domain.KindZoneValidation,
			"polygon exceeds %d vertices", domain.MaxRingVertices)
	}
	closed := ClosePolygon(ring)
	if SelfIntersects(closed) {
		return nil, domain.NewError(domain.KindZoneValidation, "polygon is self-intersecting")
	}
	area := SphericalArea(closed)
	if area < domain.MinZoneAreaM2 || area > domain.MaxZoneAreaM2 {
		return nil, domain.Errorf(domain.KindZoneValidation,
			"polygon area %.2f m² outside [%v, %v]", area, domain.MinZoneAreaM2, domain.MaxZoneAreaM2)
	}
	return closed, nil
}

// BoundingBox computes the axis-aligned envelope of a ring.
func BoundingBox(ring []domain.Coordinate) domain.BoundingBox {
	if len(ring) == 0 {
		return domain.BoundingBox{}
	}
	box := domain.BoundingBox{
		MinLat: ring[0].Lat, MaxLat: ring[0].Lat,
		MinLon: ring[0].Lon, MaxLon: ring[0].Lon,
	}
	for _, c := range ring[1:] {
		box.MinLat = math.Min(box.MinLat, c.Lat)
		box.MaxLat = math.Max(box.MaxLat, c.Lat)
		box.MinLon = math.Min(box.MinLon, c.Lon)
		box.MaxLon = math.Max(box.MaxLon, c.Lon)
	}
	return box
}

// Centroid returns the arithmetic mean of the ring's distinct vertices.
func Centroid(ring []domain.Coordinate) domain.Coordinate {
	n := len(ring)
	if n == 0 {
		return domain.Coordinate{}
	}
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}
	var lat, lon float64
	for _, c := range ring[:n] {
		lat += c.Lat
		lon += c.Lon
	}
	return domain.Coordinate{Lat: lat / float64(n), Lon: lon / float64(n)}
}

// SphericalArea returns the area in square metres enclosed by the ring,
// using the spherical shoelace formula on the WGS-84 sphere.
func SphericalArea(ring []domain.Coordinate) float64 {
	closed := ClosePolygon(ring)
	if len(closed) < 4 {
		return 0
	}
	var sum float64
	for i := 0; i < len(closed)-1; i++ {
		p1, p2 := closed[i], closed[i+1]
		sum += radians(p2.Lon-p1.Lon) *
			(2 + math.Sin(radians(p1.Lat)) + math.Sin(radians(p2.Lat)))
	}
	area := math.Abs(sum) * earthRadiusM * earthRadiusM / 2
	return area
}

// PointInPolygon reports whether p lies inside the ring, by ray casting in
// (lon, lat) space. Points exactly on an edge count as inside.
func PointInPolygon(p domain.Coordinate, ring []domain.Coordinate) bool {
	closed := ClosePolygon(ring)
	if len(closed) < 4 {
		return false
	}
	inside := false
	for i := 0; i < len(closed)-1; i++ {
		a, b := closed[i], closed[i+1]
		if onSegment(p, a, b) {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

// SelfIntersects reports whether any two non-adjacent edges of the ring
// cross. Adjacent edges sharing a vertex are not counted.
func SelfIntersects(ring []domain.Coordinate) bool {
	closed := ClosePolygon(ring)
	n := len(closed) - 1 // edges
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			// Skip adjacent edges, including the wrap-around pair.
			if j == i+1 || (i == 0 && j == n-1) {
				continue
			}
			if segmentsIntersect(closed[i], closed[i+1], closed[j], closed[j+1]) {
				return true
			}
		}
	}
	return false
}

// Overlaps reports whether two rings overlap: any vertex of one inside the
// other, or any edge pair intersecting.
func Overlaps(a, b []domain.Coordinate) bool {
	ca, cb := ClosePolygon(a), ClosePolygon(b)
	if len(ca) < 4 || len(cb) < 4 {
		return false
	}
	for _, v := range ca[:len(ca)-1] {
		if PointInPolygon(v, cb) {
			return true
		}
	}
	for _, v := range cb[:len(cb)-1] {
		if PointInPolygon(v, ca) {
			return true
		}
	}
	for i := 0; i < len(ca)-1; i++ {
		for j := 0; j < len(cb)-1; j++ {
			if segmentsIntersect(ca[i], ca[i+1], cb[j], cb[j+1]) {
				return true
			}
		}
	}
	return false
}

// cross returns the z-component of (b-a) × (c-a) in (lon, lat) space.
func cross(a, b, c domain.Coordinate) float64 {
	return (b.Lon-a.Lon)*(c.Lat-a.Lat) - (b.Lat-a.Lat)*(c.Lon-a.Lon)
}

// onSegment reports whether p lies on segment ab, within SegmentEpsilon.
func onSegment(p, a, b domain.Coordinate) bool {
	if math.Abs(cross(a, b, p)) > SegmentEpsilon {
		return false
	}
	return p.Lon >= math.Min(a.Lon, b.Lon)-SegmentEpsilon &&
		p.Lon <= math.Max(a.Lon, b.Lon)+SegmentEpsilon &&
		p.Lat >= math.Min(a.Lat, b.Lat)-SegmentEpsilon &&
		p.Lat <= math.Max(a.Lat, b.Lat)+SegmentEpsilon
}

// segmentsIntersect reports whether segments ab and cd intersect, with a
// collinearity check for overlapping segments.
func segmentsIntersect(a, b, c, d domain.Coordinate) bool {
	d1 := cross(c, d, a)
	d2 := cross(c, d, b)
	d3 := cross(a, b, c)
	d4 := cross(a, b, d)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	// Collinear cases: an endpoint lying on the other segment.
	if math.Abs(d1) <= SegmentEpsilon && onSegment(a, c, d) {
		return true
	}
	if math.Abs(d2) <= SegmentEpsilon && onSegment(b, c, d) {
		return true
	}
	if math.Abs(d3) <= SegmentEpsilon && onSegment(c, a, b) {
		return true
	}
	if math.Abs(d4) <= SegmentEpsilon && onSegment(d, a, b) {
		return true
	}
	return false
}
