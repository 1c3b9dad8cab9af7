// Package tile38 is the typed client for the Tile38-family spatial index.
// It builds the engine's command vocabulary as strongly typed constructors,
// executes them over a primary/replica connection pool with failover, and
// decodes the RESP reply trees into domain values.
package tile38

import (
	"encoding/json"
	"strconv"

	"github.com/touristguard/geofence/internal/domain"
)

// Field is one side field attached to an indexed object. Order is preserved
// on the wire.
type Field struct {
	Name  string
	Value string
}

// Command is a fully built index command ready for execution. Args holds the
// serialized wire arguments, command name first.
type Command struct {
	Name string
	Args []any
}

func newCommand(name string, args ...any) Command {
	return Command{Name: name, Args: append([]any{name}, args...)}
}

// Ping builds the health-probe command.
func Ping() Command {
	return newCommand("PING")
}

// SetPoint builds SET <coll> <id> [FIELD k v]... [EX ttl] POINT <lat> <lon>.
// A zero TTL omits the EX clause.
func SetPoint(coll, id string, fields []Field, ttlSeconds int, c domain.Coordinate) Command {
	args := []any{coll, id}
	for _, f := range fields {
		args = append(args, "FIELD", f.Name, f.Value)
	}
	if ttlSeconds > 0 {
		args = append(args, "EX", strconv.Itoa(ttlSeconds))
	}
	args = append(args, "POINT", formatFloat(c.Lat), formatFloat(c.Lon))
	return newCommand("SET", args...)
}

// SetPolygon builds SET <coll> <id> [FIELD k v]... OBJECT <GeoJSON polygon>.
// The ring is converted to GeoJSON (lon, lat) order here, at the index
// boundary.
func SetPolygon(coll, id string, fields []Field, ring []domain.Coordinate) Command {
	args := []any{coll, id}
	for _, f := range fields {
		args = append(args, "FIELD", f.Name, f.Value)
	}
	args = append(args, "OBJECT", PolygonJSON(ring))
	return newCommand("SET", args...)
}

// GetWithFields builds GET <coll> <id> WITHFIELDS.
func GetWithFields(coll, id string) Command {
	return newCommand("GET", coll, id, "WITHFIELDS")
}

// Del builds DEL <coll> <id>.
func Del(coll, id string) Command {
	return newCommand("DEL", coll, id)
}

// Nearby builds NEARBY <coll> [LIMIT n] POINT <lat> <lon> <radius-m>.
func Nearby(coll string, limit int, center domain.Coordinate, radiusM float64) Command {
	args := []any{coll}
	if limit > 0 {
		args = append(args, "LIMIT", strconv.Itoa(limit))
	}
	args = append(args, "POINT", formatFloat(center.Lat), formatFloat(center.Lon), formatFloat(radiusM))
	return newCommand("NEARBY", args...)
}

// WithinBounds builds WITHIN <coll> [LIMIT n] BOUNDS <minLat> <minLon> <maxLat> <maxLon>.
func WithinBounds(coll string, limit int, b domain.BoundingBox) Command {
	args := []any{coll}
	if limit > 0 {
		args = append(args, "LIMIT", strconv.Itoa(limit))
	}
	args = append(args, "BOUNDS",
		formatFloat(b.MinLat), formatFloat(b.MinLon),
		formatFloat(b.MaxLat), formatFloat(b.MaxLon))
	return newCommand("WITHIN", args...)
}

// WithinPolygon builds WITHIN <coll> [LIMIT n] OBJECT <GeoJSON polygon>.
func WithinPolygon(coll string, limit int, ring []domain.Coordinate) Command {
	args := []any{coll}
	if limit > 0 {
		args = append(args, "LIMIT", strconv.Itoa(limit))
	}
	args = append(args, "OBJECT", PolygonJSON(ring))
	return newCommand("WITHIN", args...)
}

// IntersectsPoint builds INTERSECTS <coll> POINT <lat> <lon>, answering
// "which polygons contain this point".
func IntersectsPoint(coll string, c domain.Coordinate) Command {
	return newCommand("INTERSECTS", coll, "POINT", formatFloat(c.Lat), formatFloat(c.Lon))
}

// IntersectsPolygon builds INTERSECTS <coll> OBJECT <GeoJSON polygon>.
func IntersectsPolygon(coll string, ring []domain.Coordinate) Command {
	return newCommand("INTERSECTS", coll, "OBJECT", PolygonJSON(ring))
}

// SetHook builds SETHOOK <name> <url> WITHIN <coll> FENCE OBJECT <polygon>,
// installing a server-side trigger for the given region.
func SetHook(name, endpoint, coll string, ring []domain.Coordinate) Command {
	return newCommand("SETHOOK", name, endpoint, "WITHIN", coll, "FENCE", "OBJECT", PolygonJSON(ring))
}

// DelHooks builds PDELHOOK <pattern>, removing all hooks matching the pattern.
func DelHooks(pattern string) Command {
	return newCommand("PDELHOOK", pattern)
}

// Stats builds STATS <coll>.
func Stats(coll string) Command {
	return newCommand("STATS", coll)
}

// Server builds SERVER.
func Server() Command {
	return newCommand("SERVER")
}

// Scan builds SCAN <coll> [LIMIT n] [WITHFIELDS].
func Scan(coll string, limit int, withFields bool) Command {
	args := []any{coll}
	if limit > 0 {
		args = append(args, "LIMIT", strconv.Itoa(limit))
	}
	if withFields {
		args = append(args, "WITHFIELDS")
	}
	return newCommand("SCAN", args...)
}

// RewriteAOF builds BGREWRITEAOF, compacting the index append-only file.
func RewriteAOF() Command {
	return newCommand("BGREWRITEAOF")
}

// geoJSONPolygon is the GeoJSON wire shape for a polygon with one ring.
type geoJSONPolygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// PolygonJSON serializes a closed ring as a GeoJSON Polygon string in
// (lon, lat) order. Unclosed rings are closed first.
func PolygonJSON(ring []domain.Coordinate) string {
	closed := ring
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		closed = append(append([]domain.Coordinate(nil), ring...), ring[0])
	}
	pts := make([][2]float64, len(closed))
	for i, c := range closed {
		pts[i] = [2]float64{c.Lon, c.Lat}
	}
	data, _ := json.Marshal(geoJSONPolygon{Type: "Polygon", Coordinates: [][][2]float64{pts}})
	return string(data)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
