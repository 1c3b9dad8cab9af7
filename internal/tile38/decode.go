package tile38

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/touristguard/geofence/internal/domain"
)

// Object is one decoded index entry: its id, geometry, and side fields.
// Point entries carry a Coordinate; polygon entries carry the ring.
type Object struct {
	ID     string
	Point  *domain.Coordinate
	Ring   []domain.Coordinate
	Fields map[string]string
}

// DecodeGet decodes the reply of GET ... WITHFIELDS: either a bare GeoJSON
// bulk string or [object, [k1, v1, k2, v2, ...]].
func DecodeGet(reply any) (*Object, error) {
	obj := &Object{Fields: map[string]string{}}
	switch v := reply.(type) {
	case string:
		return obj, decodeGeometry(v, obj)
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty GET reply")
		}
		s, ok := v[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected GET object type %T", v[0])
		}
		if err := decodeGeometry(s, obj); err != nil {
			return nil, err
		}
		if len(v) > 1 {
			fields, err := decodeFieldList(v[1])
			if err != nil {
				return nil, err
			}
			obj.Fields = fields
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unexpected GET reply type %T", reply)
	}
}

// DecodeSearch decodes the reply of NEARBY / WITHIN / INTERSECTS / SCAN:
// [cursor, [[id, object, [field-values...]?], ...]].
func DecodeSearch(reply any) ([]Object, error) {
	top, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected search reply type %T", reply)
	}
	if len(top) < 2 {
		return nil, nil
	}
	rows, ok := top[1].([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected search row list type %T", top[1])
	}

	objects := make([]Object, 0, len(rows))
	for _, row := range rows {
		entry, ok := row.([]any)
		if !ok || len(entry) < 2 {
			return nil, fmt.Errorf("malformed search row %v", row)
		}
		id, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected search id type %T", entry[0])
		}
		body, ok := entry[1].(string)
		if !ok {
			return nil, fmt.Errorf("unexpected search object type %T", entry[1])
		}
		obj := Object{ID: id, Fields: map[string]string{}}
		if err := decodeGeometry(body, &obj); err != nil {
			return nil, err
		}
		if len(entry) > 2 {
			fields, err := decodeFieldList(entry[2])
			if err != nil {
				return nil, err
			}
			obj.Fields = fields
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// geoJSONShape is the subset of GeoJSON the engine reads back.
type geoJSONShape struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// decodeGeometry parses a GeoJSON Point or Polygon body into obj,
// converting (lon, lat) wire order back to (lat, lon).
func decodeGeometry(body string, obj *Object) error {
	var shape geoJSONShape
	if err := json.Unmarshal([]byte(body), &shape); err != nil {
		return fmt.Errorf("decode geometry: %w", err)
	}
	switch shape.Type {
	case "Point":
		var pt [2]float64
		if err := json.Unmarshal(shape.Coordinates, &pt); err != nil {
			return fmt.Errorf("decode point: %w", err)
		}
		obj.Point = &domain.Coordinate{Lat: pt[1], Lon: pt[0]}
	case "Polygon":
		var rings [][][2]float64
		if err := json.Unmarshal(shape.Coordinates, &rings); err != nil {
			return fmt.Errorf("decode polygon: %w", err)
		}
		if len(rings) == 0 {
			return fmt.Errorf("polygon with no rings")
		}
		ring := make([]domain.Coordinate, len(rings[0]))
		for i, p := range rings[0] {
			ring[i] = domain.Coordinate{Lat: p[1], Lon: p[0]}
		}
		obj.Ring = ring
	default:
		return fmt.Errorf("unsupported geometry type %q", shape.Type)
	}
	return nil
}

// decodeFieldList parses the alternating [k1, v1, k2, v2, ...] field list.
func decodeFieldList(reply any) (map[string]string, error) {
	list, ok := reply.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected field list type %T", reply)
	}
	fields := make(map[string]string, len(list)/2)
	for i := 0; i+1 < len(list); i += 2 {
		k, err := stringify(list[i])
		if err != nil {
			return nil, err
		}
		v, err := stringify(list[i+1])
		if err != nil {
			return nil, err
		}
		fields[k] = v
	}
	return fields, nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unexpected field element type %T", v)
	}
}
