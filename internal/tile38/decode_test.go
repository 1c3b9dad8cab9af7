package tile38

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
)

func TestDecodeGet_PointWithFields(t *testing.T) {
	reply := []any{
		`{"type":"Point","coordinates":[77.209,28.6139]}`,
		[]any{"battery", "80", "speed", int64(2)},
	}

	obj, err := DecodeGet(reply)
	require.NoError(t, err)
	require.NotNil(t, obj.Point)
	assert.Equal(t, domain.Coordinate{Lat: 28.6139, Lon: 77.209}, *obj.Point)
	assert.Equal(t, map[string]string{"battery": "80", "speed": "2"}, obj.Fields)
}

func TestDecodeGet_BareObject(t *testing.T) {
	obj, err := DecodeGet(`{"type":"Point","coordinates":[2,1]}`)
	require.NoError(t, err)
	assert.Equal(t, domain.Coordinate{Lat: 1, Lon: 2}, *obj.Point)
}

func TestDecodeGet_Polygon(t *testing.T) {
	obj, err := DecodeGet(`{"type":"Polygon","coordinates":[[[77.209,28.6139],[77.21,28.6139],[77.21,28.6149],[77.209,28.6139]]]}`)
	require.NoError(t, err)
	require.Len(t, obj.Ring, 4)
	assert.Equal(t, domain.Coordinate{Lat: 28.6139, Lon: 77.209}, obj.Ring[0])
}

func TestDecodeGet_Malformed(t *testing.T) {
	_, err := DecodeGet(int64(42))
	assert.Error(t, err)

	_, err = DecodeGet(`{"type":"LineString","coordinates":[]}`)
	assert.Error(t, err)
}

func TestDecodeSearch(t *testing.T) {
	reply := []any{
		int64(0),
		[]any{
			[]any{"u1", `{"type":"Point","coordinates":[77.2095,28.6144]}`},
			[]any{"u2", `{"type":"Point","coordinates":[77.21,28.615]}`, []any{"battery", "55"}},
		},
	}

	objects, err := DecodeSearch(reply)
	require.NoError(t, err)
	require.Len(t, objects, 2)

	assert.Equal(t, "u1", objects[0].ID)
	assert.Equal(t, domain.Coordinate{Lat: 28.6144, Lon: 77.2095}, *objects[0].Point)
	assert.Empty(t, objects[0].Fields)

	assert.Equal(t, "u2", objects[1].ID)
	assert.Equal(t, "55", objects[1].Fields["battery"])
}

func TestDecodeSearch_Empty(t *testing.T) {
	objects, err := DecodeSearch([]any{int64(0), []any{}})
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestDecodeSearch_Malformed(t *testing.T) {
	_, err := DecodeSearch("nope")
	assert.Error(t, err)

	_, err = DecodeSearch([]any{int64(0), []any{[]any{"only-id"}}})
	assert.Error(t, err)
}
