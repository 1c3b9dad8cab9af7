package zone

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/tile38"
)

// fakeExec records commands and returns scripted replies per command name.
type fakeExec struct {
	mu      sync.Mutex
	replies map[string]any
	errs    map[string]error
	cmds    []tile38.Command
}

func newFakeExec() *fakeExec {
	return &fakeExec{replies: map[string]any{}, errs: map[string]error{}}
}

func (f *fakeExec) run(cmd tile38.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if err, ok := f.errs[cmd.Name]; ok {
		return nil, err
	}
	if v, ok := f.replies[cmd.Name]; ok {
		return v, nil
	}
	return "OK", nil
}

func (f *fakeExec) ExecuteRead(_ context.Context, cmd tile38.Command, _ int) (any, error) {
	return f.run(cmd)
}

func (f *fakeExec) ExecuteWrite(_ context.Context, cmd tile38.Command, _ int) (any, error) {
	return f.run(cmd)
}

func (f *fakeExec) commandNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.cmds))
	for i, c := range f.cmds {
		names[i] = c.Name
	}
	return names
}

// delhiSquare is a ~111 m x ~98 m square, comfortably inside the area
// bounds.
func delhiSquare() []domain.Coordinate {
	return []domain.Coordinate{
		{Lat: 28.6139, Lon: 77.2090},
		{Lat: 28.6139, Lon: 77.2100},
		{Lat: 28.6149, Lon: 77.2100},
		{Lat: 28.6149, Lon: 77.2090},
	}
}

// shifted returns delhiSquare moved by the given degree offsets.
func shifted(dLat, dLon float64) []domain.Coordinate {
	ring := delhiSquare()
	for i := range ring {
		ring[i].Lat += dLat
		ring[i].Lon += dLon
	}
	return ring
}

func newTestManager() (*Manager, *fakeExec) {
	exec := newFakeExec()
	return New(exec, nil, "", slog.Default()), exec
}

func TestCreate_RoundTrip(t *testing.T) {
	m, exec := newTestManager()

	created, err := m.Create(context.Background(), &domain.Zone{
		Name:        "Connaught Place",
		Type:        domain.ZoneSafe,
		Coordinates: delhiSquare(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.ZoneActive, created.Status)
	assert.Equal(t, 2, created.RiskLevel, "default for safe")
	assert.Len(t, created.Coordinates, 5, "ring auto-closed")
	assert.Equal(t, created.Coordinates[0], created.Coordinates[4])

	// Stored bbox matches the ring.
	want := domain.BoundingBox{MinLat: 28.6139, MaxLat: 28.6149, MinLon: 77.2090, MaxLon: 77.2100}
	assert.Empty(t, cmp.Diff(want, created.BoundingBox))

	got, err := m.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(created.Coordinates, got.Coordinates))

	assert.Contains(t, exec.commandNames(), "SET")
}

func TestCreate_RejectsBadName(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create(context.Background(), &domain.Zone{
		Name:        "x",
		Type:        domain.ZoneSafe,
		Coordinates: delhiSquare(),
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindZoneValidation, domain.KindOf(err))
}

func TestCreate_RejectsSelfIntersection(t *testing.T) {
	m, _ := newTestManager()
	bowtie := []domain.Coordinate{
		{Lat: 28.6139, Lon: 77.2090},
		{Lat: 28.6139, Lon: 77.2100},
		{Lat: 28.6149, Lon: 77.2090},
		{Lat: 28.6149, Lon: 77.2100},
	}
	_, err := m.Create(context.Background(), &domain.Zone{
		Name:        "Twisted Zone",
		Type:        domain.ZoneSafe,
		Coordinates: bowtie,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindZoneValidation, domain.KindOf(err))
}

func TestCreate_RejectsOverlap(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	_, err := m.Create(ctx, &domain.Zone{
		Name:        "Zone A", Type: domain.ZoneSafe, Coordinates: delhiSquare(),
	})
	require.NoError(t, err)

	// Half-offset square overlaps A.
	_, err = m.Create(ctx, &domain.Zone{
		Name: "Zone B", Type: domain.ZoneCaution, Coordinates: shifted(0.0005, 0.0005),
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindZoneOverlap, domain.KindOf(err))

	// Disjoint square is fine.
	_, err = m.Create(ctx, &domain.Zone{
		Name: "Zone C", Type: domain.ZoneCaution, Coordinates: shifted(0.01, 0.01),
	})
	assert.NoError(t, err)
}

func TestCreate_InactiveZonesDoNotBlockOverlap(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, &domain.Zone{
		Name: "Zone A", Type: domain.ZoneSafe, Coordinates: delhiSquare(),
	})
	require.NoError(t, err)

	inactive := domain.ZoneInactive
	_, err = m.Update(ctx, a.ID, Patch{Status: &inactive})
	require.NoError(t, err)

	_, err = m.Create(ctx, &domain.Zone{
		Name: "Zone B", Type: domain.ZoneCaution, Coordinates: shifted(0.0005, 0.0005),
	})
	assert.NoError(t, err, "inactive zones do not participate in overlap checks")
}

func TestUpdate_CoordinatesRevalidated(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, &domain.Zone{
		Name: "Zone A", Type: domain.ZoneSafe, Coordinates: delhiSquare(),
	})
	require.NoError(t, err)

	// Moving a zone onto itself must not trip the overlap check.
	updated, err := m.Update(ctx, a.ID, Patch{Coordinates: shifted(0.0001, 0.0001)})
	require.NoError(t, err)
	assert.Equal(t, a.ID, updated.ID)

	// But a degenerate ring is rejected.
	_, err = m.Update(ctx, a.ID, Patch{Coordinates: delhiSquare()[:2]})
	require.Error(t, err)
	assert.Equal(t, domain.KindZoneValidation, domain.KindOf(err))
}

func TestDelete_Idempotent(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, &domain.Zone{
		Name: "Zone A", Type: domain.ZoneSafe, Coordinates: delhiSquare(),
	})
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, a.ID))
	require.NoError(t, m.Delete(ctx, a.ID), "second delete is a no-op")
	assert.Zero(t, m.Count())
}

func TestContaining(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	a, err := m.Create(ctx, &domain.Zone{
		Name: "Zone A", Type: domain.ZoneSafe, Coordinates: delhiSquare(),
	})
	require.NoError(t, err)

	inside := domain.Coordinate{Lat: 28.6144, Lon: 77.2095}
	outside := domain.Coordinate{Lat: 28.62, Lon: 77.22}

	matches := m.Containing(inside)
	require.Len(t, matches, 1)
	assert.Equal(t, a.ID, matches[0].ID)

	assert.Empty(t, m.Containing(outside))

	// Inactive zones drop out of containment results.
	inactive := domain.ZoneInactive
	_, err = m.Update(ctx, a.ID, Patch{Status: &inactive})
	require.NoError(t, err)
	assert.Empty(t, m.Containing(inside))
}

func TestActive_Limit(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, &domain.Zone{
			Name:        "Zone " + string(rune('A'+i)),
			Type:        domain.ZoneSafe,
			Coordinates: shifted(float64(i)*0.01, 0),
		})
		require.NoError(t, err)
	}

	assert.Len(t, m.Active(0), 3)
	assert.Len(t, m.Active(2), 2)
}

func TestSearch_PostFilters(t *testing.T) {
	m, exec := newTestManager()

	// Index answers a SCAN with two zones; only the high-risk one passes
	// the filter.
	exec.replies["SCAN"] = []any{int64(0), []any{
		[]any{"z1", tile38.PolygonJSON(delhiSquare()), []any{
			"name", "Safe Park", "type", "safe", "status", "active", "risk_level", "2",
		}},
		[]any{"z2", tile38.PolygonJSON(shifted(0.01, 0)), []any{
			"name", "Cliff Edge", "type", "high_risk", "status", "active", "risk_level", "9",
		}},
	}}

	zones, err := m.Search(context.Background(), domain.ZoneQuery{MinRisk: 8})
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "z2", zones[0].ID)
	assert.Equal(t, domain.ZoneHighRisk, zones[0].Type)
}

func TestSearch_PointUsesIntersects(t *testing.T) {
	m, exec := newTestManager()
	exec.replies["INTERSECTS"] = []any{int64(0), []any{}}

	pt := domain.Coordinate{Lat: 28.6144, Lon: 77.2095}
	_, err := m.Search(context.Background(), domain.ZoneQuery{Point: &pt})
	require.NoError(t, err)
	assert.Contains(t, exec.commandNames(), "INTERSECTS")
}

func TestWarm_PopulatesRegistry(t *testing.T) {
	exec := newFakeExec()
	exec.replies["SCAN"] = []any{int64(0), []any{
		[]any{"z1", tile38.PolygonJSON(delhiSquare()), []any{
			"name", "Safe Park", "type", "safe", "status", "active", "risk_level", "2",
		}},
	}}
	m := New(exec, nil, "", slog.Default())

	require.NoError(t, m.Warm(context.Background()))
	assert.Equal(t, 1, m.Count())

	matches := m.Containing(domain.Coordinate{Lat: 28.6144, Lon: 77.2095})
	require.Len(t, matches, 1)
	assert.Equal(t, "Safe Park", matches[0].Name)
}
