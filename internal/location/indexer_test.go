package location

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/tile38"
)

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

func (f *fakeExec) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (f *fakeExec) setCollections() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	colls := map[string]bool{}
	for _, c := range f.cmds {
		if c.Name == "SET" {
			colls[c.Args[1].(string)] = true
		}
	}
	return colls
}

func newTestIndexer(exec *fakeExec, cfg Config) *Indexer {
	return New(exec, nil, cfg, slog.Default(), observability.NewMetricsForTesting(), clockwork.NewRealClock())
}

func validUpdate(userID string) *domain.LocationUpdate {
	return &domain.LocationUpdate{
		UserID:     userID,
		Coordinate: domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
		Battery:    80,
	}
}

func TestUpdate_BuffersUntilBatchSize(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{BatchSize: 3})
	ctx := context.Background()

	require.NoError(t, x.Update(ctx, validUpdate("u1")))
	require.NoError(t, x.Update(ctx, validUpdate("u2")))
	assert.Equal(t, 2, x.Buffered())
	assert.Zero(t, exec.count("SET"), "nothing written before the trigger")

	require.NoError(t, x.Update(ctx, validUpdate("u3")))
	assert.Zero(t, x.Buffered())
	assert.Equal(t, 3, exec.count("SET"))
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{})

	err := x.Update(context.Background(), &domain.LocationUpdate{
		UserID:     "u1",
		Coordinate: domain.Coordinate{Lat: 91, Lon: 0},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Zero(t, x.Buffered())
}

func TestFlush_EmptyIsNoOp(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{})
	require.NoError(t, x.Flush(context.Background()))
	assert.Zero(t, exec.count("SET"))
}

func TestFlush_PartialFailure(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{BatchSize: 100})
	ctx := context.Background()

	require.NoError(t, x.Update(ctx, validUpdate("u1")))
	exec.mu.Lock()
	exec.errs["SET"] = domain.NewError(domain.KindQueryTimeout, "slow index")
	exec.mu.Unlock()
	require.NoError(t, x.Update(ctx, validUpdate("u2")))

	err := x.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, domain.KindBatchPartial, domain.KindOf(err))
}

func TestFlush_HistoryLane(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{BatchSize: 100, EnableHistory: true})
	ctx := context.Background()

	require.NoError(t, x.Update(ctx, validUpdate("u1")))
	require.NoError(t, x.Flush(ctx))

	colls := exec.setCollections()
	assert.True(t, colls[DefaultCollection])
	assert.True(t, colls[DefaultHistoryCollection], "history lane written")
}

func TestCurrent_RebuildsFromIndex(t *testing.T) {
	exec := newFakeExec()
	exec.replies["GET"] = []any{
		`{"type":"Point","coordinates":[77.2095,28.6144]}`,
		[]any{
			"timestamp", "2026-03-01T09:00:00Z",
			"battery", "80",
			"speed", "1.5",
			"device_id", "dev-42",
		},
	}
	x := newTestIndexer(exec, Config{})

	loc, err := x.Current(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", loc.UserID)
	assert.Equal(t, domain.Coordinate{Lat: 28.6144, Lon: 77.2095}, loc.Coordinate)
	assert.Equal(t, 80.0, loc.Battery)
	assert.Equal(t, 1.5, loc.Speed)
	assert.Equal(t, "dev-42", loc.DeviceID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), loc.Timestamp.UTC())
}

func TestCurrent_NotFound(t *testing.T) {
	exec := newFakeExec()
	exec.errs["GET"] = tile38.ErrNotFound
	x := newTestIndexer(exec, Config{})

	_, err := x.Current(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestFindNearby_SortsAndLimits(t *testing.T) {
	exec := newFakeExec()
	exec.replies["NEARBY"] = []any{int64(0), []any{
		[]any{"far", `{"type":"Point","coordinates":[77.215,28.62]}`},
		[]any{"near", `{"type":"Point","coordinates":[77.2096,28.6145]}`},
		[]any{"mid", `{"type":"Point","coordinates":[77.211,28.616]}`},
	}}
	x := newTestIndexer(exec, Config{})

	got, err := x.FindNearby(context.Background(), domain.NearbyQuery{
		Center:         domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
		RadiusM:        5000,
		Limit:          2,
		SortByDistance: true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].UserID)
	assert.Equal(t, "mid", got[1].UserID)
	assert.Less(t, got[0].DistanceM, got[1].DistanceM)
}

func TestFindNearby_RejectsBadRadius(t *testing.T) {
	x := newTestIndexer(newFakeExec(), Config{})
	_, err := x.FindNearby(context.Background(), domain.NearbyQuery{
		Center:  domain.Coordinate{Lat: 1, Lon: 1},
		RadiusM: 0,
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestFindWithin_Bounds(t *testing.T) {
	exec := newFakeExec()
	exec.replies["WITHIN"] = []any{int64(0), []any{
		[]any{"u1", `{"type":"Point","coordinates":[77.2095,28.6144]}`},
	}}
	x := newTestIndexer(exec, Config{})

	got, err := x.FindWithin(context.Background(), domain.WithinQuery{
		Bounds: &domain.BoundingBox{MinLat: 28.61, MaxLat: 28.62, MinLon: 77.20, MaxLon: 77.22},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "u1", got[0].UserID)
}

func TestRemove(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{})

	require.NoError(t, x.Remove(context.Background(), "u1"))
	assert.Equal(t, 1, exec.count("DEL"))

	// Removing an unknown user is a no-op.
	exec.errs["DEL"] = tile38.ErrNotFound
	require.NoError(t, x.Remove(context.Background(), "ghost"))

	require.Error(t, x.Remove(context.Background(), ""))
}

func TestWriteThrough(t *testing.T) {
	exec := newFakeExec()
	x := newTestIndexer(exec, Config{})

	require.NoError(t, x.WriteThrough(context.Background(), validUpdate("u1")))
	assert.Equal(t, 1, exec.count("SET"))
	assert.Zero(t, x.Buffered())
}
