package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/geo"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/tile38"
	"github.com/touristguard/geofence/internal/webhook"
)

// fakeIndex scripts replies per command name and accepts everything else.
type fakeIndex struct {
	mu      sync.Mutex
	replies map[string]any
}

func (f *fakeIndex) Do(ctx context.Context, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewCmd(ctx, args...)
	name, _ := args[0].(string)
	if v, ok := f.replies[name]; ok {
		cmd.SetVal(v)
		return cmd
	}
	if name == "GET" || name == "SCAN" {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeIndex) Close() error { return nil }

func (f *fakeIndex) script(name string, reply any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[name] = reply
}

func buildTestEngine(t *testing.T) (*Engine, *fakeIndex) {
	t.Helper()
	idx := &fakeIndex{replies: map[string]any{}}

	cfg := Config{}
	cfg.Index.Primary = tile38.Addr{Host: "localhost", Port: 9851}
	cfg.Index.QueryTimeout = time.Second
	cfg.Detector.CheckInterval = time.Hour // sweeps driven manually in tests
	cfg.Webhook.DrainInterval = 10 * time.Millisecond
	cfg.Bulk.TimeTrigger = 10 * time.Millisecond

	e, err := NewBuilder(cfg, slog.Default(), observability.NewMetricsForTesting(), clockwork.NewRealClock()).
		WithIndexDial(func(string) tile38.Commander { return idx }).
		Build(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(shutdownCtx) //nolint:errcheck
	})
	return e, idx
}

func delhiZone() *domain.Zone {
	return &domain.Zone{
		Name: "Connaught Place",
		Type: domain.ZoneSafe,
		Coordinates: []domain.Coordinate{
			{Lat: 28.6139, Lon: 77.2090},
			{Lat: 28.6139, Lon: 77.2100},
			{Lat: 28.6149, Lon: 77.2100},
			{Lat: 28.6149, Lon: 77.2090},
		},
	}
}

func TestEngine_NotInitializedGuards(t *testing.T) {
	var e Engine
	ctx := context.Background()

	err := e.UpdateLocation(ctx, &domain.LocationUpdate{})
	assert.Equal(t, domain.KindNotInitialized, domain.KindOf(err))

	_, err = e.CreateZone(ctx, delhiZone())
	assert.Equal(t, domain.KindNotInitialized, domain.KindOf(err))

	_, err = e.GetHealthStatus()
	assert.Equal(t, domain.KindNotInitialized, domain.KindOf(err))
}

func TestEngine_CreateZoneAndDetectInside(t *testing.T) {
	e, _ := buildTestEngine(t)
	ctx := context.Background()

	// Webhook target capturing deliveries.
	var mu sync.Mutex
	var payloads []webhook.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodPost {
			body, _ := io.ReadAll(req.Body)
			var p webhook.Payload
			if json.Unmarshal(body, &p) == nil {
				mu.Lock()
				payloads = append(payloads, p)
				mu.Unlock()
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	created, err := e.CreateZone(ctx, delhiZone())
	require.NoError(t, err)

	_, err = e.RegisterWebhook(ctx, &domain.WebhookConfig{
		Name:       "safety-ops",
		URL:        srv.URL,
		Enabled:    true,
		EventTypes: []domain.EventType{domain.EventEnter, domain.EventInside},
	})
	require.NoError(t, err)

	err = e.UpdateLocation(ctx, &domain.LocationUpdate{
		UserID:     "U1",
		Coordinate: domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	p := payloads[0]
	mu.Unlock()
	assert.Equal(t, "U1", p.Event.UserID)
	assert.Equal(t, created.ID, p.Event.ZoneID)
	assert.Equal(t, domain.EventEnter, p.Event.EventType, "first detection is an entry")
	assert.Equal(t, domain.AlertLow, p.Event.Metadata.AlertLevel)
	assert.Equal(t, "U1", p.User.ID)
	require.NotNil(t, p.Zone)
	assert.Equal(t, "Connaught Place", p.Zone.Name)
}

func TestEngine_FindUsersInZone(t *testing.T) {
	e, idx := buildTestEngine(t)
	ctx := context.Background()

	idx.script("WITHIN", []any{int64(0), []any{
		[]any{"U1", `{"type":"Point","coordinates":[77.2095,28.6144]}`},
	}})

	created, err := e.CreateZone(ctx, delhiZone())
	require.NoError(t, err)

	users, err := e.FindUsersInZone(ctx, domain.WithinQuery{Bounds: &created.BoundingBox})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "U1", users[0].UserID)
}

func TestEngine_QueueAndBulk(t *testing.T) {
	e, _ := buildTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.QueueLocationUpdate(ctx, &domain.LocationUpdate{
		UserID:     "U1",
		Coordinate: domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
	}))
	require.NoError(t, e.ProcessBulkLocations(ctx, []*domain.LocationUpdate{
		{UserID: "U2", Coordinate: domain.Coordinate{Lat: 28.6145, Lon: 77.2096}},
	}))

	require.Eventually(t, func() bool {
		stats, err := e.ProcessingStats()
		return err == nil && stats.SuccessCount == 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEngine_DistanceOperations(t *testing.T) {
	e, _ := buildTestEngine(t)
	ctx := context.Background()

	d, err := e.CalculateDistance(ctx, DistanceRequest{
		From:      domain.Coordinate{Lat: 28.6139, Lon: 77.2090},
		To:        domain.Coordinate{Lat: 28.6149, Lon: 77.2100},
		Algorithm: geo.AlgoHaversine,
	})
	require.NoError(t, err)
	assert.InDelta(t, 148, d, 1.0)

	m, err := e.CalculateDistanceMatrix(ctx,
		[]domain.Coordinate{{Lat: 0, Lon: 0}},
		[]domain.Coordinate{{Lat: 0, Lon: 1}, {Lat: 1, Lon: 0}},
		geo.AlgoHaversine, geo.Kilometres)
	require.NoError(t, err)
	require.Len(t, m[0], 2)
	assert.InDelta(t, m[0][0], m[0][1], 1.0, "one degree along equator and meridian are close")

	idxNearest, _, err := e.FindNearestPoint(ctx,
		domain.Coordinate{Lat: 0, Lon: 0},
		[]domain.Coordinate{{Lat: 5, Lon: 5}, {Lat: 0.1, Lon: 0.1}},
		geo.AlgoAuto, geo.Metres)
	require.NoError(t, err)
	assert.Equal(t, 1, idxNearest)

	count, err := e.DistanceStats()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), count)
}

func TestEngine_HealthAggregation(t *testing.T) {
	e, _ := buildTestEngine(t)

	status, err := e.GetHealthStatus()
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, status.Level)
	require.NotEmpty(t, status.Connections)
	assert.Equal(t, tile38.RolePrimary, status.Connections[0].Role)
}

func TestEngine_ShutdownRejectsFurtherWork(t *testing.T) {
	e, _ := buildTestEngine(t)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	err := e.UpdateLocation(context.Background(), &domain.LocationUpdate{
		UserID:     "U1",
		Coordinate: domain.Coordinate{Lat: 1, Lon: 1},
	})
	assert.Equal(t, domain.KindNotInitialized, domain.KindOf(err))

	// Second shutdown is a no-op.
	require.NoError(t, e.Shutdown(shutdownCtx))
}
