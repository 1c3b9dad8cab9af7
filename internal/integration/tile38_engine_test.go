//go:build integration

package integration_test

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/engine"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/tile38"
)

// startTile38 launches a Tile38 container and returns its mapped address.
func startTile38(ctx context.Context, t *testing.T) tile38.Addr {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "tile38/tile38:latest",
			ExposedPorts: []string{"9851/tcp"},
			WaitingFor:   wait.ForListeningPort("9851/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "start tile38 container")
	t.Cleanup(func() {
		termCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		container.Terminate(termCtx) //nolint:errcheck
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "9851")
	require.NoError(t, err)

	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)
	return tile38.Addr{Host: host, Port: port}
}

// TestEngineAgainstTile38 drives the full write-detect path against a real
// spatial index: create a zone, push a location inside it, and verify both
// the containment query and the emitted event.
func TestEngineAgainstTile38(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	addr := startTile38(ctx, t)

	cfg := engine.Config{}
	cfg.Index.Primary = addr
	cfg.Index.QueryTimeout = 5 * time.Second
	cfg.Detector.CheckInterval = 200 * time.Millisecond
	cfg.Webhook.DrainInterval = 50 * time.Millisecond

	eng, err := engine.NewBuilder(cfg, slog.Default(),
		observability.NewMetricsForTesting(), clockwork.NewRealClock()).
		Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		eng.Shutdown(shutdownCtx) //nolint:errcheck
	})

	created, err := eng.CreateZone(ctx, &domain.Zone{
		Name: "Connaught Place",
		Type: domain.ZoneSafe,
		Coordinates: []domain.Coordinate{
			{Lat: 28.6139, Lon: 77.2090},
			{Lat: 28.6139, Lon: 77.2100},
			{Lat: 28.6149, Lon: 77.2100},
			{Lat: 28.6149, Lon: 77.2090},
		},
	})
	require.NoError(t, err)

	err = eng.UpdateLocation(ctx, &domain.LocationUpdate{
		UserID:     "U1",
		Coordinate: domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
	})
	require.NoError(t, err)

	// The point is findable through the index.
	users, err := eng.FindUsersInZone(ctx, domain.WithinQuery{Bounds: &created.BoundingBox})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "U1", users[0].UserID)

	// The read path reconstructs the update.
	loc, err := eng.GetUserLocation(ctx, "U1")
	require.NoError(t, err)
	assert.InDelta(t, 28.6144, loc.Coordinate.Lat, 1e-9)

	// Nearby sees the user.
	nearby, err := eng.FindNearbyUsers(ctx, domain.NearbyQuery{
		Center:  domain.Coordinate{Lat: 28.6144, Lon: 77.2095},
		RadiusM: 500,
	})
	require.NoError(t, err)
	require.Len(t, nearby, 1)

	// Zone round-trip through the index preserves the ring.
	got, err := eng.GetZone(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Coordinates, got.Coordinates)

	// Removal erases the live point.
	require.NoError(t, eng.RemoveUserLocation(ctx, "U1"))
	users, err = eng.FindUsersInZone(ctx, domain.WithinQuery{Bounds: &created.BoundingBox})
	require.NoError(t, err)
	assert.Empty(t, users)
}
