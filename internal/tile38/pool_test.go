package tile38

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/touristguard/geofence/internal/domain"
)

// fakeClient scripts replies per command name. Unscripted commands succeed
// with "OK".
type fakeClient struct {
	mu      sync.Mutex
	replies map[string]any
	errs    map[string]error
	failAll bool
	calls   []string
}

func (f *fakeClient) Do(ctx context.Context, args ...any) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	name, _ := args[0].(string)
	f.calls = append(f.calls, name)

	cmd := redis.NewCmd(ctx, args...)
	if f.failAll {
		cmd.SetErr(errors.New("connection refused"))
		return cmd
	}
	if err, ok := f.errs[name]; ok {
		cmd.SetErr(err)
		return cmd
	}
	if v, ok := f.replies[name]; ok {
		cmd.SetVal(v)
		return cmd
	}
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, primary *fakeClient, replicas ...*fakeClient) *Pool {
	t.Helper()
	clients := append([]*fakeClient{primary}, replicas...)
	i := 0
	cfg := PoolConfig{
		Primary:      Addr{Host: "localhost", Port: 9851},
		QueryTimeout: time.Second,
		Dial: func(addr string) Commander {
			c := clients[i]
			i++
			return c
		},
	}
	for range replicas {
		cfg.Replicas = append(cfg.Replicas, Addr{Host: "replica", Port: 9851})
	}
	pool, err := NewPool(context.Background(), cfg, slog.Default(), clockwork.NewRealClock())
	require.NoError(t, err)
	return pool
}

func TestNewPool_PrimaryRequired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := PoolConfig{
		Primary: Addr{Host: "down", Port: 9851},
		Dial: func(addr string) Commander {
			return &fakeClient{failAll: true}
		},
	}

	done := make(chan error, 1)
	go func() {
		_, err := NewPool(context.Background(), cfg, slog.Default(), clock)
		done <- err
	}()

	// Walk the 1s/2s/4s/8s backoff schedule between the five attempts.
	for i := 0; i < connectMaxAttempts-1; i++ {
		clock.BlockUntil(1)
		clock.Advance(8 * time.Second)
	}
	err := <-done
	require.Error(t, err)
	assert.Equal(t, domain.KindConnectionFailed, domain.KindOf(err))
}

func TestPool_WriteAlwaysPrimary(t *testing.T) {
	primary := &fakeClient{}
	replica := &fakeClient{}
	pool := newTestPool(t, primary, replica)

	conn, err := pool.Write()
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, conn.Role())
}

func TestPool_WriteFailsWhenPrimaryDown(t *testing.T) {
	primary := &fakeClient{}
	pool := newTestPool(t, primary)

	primary.mu.Lock()
	primary.failAll = true
	primary.mu.Unlock()
	pool.Probe(context.Background())

	_, err := pool.Write()
	require.Error(t, err)
	assert.Equal(t, domain.KindPrimaryUnavailable, domain.KindOf(err))
}

func TestPool_ReadRoundRobin(t *testing.T) {
	primary := &fakeClient{}
	replica := &fakeClient{}
	pool := newTestPool(t, primary, replica)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		conn, err := pool.Read()
		require.NoError(t, err)
		seen[conn.ID()] = true
	}
	assert.Len(t, seen, 2, "reads rotate over primary and replica")
}

func TestPool_ReadDegradesToReplica(t *testing.T) {
	primary := &fakeClient{}
	replica := &fakeClient{}
	pool := newTestPool(t, primary, replica)

	primary.mu.Lock()
	primary.failAll = true
	primary.mu.Unlock()
	pool.Probe(context.Background())

	for i := 0; i < 3; i++ {
		conn, err := pool.Read()
		require.NoError(t, err)
		assert.Equal(t, RoleReplica, conn.Role())
	}
}

func TestPool_NoHealthyConnection(t *testing.T) {
	primary := &fakeClient{}
	pool := newTestPool(t, primary)

	primary.mu.Lock()
	primary.failAll = true
	primary.mu.Unlock()
	pool.Probe(context.Background())

	_, err := pool.Read()
	require.Error(t, err)
	assert.Equal(t, domain.KindNoHealthyConnection, domain.KindOf(err))
}

func TestPool_ExecuteRead_DecodableReply(t *testing.T) {
	primary := &fakeClient{replies: map[string]any{
		"GET": `{"type":"Point","coordinates":[77.209,28.6139]}`,
	}}
	pool := newTestPool(t, primary)

	result, err := pool.ExecuteRead(context.Background(), GetWithFields("tourists", "u1"))
	require.NoError(t, err)

	obj, err := DecodeGet(result)
	require.NoError(t, err)
	assert.Equal(t, 28.6139, obj.Point.Lat)
}

func TestPool_ExecuteRead_MissIsNotRetried(t *testing.T) {
	primary := &fakeClient{errs: map[string]error{"GET": redis.Nil}}
	pool := newTestPool(t, primary)

	_, err := pool.ExecuteRead(context.Background(), GetWithFields("tourists", "ghost"))
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, primary.callCount("GET"), "misses are terminal")
}

func TestPool_ExecuteWrite_RetriesThenFails(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := &fakeClient{}
	cfg := PoolConfig{
		Primary:      Addr{Host: "localhost", Port: 9851},
		QueryTimeout: time.Second,
		Dial:         func(string) Commander { return primary },
	}
	pool, err := NewPool(context.Background(), cfg, slog.Default(), clock)
	require.NoError(t, err)

	primary.mu.Lock()
	primary.errs = map[string]error{"SET": errors.New("write refused")}
	primary.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := pool.ExecuteWrite(context.Background(),
			SetPoint("tourists", "u1", nil, 0, domain.Coordinate{Lat: 1, Lon: 2}))
		done <- err
	}()

	// Three inter-attempt delays (1s, 2s, 3s) before the fourth failure.
	for i := 0; i < executeMaxAttempts-1; i++ {
		clock.BlockUntil(1)
		clock.Advance(3 * time.Second)
	}
	err = <-done
	require.Error(t, err)
	assert.Equal(t, executeMaxAttempts, primary.callCount("SET"))
}

func TestPool_Health(t *testing.T) {
	primary := &fakeClient{}
	replica := &fakeClient{}
	pool := newTestPool(t, primary, replica)

	statuses := pool.Health()
	require.Len(t, statuses, 2)
	assert.Equal(t, RolePrimary, statuses[0].Role)
	assert.True(t, statuses[0].Connected)
	assert.Equal(t, float64(initialHealthScore), statuses[0].HealthScore)
}

func TestConn_AdjustHealthClamps(t *testing.T) {
	primary := &fakeClient{}
	pool := newTestPool(t, primary)
	conn, err := pool.Write()
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		conn.AdjustHealth(5)
	}
	assert.Equal(t, float64(maxHealthScore), conn.HealthScore())

	for i := 0; i < 30; i++ {
		conn.AdjustHealth(-10)
	}
	assert.Equal(t, float64(minHealthScore), conn.HealthScore())
}
