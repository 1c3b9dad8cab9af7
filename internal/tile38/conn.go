package tile38

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/touristguard/geofence/internal/domain"
)

// Role distinguishes the writable primary from read-only replicas.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Health score bounds. New connections start in the middle; the governor
// nudges the score on every observed read.
const (
	minHealthScore     = 0
	maxHealthScore     = 100
	initialHealthScore = 50
)

// Connection open retry schedule: 1 s doubling per attempt, 5 attempts.
const (
	connectBackoffInitial  = time.Second
	connectBackoffFactor   = 2
	connectMaxAttempts     = 5
)

// Commander is the slice of the go-redis client the connection needs.
type Commander interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	Close() error
}

// Conn is one tracked connection to an index instance.
type Conn struct {
	id     string
	role   Role
	addr   string
	client Commander
	logger *slog.Logger
	clock  clockwork.Clock

	mu          sync.Mutex
	connected   bool
	healthScore float64
	lastErr     error
	lastPing    time.Time
}

func newConn(id string, role Role, addr string, client Commander, logger *slog.Logger, clock clockwork.Clock) *Conn {
	return &Conn{
		id:          id,
		role:        role,
		addr:        addr,
		client:      client,
		logger:      logger,
		clock:       clock,
		healthScore: initialHealthScore,
	}
}

// NewConnForTesting builds a connected Conn over the given client, for use
// by packages that fake the pool in tests.
func NewConnForTesting(id string, role Role, client Commander, clock clockwork.Clock) *Conn {
	c := newConn(id, role, "test", client, slog.Default(), clock)
	c.markUp()
	return c
}

// ID returns the connection's identifier (role plus address).
func (c *Conn) ID() string { return c.id }

// Role returns primary or replica.
func (c *Conn) Role() Role { return c.role }

// connect verifies the connection with PING, retrying with exponential
// backoff. Exhausting the budget surfaces ConnectionFailed.
func (c *Conn) connect(ctx context.Context) error {
	backoff := connectBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= connectMaxAttempts; attempt++ {
		if err := c.ping(ctx); err == nil {
			c.markUp()
			return nil
		} else {
			lastErr = err
			c.logger.Warn("index connect attempt failed",
				"conn", c.id, "attempt", attempt, "error", err)
		}
		if attempt == connectMaxAttempts {
			break
		}
		if !sleepWithContext(ctx, c.clock, backoff) {
			return ctx.Err()
		}
		backoff *= connectBackoffFactor
	}
	c.markDown(lastErr)
	return domain.WrapError(domain.KindConnectionFailed,
		"index connection "+c.id+" could not be established", lastErr)
}

// ping issues the PING probe and records the outcome.
func (c *Conn) ping(ctx context.Context) error {
	err := c.client.Do(ctx, "PING").Err()
	if err != nil {
		c.markDown(err)
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.lastPing = c.clock.Now()
	c.mu.Unlock()
	return nil
}

// do executes a built command on this connection. Command failures do not
// take the connection out of rotation; the periodic probe owns that state.
func (c *Conn) do(ctx context.Context, cmd Command) (any, error) {
	return c.client.Do(ctx, cmd.Args...).Result()
}

// Connected reports whether the connection is currently in rotation.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HealthScore returns the connection's current score in [0,100].
func (c *Conn) HealthScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthScore
}

// AdjustHealth moves the score by delta, clamped to [0,100].
func (c *Conn) AdjustHealth(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthScore += delta
	if c.healthScore > maxHealthScore {
		c.healthScore = maxHealthScore
	}
	if c.healthScore < minHealthScore {
		c.healthScore = minHealthScore
	}
}

func (c *Conn) markUp() {
	c.mu.Lock()
	c.connected = true
	c.lastErr = nil
	c.lastPing = c.clock.Now()
	c.mu.Unlock()
}

func (c *Conn) markDown(err error) {
	c.mu.Lock()
	c.connected = false
	c.lastErr = err
	c.mu.Unlock()
}

// Status is a point-in-time snapshot of a connection's health record.
type Status struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Connected   bool      `json:"connected"`
	HealthScore float64   `json:"health_score"`
	LastError   string    `json:"last_error,omitempty"`
	LastPing    time.Time `json:"last_ping,omitempty"`
}

// Status returns a snapshot of the connection record.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		ID:          c.id,
		Role:        c.role,
		Connected:   c.connected,
		HealthScore: c.healthScore,
		LastPing:    c.lastPing,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Conn) close() error {
	c.markDown(nil)
	return c.client.Close()
}

// sleepWithContext waits for d on the given clock, returning false when the
// context is cancelled first.
func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
