package tile38

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/touristguard/geofence/internal/domain"
)

// Per-operation retry schedule: fresh handle each attempt, delays 1/2/3 s.
const (
	executeMaxAttempts = 4
	executeRetryStep   = time.Second
)

// ProbeInterval is how often the scheduler should call Pool.Probe.
const ProbeInterval = 30 * time.Second

// ErrNotFound is returned when a GET misses; callers translate it to their
// own not-found semantics.
var ErrNotFound = errors.New("tile38: key not found")

// Addr is one index endpoint.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// PoolConfig configures the connection pool.
type PoolConfig struct {
	Primary      Addr
	Replicas     []Addr
	QueryTimeout time.Duration

	// Dial overrides client construction, for tests. Nil uses go-redis.
	Dial func(addr string) Commander
}

// Pool maintains the primary connection and read replicas, hands out
// handles, and runs per-operation retries with failover for reads.
type Pool struct {
	primary  *Conn
	replicas []*Conn
	all      []*Conn

	queryTimeout time.Duration
	logger       *slog.Logger
	clock        clockwork.Clock
	rr           atomic.Uint64
}

// NewPool builds the pool and synchronously connects. The primary must come
// up for construction to succeed; replicas connect best-effort and are
// restored later by the probe.
func NewPool(ctx context.Context, cfg PoolConfig, logger *slog.Logger, clock clockwork.Clock) (*Pool, error) {
	dial := cfg.Dial
	if dial == nil {
		dial = func(addr string) Commander {
			return redis.NewClient(&redis.Options{Addr: addr})
		}
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	p := &Pool{
		queryTimeout: timeout,
		logger:       logger,
		clock:        clock,
	}

	p.primary = newConn("primary@"+cfg.Primary.String(), RolePrimary, cfg.Primary.String(),
		dial(cfg.Primary.String()), logger, clock)
	p.all = append(p.all, p.primary)

	for i, addr := range cfg.Replicas {
		conn := newConn(fmt.Sprintf("replica-%d@%s", i, addr), RoleReplica, addr.String(),
			dial(addr.String()), logger, clock)
		p.replicas = append(p.replicas, conn)
		p.all = append(p.all, conn)
	}

	if err := p.primary.connect(ctx); err != nil {
		return nil, err
	}
	for _, r := range p.replicas {
		if err := r.connect(ctx); err != nil {
			logger.Warn("replica unavailable at startup", "conn", r.ID(), "error", err)
		}
	}
	return p, nil
}

// Write returns the primary handle. Writes never fail over to replicas.
func (p *Pool) Write() (*Conn, error) {
	if !p.primary.Connected() {
		return nil, domain.NewError(domain.KindPrimaryUnavailable, "primary index connection is down")
	}
	return p.primary, nil
}

// Read returns a healthy handle, round-robin over the primary and connected
// replicas.
func (p *Pool) Read() (*Conn, error) {
	healthy := p.healthyConns()
	if len(healthy) == 0 {
		return nil, domain.NewError(domain.KindNoHealthyConnection, "no index connection available for reads")
	}
	idx := p.rr.Add(1)
	return healthy[int(idx)%len(healthy)], nil
}

// ReadCandidates returns every currently healthy read handle, for callers
// that pick by health score rather than round-robin.
func (p *Pool) ReadCandidates() []*Conn {
	return p.healthyConns()
}

func (p *Pool) healthyConns() []*Conn {
	var healthy []*Conn
	for _, c := range p.all {
		if c.Connected() {
			healthy = append(healthy, c)
		}
	}
	return healthy
}

// ExecuteWrite runs cmd on the primary with retries. Each attempt
// re-acquires the handle so a probe-restored primary is picked up.
func (p *Pool) ExecuteWrite(ctx context.Context, cmd Command) (any, error) {
	return p.execute(ctx, cmd, func() (*Conn, error) { return p.Write() })
}

// ExecuteRead runs cmd on a healthy read handle with retries and failover.
func (p *Pool) ExecuteRead(ctx context.Context, cmd Command) (any, error) {
	return p.execute(ctx, cmd, func() (*Conn, error) { return p.Read() })
}

// ExecuteOn runs cmd on a specific handle with the pool's query timeout and
// no retries. The governor uses this for health-scored routing.
func (p *Pool) ExecuteOn(ctx context.Context, conn *Conn, cmd Command) (any, error) {
	return p.once(ctx, conn, cmd)
}

func (p *Pool) execute(ctx context.Context, cmd Command, acquire func() (*Conn, error)) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= executeMaxAttempts; attempt++ {
		conn, err := acquire()
		if err != nil {
			lastErr = err
		} else {
			result, err := p.once(ctx, conn, cmd)
			if err == nil {
				return result, nil
			}
			lastErr = err
			// Validation-class errors and misses never heal on retry.
			if errors.Is(err, ErrNotFound) || domain.IsKind(err, domain.KindValidation) {
				return nil, err
			}
			p.logger.Warn("index command failed",
				"command", cmd.Name, "conn", conn.ID(), "attempt", attempt, "error", err)
		}
		if attempt < executeMaxAttempts {
			if !sleepWithContext(ctx, p.clock, time.Duration(attempt)*executeRetryStep) {
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

func (p *Pool) once(ctx context.Context, conn *Conn, cmd Command) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	result, err := conn.do(opCtx, cmd)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, domain.WrapError(domain.KindQueryTimeout,
				"index did not answer "+cmd.Name+" in time", err)
		}
		return nil, err
	}
	return result, nil
}

// Probe pings every connection, restoring recovered ones to the rotation.
// Run on a fixed interval by the scheduler.
func (p *Pool) Probe(ctx context.Context) {
	for _, c := range p.all {
		wasUp := c.Connected()
		if err := c.ping(ctx); err != nil {
			if wasUp {
				p.logger.Warn("index connection lost", "conn", c.ID(), "error", err)
			}
			continue
		}
		if !wasUp {
			p.logger.Info("index connection restored", "conn", c.ID())
		}
	}
}

// Health returns a snapshot of every connection record.
func (p *Pool) Health() []Status {
	statuses := make([]Status, len(p.all))
	for i, c := range p.all {
		statuses[i] = c.Status()
	}
	return statuses
}

// Close shuts every connection down.
func (p *Pool) Close() error {
	var firstErr error
	for _, c := range p.all {
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
