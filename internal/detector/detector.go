// Package detector derives geofence events from the live index state. A
// periodic sweep walks the active zones and asks the index who is inside;
// an on-demand path answers for a single fresh location. Both diff against
// a per-user membership set, so crossing a boundary emits enter/exit and
// staying put emits inside.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/observability"
)

// Defaults for the sweep.
const (
	DefaultCheckInterval = time.Second
	DefaultBatchSize     = 100
)

// zones is the C4 slice the detector reads.
type zones interface {
	Active(limit int) []*domain.Zone
	Containing(p domain.Coordinate) []*domain.Zone
	Get(ctx context.Context, id string) (*domain.Zone, error)
}

// locations is the C5 slice the detector queries per zone.
type locations interface {
	UsersInZone(ctx context.Context, ring []domain.Coordinate, limit int) ([]domain.UserPosition, error)
}

// sink receives detected events; in production it is the webhook
// dispatcher.
type sink interface {
	Enqueue(e *domain.GeofenceEvent)
}

// Recorder persists events to the durable trailing log. Optional.
type Recorder interface {
	RecordEvent(ctx context.Context, e *domain.GeofenceEvent) error
}

// Config tunes the detector. Zero values take the defaults.
type Config struct {
	CheckInterval time.Duration
	BatchSize     int
}

func (c *Config) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// membership records when a user entered a zone.
type membership struct {
	since time.Time
}

// Detector is the periodic sweeper plus the on-demand check path.
type Detector struct {
	zones     zones
	locations locations
	sink      sink
	recorder  Recorder
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock

	state *membershipState
}

// New builds a detector. recorder may be nil when the durable log is
// disabled.
func New(z zones, l locations, s sink, recorder Recorder, cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Detector {
	cfg.applyDefaults()
	return &Detector{
		zones:     z,
		locations: l,
		sink:      s,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
		state:     newMembershipState(),
	}
}

// CheckInterval exposes the sweep period for the scheduler.
func (d *Detector) CheckInterval() time.Duration { return d.cfg.CheckInterval }

// Sweep runs one detection pass over up to BatchSize active zones.
func (d *Detector) Sweep(ctx context.Context) {
	zones := d.zones.Active(d.cfg.BatchSize)
	for _, z := range zones {
		present, err := d.locations.UsersInZone(ctx, z.Coordinates, 0)
		if err != nil {
			d.logger.Warn("zone sweep query failed", "zone_id", z.ID, "error", err)
			continue
		}

		now := d.clock.Now()
		inside := make(map[string]domain.Coordinate, len(present))
		for _, pos := range present {
			inside[pos.UserID] = pos.Coordinate
		}

		entered, stayed, exited := d.state.diffZone(z, inside, now)
		for _, userID := range entered {
			d.emit(ctx, domain.NewGeofenceEvent(z, userID, inside[userID], domain.EventEnter))
		}
		for _, userID := range stayed {
			e := domain.NewGeofenceEvent(z, userID, inside[userID], domain.EventInside)
			e.Metadata.TimeInZone = now.Sub(d.state.since(userID, z.ID))
			d.emit(ctx, e)
		}
		for _, ex := range exited {
			e := domain.NewGeofenceEvent(z, ex.userID, ex.lastSeen, domain.EventExit)
			e.Metadata.TimeInZone = now.Sub(ex.since)
			d.emit(ctx, e)
		}
	}
}

// ProcessLocation checks one fresh location against the active zones and
// emits the membership delta for that user. The bulk processor calls this
// per item.
func (d *Detector) ProcessLocation(ctx context.Context, loc *domain.LocationUpdate) error {
	containing := d.zones.Containing(loc.Coordinate)
	now := d.clock.Now()

	current := make(map[string]*domain.Zone, len(containing))
	for _, z := range containing {
		current[z.ID] = z
	}

	entered, stayed, exited := d.state.diffUser(loc.UserID, current, now)

	var previousZoneID string
	if len(exited) > 0 {
		previousZoneID = exited[0].zoneID
	}
	for _, z := range entered {
		e := domain.NewGeofenceEvent(z, loc.UserID, loc.Coordinate, domain.EventEnter)
		e.Metadata.PreviousZoneID = previousZoneID
		d.emit(ctx, e)
	}
	for _, z := range stayed {
		e := domain.NewGeofenceEvent(z, loc.UserID, loc.Coordinate, domain.EventInside)
		e.Metadata.TimeInZone = now.Sub(d.state.since(loc.UserID, z.ID))
		d.emit(ctx, e)
	}
	for _, ex := range exited {
		z := ex.zone
		if z == nil {
			// The membership record predates this process's view of the
			// zone; resolve it so the exit is never dropped.
			resolved, err := d.zones.Get(ctx, ex.zoneID)
			if err != nil {
				d.logger.Warn("exit zone no longer resolvable, emitting bare event",
					"user_id", loc.UserID, "zone_id", ex.zoneID, "error", err)
				resolved = &domain.Zone{ID: ex.zoneID}
			}
			z = resolved
		}
		e := domain.NewGeofenceEvent(z, loc.UserID, loc.Coordinate, domain.EventExit)
		e.Metadata.TimeInZone = now.Sub(ex.since)
		d.emit(ctx, e)
	}
	return nil
}

// Process forwards an externally constructed event through the same
// delivery path, stamping defaults where absent.
func (d *Detector) Process(ctx context.Context, e *domain.GeofenceEvent) error {
	if e.UserID == "" || e.ZoneID == "" {
		return domain.NewError(domain.KindValidation, "event needs user_id and zone_id")
	}
	if !domain.ValidEventType(e.EventType) {
		return domain.Errorf(domain.KindValidation, "unknown event type %q", e.EventType)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = d.clock.Now().UTC()
	}
	if e.Metadata.EventSource == "" {
		e.Metadata.EventSource = "external"
	}
	d.emit(ctx, *e)
	return nil
}

// Forget drops a user's membership state, for logout or offline
// transitions.
func (d *Detector) Forget(userID string) {
	d.state.forget(userID)
}

func (d *Detector) emit(ctx context.Context, e domain.GeofenceEvent) {
	e.Processed = true
	d.metrics.EventsDetected.WithLabelValues(string(e.EventType)).Inc()
	d.sink.Enqueue(&e)

	if d.recorder != nil {
		if err := d.recorder.RecordEvent(ctx, &e); err != nil {
			d.logger.Warn("event record failed", "event_id", e.ID, "error", err)
		}
	}
}
