// Package webhook fans geofence events out to subscribed HTTP endpoints.
// Subscriptions are validated with a HEAD pre-flight, payloads are signed
// with HMAC-SHA256 when the subscriber holds a secret, and deliveries
// retry with linear backoff. The delivery queue is in-memory and
// best-effort: it survives retries, not restarts.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/observability"
	"github.com/touristguard/geofence/internal/tile38"
)

// Defaults for the dispatcher.
const (
	DefaultDrainInterval = 100 * time.Millisecond
	DefaultBatchSize     = 50
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = time.Second

	preflightTimeout = 5 * time.Second
	userAgent        = "Smart-Tourist-Safety-Webhook/1.0"

	// Rolling sample count for the average delivery time.
	deliverySampleSize = 500
)

// zones is the C4 slice used to embed the full zone in payloads and to
// resolve rings for server-side hook intents.
type zones interface {
	Get(ctx context.Context, id string) (*domain.Zone, error)
}

// executor places hook intents in the spatial index. Optional.
type executor interface {
	ExecuteWrite(ctx context.Context, cmd tile38.Command, priority int) (any, error)
}

// Config tunes the dispatcher. Zero values take the defaults.
type Config struct {
	DrainInterval time.Duration
	BatchSize     int
	Timeout       time.Duration

	// SyncHookIntents mirrors per-zone subscriptions into the index as
	// server-side triggers.
	SyncHookIntents bool
}

func (c *Config) applyDefaults() {
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Payload is the wire shape POSTed to subscribers. Signature is the
// hex-encoded HMAC-SHA256 of the JSON encoding of Event alone.
type Payload struct {
	Event     domain.GeofenceEvent `json:"event"`
	Zone      *domain.Zone         `json:"zone,omitempty"`
	User      PayloadUser          `json:"user"`
	Timestamp time.Time            `json:"timestamp"`
	Signature string               `json:"signature,omitempty"`
}

// PayloadUser identifies the subject of the event.
type PayloadUser struct {
	ID string `json:"id"`
}

// Observation is a per-delivery signal.
type Observation struct {
	Kind      string        `json:"kind"` // webhook_delivered | webhook_failed
	WebhookID string        `json:"webhook_id"`
	EventID   string        `json:"event_id"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration,omitempty"`
	Err       string        `json:"error,omitempty"`
}

// Stats is a snapshot of delivery accounting.
type Stats struct {
	Registered      int           `json:"registered"`
	TotalDelivered  uint64        `json:"total_delivered"`
	TotalFailed     uint64        `json:"total_failed"`
	QueueSize       int           `json:"queue_size"`
	AverageDelivery time.Duration `json:"average_delivery_time"`
}

// Dispatcher owns webhook subscriptions and the delivery loop.
type Dispatcher struct {
	zones   zones
	exec    executor
	cfg     Config
	client  *http.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	mu    sync.RWMutex
	hooks map[string]*domain.WebhookConfig

	queueMu sync.Mutex
	queue   []*domain.GeofenceEvent

	statsMu   sync.Mutex
	delivered uint64
	failed    uint64
	samples   []time.Duration
	sampleIdx int

	observations chan Observation
}

// New builds a dispatcher. exec may be nil when hook-intent sync is off.
func New(z zones, exec executor, cfg Config, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		zones:        z,
		exec:         exec,
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
		metrics:      metrics,
		clock:        clock,
		hooks:        make(map[string]*domain.WebhookConfig),
		observations: make(chan Observation, 128),
	}
}

// SetHTTPClient overrides the delivery client, for tests.
func (d *Dispatcher) SetHTTPClient(c *http.Client) { d.client = c }

// Observations exposes the per-delivery signal stream.
func (d *Dispatcher) Observations() <-chan Observation { return d.observations }

// DrainInterval returns the period of the drain ticker used by Run.
func (d *Dispatcher) DrainInterval() time.Duration { return d.cfg.DrainInterval }

// Register validates the config, pre-flights the target URL with a HEAD
// request, stores the subscription, and mirrors per-zone hook intents into
// the index.
func (d *Dispatcher) Register(ctx context.Context, cfg *domain.WebhookConfig) (*domain.WebhookConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := d.preflight(ctx, cfg.URL); err != nil {
		return nil, err
	}

	cfg.ID = uuid.NewString()
	now := domain.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	applyRetryDefaults(&cfg.Retry)

	d.mu.Lock()
	d.hooks[cfg.ID] = cfg
	d.mu.Unlock()

	d.syncHookIntents(ctx, cfg)
	d.logger.Info("webhook registered", "webhook_id", cfg.ID, "url", cfg.URL)
	return cfg, nil
}

// Update replaces a subscription's mutable fields. A URL change re-runs
// the pre-flight; zone-filter changes re-synchronize hook intents.
func (d *Dispatcher) Update(ctx context.Context, id string, updated *domain.WebhookConfig) (*domain.WebhookConfig, error) {
	d.mu.RLock()
	existing, ok := d.hooks[id]
	d.mu.RUnlock()
	if !ok {
		return nil, domain.Errorf(domain.KindNotFound, "webhook %s not found", id)
	}

	updated.ID = id
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = domain.Now().UTC()
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if updated.URL != existing.URL {
		if err := d.preflight(ctx, updated.URL); err != nil {
			return nil, err
		}
	}
	applyRetryDefaults(&updated.Retry)

	d.clearHookIntents(ctx, existing)
	d.mu.Lock()
	d.hooks[id] = updated
	d.mu.Unlock()
	d.syncHookIntents(ctx, updated)
	return updated, nil
}

// Remove deletes a subscription and clears its hook intents. Removing an
// unknown id is a no-op.
func (d *Dispatcher) Remove(ctx context.Context, id string) {
	d.mu.Lock()
	cfg, ok := d.hooks[id]
	delete(d.hooks, id)
	d.mu.Unlock()
	if ok {
		d.clearHookIntents(ctx, cfg)
		d.logger.Info("webhook removed", "webhook_id", id)
	}
}

// Get returns a subscription by id.
func (d *Dispatcher) Get(id string) (*domain.WebhookConfig, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cfg, ok := d.hooks[id]
	if !ok {
		return nil, false
	}
	clone := *cfg
	return &clone, true
}

// List returns all subscriptions.
func (d *Dispatcher) List() []*domain.WebhookConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*domain.WebhookConfig, 0, len(d.hooks))
	for _, cfg := range d.hooks {
		clone := *cfg
		out = append(out, &clone)
	}
	return out
}

// Enqueue adds an event to the delivery queue.
func (d *Dispatcher) Enqueue(e *domain.GeofenceEvent) {
	d.queueMu.Lock()
	d.queue = append(d.queue, e)
	depth := len(d.queue)
	d.queueMu.Unlock()
	d.metrics.WebhookQueueDepth.Set(float64(depth))
}

// QueueSize returns the current delivery-queue depth.
func (d *Dispatcher) QueueSize() int {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	return len(d.queue)
}

// Run drains the delivery queue until ctx is cancelled, then drains once
// more so in-flight events are not lost on shutdown.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Drain(context.WithoutCancel(ctx))
			return
		case <-ticker.Chan():
			d.drainBatch(ctx)
		}
	}
}

// Drain delivers everything currently queued.
func (d *Dispatcher) Drain(ctx context.Context) {
	for d.QueueSize() > 0 {
		d.drainBatch(ctx)
	}
}

func (d *Dispatcher) drainBatch(ctx context.Context) {
	d.queueMu.Lock()
	n := len(d.queue)
	if n > d.cfg.BatchSize {
		n = d.cfg.BatchSize
	}
	batch := d.queue[:n]
	d.queue = d.queue[n:]
	d.queueMu.Unlock()
	if len(batch) == 0 {
		return
	}
	d.metrics.WebhookQueueDepth.Set(float64(d.QueueSize()))

	var wg sync.WaitGroup
	for _, e := range batch {
		matches := d.matching(e)
		if len(matches) == 0 {
			continue
		}
		for _, hook := range matches {
			wg.Add(1)
			go func(e *domain.GeofenceEvent, hook *domain.WebhookConfig) {
				defer wg.Done()
				d.deliverWithRetry(ctx, e, hook, true)
			}(e, hook)
		}
	}
	wg.Wait()
}

// matching returns the enabled webhooks subscribed to the event.
func (d *Dispatcher) matching(e *domain.GeofenceEvent) []*domain.WebhookConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*domain.WebhookConfig
	for _, hook := range d.hooks {
		if hook.Matches(e) {
			clone := *hook
			out = append(out, &clone)
		}
	}
	return out
}

// deliverWithRetry posts the event to one webhook, retrying with linear
// backoff per the webhook's retry config. recordStats is false for test
// deliveries.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, e *domain.GeofenceEvent, hook *domain.WebhookConfig, recordStats bool) {
	var lastErr error
	for attempt := 1; attempt <= hook.Retry.MaxRetries+1; attempt++ {
		start := d.clock.Now()
		err := d.deliverOnce(ctx, e, hook)
		elapsed := d.clock.Since(start)

		if err == nil {
			e.WebhookDelivered = true
			if recordStats {
				d.recordDelivered(elapsed)
				d.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
				d.metrics.DeliveryDuration.Observe(elapsed.Seconds())
			}
			d.observe(Observation{
				Kind: "webhook_delivered", WebhookID: hook.ID, EventID: e.ID,
				Attempts: attempt, Duration: elapsed,
			})
			return
		}
		lastErr = err

		if attempt <= hook.Retry.MaxRetries {
			delay := hook.Retry.RetryDelay * time.Duration(attempt)
			if hook.Retry.ExponentialBackoff {
				delay = hook.Retry.RetryDelay * time.Duration(1<<(attempt-1))
			}
			if !sleepWithContext(ctx, d.clock, delay) {
				break
			}
		}
	}

	if recordStats {
		d.recordFailed()
		d.metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	}
	d.logger.Warn("webhook delivery failed",
		"webhook_id", hook.ID, "event_id", e.ID, "error", lastErr)
	d.observe(Observation{
		Kind: "webhook_failed", WebhookID: hook.ID, EventID: e.ID,
		Attempts: hook.Retry.MaxRetries + 1, Err: fmt.Sprint(lastErr),
	})
}

// deliverOnce performs one signed POST. Any status >= 400 is a failure.
func (d *Dispatcher) deliverOnce(ctx context.Context, e *domain.GeofenceEvent, hook *domain.WebhookConfig) error {
	payload, err := d.buildPayload(ctx, e, hook)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// buildPayload assembles the wire payload, signing the event JSON when the
// webhook holds a secret.
func (d *Dispatcher) buildPayload(ctx context.Context, e *domain.GeofenceEvent, hook *domain.WebhookConfig) (*Payload, error) {
	payload := &Payload{
		Event:     *e,
		User:      PayloadUser{ID: e.UserID},
		Timestamp: d.clock.Now().UTC(),
	}
	if d.zones != nil && e.ZoneID != "" {
		if z, err := d.zones.Get(ctx, e.ZoneID); err == nil {
			payload.Zone = z
		}
	}
	if hook.Secret != "" {
		sig, err := Sign(hook.Secret, &payload.Event)
		if err != nil {
			return nil, err
		}
		payload.Signature = sig
	}
	return payload, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the event's JSON encoding.
func Sign(secret string, e *domain.GeofenceEvent) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event for signing: %w", err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Test runs a synthetic delivery against one webhook without touching the
// delivery stats. The returned error is the delivery outcome.
func (d *Dispatcher) Test(ctx context.Context, id string) error {
	d.mu.RLock()
	hook, ok := d.hooks[id]
	d.mu.RUnlock()
	if !ok {
		return domain.Errorf(domain.KindNotFound, "webhook %s not found", id)
	}

	event := domain.GeofenceEvent{
		ID:        "test-" + uuid.NewString(),
		UserID:    "test-user",
		ZoneID:    "test-zone",
		ZoneName:  "Test Zone",
		ZoneType:  domain.ZoneSafe,
		EventType: domain.EventInside,
		Timestamp: d.clock.Now().UTC(),
		Metadata:  domain.EventMetadata{AlertLevel: domain.AlertLow, EventSource: "test"},
	}
	if err := d.deliverOnce(ctx, &event, hook); err != nil {
		return domain.WrapError(domain.KindWebhookDelivery, "test delivery failed", err)
	}
	return nil
}

// Statistics returns the delivery accounting snapshot.
func (d *Dispatcher) Statistics() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	var avg time.Duration
	if len(d.samples) > 0 {
		var sum time.Duration
		for _, s := range d.samples {
			sum += s
		}
		avg = sum / time.Duration(len(d.samples))
	}
	d.mu.RLock()
	registered := len(d.hooks)
	d.mu.RUnlock()

	return Stats{
		Registered:      registered,
		TotalDelivered:  d.delivered,
		TotalFailed:     d.failed,
		QueueSize:       d.QueueSize(),
		AverageDelivery: avg,
	}
}

// preflight issues the HEAD validation request against a candidate URL.
func (d *Dispatcher) preflight(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, url, nil)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "webhook url rejected", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.WrapError(domain.KindValidation, "webhook url unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return domain.Errorf(domain.KindValidation,
			"webhook url pre-flight returned status %d", resp.StatusCode)
	}
	return nil
}

// syncHookIntents mirrors the webhook's zone filter into the index as
// server-side triggers. Best-effort: intent errors never fail the
// subscription.
func (d *Dispatcher) syncHookIntents(ctx context.Context, cfg *domain.WebhookConfig) {
	if !d.cfg.SyncHookIntents || d.exec == nil || d.zones == nil {
		return
	}
	for _, zoneID := range cfg.ZoneIDs {
		z, err := d.zones.Get(ctx, zoneID)
		if err != nil {
			d.logger.Warn("hook intent skipped, zone unavailable",
				"webhook_id", cfg.ID, "zone_id", zoneID, "error", err)
			continue
		}
		name := hookIntentName(cfg.ID, zoneID)
		cmd := tile38.SetHook(name, cfg.URL, hookCollection, z.Coordinates)
		if _, err := d.exec.ExecuteWrite(ctx, cmd, 2); err != nil {
			d.logger.Warn("hook intent placement failed",
				"webhook_id", cfg.ID, "zone_id", zoneID, "error", err)
		}
	}
}

func (d *Dispatcher) clearHookIntents(ctx context.Context, cfg *domain.WebhookConfig) {
	if !d.cfg.SyncHookIntents || d.exec == nil {
		return
	}
	cmd := tile38.DelHooks("hook:" + cfg.ID + ":*")
	if _, err := d.exec.ExecuteWrite(ctx, cmd, 2); err != nil {
		d.logger.Warn("hook intent removal failed", "webhook_id", cfg.ID, "error", err)
	}
}

// hookCollection is the point collection hook intents watch.
const hookCollection = "tourists"

func hookIntentName(webhookID, zoneID string) string {
	return "hook:" + webhookID + ":" + zoneID
}

func applyRetryDefaults(r *domain.RetryConfig) {
	if r.MaxRetries <= 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	if r.RetryDelay <= 0 {
		r.RetryDelay = DefaultRetryDelay
	}
}

func (d *Dispatcher) recordDelivered(elapsed time.Duration) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.delivered++
	if len(d.samples) < deliverySampleSize {
		d.samples = append(d.samples, elapsed)
	} else {
		d.samples[d.sampleIdx] = elapsed
		d.sampleIdx = (d.sampleIdx + 1) % deliverySampleSize
	}
}

func (d *Dispatcher) recordFailed() {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.failed++
}

func (d *Dispatcher) observe(o Observation) {
	select {
	case d.observations <- o:
	default:
	}
}

func sleepWithContext(ctx context.Context, clock clockwork.Clock, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := clock.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
