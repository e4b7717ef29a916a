// Package coordinator implements the acquisition-and-reconciliation core: a
// poll cycle that decides whether to touch the gateway at all, speaks the
// selected protocol, recovers sessions, survives outages on cached data, and
// keeps the inventory tracker and diagnostics current. One cycle runs at a
// time; everything the cycle owns (cache, failure state, session) is touched
// only from within it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sunwatch/go-pvs/internal/config"
	"github.com/sunwatch/go-pvs/internal/domain"
	"github.com/sunwatch/go-pvs/internal/gateway"
	"github.com/sunwatch/go-pvs/internal/health"
	"github.com/sunwatch/go-pvs/internal/night"
	"github.com/sunwatch/go-pvs/internal/normalize"
	"github.com/sunwatch/go-pvs/internal/store"
	"github.com/sunwatch/go-pvs/internal/tracker"
	"github.com/sunwatch/go-pvs/internal/validation"
)

// eventBacklog bounds the in-memory event history kept for the API.
const eventBacklog = 32

// SessionInfo exposes session freshness for diagnostics. Nil when the legacy
// protocol is in use.
type SessionInfo interface {
	Authenticated() (bool, time.Time)
}

// Report is the diagnostics view assembled per request for the API and the
// publisher.
type Report struct {
	Protocol             string                 `json:"protocol"`
	PollingEnabled       bool                   `json:"polling_enabled"`
	SessionAuthenticated bool                   `json:"session_authenticated"`
	LastAuthTime         *time.Time             `json:"last_auth_time,omitempty"`
	Health               health.Diagnostics     `json:"health"`
	KnownDevices         int                    `json:"known_devices"`
	LastPollStatus       string                 `json:"last_poll_status"`
	LastPollReason       string                 `json:"last_poll_reason,omitempty"`
	Validation           map[string]interface{} `json:"validation"`
}

// Coordinator drives poll cycles against one gateway.
type Coordinator struct {
	cfg       *config.Config
	client    domain.InventoryClient
	fallback  domain.InventoryClient
	checker   *health.Checker
	store     *store.Store
	tracker   *tracker.Tracker
	window    night.Window
	session   SessionInfo
	validator *validation.Validator
	logger    zerolog.Logger

	onEvent func(domain.Event)

	mu          sync.Mutex
	cache       *domain.Snapshot
	lastResult  domain.PollResult
	events      []domain.Event
	lastReauths int64
}

// New creates a coordinator around the selected protocol client. fallback
// may be nil; when present it is tried once per cycle if the primary client
// fails to authenticate. Any cached snapshot from a previous run is restored
// so consumers have data before the first poll completes.
func New(cfg *config.Config, client, fallback domain.InventoryClient, checker *health.Checker, st *store.Store, tr *tracker.Tracker) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		client:   client,
		fallback: fallback,
		checker:  checker,
		store:    st,
		tracker:  tr,
		window: night.Window{
			Enabled:   cfg.Night.Enabled,
			StartHour: cfg.Night.StartHour,
			EndHour:   cfg.Night.EndHour,
		},
		validator:  validation.New(validation.LevelStandard, log.Logger),
		logger:     log.With().Str("component", "coordinator").Logger(),
		lastResult: domain.PollResult{Status: domain.PollUnavailable, Reason: "no poll yet"},
	}

	if cached, found := st.LoadSnapshot(); found {
		c.cache = cached
		c.logger.Info().
			Int("devices", len(cached.Devices)).
			Time("fetched_at", cached.FetchedAt).
			Msg("Restored snapshot cache from previous run")
	}

	return c
}

// SetSessionInfo wires session freshness into diagnostics.
func (c *Coordinator) SetSessionInfo(s SessionInfo) {
	c.session = s
}

// SetEventHandler registers the sink for discrete events. Events are also
// retained in a short in-memory backlog for the API.
func (c *Coordinator) SetEventHandler(handler func(domain.Event)) {
	c.onEvent = handler
}

// PollOnce runs one full acquisition cycle and returns its tagged outcome.
// It never returns an error: a failed cycle degrades to cached data and an
// empty state degrades to Unavailable.
func (c *Coordinator) PollOnce(ctx context.Context) domain.PollResult {
	if !c.cfg.Gateway.PollingEnabled {
		return c.serveCache("polling disabled")
	}

	if err := c.checker.Gate(ctx); err != nil {
		if !errors.Is(err, health.ErrCoolingDown) {
			c.logger.Warn().Err(err).Msg("Gateway unreachable, serving cache")
		}
		return c.serveCache(err.Error())
	}

	start := time.Now()
	records, protocol, err := c.fetch(ctx)
	if err != nil {
		c.checker.RecordFailure()
		c.logger.Warn().Err(err).Msg("Inventory fetch failed, serving cache")
		return c.serveCache(fmt.Sprintf("fetch failed: %v", err))
	}
	latency := time.Since(start)

	snapshot := c.buildSnapshot(records, protocol)
	c.checker.RecordSuccess(latency)
	c.commit(snapshot)

	result := domain.PollResult{Status: domain.PollFresh, Snapshot: snapshot}
	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()
	return result
}

// fetch invokes the primary client, falling back to the secondary protocol
// when authentication is broken. Session-expiry retries happen inside the
// client; this level only sees terminal auth failure.
func (c *Coordinator) fetch(ctx context.Context) ([]domain.DeviceRecord, domain.Protocol, error) {
	records, err := c.client.FetchInventory(ctx)
	c.noteReauths()
	if err == nil {
		return records, c.client.Protocol(), nil
	}

	authBroken := errors.Is(err, gateway.ErrAuthFailed) || errors.Is(err, gateway.ErrNoCredential)
	if !authBroken || c.fallback == nil {
		return nil, c.client.Protocol(), err
	}

	c.logger.Warn().Err(err).
		Str("primary", c.client.Protocol().String()).
		Str("fallback", c.fallback.Protocol().String()).
		Msg("Primary protocol failed to authenticate, engaging fallback")

	records, fbErr := c.fallback.FetchInventory(ctx)
	if fbErr != nil {
		return nil, c.client.Protocol(), fmt.Errorf("fallback also failed: %v (primary: %w)", fbErr, err)
	}

	c.emit(domain.NewEvent(domain.EventProtocolFallback, nil,
		fmt.Sprintf("fell back to %s protocol: %v", c.fallback.Protocol(), err)))
	return records, c.fallback.Protocol(), nil
}

// buildSnapshot validates, de-duplicates and enriches fetched records into
// an immutable snapshot.
func (c *Coordinator) buildSnapshot(records []domain.DeviceRecord, protocol domain.Protocol) *domain.Snapshot {
	now := time.Now()
	seen := make(map[string]bool, len(records))
	devices := make([]domain.DeviceRecord, 0, len(records))
	var gatewaySerial string

	for i := range records {
		rec := records[i]
		if err := rec.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping invalid device record")
			continue
		}
		if seen[rec.Serial] {
			c.logger.Warn().Str("serial", rec.Serial).Msg("Dropping duplicate serial in snapshot")
			continue
		}
		seen[rec.Serial] = true
		if check := c.validator.ValidateRecord(&rec); !check.Valid || check.HasWarnings() {
			c.logger.Warn().
				Str("serial", rec.Serial).
				Str("result", check.Summary()).
				Msg("Device record failed plausibility checks")
		}
		if rec.Type == domain.DeviceTypeGateway && gatewaySerial == "" {
			gatewaySerial = rec.Serial
		}
		devices = append(devices, rec)
	}

	snapshot := &domain.Snapshot{
		Devices:   devices,
		FetchedAt: now,
		Source:    domain.SourceFresh,
		Protocol:  protocol,
	}

	// Synthesize the production meter from inverters when one doesn't exist.
	inverters := snapshot.ByType(domain.DeviceTypeInverter)
	if vmeter, ok := normalize.VirtualProductionMeter(gatewaySerial, inverters, now); ok && !seen[vmeter.Serial] {
		snapshot.Devices = append(snapshot.Devices, vmeter)
	}

	// During dormancy the fresh snapshot legitimately misses sleeping
	// hardware; carry it forward from cache instead of flagging it absent.
	if c.window.Contains(now) {
		c.mu.Lock()
		cached := c.cache
		c.mu.Unlock()
		snapshot = night.MergeDormant(snapshot, cached)
	}

	return snapshot
}

// commit persists a fresh snapshot and folds it into tracked state.
func (c *Coordinator) commit(snapshot *domain.Snapshot) {
	if err := c.store.SaveSnapshot(snapshot); err != nil {
		c.logger.Error().Err(err).Msg("Failed to persist snapshot cache")
	}

	update := c.tracker.Observe(snapshot)
	if len(update.NewSerials) > 0 {
		c.emit(domain.NewEvent(domain.EventNewDevices, update.NewSerials,
			fmt.Sprintf("%d new device(s) discovered", len(update.NewSerials))))
	}
	if len(update.Escalated) > 0 {
		c.emit(domain.NewEvent(domain.EventPersistentFailure, update.Escalated,
			fmt.Sprintf("%d device(s) missing or errored for over %s", len(update.Escalated), tracker.EscalationWindow)))
	}
	if len(update.Recovered) > 0 {
		c.emit(domain.NewEvent(domain.EventFailureRecovered, update.Recovered,
			fmt.Sprintf("%d device(s) recovered", len(update.Recovered))))
	}

	c.mu.Lock()
	c.cache = snapshot
	c.mu.Unlock()

	c.logger.Info().
		Int("devices", len(snapshot.Devices)).
		Str("protocol", snapshot.Protocol.String()).
		Msg("Poll cycle completed")
}

// serveCache builds a degraded result from the cache entry, sanitized when
// the site is in its dormancy window. The persisted cache itself is never
// mutated.
func (c *Coordinator) serveCache(reason string) domain.PollResult {
	c.mu.Lock()
	cached := c.cache
	c.mu.Unlock()

	var result domain.PollResult
	if cached == nil {
		result = domain.PollResult{Status: domain.PollUnavailable, Reason: reason}
	} else if c.window.Contains(time.Now()) {
		result = domain.PollResult{Status: domain.PollDegraded, Snapshot: night.Sanitize(cached), Reason: reason}
	} else {
		served := cached.Clone()
		served.Source = domain.SourceCached
		result = domain.PollResult{Status: domain.PollDegraded, Snapshot: served, Reason: reason}
	}

	c.mu.Lock()
	c.lastResult = result
	c.mu.Unlock()
	return result
}

// noteReauths emits a reauthenticated event when the client performed a
// reactive re-authentication since the last check.
func (c *Coordinator) noteReauths() {
	counter, ok := c.client.(interface{ ReauthCount() int64 })
	if !ok {
		return
	}
	count := counter.ReauthCount()

	c.mu.Lock()
	delta := count - c.lastReauths
	c.lastReauths = count
	c.mu.Unlock()

	if delta > 0 {
		c.emit(domain.NewEvent(domain.EventReauthenticated, nil, "session re-established after expiry"))
	}
}

func (c *Coordinator) emit(event domain.Event) {
	c.logger.Info().
		Str("event", event.Type).
		Strs("serials", event.Serials).
		Str("detail", event.Detail).
		Msg("Event emitted")

	c.mu.Lock()
	c.events = append(c.events, event)
	if len(c.events) > eventBacklog {
		c.events = c.events[len(c.events)-eventBacklog:]
	}
	c.mu.Unlock()

	if c.onEvent != nil {
		c.onEvent(event)
	}
}

// Snapshot returns a copy of the most recently served snapshot.
func (c *Coordinator) Snapshot() (*domain.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastResult.Snapshot != nil {
		return c.lastResult.Snapshot.Clone(), true
	}
	if c.cache != nil {
		return c.cache.Clone(), true
	}
	return nil, false
}

// LastResult returns the outcome of the most recent cycle.
func (c *Coordinator) LastResult() domain.PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// Events returns the recent event backlog, newest last.
func (c *Coordinator) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Diagnostics assembles the current health and session view.
func (c *Coordinator) Diagnostics() Report {
	c.mu.Lock()
	last := c.lastResult
	c.mu.Unlock()

	report := Report{
		Protocol:       c.client.Protocol().String(),
		PollingEnabled: c.cfg.Gateway.PollingEnabled,
		Health:         c.checker.Diagnostics(),
		KnownDevices:   len(c.tracker.KnownSerials()),
		LastPollStatus: last.Status.String(),
		LastPollReason: last.Reason,
		Validation:     c.validator.Statistics(),
	}
	if c.session != nil {
		authed, at := c.session.Authenticated()
		report.SessionAuthenticated = authed
		if !at.IsZero() {
			report.LastAuthTime = &at
		}
	}
	return report
}
