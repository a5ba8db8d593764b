package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcelmariani/crm-platform-sub000/internal/bus"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/pairing"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// ErrNotFound is returned when a tenant has no pairing artifact.
var ErrNotFound = errors.New("no pairing code for tenant")

// Results of CreateSession.
const (
	ResultQR        = "qr"
	ResultConnected = "connected"
	ResultPending   = "pending"
	ResultBusy      = "busy"
)

const (
	logoutTimeout = 5 * time.Second
	fanOut        = 8
)

// Config tunes the session engine.
type Config struct {
	PairingTTL       time.Duration // validity of a pairing artifact
	PairingWait      time.Duration // how long CreateSession waits for a pairing code
	LockPollInterval time.Duration
	LockPollAttempts int
	RestartDelay     time.Duration
	EventBuffer      int       // per-tenant event queue size
	QRWriter         io.Writer // if set, pairing codes are also printed here
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		PairingTTL:       pairing.DefaultTTL,
		PairingWait:      10 * time.Second,
		LockPollInterval: 500 * time.Millisecond,
		LockPollAttempts: 20,
		RestartDelay:     3 * time.Second,
		EventBuffer:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PairingTTL <= 0 {
		c.PairingTTL = d.PairingTTL
	}
	if c.PairingWait <= 0 {
		c.PairingWait = d.PairingWait
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = d.LockPollInterval
	}
	if c.LockPollAttempts <= 0 {
		c.LockPollAttempts = d.LockPollAttempts
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	return c
}

// CreateResult is the answer to CreateSession.
type CreateResult struct {
	Status   string
	Artifact *pairing.Artifact // set when Status is ResultQR
}

// StatusReport is the answer to GetStatus.
type StatusReport struct {
	Exists           bool
	State            Status
	PairingAvailable bool
}

// Counts is a snapshot of the registry.
type Counts struct {
	Total      int
	Open       int
	Connecting int
	Closed     int
}

// Manager is the orchestration API over the Supervisor, Registry, Ledger
// and Creation Locks.
type Manager struct {
	dialer   transport.Dialer
	registry *Registry
	ledger   *pairing.Ledger
	locks    *CreationLocks
	sv       *Supervisor
	bus      *bus.Bus
	cfg      Config
	now      func() time.Time
}

// NewManager creates a manager over dialer. Call SetInbound and SetBus
// before the first session is built.
func NewManager(dialer transport.Dialer, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	registry := NewRegistry()
	ledger := pairing.NewLedger()
	locks := NewCreationLocks()
	return &Manager{
		dialer:   dialer,
		registry: registry,
		ledger:   ledger,
		locks:    locks,
		sv:       newSupervisor(dialer, registry, ledger, locks, cfg),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetInbound sets the handler for inbound messages.
func (m *Manager) SetInbound(h InboundHandler) {
	m.sv.inbound = h
}

// SetBus sets the bus lifecycle notifications are published on.
func (m *Manager) SetBus(b *bus.Bus) {
	m.bus = b
	m.sv.bus = b
}

// SetClock replaces the time source used for artifact validity.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.sv.now = now
}

// Ledger exposes the pairing ledger for read access.
func (m *Manager) Ledger() *pairing.Ledger {
	return m.ledger
}

// Session returns the tenant's live session, or nil.
func (m *Manager) Session(tenantID string) *Session {
	return m.registry.Get(tenantID)
}

// CreateSession makes sure tenant has a connection and reports how far
// pairing got. Failures inside Build are reported as ResultPending; only
// an invalid tenant is an error.
func (m *Manager) CreateSession(ctx context.Context, raw string) (CreateResult, error) {
	t, err := tenant.Normalize(raw)
	if err != nil {
		return CreateResult{}, err
	}

	res := m.create(ctx, t)
	metrics.MetricOutcome("session", "create", res.Status)
	L_debug("session: create", "tenant", t, "status", res.Status)
	return res, nil
}

func (m *Manager) create(ctx context.Context, t string) CreateResult {
	if s := m.registry.Get(t); s != nil && s.Status() != StatusClosed {
		return m.existing(ctx, t, s)
	}

	if !m.locks.TryAcquire(t) {
		return m.contended(ctx, t)
	}

	s, reused, err := m.buildLocked(ctx, t)
	if err != nil {
		L_warn("session: build failed", "tenant", t, "error", err)
		return CreateResult{Status: ResultPending}
	}
	if reused {
		return m.existing(ctx, t, s)
	}
	return m.awaitFirst(ctx, s)
}

// buildLocked runs Build under the tenant's creation lock, unless another
// caller registered a usable session in the meantime.
func (m *Manager) buildLocked(ctx context.Context, t string) (*Session, bool, error) {
	defer m.locks.Release(t)

	if cur := m.registry.Get(t); cur != nil && cur.Status() != StatusClosed {
		return cur, true, nil
	}
	s, err := m.sv.Build(ctx, t)
	return s, false, err
}

func (m *Manager) existing(ctx context.Context, t string, s *Session) CreateResult {
	if s.Status() == StatusOpen {
		return CreateResult{Status: ResultConnected}
	}
	attempts := int(m.cfg.PairingWait / m.cfg.LockPollInterval)
	if res, ok := m.poll(ctx, t, attempts); ok {
		return res
	}
	return CreateResult{Status: ResultPending}
}

func (m *Manager) contended(ctx context.Context, t string) CreateResult {
	L_debug("session: creation in progress, polling", "tenant", t)
	if res, ok := m.poll(ctx, t, m.cfg.LockPollAttempts); ok {
		return res
	}
	return CreateResult{Status: ResultBusy}
}

// poll checks the ledger and registry every LockPollInterval. ok is false
// when nothing usable showed up within attempts polls.
func (m *Manager) poll(ctx context.Context, t string, attempts int) (CreateResult, bool) {
	if attempts < 1 {
		attempts = 1
	}
	ticker := time.NewTicker(m.cfg.LockPollInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		if a, ok := m.ledger.Valid(t, m.now()); ok {
			return CreateResult{Status: ResultQR, Artifact: a}, true
		}
		if s := m.registry.Get(t); s != nil && s.Status() == StatusOpen {
			return CreateResult{Status: ResultConnected}, true
		}
		if i >= attempts {
			return CreateResult{}, false
		}
		select {
		case <-ctx.Done():
			return CreateResult{}, false
		case <-ticker.C:
		}
	}
}

func (m *Manager) awaitFirst(ctx context.Context, s *Session) CreateResult {
	wctx, cancel := context.WithTimeout(ctx, m.cfg.PairingWait)
	defer cancel()

	out, err := s.First().Wait(wctx)
	switch {
	case err != nil:
		L_debug("session: no pairing code yet", "tenant", s.Tenant, "waited", m.cfg.PairingWait)
		return CreateResult{Status: ResultPending}
	case out.Connected:
		return CreateResult{Status: ResultConnected}
	case out.Artifact != nil:
		return CreateResult{Status: ResultQR, Artifact: out.Artifact}
	default:
		return CreateResult{Status: ResultPending}
	}
}

// DeleteSession logs the tenant out (best effort), drops its session and
// pairing code and erases its credentials.
func (m *Manager) DeleteSession(ctx context.Context, raw string) error {
	t, err := tenant.Normalize(raw)
	if err != nil {
		return err
	}
	m.deleteTenant(ctx, t)
	return nil
}

func (m *Manager) deleteTenant(ctx context.Context, t string) {
	if m.waitLock(ctx, t) {
		defer m.locks.Release(t)
	} else {
		L_warn("session: build still running, deleting anyway", "tenant", t)
	}

	m.dropSession(ctx, t)
	m.ledger.Delete(t)
	if err := m.dialer.Erase(t); err != nil {
		L_warn("session: erase credentials failed", "tenant", t, "error", err)
	}
	// a build that outlasted waitLock may have registered after the first drop
	m.dropSession(ctx, t)

	L_info("session: deleted", "tenant", t)
	metrics.MetricInc("session", "deleted")
	m.bus.Publish(bus.TopicDeleted, t, nil)
}

func (m *Manager) dropSession(ctx context.Context, t string) {
	s := m.registry.Remove(t)
	if s == nil {
		return
	}
	lctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	if err := s.conn.Logout(lctx); err != nil {
		L_debug("session: logout failed, continuing", "tenant", t, "error", err)
	}
	cancel()
	s.shutdown()
}

// waitLock takes the tenant's creation lock, polling like a competing
// CreateSession does. It reports false if the lock stayed held.
func (m *Manager) waitLock(ctx context.Context, t string) bool {
	if m.locks.TryAcquire(t) {
		return true
	}
	ticker := time.NewTicker(m.cfg.LockPollInterval)
	defer ticker.Stop()
	for i := 0; i < m.cfg.LockPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		if m.locks.TryAcquire(t) {
			return true
		}
	}
	return false
}

// DeleteAll deletes every tenant that has a session or stored credentials
// and returns how many there were.
func (m *Manager) DeleteAll(ctx context.Context) (int, error) {
	set := make(map[string]struct{})
	for _, t := range m.registry.Tenants() {
		set[t] = struct{}{}
	}
	stored, listErr := m.dialer.List()
	if listErr != nil {
		L_error("session: list credentials failed", "error", listErr)
	}
	for _, t := range stored {
		set[t] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for t := range set {
		g.Go(func() error {
			m.deleteTenant(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	L_info("session: deleted all", "count", len(set))
	if listErr != nil {
		return len(set), fmt.Errorf("list credentials: %w", listErr)
	}
	return len(set), nil
}

// GetStatus reports the tenant's lifecycle state. A tenant with stored
// credentials but no session is restored first, unless a Build is already
// running.
func (m *Manager) GetStatus(ctx context.Context, raw string) (StatusReport, error) {
	t, err := tenant.Normalize(raw)
	if err != nil {
		return StatusReport{}, err
	}

	s := m.registry.Get(t)
	if s == nil && m.dialer.Exists(t) && m.locks.TryAcquire(t) {
		L_info("session: restoring on status request", "tenant", t)
		s, _, err = m.buildLocked(ctx, t)
		if err != nil {
			L_warn("session: lazy restore failed", "tenant", t, "error", err)
			s = nil
		}
	}

	report := StatusReport{State: StatusUnknown}
	if s != nil {
		report.Exists = true
		report.State = s.Status()
	}
	_, report.PairingAvailable = m.ledger.Valid(t, m.now())
	return report, nil
}

// GetPairingArtifact returns the tenant's latest pairing artifact as
// stored, even if it has expired.
func (m *Manager) GetPairingArtifact(raw string) (*pairing.Artifact, error) {
	t, err := tenant.Normalize(raw)
	if err != nil {
		return nil, err
	}
	a := m.ledger.Get(t)
	if a == nil {
		return nil, ErrNotFound
	}
	return a, nil
}

// RestoreAll builds a session for every tenant with stored credentials and
// returns how many builds started.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	tenants, err := m.dialer.List()
	if err != nil {
		return 0, fmt.Errorf("list credentials: %w", err)
	}

	results := make([]bool, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOut)
	for i, t := range tenants {
		g.Go(func() error {
			if m.registry.Get(t) != nil || !m.locks.TryAcquire(t) {
				return nil
			}
			_, reused, err := m.buildLocked(gctx, t)
			if err != nil {
				L_warn("session: restore failed", "tenant", t, "error", err)
				return nil
			}
			results[i] = !reused
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	L_info("session: restored", "count", n, "stored", len(tenants))
	return n, nil
}

// Forget drops a tenant's session and pairing code without touching its
// credentials.
func (m *Manager) Forget(t string) {
	if s := m.registry.Remove(t); s != nil {
		s.shutdown()
		L_info("session: forgotten", "tenant", t)
	}
	m.ledger.Delete(t)
}

// Report counts sessions by state and publishes the counts as gauges.
func (m *Manager) Report() Counts {
	var c Counts
	for _, s := range m.registry.All() {
		c.Total++
		switch s.Status() {
		case StatusOpen:
			c.Open++
		case StatusClosed:
			c.Closed++
		default:
			c.Connecting++
		}
	}
	metrics.MetricSet("session", "total", int64(c.Total))
	metrics.MetricSet("session", "open", int64(c.Open))
	metrics.MetricSet("session", "connecting", int64(c.Connecting))
	metrics.MetricSet("session", "closed", int64(c.Closed))
	metrics.MetricSet("pairing", "codes", int64(m.ledger.Len()))
	return c
}

// Shutdown stops every session without erasing credentials.
func (m *Manager) Shutdown() {
	L_info("session: shutting down", "sessions", m.registry.Len())
	m.sv.stop()
}
