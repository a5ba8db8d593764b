package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"

	"github.com/marcelmariani/crm-platform-sub000/internal/bus"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/pairing"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// InboundHandler receives every inbound message of a tenant, one at a time
// and in arrival order.
type InboundHandler interface {
	Dispatch(ctx context.Context, tenant string, sender transport.Sender, msg transport.Message)
}

// PairingNotice is published on bus.TopicPairing.
type PairingNotice struct {
	Attempts  int
	ExpiresAt time.Time
}

// ClosedNotice is published on bus.TopicClosed.
type ClosedNotice struct {
	Code        int
	Reason      string
	Disposition string
}

// Supervisor builds connections and drives each Session's state machine.
type Supervisor struct {
	dialer   transport.Dialer
	registry *Registry
	ledger   *pairing.Ledger
	locks    *CreationLocks
	bus      *bus.Bus
	inbound  InboundHandler
	cfg      Config
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSupervisor(dialer transport.Dialer, registry *Registry, ledger *pairing.Ledger, locks *CreationLocks, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dialer:   dialer,
		registry: registry,
		ledger:   ledger,
		locks:    locks,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Build replaces any existing Session for tenant with a fresh one. The
// Session is registered before the connection starts, so every event it
// emits finds it. Build returns once the connection has been started; it
// does not wait for pairing or open.
func (sv *Supervisor) Build(ctx context.Context, tenant string) (*Session, error) {
	defer metrics.MetricStart("session", "build")()

	if old := sv.registry.Remove(tenant); old != nil {
		L_debug("session: replacing existing connection", "tenant", tenant, "status", old.Status())
		old.shutdown()
	}
	// a pairing code from the previous connection can no longer be scanned
	sv.ledger.Delete(tenant)

	s := newSession(tenant, sv.cfg.EventBuffer, sv.now())
	conn, err := sv.dialer.Open(ctx, tenant, s.deliver)
	if err != nil {
		metrics.MetricOutcome("session", "build", "open_failed")
		return nil, fmt.Errorf("open credentials for %s: %w", tenant, err)
	}
	s.conn = conn
	sv.registry.Put(s)

	sv.wg.Add(1)
	go sv.pump(s)

	if err := conn.Connect(ctx); err != nil {
		sv.registry.RemoveIf(s)
		s.shutdown()
		metrics.MetricOutcome("session", "build", "connect_failed")
		return nil, fmt.Errorf("connect %s: %w", tenant, err)
	}

	metrics.MetricOutcome("session", "build", "started")
	L_info("session: connection started", "tenant", tenant)
	return s, nil
}

// pump handles a Session's events sequentially until it is shut down.
func (sv *Supervisor) pump(s *Session) {
	defer sv.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case e := <-s.events:
			if s.Stopped() {
				return
			}
			sv.handle(s, e)
		}
	}
}

func (sv *Supervisor) handle(s *Session, e transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			L_error("session: event handler panic", "tenant", s.Tenant, "event", fmt.Sprintf("%T", e), "panic", r)
			metrics.MetricInc("session", "handler_panic")
		}
	}()

	switch ev := e.(type) {
	case transport.PairingChallenge:
		sv.onPairing(s, ev)
	case transport.Opened:
		sv.onOpened(s, ev)
	case transport.Closed:
		sv.onClosed(s, ev)
	case transport.Inbound:
		sv.onInbound(s, ev)
	default:
		L_warn("session: unknown event", "tenant", s.Tenant, "type", fmt.Sprintf("%T", e))
	}
}

func (sv *Supervisor) onPairing(s *Session, ev transport.PairingChallenge) {
	n := s.nextAttempt()
	a, err := pairing.NewArtifact(ev.Code, n, sv.now(), sv.cfg.PairingTTL)
	if err != nil {
		L_error("session: render pairing code failed", "tenant", s.Tenant, "attempt", n, "error", err)
		return
	}

	s.setStatus(StatusConnecting)
	sv.ledger.Put(s.Tenant, a)
	s.first.Resolve(Outcome{Artifact: a})

	L_info("session: pairing code issued", "tenant", s.Tenant, "attempt", n, "expiresAt", a.ExpiresAt.Format(time.RFC3339))
	metrics.MetricInc("session", "pairing_challenge")

	if sv.cfg.QRWriter != nil {
		printQR(sv.cfg.QRWriter, s.Tenant, ev.Code)
	}
	sv.bus.Publish(bus.TopicPairing, s.Tenant, PairingNotice{Attempts: n, ExpiresAt: a.ExpiresAt})
}

func (sv *Supervisor) onOpened(s *Session, ev transport.Opened) {
	s.setStatus(StatusOpen)
	sv.ledger.Delete(s.Tenant)
	s.first.Resolve(Outcome{Connected: true})

	L_info("session: connection open", "tenant", s.Tenant, "id", ev.ID)
	metrics.MetricInc("session", "opened")
	sv.bus.Publish(bus.TopicOpened, s.Tenant, ev)
}

func (sv *Supervisor) onClosed(s *Session, ev transport.Closed) {
	d := Classify(ev.Code)
	if ev.Code == transport.CodeTimedOut && sv.registry.Get(s.Tenant) == s {
		sv.ledger.Delete(s.Tenant)
	}
	s.setStatus(StatusClosed)
	s.first.Resolve(Outcome{})

	L_warn("session: connection closed", "tenant", s.Tenant, "code", ev.Code, "reason", ev.Reason, "disposition", d)
	metrics.MetricOutcome("session", "closed", d.String())
	sv.bus.Publish(bus.TopicClosed, s.Tenant, ClosedNotice{Code: ev.Code, Reason: ev.Reason, Disposition: d.String()})

	switch d {
	case Terminal:
		s.shutdown()
		if !sv.registry.RemoveIf(s) {
			return
		}
		sv.ledger.Delete(s.Tenant)
		if err := sv.dialer.Erase(s.Tenant); err != nil {
			L_error("session: erase credentials failed", "tenant", s.Tenant, "error", err)
		}
		L_info("session: credentials erased, re-pairing required", "tenant", s.Tenant)

	case Restart:
		s.shutdown()
		if !sv.registry.RemoveIf(s) {
			return
		}
		sv.ledger.Delete(s.Tenant)
		sv.scheduleRebuild(s.Tenant)
	}
}

func (sv *Supervisor) onInbound(s *Session, ev transport.Inbound) {
	if sv.inbound == nil {
		return
	}
	metrics.MetricInc("inbound", "received")
	sv.inbound.Dispatch(sv.ctx, s.Tenant, s.conn, ev.Message)
}

// scheduleRebuild rebuilds tenant once after the restart delay, unless a
// Build is already in progress or a Session already exists by then.
func (sv *Supervisor) scheduleRebuild(tenant string) {
	L_info("session: rebuilding after restart code", "tenant", tenant, "delay", sv.cfg.RestartDelay)
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		timer := time.NewTimer(sv.cfg.RestartDelay)
		defer timer.Stop()
		select {
		case <-sv.ctx.Done():
			return
		case <-timer.C:
		}
		sv.rebuild(tenant)
	}()
}

func (sv *Supervisor) rebuild(tenant string) {
	if sv.ctx.Err() != nil || IsShuttingDown() {
		return
	}
	if !sv.locks.TryAcquire(tenant) {
		L_debug("session: rebuild skipped, build in progress", "tenant", tenant)
		return
	}
	defer sv.locks.Release(tenant)

	if sv.registry.Get(tenant) != nil {
		L_debug("session: rebuild skipped, session exists", "tenant", tenant)
		return
	}
	if !sv.dialer.Exists(tenant) {
		L_debug("session: rebuild skipped, credentials deleted", "tenant", tenant)
		return
	}
	if _, err := sv.Build(sv.ctx, tenant); err != nil {
		L_error("session: rebuild failed", "tenant", tenant, "error", err)
		return
	}
	metrics.MetricInc("session", "rebuilt")
}

// stop cancels pending rebuilds, shuts down every Session and waits for
// the pumps to exit.
func (sv *Supervisor) stop() {
	sv.cancel()
	for _, s := range sv.registry.All() {
		sv.registry.RemoveIf(s)
		s.shutdown()
	}
	sv.wg.Wait()
}

func printQR(w io.Writer, tenant, code string) {
	fmt.Fprintf(w, "\nScan to link %s:\n\n", tenant)
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
	fmt.Fprintln(w)
}
