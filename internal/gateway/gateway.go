// Package gateway wires the session engine, identity resolution, inbound
// dispatch and the HTTP API into one running service.
package gateway

import (
	"context"
	"fmt"
	"os"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/marcelmariani/crm-platform-sub000/internal/bus"
	"github.com/marcelmariani/crm-platform-sub000/internal/config"
	"github.com/marcelmariani/crm-platform-sub000/internal/dialogue"
	apihttp "github.com/marcelmariani/crm-platform-sub000/internal/http"
	"github.com/marcelmariani/crm-platform-sub000/internal/identity"
	"github.com/marcelmariani/crm-platform-sub000/internal/inbound"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/session"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport/whatsapp"
)

// Gateway owns every long-lived component.
type Gateway struct {
	config     *config.Config
	bus        *bus.Bus
	dialer     transport.Dialer
	manager    *session.Manager
	resolver   *identity.Resolver
	dispatcher *inbound.Dispatcher
	server     *apihttp.Server
	watcher    *whatsapp.Watcher
	cron       *cronlib.Cron
	startTime  time.Time
}

// New builds the gateway over the WhatsApp transport.
func New(cfg *config.Config) (*Gateway, error) {
	dialer, err := whatsapp.NewDialer(cfg.Sessions.Transport())
	if err != nil {
		return nil, err
	}
	return NewWithDialer(cfg, dialer)
}

// NewWithDialer builds the gateway over any transport.
func NewWithDialer(cfg *config.Config, dialer transport.Dialer) (*Gateway, error) {
	g := &Gateway{
		config:    cfg,
		bus:       bus.New(),
		dialer:    dialer,
		startTime: time.Now(),
	}

	var lookup identity.Lookup
	if cfg.Identity.LookupURL != "" {
		hl, err := identity.NewHTTPLookup(cfg.Identity.Lookup())
		if err != nil {
			return nil, fmt.Errorf("identity lookup: %w", err)
		}
		lookup = hl
		L_info("gateway: identity lookup configured", "url", cfg.Identity.LookupURL)
	} else {
		L_warn("gateway: no identity.lookupURL, only phone-addressed senders can be resolved")
	}
	g.resolver = identity.NewResolver(lookup, cfg.Identity.Runtime())
	g.resolver.SetNotifier(identity.BusNotifier{Bus: g.bus})

	var engine dialogue.Engine = dialogue.Noop{}
	if cfg.Dialogue.URL != "" {
		he, err := dialogue.NewHTTPEngine(cfg.Dialogue.Runtime())
		if err != nil {
			return nil, fmt.Errorf("dialogue engine: %w", err)
		}
		engine = he
		L_info("gateway: dialogue engine configured", "url", cfg.Dialogue.URL)
	}
	g.dispatcher = inbound.NewDispatcher(g.resolver, engine, cfg.Inbound.Runtime(cfg.Messages))

	sessCfg := cfg.Sessions.Runtime()
	if cfg.Sessions.PrintQR {
		sessCfg.QRWriter = os.Stdout
	}
	g.manager = session.NewManager(dialer, sessCfg)
	g.manager.SetBus(g.bus)
	g.manager.SetInbound(g.dispatcher)

	server, err := apihttp.NewServer(apihttp.Config{
		Listen:    cfg.HTTP.Listen,
		TokenHash: cfg.HTTP.TokenHash,
		RateLimit: cfg.HTTP.RateLimit,
		RateBurst: cfg.HTTP.RateBurst,
	}, g.manager)
	if err != nil {
		return nil, err
	}
	g.server = server

	g.subscribe()
	return g, nil
}

// Manager exposes the session manager.
func (g *Gateway) Manager() *session.Manager {
	return g.manager
}

// Bus exposes the event bus.
func (g *Gateway) Bus() *bus.Bus {
	return g.bus
}

// Server exposes the HTTP server.
func (g *Gateway) Server() *apihttp.Server {
	return g.server
}

func (g *Gateway) subscribe() {
	g.bus.Subscribe(bus.TopicOpened, func(e bus.Event) {
		L_info("gateway: session open", "tenant", e.Tenant)
	})
	g.bus.Subscribe(bus.TopicClosed, func(e bus.Event) {
		if n, ok := e.Data.(session.ClosedNotice); ok {
			L_info("gateway: session closed", "tenant", e.Tenant, "code", n.Code, "disposition", n.Disposition)
		}
	})
	g.bus.Subscribe(bus.TopicIdentityBound, func(e bus.Event) {
		if n, ok := e.Data.(identity.BoundNotice); ok {
			L_info("gateway: identity bound", "tenant", e.Tenant, "jid", n.JID, "identity", n.Identity.String())
		}
	})
}

// Start restores persisted sessions and starts the HTTP server, the
// credential watcher and the periodic report.
func (g *Gateway) Start(ctx context.Context) error {
	L_info("gateway: starting", "listen", g.config.HTTP.Listen, "sessionsDir", g.config.Sessions.Dir)

	if err := g.server.Start(); err != nil {
		return err
	}

	if g.config.Sessions.ShouldRestore() {
		n, err := g.manager.RestoreAll(ctx)
		if err != nil {
			L_error("gateway: restore failed", "error", err)
		} else {
			L_info("gateway: sessions restored", "count", n)
		}
	}

	w, err := whatsapp.NewWatcher(g.config.Sessions.Dir, g.config.Sessions.WatchDebounce.Std(), g.manager.Forget)
	if err != nil {
		L_warn("gateway: credential watcher disabled", "error", err)
	} else {
		g.watcher = w
		w.Start()
	}

	return g.startReport()
}

func (g *Gateway) startReport() error {
	schedule := g.config.Report.Schedule
	if schedule == "" {
		return nil
	}
	c := cronlib.New()
	if _, err := c.AddFunc(schedule, g.report); err != nil {
		return fmt.Errorf("invalid report.schedule %q: %w", schedule, err)
	}
	c.Start()
	g.cron = c
	L_debug("gateway: session report scheduled", "schedule", schedule)
	return nil
}

func (g *Gateway) report() {
	c := g.manager.Report()
	L_info("gateway: sessions",
		"total", c.Total,
		"open", c.Open,
		"connecting", c.Connecting,
		"closed", c.Closed,
		"pairing", g.manager.Ledger().Len(),
		"uptime", time.Since(g.startTime).Round(time.Second))
}

// Run starts the gateway and blocks until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(ctx); err != nil {
		g.Shutdown()
		return err
	}
	<-ctx.Done()
	g.Shutdown()
	return nil
}

// Shutdown stops everything without touching stored credentials.
func (g *Gateway) Shutdown() {
	L_info("gateway: shutting down")

	if g.cron != nil {
		<-g.cron.Stop().Done()
	}
	if g.watcher != nil {
		if err := g.watcher.Stop(); err != nil {
			L_debug("gateway: watcher stop", "error", err)
		}
	}
	if err := g.server.Stop(); err != nil {
		L_warn("gateway: http stop", "error", err)
	}
	g.manager.Shutdown()
	g.bus.Wait()
}
