// Package inbound turns raw inbound messages into replies: it drops
// duplicates, resolves who is talking, runs the phone-number fallback and
// forwards resolved turns to the dialogue engine.
package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/marcelmariani/crm-platform-sub000/internal/dialogue"
	"github.com/marcelmariani/crm-platform-sub000/internal/identity"
	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// Config tunes the dispatcher.
type Config struct {
	DedupSize   int
	DedupTTL    time.Duration
	GreetWindow time.Duration
	WelcomeSize int
	WelcomeTTL  time.Duration
	Messages    Messages
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		DedupSize:   50000,
		DedupTTL:    24 * time.Hour,
		GreetWindow: 5 * time.Second,
		WelcomeSize: 50000,
		WelcomeTTL:  7 * 24 * time.Hour,
		Messages:    DefaultMessages(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DedupSize <= 0 {
		c.DedupSize = d.DedupSize
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = d.DedupTTL
	}
	if c.GreetWindow <= 0 {
		c.GreetWindow = d.GreetWindow
	}
	if c.WelcomeSize <= 0 {
		c.WelcomeSize = d.WelcomeSize
	}
	if c.WelcomeTTL <= 0 {
		c.WelcomeTTL = d.WelcomeTTL
	}
	c.Messages = c.Messages.withDefaults()
	return c
}

// Dispatcher handles inbound messages for every tenant. Calls for one
// tenant must not overlap; the session pump guarantees that.
type Dispatcher struct {
	resolver *identity.Resolver
	engine   dialogue.Engine
	dedup    *expirable.LRU[string, time.Time]
	welcome  *Welcome
	msgs     Messages
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. A nil engine never replies.
func NewDispatcher(resolver *identity.Resolver, engine dialogue.Engine, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if engine == nil {
		engine = dialogue.Noop{}
	}
	return &Dispatcher{
		resolver: resolver,
		engine:   engine,
		dedup:    expirable.NewLRU[string, time.Time](cfg.DedupSize, nil, cfg.DedupTTL),
		welcome:  NewWelcome(cfg.WelcomeSize, cfg.WelcomeTTL, cfg.GreetWindow),
		msgs:     cfg.Messages,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for greeting suppression.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Dispatch handles one inbound message. It never panics: a failure while
// handling is logged and answered with a generic retry message.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, sender transport.Sender, msg transport.Message) {
	if msg.FromMe || msg.IsGroup || isBroadcast(msg.Chat) {
		metrics.MetricInc("inbound", "ignored")
		return
	}

	key := tenantID + "|" + msg.ID
	if msg.ID != "" && d.dedup.Contains(key) {
		metrics.MetricInc("inbound", "duplicate")
		L_debug("inbound: duplicate dropped", "tenant", tenantID, "id", msg.ID)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		metrics.MetricInc("inbound", "empty")
		L_trace("inbound: no text, skipped", "tenant", tenantID, "id", msg.ID)
		return
	}

	to := msg.Chat
	if to == "" {
		to = msg.Sender
	}

	defer func() {
		if r := recover(); r != nil {
			L_error("inbound: dispatch panic", "tenant", tenantID, "id", msg.ID, "panic", r)
			metrics.MetricInc("inbound", "panic")
			d.send(ctx, sender, tenantID, to, d.msgs.TryAgain)
		}
	}()

	d.handle(ctx, tenantID, sender, to, msg, text)

	if msg.ID != "" {
		d.dedup.Add(key, d.now())
	}
	metrics.MetricInc("inbound", "dispatched")
}

func (d *Dispatcher) handle(ctx context.Context, tenantID string, sender transport.Sender, to string, msg transport.Message, text string) {
	jid := msg.Sender

	if d.resolver.Awaiting(tenantID, jid) {
		outcome, id := d.resolver.HandleReply(ctx, tenantID, jid, text)
		switch outcome {
		case identity.ReplyInvalid:
			d.send(ctx, sender, tenantID, to, d.msgs.InvalidPhone)
		case identity.ReplyDenied:
			d.send(ctx, sender, tenantID, to, d.msgs.AccessDenied)
		case identity.ReplyResolved:
			d.greet(ctx, sender, tenantID, to, jid, id)
		}
		return
	}

	res := d.resolver.Resolve(ctx, tenantID, identity.Subject{JID: jid, AltJID: msg.SenderAlt})
	if !res.Resolved() {
		if d.resolver.Begin(tenantID, jid) {
			d.send(ctx, sender, tenantID, to, d.msgs.AskPhone)
		}
		return
	}

	d.greet(ctx, sender, tenantID, to, jid, res.Identity)

	replies, err := d.engine.Handle(ctx, dialogue.Turn{
		Tenant:    tenantID,
		Sender:    jid,
		Identity:  res.Identity,
		Text:      text,
		MessageID: msg.ID,
	})
	if err != nil {
		L_warn("inbound: dialogue engine failed, no reply", "tenant", tenantID, "jid", jid, "error", err)
		metrics.MetricOutcome("inbound", "dialogue", "error")
		return
	}
	metrics.MetricOutcome("inbound", "dialogue", "ok")

	for _, reply := range replies {
		if !d.send(ctx, sender, tenantID, to, reply) {
			return
		}
	}
}

func (d *Dispatcher) greet(ctx context.Context, sender transport.Sender, tenantID, to, jid string, id *identity.Identity) {
	if !d.welcome.Claim(tenantID+"|"+jid, d.now()) {
		return
	}
	name := ""
	if id != nil {
		name = id.Name
	}
	d.send(ctx, sender, tenantID, to, d.msgs.Greet(name))
}

// send delivers text and reports whether it went out.
func (d *Dispatcher) send(ctx context.Context, sender transport.Sender, tenantID, to, text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	if err := sender.SendText(ctx, to, text); err != nil {
		L_warn("inbound: send failed", "tenant", tenantID, "to", to, "error", err)
		metrics.MetricInc("inbound", "send_failed")
		return false
	}
	metrics.MetricInc("inbound", "sent")
	return true
}

func isBroadcast(chat string) bool {
	return strings.HasSuffix(chat, "@broadcast") || strings.HasSuffix(chat, "@newsletter")
}
