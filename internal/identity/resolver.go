package identity

import (
	"context"
	"fmt"
	"strings"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
)

// Step names, in resolution order.
const (
	StepCache       = "cache"
	StepStructural  = "structural"
	StepLookupJID   = "lookup-jid"
	StepLookupPhone = "lookup-phone"
)

// query is the state carried along the chain.
type query struct {
	tenant string
	who    Subject
	phone  string
}

// step is one link of the resolution chain. A step may learn the phone
// number (by setting q.phone) or return the identity; returning neither
// passes control to the next step.
type step struct {
	name string
	run  func(ctx context.Context, q *query) (*Identity, error)
}

// Result is the outcome of Resolve.
type Result struct {
	Identity *Identity
	Phone    string // best known phone, even when unresolved
	Step     string // step that produced Identity
}

// Resolved reports whether an identity was found.
func (r Result) Resolved() bool {
	return r.Identity != nil
}

// Resolver runs the resolution chain and owns the interactive fallback.
type Resolver struct {
	lookup   Lookup
	bindings *Bindings
	notifier Notifier
	steps    []step
	cfg      Config
	pending  *pendingStore
}

// NewResolver creates a resolver over lookup. lookup may be nil, in which
// case only cached and structural resolution is possible.
func NewResolver(lookup Lookup, cfg Config) *Resolver {
	cfg = cfg.withDefaults()
	r := &Resolver{
		lookup:   lookup,
		bindings: NewBindings(cfg.CacheSize, cfg.CacheTTL),
		cfg:      cfg,
		pending:  newPendingStore(cfg.CacheSize, cfg.PendingTTL),
	}
	r.steps = []step{
		{name: StepCache, run: r.fromCache},
		{name: StepStructural, run: r.fromStructure},
		{name: StepLookupJID, run: r.lookupJID},
		{name: StepLookupPhone, run: r.lookupPhone},
	}
	return r
}

// SetNotifier sets who is told about interactive bindings.
func (r *Resolver) SetNotifier(n Notifier) {
	r.notifier = n
}

// Bindings exposes the binding cache.
func (r *Resolver) Bindings() *Bindings {
	return r.bindings
}

// StepNames returns the chain in evaluation order.
func (r *Resolver) StepNames() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.name
	}
	return names
}

// Resolve runs the chain for who. Steps never fail the resolution: errors
// and panics are logged and treated as "nothing found".
func (r *Resolver) Resolve(ctx context.Context, tenantID string, who Subject) Result {
	q := &query{tenant: tenantID, who: who}
	for _, st := range r.steps {
		id := r.run(ctx, st, q)
		if id == nil {
			continue
		}
		if id.Phone == "" {
			id.Phone = q.phone
		}
		r.bindings.BindPhone(who.JID, id.Phone)
		metrics.MetricOutcome("identity", "resolve", st.name)
		L_debug("identity: resolved", "tenant", tenantID, "jid", who.JID, "step", st.name, "id", id.ID)
		return Result{Identity: id, Phone: id.Phone, Step: st.name}
	}
	metrics.MetricOutcome("identity", "resolve", "none")
	L_debug("identity: unresolved", "tenant", tenantID, "jid", who.JID, "phone", q.phone)
	return Result{Phone: q.phone}
}

func (r *Resolver) run(ctx context.Context, st step, q *query) (id *Identity) {
	defer func() {
		if rec := recover(); rec != nil {
			L_error("identity: step panic", "step", st.name, "jid", q.who.JID, "panic", rec)
			id = nil
		}
	}()

	var err error
	id, err = st.run(ctx, q)
	if err != nil {
		L_warn("identity: step failed, continuing", "step", st.name, "jid", q.who.JID, "error", err)
		metrics.MetricOutcome("identity", "step_error", st.name)
		return nil
	}
	return id
}

// fromCache only ever yields the bound phone; the identity itself comes
// from the lookup steps.
func (r *Resolver) fromCache(ctx context.Context, q *query) (*Identity, error) {
	if phone, ok := r.bindings.Phone(q.who.JID); ok {
		metrics.MetricHit("identity", "cache")
		q.phone = phone
		return nil, nil
	}
	metrics.MetricMiss("identity", "cache")
	return nil, nil
}

func (r *Resolver) fromStructure(ctx context.Context, q *query) (*Identity, error) {
	if q.phone != "" {
		return nil, nil
	}
	for _, jid := range []string{q.who.JID, q.who.AltJID} {
		if phone, ok := PhoneFromJID(jid); ok {
			q.phone = phone
			r.bindings.BindPhone(q.who.JID, phone)
			return nil, nil
		}
	}
	return nil, nil
}

func (r *Resolver) lookupJID(ctx context.Context, q *query) (*Identity, error) {
	if r.lookup == nil || q.who.JID == "" {
		return nil, nil
	}
	return r.lookup.ByTransportID(ctx, q.tenant, q.who.JID)
}

func (r *Resolver) lookupPhone(ctx context.Context, q *query) (*Identity, error) {
	if r.lookup == nil || q.phone == "" {
		return nil, nil
	}
	return r.lookup.ByPhone(ctx, q.tenant, q.phone)
}

// phoneServers are the JID servers whose user part is a phone number.
var phoneServers = map[string]bool{
	"s.whatsapp.net": true,
	"c.us":           true,
}

// PhoneFromJID extracts the phone number from a phone-addressed JID such
// as "5511999990000:12@s.whatsapp.net". Other address kinds (groups,
// hidden-user ids) yield nothing.
func PhoneFromJID(jid string) (string, bool) {
	user, server, ok := strings.Cut(jid, "@")
	if !ok || !phoneServers[server] {
		return "", false
	}
	if i := strings.IndexAny(user, ":."); i >= 0 {
		user = user[:i]
	}
	if user == "" || tenant.Digits(user) != user {
		return "", false
	}
	phone, err := tenant.Normalize(user)
	if err != nil {
		return "", false
	}
	return phone, true
}

// String implements fmt.Stringer for log output.
func (id Identity) String() string {
	if id.Name == "" {
		return id.ID
	}
	return fmt.Sprintf("%s (%s)", id.Name, id.ID)
}
