package identity

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/tenant"
)

// State is where a transport identifier stands in the interactive
// phone-number exchange.
type State int

const (
	StateUnknown State = iota
	StateAwaitingPhone
	StateResolved
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateAwaitingPhone:
		return "awaiting_phone"
	case StateResolved:
		return "resolved"
	case StateDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ReplyOutcome is the result of HandleReply.
type ReplyOutcome int

const (
	// ReplyInvalid means the reply was not a plausible phone number; the
	// exchange stays open.
	ReplyInvalid ReplyOutcome = iota
	// ReplyResolved means the phone matched an identity and was bound.
	ReplyResolved
	// ReplyDenied means no identity matched; the exchange is closed.
	ReplyDenied
)

func (o ReplyOutcome) String() string {
	switch o {
	case ReplyResolved:
		return "resolved"
	case ReplyDenied:
		return "denied"
	default:
		return "invalid"
	}
}

// pendingStore holds per (tenant, jid) exchange states, bounded and
// expiring.
type pendingStore struct {
	states *expirable.LRU[string, State]
}

func newPendingStore(size int, ttl time.Duration) *pendingStore {
	return &pendingStore{states: expirable.NewLRU[string, State](size, nil, ttl)}
}

func pendingKey(tenantID, jid string) string {
	return tenantID + "|" + jid
}

// Begin opens the exchange for jid. It returns false when one is already
// open, so the caller prompts only once.
func (r *Resolver) Begin(tenantID, jid string) bool {
	key := pendingKey(tenantID, jid)
	if st, ok := r.pending.states.Get(key); ok && st == StateAwaitingPhone {
		return false
	}
	r.pending.states.Add(key, StateAwaitingPhone)
	metrics.MetricInc("identity", "prompted")
	L_info("identity: awaiting phone reply", "tenant", tenantID, "jid", jid)
	return true
}

// Awaiting reports whether a phone reply is expected from jid.
func (r *Resolver) Awaiting(tenantID, jid string) bool {
	return r.State(tenantID, jid) == StateAwaitingPhone
}

// State returns jid's exchange state.
func (r *Resolver) State(tenantID, jid string) State {
	st, ok := r.pending.states.Get(pendingKey(tenantID, jid))
	if !ok {
		return StateUnknown
	}
	return st
}

// HandleReply processes a reply to the phone prompt. The identity service
// is queried once; a miss closes the exchange and the user has to start
// over.
func (r *Resolver) HandleReply(ctx context.Context, tenantID, jid, text string) (ReplyOutcome, *Identity) {
	digits, ok := tenant.ValidPhoneReply(text, r.cfg.MinReplyDigits, r.cfg.MaxReplyDigits)
	if !ok {
		metrics.MetricOutcome("identity", "reply", ReplyInvalid.String())
		L_debug("identity: invalid phone reply", "tenant", tenantID, "jid", jid, "digits", len(digits))
		return ReplyInvalid, nil
	}

	phone := tenant.NormalizePhone(digits, r.cfg.DefaultCountry)
	q := &query{tenant: tenantID, who: Subject{JID: jid}, phone: phone}
	id := r.run(ctx, step{name: StepLookupPhone, run: r.lookupPhone}, q)

	key := pendingKey(tenantID, jid)
	if id == nil {
		r.pending.states.Add(key, StateDenied)
		metrics.MetricOutcome("identity", "reply", ReplyDenied.String())
		L_info("identity: phone reply denied", "tenant", tenantID, "jid", jid, "phone", phone)
		return ReplyDenied, nil
	}

	if id.Phone == "" {
		id.Phone = phone
	}
	r.bindings.BindPhone(jid, id.Phone)
	r.pending.states.Add(key, StateResolved)
	metrics.MetricOutcome("identity", "reply", ReplyResolved.String())
	L_info("identity: bound by phone reply", "tenant", tenantID, "jid", jid, "identity", id.String())

	if r.notifier != nil {
		r.notifier.Bound(ctx, tenantID, jid, *id)
	}
	return ReplyResolved, id
}
