package identity

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Bindings maps transport identifiers to phone numbers in both directions.
// Only the phone is kept; identities always come from the lookup service.
// Both maps are bounded and entries expire after ttl.
type Bindings struct {
	byJID   *expirable.LRU[string, string]
	byPhone *expirable.LRU[string, string]
}

// NewBindings creates a binding cache holding at most size entries per
// direction.
func NewBindings(size int, ttl time.Duration) *Bindings {
	return &Bindings{
		byJID:   expirable.NewLRU[string, string](size, nil, ttl),
		byPhone: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

// Phone returns the phone bound to jid.
func (b *Bindings) Phone(jid string) (string, bool) {
	return b.byJID.Get(jid)
}

// JID returns the transport identifier last bound to phone.
func (b *Bindings) JID(phone string) (string, bool) {
	return b.byPhone.Get(phone)
}

// BindPhone records jid ↔ phone.
func (b *Bindings) BindPhone(jid, phone string) {
	if jid == "" || phone == "" {
		return
	}
	b.byJID.Add(jid, phone)
	b.byPhone.Add(phone, jid)
}

// Len returns the number of bound transport identifiers.
func (b *Bindings) Len() int {
	return b.byJID.Len()
}
