// Package identity maps a transport identifier to a business identity
// through an ordered chain of resolution steps, falling back to asking the
// user for their phone number.
package identity

import (
	"context"
	"time"
)

// Identity is a business identity record.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Lookup queries the upstream identity service. A nil identity with a nil
// error means not found.
type Lookup interface {
	ByTransportID(ctx context.Context, tenant, jid string) (*Identity, error)
	ByPhone(ctx context.Context, tenant, phone string) (*Identity, error)
}

// Notifier is told when a user binds their identity interactively.
type Notifier interface {
	Bound(ctx context.Context, tenant, jid string, id Identity)
}

// Subject is who sent a message: their transport identifier and the
// alternate address the protocol gave for them, if any.
type Subject struct {
	JID    string
	AltJID string
}

// Config tunes the resolver caches and the interactive fallback.
type Config struct {
	CacheSize      int
	CacheTTL       time.Duration
	PendingTTL     time.Duration // how long an unanswered phone prompt stays open
	DefaultCountry string        // prepended to national numbers in replies
	MinReplyDigits int
	MaxReplyDigits int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		CacheSize:      10000,
		CacheTTL:       24 * time.Hour,
		PendingTTL:     30 * time.Minute,
		DefaultCountry: "55",
		MinReplyDigits: 10,
		MaxReplyDigits: 13,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = d.PendingTTL
	}
	if c.MinReplyDigits <= 0 {
		c.MinReplyDigits = d.MinReplyDigits
	}
	if c.MaxReplyDigits <= 0 {
		c.MaxReplyDigits = d.MaxReplyDigits
	}
	return c
}
