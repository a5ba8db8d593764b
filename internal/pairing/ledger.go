package pairing

import (
	"sync"
	"time"
)

// Ledger stores the latest Artifact per tenant. A new challenge supersedes
// the previous one; entries are never merged.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*Artifact
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]*Artifact)}
}

// Put replaces the tenant's artifact.
func (l *Ledger) Put(tenant string, a *Artifact) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[tenant] = a
}

// Get returns the tenant's artifact verbatim, expired or not.
func (l *Ledger) Get(tenant string) *Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[tenant]
}

// Valid returns the tenant's artifact only if it has not expired at now.
func (l *Ledger) Valid(tenant string, now time.Time) (*Artifact, bool) {
	a := l.Get(tenant)
	if !a.Valid(now) {
		return nil, false
	}
	return a, true
}

// Delete clears the tenant's entry.
func (l *Ledger) Delete(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, tenant)
}

// Len returns the number of tenants with an artifact.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
