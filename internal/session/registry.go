package session

import (
	"sort"
	"sync"
)

// Registry maps a tenant to its single live Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Get returns the tenant's session, or nil.
func (r *Registry) Get(tenant string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[tenant]
}

// Put registers s, returning whatever was registered before.
func (r *Registry) Put(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.Tenant]
	r.sessions[s.Tenant] = s
	return prev
}

// Remove drops the tenant's entry and returns it.
func (r *Registry) Remove(tenant string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[tenant]
	delete(r.sessions, tenant)
	return s
}

// RemoveIf drops the tenant's entry only if it still points at s.
func (r *Registry) RemoveIf(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.Tenant] != s {
		return false
	}
	delete(r.sessions, s.Tenant)
	return true
}

// Tenants returns the registered tenants, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for t := range r.sessions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// All returns a copy of every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CreationLocks is a per-tenant try-lock held for the duration of a Build.
// Callers that lose the race never block on it.
type CreationLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewCreationLocks creates an empty lock set
func NewCreationLocks() *CreationLocks {
	return &CreationLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the tenant's lock if it is free.
func (l *CreationLocks) TryAcquire(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[tenant]; ok {
		return false
	}
	l.held[tenant] = struct{}{}
	return true
}

// Release frees the tenant's lock.
func (l *CreationLocks) Release(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, tenant)
}

// Held reports whether a Build is in progress for tenant.
func (l *CreationLocks) Held(tenant string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[tenant]
	return ok
}
