// Package session supervises one protocol connection per tenant: building
// it, reacting to its lifecycle events and exposing the orchestration API
// used by the HTTP surface.
package session

import (
	"sync"
	"time"

	"github.com/marcelmariani/crm-platform-sub000/internal/pairing"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// Outcome is how the first pairing wait of a Build ended. Neither field is
// set when the connection closed before producing either.
type Outcome struct {
	Artifact  *pairing.Artifact
	Connected bool
}

// Session is one tenant's connection and its event pump. It is created by
// Supervisor.Build and never reused after it stops.
type Session struct {
	Tenant    string
	CreatedAt time.Time

	conn   transport.Conn
	events chan transport.Event
	first  *Future[Outcome]

	mu       sync.Mutex
	status   Status
	attempts int

	done     chan struct{}
	stopOnce sync.Once
}

func newSession(tenant string, buffer int, now time.Time) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		Tenant:    tenant,
		CreatedAt: now,
		events:    make(chan transport.Event, buffer),
		first:     NewFuture[Outcome](),
		status:    StatusUnknown,
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// Attempts returns how many pairing challenges this Session has seen.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// First resolves with the first pairing artifact, the open notification or
// an early close, whichever comes first.
func (s *Session) First() *Future[Outcome] {
	return s.first
}

// Stopped reports whether the session has been shut down.
func (s *Session) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// deliver is the transport.Sink handed to the Dialer. Events arriving
// after shutdown are dropped.
func (s *Session) deliver(e transport.Event) {
	if s.Stopped() {
		return
	}
	select {
	case s.events <- e:
	case <-s.done:
	}
}

// shutdown stops the pump and closes the connection. Credentials are left
// alone. The pump is stopped first so a close triggered by Close itself is
// not processed.
func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.setStatus(StatusClosed)
		s.first.Resolve(Outcome{})
		if s.conn != nil {
			s.conn.Close()
		}
	})
}
