// Package transport defines the contract between the session engine and a
// multi-device messaging protocol client. Connection lifecycle and inbound
// traffic are surfaced as a closed set of Event types.
package transport

import (
	"context"
	"time"
)

// Disconnect reason codes. Values follow the protocol's HTTP-like status
// codes so they can be compared across client libraries.
const (
	CodeLoggedOut          = 401
	CodeTempBanned         = 402
	CodeForbidden          = 403
	CodeClientOutdated     = 405
	CodeUnknownLogout      = 406
	CodeTimedOut           = 408
	CodeConnectionClosed   = 428
	CodeConnectionReplaced = 440
	CodeBadSession         = 500
	CodeUnavailable        = 503
	CodeRestartRequired    = 515
)

// Event is implemented by every transport event.
type Event interface {
	isEvent()
}

// PairingChallenge carries a fresh pairing code to be rendered for scanning.
type PairingChallenge struct {
	Code string
}

// Opened signals that the connection is authenticated and usable.
type Opened struct {
	ID string // own transport identifier, if known
}

// Closed signals that the connection went down.
type Closed struct {
	Code   int
	Reason string
}

// Inbound carries one message received on the connection.
type Inbound struct {
	Message Message
}

func (PairingChallenge) isEvent() {}
func (Opened) isEvent()           {}
func (Closed) isEvent()           {}
func (Inbound) isEvent()          {}

// Message is an inbound message with its text already extracted.
type Message struct {
	ID        string
	Chat      string // where replies go
	Sender    string // transport identifier of the author
	SenderAlt string // alternate addressing of the author, may be empty
	FromMe    bool
	IsGroup   bool
	Text      string
	Timestamp time.Time
}

// Sink receives events from a connection. Implementations must not retain
// the connection's internal goroutine for long.
type Sink func(Event)

// Sender delivers plain-text messages over an open connection.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Conn is one live protocol connection for a tenant.
type Conn interface {
	Sender

	// Connect starts the connection. Pairing challenges, open and close
	// notifications are delivered to the Sink given to Dialer.Open.
	Connect(ctx context.Context) error

	// Logout unlinks the device from the account.
	Logout(ctx context.Context) error

	// Close drops the connection and releases local resources. It does not
	// touch persisted credentials.
	Close()
}

// Dialer creates connections from persisted per-tenant credentials and
// manages the credential store.
type Dialer interface {
	// Open loads (or initializes) credentials for tenant and prepares a
	// connection whose events go to sink. The returned Conn is not yet
	// connected.
	Open(ctx context.Context, tenant string, sink Sink) (Conn, error)

	// Exists reports whether persisted credentials exist for tenant.
	Exists(tenant string) bool

	// Erase deletes persisted credentials for tenant.
	Erase(tenant string) error

	// List returns every tenant with persisted credentials.
	List() ([]string, error)
}
