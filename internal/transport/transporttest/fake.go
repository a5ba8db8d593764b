// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// Sent is one message recorded by a fake Conn.
type Sent struct {
	To   string
	Text string
}

// Dialer is a fake transport.Dialer. Credentials are a set of tenant keys.
type Dialer struct {
	mu      sync.Mutex
	creds   map[string]bool
	conns   map[string][]*Conn
	opens   map[string]int
	OpenErr error

	// OnConnect, when set, runs inside Conn.Connect (e.g. to emit a
	// pairing challenge straight away).
	OnConnect func(c *Conn)
}

// NewDialer creates a fake dialer with no credentials.
func NewDialer() *Dialer {
	return &Dialer{
		creds: make(map[string]bool),
		conns: make(map[string][]*Conn),
		opens: make(map[string]int),
	}
}

// Open implements transport.Dialer.
func (d *Dialer) Open(ctx context.Context, tenant string, sink transport.Sink) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.creds[tenant] = true
	c := &Conn{tenant: tenant, sink: sink, dialer: d}
	d.conns[tenant] = append(d.conns[tenant], c)
	d.opens[tenant]++
	return c, nil
}

// Exists implements transport.Dialer.
func (d *Dialer) Exists(tenant string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds[tenant]
}

// Erase implements transport.Dialer.
func (d *Dialer) Erase(tenant string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.creds, tenant)
	return nil
}

// List implements transport.Dialer.
func (d *Dialer) List() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.creds))
	for t := range d.creds {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// SeedCredentials marks tenant as having persisted credentials.
func (d *Dialer) SeedCredentials(tenant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds[tenant] = true
}

// Opens returns how many connections were opened for tenant.
func (d *Dialer) Opens(tenant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens[tenant]
}

// Latest returns the most recently opened connection for tenant.
func (d *Dialer) Latest(tenant string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	conns := d.conns[tenant]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// LiveConns counts connections for tenant that have not been closed.
func (d *Dialer) LiveConns(tenant string) int {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns[tenant]...)
	d.mu.Unlock()

	n := 0
	for _, c := range conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Conn is a fake transport.Conn that records sent messages.
type Conn struct {
	tenant string
	sink   transport.Sink
	dialer *Dialer

	mu        sync.Mutex
	sent      []Sent
	connected bool
	closed    bool
	loggedOut bool
	SendErr   error
}

// Connect implements transport.Conn.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.dialer != nil && c.dialer.OnConnect != nil {
		c.dialer.OnConnect(c)
	}
	return nil
}

// Logout implements transport.Conn.
func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return errors.New("not connected")
	}
	c.loggedOut = true
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
}

// SendText implements transport.Sender.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

// Emit delivers an event as if it came from the protocol.
func (c *Conn) Emit(e transport.Event) {
	c.sink(e)
}

// Sent returns a copy of all sent messages.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LoggedOut reports whether Logout succeeded.
func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Recorder is a transport.Sender that only records messages.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// SendText implements transport.Sender.
func (r *Recorder) SendText(ctx context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Text: text})
	return nil
}

// Sent returns a copy of all recorded messages.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Reset drops recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
