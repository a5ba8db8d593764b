package identity

import (
	"context"

	"github.com/marcelmariani/crm-platform-sub000/internal/bus"
)

// BoundNotice is published on bus.TopicIdentityBound.
type BoundNotice struct {
	JID      string
	Identity Identity
}

// BusNotifier publishes interactive bindings on the event bus.
type BusNotifier struct {
	Bus *bus.Bus
}

// Bound implements Notifier.
func (n BusNotifier) Bound(ctx context.Context, tenantID, jid string, id Identity) {
	n.Bus.Publish(bus.TopicIdentityBound, tenantID, BoundNotice{JID: jid, Identity: id})
}
