package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/metrics"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// conn adapts a whatsmeow client to transport.Conn.
type conn struct {
	tenant string
	client *whatsmeow.Client
	db     *sql.DB
	sink   transport.Sink

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var _ transport.Conn = (*conn)(nil)

func newConn(tenantID string, client *whatsmeow.Client, db *sql.DB, sink transport.Sink) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		tenant: tenantID,
		client: client,
		db:     db,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	client.AddEventHandler(c.handleEvent)
	return c
}

// Connect starts the client. Without a stored device identity the QR
// channel is opened first so pairing codes reach the sink.
func (c *conn) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return errors.New("whatsapp: connection closed")
	}
	if c.client.Store.ID == nil {
		qrChan, err := c.client.GetQRChannel(c.ctx)
		if err != nil {
			return fmt.Errorf("get QR channel: %w", err)
		}
		go c.watchQR(qrChan)
	}
	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	L_debug("whatsapp: connecting", "tenant", c.tenant, "paired", c.client.Store.ID != nil)
	return nil
}

func (c *conn) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.sink(transport.PairingChallenge{Code: item.Code})
		case "success":
			L_info("whatsapp: pairing code accepted", "tenant", c.tenant)
		case "timeout":
			c.sink(transport.Closed{Code: transport.CodeTimedOut, Reason: "pairing timed out"})
		case "err-client-outdated":
			c.sink(transport.Closed{Code: transport.CodeClientOutdated, Reason: item.Event})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = fmt.Sprintf("%s: %v", item.Event, item.Error)
			}
			c.sink(transport.Closed{Code: transport.CodeBadSession, Reason: reason})
		}
	}
}

func (c *conn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		id := ""
		if c.client.Store.ID != nil {
			id = c.client.Store.ID.ToNonAD().String()
		}
		c.sink(transport.Opened{ID: id})

	case *events.LoggedOut:
		code := int(v.Reason)
		if code == 0 {
			code = transport.CodeLoggedOut
		}
		c.sink(transport.Closed{Code: code, Reason: v.Reason.String()})

	case *events.ConnectFailure:
		c.sink(transport.Closed{Code: int(v.Reason), Reason: v.Message})

	case *events.StreamError:
		code, err := strconv.Atoi(v.Code)
		if err != nil {
			code = transport.CodeBadSession
		}
		c.sink(transport.Closed{Code: code, Reason: "stream error " + v.Code})

	case *events.StreamReplaced:
		c.sink(transport.Closed{Code: transport.CodeConnectionReplaced, Reason: "replaced by another connection"})

	case *events.TemporaryBan:
		c.sink(transport.Closed{Code: transport.CodeTempBanned, Reason: v.String()})

	case *events.ClientOutdated:
		c.sink(transport.Closed{Code: transport.CodeClientOutdated, Reason: "client outdated"})

	case *events.Disconnected:
		c.sink(transport.Closed{Code: transport.CodeConnectionClosed, Reason: "disconnected"})

	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *conn) handleMessage(evt *events.Message) {
	defer func() {
		if r := recover(); r != nil {
			L_error("whatsapp: message conversion panic", "tenant", c.tenant, "id", evt.Info.ID, "panic", r)
			metrics.MetricInc("whatsapp", "extract_panic")
		}
	}()

	msg := transport.Message{
		ID:        evt.Info.ID,
		Chat:      evt.Info.Chat.ToNonAD().String(),
		Sender:    evt.Info.Sender.ToNonAD().String(),
		FromMe:    evt.Info.IsFromMe,
		IsGroup:   evt.Info.IsGroup,
		Text:      ExtractText(evt.Message),
		Timestamp: evt.Info.Timestamp,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		msg.SenderAlt = evt.Info.SenderAlt.ToNonAD().String()
	}
	L_trace("whatsapp: message received", "tenant", c.tenant, "sender", msg.Sender, "senderAlt", msg.SenderAlt, "id", msg.ID)
	c.sink(transport.Inbound{Message: msg})
}

// SendText implements transport.Sender. Long texts go out as several
// messages.
func (c *conn) SendText(ctx context.Context, to, text string) error {
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	for _, part := range splitText(FormatText(text), maxMessageLen) {
		if _, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(part),
		}); err != nil {
			return fmt.Errorf("send to %s: %w", to, err)
		}
	}
	return nil
}

// Logout implements transport.Conn.
func (c *conn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		return nil
	}
	return c.client.Logout(ctx)
}

// Close implements transport.Conn.
func (c *conn) Close() {
	c.once.Do(func() {
		c.cancel()
		c.client.Disconnect()
		if err := c.db.Close(); err != nil {
			L_debug("whatsapp: close device store", "tenant", c.tenant, "error", err)
		}
	})
}
