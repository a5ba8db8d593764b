package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"

	. "github.com/marcelmariani/crm-platform-sub000/internal/logging"
	"github.com/marcelmariani/crm-platform-sub000/internal/transport"
)

// LinkOptions controls how Link renders pairing codes.
type LinkOptions struct {
	Out       io.Writer
	HalfBlock bool // compact rendering for real terminals
}

// Link pairs tenantID interactively: every pairing code is drawn on
// opts.Out until the phone scans one. It returns the linked account id.
// A tenant that is already paired just connects and returns.
func Link(ctx context.Context, d transport.Dialer, tenantID string, opts LinkOptions) (string, error) {
	events := make(chan transport.Event, 16)
	conn, err := d.Open(ctx, tenantID, func(e transport.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.Connect(ctx); err != nil {
		return "", err
	}

	shown := 0
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("link %s: %w", tenantID, ctx.Err())

		case e := <-events:
			switch ev := e.(type) {
			case transport.PairingChallenge:
				shown++
				renderQR(opts, ev.Code, shown)

			case transport.Opened:
				L_info("whatsapp: linked", "tenant", tenantID, "id", ev.ID)
				return ev.ID, nil

			case transport.Closed:
				if ev.Code == transport.CodeConnectionClosed && shown > 0 {
					// the socket cycles right after a scan; wait for Opened
					continue
				}
				return "", errors.New(linkFailure(ev))
			}
		}
	}
}

func renderQR(opts LinkOptions, code string, n int) {
	if opts.Out == nil {
		return
	}
	if n > 1 {
		fmt.Fprintln(opts.Out, "\nPrevious code expired, scan this one instead:")
	}
	if opts.HalfBlock {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, opts.Out)
	} else {
		qrterminal.Generate(code, qrterminal.L, opts.Out)
	}
	fmt.Fprintln(opts.Out, "Waiting for scan...")
}

func linkFailure(ev transport.Closed) string {
	switch ev.Code {
	case transport.CodeTimedOut:
		return "QR code expired, run the command again"
	case transport.CodeClientOutdated:
		return "client version rejected, set sessions.fallbackVersion to a newer version"
	default:
		return fmt.Sprintf("pairing failed (%d): %s", ev.Code, ev.Reason)
	}
}
