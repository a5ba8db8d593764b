package session

import "github.com/marcelmariani/crm-platform-sub000/internal/transport"

// Disposition is what the supervisor does after a connection closes.
type Disposition int

const (
	// Unclassified disconnects are logged and left to the transport's own
	// reconnect logic.
	Unclassified Disposition = iota
	// Terminal disconnects erase credentials and drop the session.
	Terminal
	// Restart disconnects keep credentials and rebuild after a delay.
	Restart
)

func (d Disposition) String() string {
	switch d {
	case Terminal:
		return "terminal"
	case Restart:
		return "restart"
	default:
		return "unclassified"
	}
}

// Classify maps a disconnect reason code to a Disposition.
func Classify(code int) Disposition {
	switch code {
	case transport.CodeLoggedOut, transport.CodeForbidden, transport.CodeUnknownLogout:
		return Terminal
	case transport.CodeRestartRequired, transport.CodeUnavailable:
		return Restart
	default:
		return Unclassified
	}
}
