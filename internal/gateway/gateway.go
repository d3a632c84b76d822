// Package gateway defines the boundary with the external messaging gateway:
// lifecycle updates, close reasons, and inbound events.
package gateway

import (
	"context"
	"fmt"
	"time"
)

// Reason is the numeric close code reported by the gateway.
type Reason int

// Known close reasons.
const (
	ReasonUnknown             Reason = 0
	ReasonLoggedOut           Reason = 401
	ReasonForbidden           Reason = 403
	ReasonConnectionLost      Reason = 408
	ReasonTimedOut            Reason = ReasonConnectionLost
	ReasonMultideviceMismatch Reason = 411
	ReasonConnectionClosed    Reason = 428
	ReasonConnectionReplaced  Reason = 440
	ReasonBadSession          Reason = 500
	ReasonUnavailable         Reason = 503
	ReasonRestartRequired     Reason = 515
)

// String returns the string representation of the reason
func (r Reason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonMultideviceMismatch:
		return "multidevice_mismatch"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonUnavailable:
		return "unavailable"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// UpdateKind identifies a lifecycle update.
type UpdateKind int

const (
	// UpdateAuthRequired means the gateway needs a pairing step
	UpdateAuthRequired UpdateKind = iota
	// UpdateAuthenticated means pairing completed
	UpdateAuthenticated
	// UpdateConnected means the session is open
	UpdateConnected
	// UpdateClosed means the session closed with Reason
	UpdateClosed
	// UpdateEvent carries one inbound event
	UpdateEvent
)

// String returns the string representation of the kind
func (k UpdateKind) String() string {
	switch k {
	case UpdateAuthRequired:
		return "auth_required"
	case UpdateAuthenticated:
		return "authenticated"
	case UpdateConnected:
		return "connected"
	case UpdateClosed:
		return "closed"
	case UpdateEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Event is one inbound event.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	From       string    `json:"from"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Update is a notification from the gateway.
type Update struct {
	Kind   UpdateKind
	Reason Reason
	Err    error

	// PairingCode is the code or QR payload to present on UpdateAuthRequired
	PairingCode string

	Event *Event
}

// Gateway is the external client this process keeps a session with.
// Updates is a single long-lived channel that survives reconnects.
type Gateway interface {
	Open(ctx context.Context) error
	Updates() <-chan Update
	Close() error
}
