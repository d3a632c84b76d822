package session

import (
	"github.com/objectfs/sessiond/internal/gateway"
)

// State is the connection lifecycle state.
type State int

const (
	// StateIdle is the initial state
	StateIdle State = iota

	// StateConnecting indicates a connection attempt in progress
	StateConnecting

	// StateAuthenticating indicates the gateway is waiting on pairing
	StateAuthenticating

	// StateConnected indicates an open session
	StateConnected

	// StateClosed indicates the gateway closed the session
	StateClosed

	// StateReconnecting indicates a reconnect timer is armed
	StateReconnecting

	// StateTerminated is terminal
	StateTerminated
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloseClass is the policy bucket a close reason falls into.
type CloseClass int

const (
	// ClassTransient reconnects after the generic transient delay
	ClassTransient CloseClass = iota

	// ClassConnectionLost reconnects after the short delay
	ClassConnectionLost

	// ClassTransientCredential reconnects after the long delay
	ClassTransientCredential

	// ClassFatalCredential wipes credentials before reconnecting
	ClassFatalCredential

	// ClassSuperseded never reconnects on its own
	ClassSuperseded

	// ClassAccessDenied counts toward the forbidden ceiling
	ClassAccessDenied
)

// String returns the string representation of the class
func (c CloseClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConnectionLost:
		return "connection_lost"
	case ClassTransientCredential:
		return "transient_credential"
	case ClassFatalCredential:
		return "fatal_credential"
	case ClassSuperseded:
		return "superseded"
	case ClassAccessDenied:
		return "access_denied"
	default:
		return "unknown"
	}
}

// Classify maps a gateway close reason to its policy class.
func Classify(reason gateway.Reason) CloseClass {
	switch reason {
	case gateway.ReasonLoggedOut:
		return ClassFatalCredential
	case gateway.ReasonConnectionReplaced:
		return ClassSuperseded
	case gateway.ReasonForbidden:
		return ClassAccessDenied
	case gateway.ReasonBadSession, gateway.ReasonMultideviceMismatch:
		return ClassTransientCredential
	case gateway.ReasonConnectionLost:
		return ClassConnectionLost
	default:
		return ClassTransient
	}
}
