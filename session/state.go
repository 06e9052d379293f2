package session

import "errors"

// ConnectionState is the lifecycle state of the session connection.
// Exactly one state is current at any instant; transitions are emitted to
// state subscribers as StateEvents.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateEvent is delivered to state subscribers on every transition.
// Err is set on terminal transitions: ErrReauthRequired when credential
// renewal failed, ErrRetriesExhausted when the backoff budget ran out.
type StateEvent struct {
	Old ConnectionState
	New ConnectionState
	Err error
}

var (
	// ErrReauthRequired: the server rejected the credential and a renewal
	// attempt also failed. The only recovery is a fresh login and Connect.
	ErrReauthRequired = errors.New("session: re-authentication required")

	// ErrRetriesExhausted: the reconnect budget is spent. Recovery requires
	// an explicit new Connect call.
	ErrRetriesExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrQueueFull: the offline send buffer is at capacity; the new message
	// was rejected, nothing already queued was dropped.
	ErrQueueFull = errors.New("session: outbound queue full")

	// ErrClosed: the manager is closed and cannot send.
	ErrClosed = errors.New("session: closed")
)
