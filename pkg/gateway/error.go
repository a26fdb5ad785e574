package gateway

import "errors"

// Sentinel errors.
var (
	// ErrClosed is returned when the client has been permanently closed.
	ErrClosed = errors.New("gateway: client closed")

	// ErrHandshakeTimeout is returned when no successful handshake
	// completes within the handshake window.
	ErrHandshakeTimeout = errors.New("gateway: handshake timeout")

	// ErrRequestTimeout is returned when a generic request receives no
	// response within its deadline.
	ErrRequestTimeout = errors.New("gateway: request timeout")

	// ErrTurnTimeout is returned when a chat turn receives no terminal
	// signal and no streamed text within its deadline.
	ErrTurnTimeout = errors.New("gateway: turn timeout")

	// ErrTurnActive is returned when a chat turn is started while another
	// is still outstanding.
	ErrTurnActive = errors.New("gateway: turn already active")

	// ErrNotConnected is returned when an operation requires a live
	// session and the connection dropped after the connect attempt.
	ErrNotConnected = errors.New("gateway: not connected")
)

// AuthError indicates the gateway explicitly declined the credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "gateway: authentication rejected: " + e.Message
}

// TurnError indicates the gateway failed a chat request.
type TurnError struct {
	Message string
}

func (e *TurnError) Error() string {
	return "gateway: turn rejected: " + e.Message
}

// TransportError wraps a connection-level failure. The session recovers
// by reconnecting lazily on next use.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return "gateway: transport " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
