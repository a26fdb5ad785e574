package mqtt

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("mqtt: client closed")

	// ErrNotConnected is returned when an operation requires a live
	// connection and there is none.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrInvalidPacket is returned when a packet cannot be decoded.
	ErrInvalidPacket = errors.New("mqtt: invalid packet")

	// ErrPacketTooLarge is returned when a packet exceeds the size limit.
	ErrPacketTooLarge = errors.New("mqtt: packet too large")
)

// ProtocolError indicates the peer violated the protocol subset this
// client speaks.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "mqtt: protocol error: " + e.Message
}

// ConnectError indicates the broker refused the connection.
type ConnectError struct {
	ReturnCode byte
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mqtt: connection refused (return code %d)", e.ReturnCode)
}

// IsAuthFailure reports whether the broker rejected the credentials.
func (e *ConnectError) IsAuthFailure() bool {
	return e.ReturnCode == connectBadCredentials || e.ReturnCode == connectNotAuthorized
}
