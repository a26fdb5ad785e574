package gateway

import "context"

// Transport moves opaque frame bytes between client and gateway. One
// frame per Send/Recv call; framing below that is the transport's
// concern.
type Transport interface {
	// Send transmits one frame.
	Send(ctx context.Context, data []byte) error

	// Recv blocks until the next inbound frame or a connection error.
	Recv() ([]byte, error)

	// Close tears the connection down. Recv unblocks with an error.
	Close() error
}

// DialFunc opens a fresh Transport. The client calls it on first use and
// again after a connection loss.
type DialFunc func(ctx context.Context) (Transport, error)
