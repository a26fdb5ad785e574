package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport carries frames as text messages over a WebSocket.
type WSTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ Transport = (*WSTransport)(nil)

// WebSocketDial returns a DialFunc connecting to the gateway's WebSocket
// endpoint.
func WebSocketDial(url string, header http.Header) DialFunc {
	return func(ctx context.Context) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return &WSTransport{conn: conn}, nil
	}
}

func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Recv() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *WSTransport) Close() error {
	return t.conn.Close()
}
