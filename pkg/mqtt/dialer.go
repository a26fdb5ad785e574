package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dial opens a network connection to a broker URL. Supported schemes are
// tcp, tls (alias ssl), ws and wss.
func Dial(ctx context.Context, brokerURL string, tlsConfig *tls.Config) (net.Conn, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("mqtt: invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "tcp", "mqtt":
		return dialTCP(ctx, u)
	case "tls", "ssl", "mqtts":
		return dialTLS(ctx, u, tlsConfig)
	case "ws", "wss":
		return dialWebSocket(ctx, u, tlsConfig)
	default:
		return nil, fmt.Errorf("mqtt: unsupported scheme %q", u.Scheme)
	}
}

func dialTCP(ctx context.Context, u *url.URL) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", hostPort(u, "1883"))
}

func dialTLS(ctx context.Context, u *url.URL, cfg *tls.Config) (net.Conn, error) {
	d := &tls.Dialer{Config: cfg}
	return d.DialContext(ctx, "tcp", hostPort(u, "8883"))
}

func dialWebSocket(ctx context.Context, u *url.URL, cfg *tls.Config) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"},
		TLSClientConfig:  cfg,
		HandshakeTimeout: 30 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func hostPort(u *url.URL, defaultPort string) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// wsConn adapts a websocket connection to net.Conn. MQTT packets ride as
// binary messages; reads buffer partial messages.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	buf     []byte
}

var _ net.Conn = (*wsConn)(nil)

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.buf = data
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
