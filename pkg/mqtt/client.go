// Package mqtt implements a minimal MQTT 3.1.1 client limited to QoS 0
// publish and subscribe, plus an embedded broker for tests. It speaks
// tcp, tls, ws and wss transports.
package mqtt

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Message is a received application message.
type Message struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Config configures a Client.
type Config struct {
	// URL is the broker address, e.g. "tcp://host:1883" or
	// "wss://host/mqtt".
	URL string

	// ClientID identifies this session to the broker. Required.
	ClientID string

	// Username and Password are optional credentials.
	Username string
	Password string

	// KeepAlive is the keepalive interval. Zero disables pings.
	KeepAlive time.Duration

	// TLSConfig applies to tls and wss schemes.
	TLSConfig *tls.Config

	// RecvBuffer is the capacity of the inbound message channel.
	// Defaults to 16.
	RecvBuffer int
}

// Client is an MQTT 3.1.1 QoS 0 client.
type Client struct {
	cfg  Config
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   uint16
	pending  map[uint16]chan *packet
	closed   bool
	closeErr error

	msgCh   chan *Message
	closeCh chan struct{}
}

// Connect dials the broker and performs the CONNECT handshake. The
// context bounds the dial and handshake only.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, &ProtocolError{Message: "client id required"}
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 16
	}

	conn, err := Dial(ctx, cfg.URL, cfg.TLSConfig)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		nextID:  1,
		pending: make(map[uint16]chan *packet),
		msgCh:   make(chan *Message, cfg.RecvBuffer),
		closeCh: make(chan struct{}),
	}

	keepAliveSec := uint16(cfg.KeepAlive / time.Second)
	connPkt := &packet{
		typ:       packetConnect,
		clientID:  cfg.ClientID,
		username:  cfg.Username,
		keepAlive: keepAliveSec,
	}
	if cfg.Password != "" {
		connPkt.password = []byte(cfg.Password)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := c.writePacket(connPkt); err != nil {
		conn.Close()
		return nil, err
	}

	br := bufio.NewReader(conn)
	ack, err := readPacket(br, MaxPacketSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if ack.typ != packetConnAck {
		conn.Close()
		return nil, &ProtocolError{Message: "expected CONNACK, got " + packetTypeName(ack.typ)}
	}
	if ack.returnCode != connectAccepted {
		conn.Close()
		return nil, &ConnectError{ReturnCode: ack.returnCode}
	}
	conn.SetDeadline(time.Time{})

	go c.readLoop(br)
	if cfg.KeepAlive > 0 {
		go c.keepaliveLoop()
	}
	return c, nil
}

// Publish sends an application message at QoS 0.
func (c *Client) Publish(topic string, payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writePacket(&packet{
		typ:     packetPublish,
		topic:   topic,
		payload: payload,
	})
}

// Subscribe registers topic filters and waits for the broker's SUBACK.
func (c *Client) Subscribe(ctx context.Context, filters ...string) error {
	if len(filters) == 0 {
		return nil
	}
	for _, f := range filters {
		if !ValidateFilter(f) {
			return &ProtocolError{Message: "invalid topic filter " + f}
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	id := c.nextID
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	ackCh := make(chan *packet, 1)
	c.pending[id] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	err := c.writePacket(&packet{
		typ:      packetSubscribe,
		packetID: id,
		topics:   filters,
	})
	if err != nil {
		return err
	}

	select {
	case ack := <-ackCh:
		for _, code := range ack.returnCodes {
			if code == 0x80 {
				return &ProtocolError{Message: "subscription rejected"}
			}
		}
		return nil
	case <-c.closeCh:
		return c.err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next inbound message. It blocks until a message
// arrives, the context is cancelled, or the connection is lost.
func (c *Client) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg := <-c.msgCh:
		return msg, nil
	case <-c.closeCh:
		// Drain buffered messages before reporting the close.
		select {
		case msg := <-c.msgCh:
			return msg, nil
		default:
			return nil, c.err()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends a PINGREQ. The broker's PINGRESP is consumed by the read
// loop.
func (c *Client) Ping() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writePacket(&packet{typ: packetPingReq})
}

// Close sends DISCONNECT and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writePacket(&packet{typ: packetDisconnect})
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) writePacket(p *packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writePacket(c.conn, p)
}

func (c *Client) readLoop(br *bufio.Reader) {
	for {
		p, err := readPacket(br, MaxPacketSize)
		if err != nil {
			c.shutdown(err)
			return
		}
		switch p.typ {
		case packetPublish:
			msg := &Message{Topic: p.topic, Payload: p.payload, Retain: p.retain}
			select {
			case c.msgCh <- msg:
			case <-c.closeCh:
				return
			}
		case packetSubAck:
			c.mu.Lock()
			ch := c.pending[p.packetID]
			c.mu.Unlock()
			if ch != nil {
				ch <- p
			}
		case packetPingResp:
			// Liveness confirmed, nothing to do.
		default:
			slog.Debug("mqtt: ignoring packet", "type", packetTypeName(p.typ))
		}
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	close(c.closeCh)
	c.conn.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClosed
}
