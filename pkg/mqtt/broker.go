package mqtt

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
)

// Broker is a minimal in-process MQTT 3.1.1 broker. It supports QoS 0
// publish/subscribe with wildcard filters and is intended for tests and
// local development.
type Broker struct {
	ln net.Listener

	// Authenticate optionally validates credentials. Nil accepts all.
	Authenticate func(clientID, username string, password []byte) bool

	mu      sync.Mutex
	conns   map[*brokerConn]struct{}
	closed  bool
	closeWg sync.WaitGroup
}

type brokerConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	filters []string
}

// NewBroker starts a broker on the listener. The caller owns the
// listener's address; the broker owns its lifecycle from here.
func NewBroker(ln net.Listener) *Broker {
	b := &Broker{
		ln:    ln,
		conns: make(map[*brokerConn]struct{}),
	}
	b.closeWg.Add(1)
	go b.acceptLoop()
	return b
}

// Addr returns the broker's listen address.
func (b *Broker) Addr() net.Addr {
	return b.ln.Addr()
}

// Close stops accepting connections and drops all clients.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	err := b.ln.Close()
	for _, c := range conns {
		c.conn.Close()
	}
	b.closeWg.Wait()
	return err
}

func (b *Broker) acceptLoop() {
	defer b.closeWg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.closeWg.Add(1)
		go func() {
			defer b.closeWg.Done()
			b.serve(conn)
		}()
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	connect, err := readPacket(br, MaxPacketSize)
	if err != nil || connect.typ != packetConnect {
		return
	}

	bc := &brokerConn{conn: conn}
	if b.Authenticate != nil && !b.Authenticate(connect.clientID, connect.username, connect.password) {
		bc.write(&packet{typ: packetConnAck, returnCode: connectNotAuthorized})
		return
	}
	if err := bc.write(&packet{typ: packetConnAck, returnCode: connectAccepted}); err != nil {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.conns[bc] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, bc)
		b.mu.Unlock()
	}()

	for {
		p, err := readPacket(br, MaxPacketSize)
		if err != nil {
			return
		}
		switch p.typ {
		case packetPublish:
			b.route(p.topic, p.payload)
		case packetSubscribe:
			codes := make([]byte, len(p.topics))
			bc.mu.Lock()
			for i, f := range p.topics {
				if ValidateFilter(f) {
					bc.filters = append(bc.filters, f)
				} else {
					codes[i] = 0x80
				}
			}
			bc.mu.Unlock()
			bc.write(&packet{typ: packetSubAck, packetID: p.packetID, returnCodes: codes})
		case packetPingReq:
			bc.write(&packet{typ: packetPingResp})
		case packetDisconnect:
			return
		default:
			slog.Debug("mqtt: broker ignoring packet", "type", packetTypeName(p.typ))
		}
	}
}

func (b *Broker) route(topic string, payload []byte) {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		if c.matches(topic) {
			c.write(&packet{typ: packetPublish, topic: topic, payload: payload})
		}
	}
}

func (bc *brokerConn) matches(topic string) bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	for _, f := range bc.filters {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (bc *brokerConn) write(p *packet) error {
	bc.writeMu.Lock()
	defer bc.writeMu.Unlock()
	return writePacket(bc.conn, p)
}
