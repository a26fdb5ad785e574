package mqtt

import (
	"bufio"
	"encoding/binary"
	"io"
)

// MaxPacketSize is the maximum accepted packet size (1MB).
const MaxPacketSize = 1024 * 1024

// MQTT 3.1.1 packet types.
const (
	packetConnect    byte = 1
	packetConnAck    byte = 2
	packetPublish    byte = 3
	packetSubscribe  byte = 8
	packetSubAck     byte = 9
	packetPingReq    byte = 12
	packetPingResp   byte = 13
	packetDisconnect byte = 14
)

// packetTypeName returns the name of a packet type.
func packetTypeName(t byte) string {
	switch t {
	case packetConnect:
		return "CONNECT"
	case packetConnAck:
		return "CONNACK"
	case packetPublish:
		return "PUBLISH"
	case packetSubscribe:
		return "SUBSCRIBE"
	case packetSubAck:
		return "SUBACK"
	case packetPingReq:
		return "PINGREQ"
	case packetPingResp:
		return "PINGRESP"
	case packetDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// packet is one decoded MQTT control packet. Only the fields relevant to
// its type are populated.
type packet struct {
	typ   byte
	flags byte

	// CONNECT
	clientID  string
	username  string
	password  []byte
	keepAlive uint16

	// CONNACK
	returnCode byte

	// PUBLISH
	topic   string
	payload []byte
	retain  bool

	// SUBSCRIBE / SUBACK
	packetID    uint16
	topics      []string
	returnCodes []byte
}

// connectAccepted is the CONNACK return code for success.
const connectAccepted byte = 0

// CONNACK refusal codes (MQTT 3.1.1 table 3.1).
const (
	connectBadCredentials byte = 4
	connectNotAuthorized  byte = 5
)

// readPacket reads and decodes one control packet.
func readPacket(r *bufio.Reader, maxSize int) (*packet, error) {
	first, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	typ := first >> 4
	flags := first & 0x0F

	length, err := readVariableInt(r)
	if err != nil {
		return nil, err
	}
	if length > maxSize {
		return nil, ErrPacketTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	p := &packet{typ: typ, flags: flags}
	switch typ {
	case packetConnect:
		return decodeConnect(p, body)
	case packetConnAck:
		if len(body) != 2 {
			return nil, ErrInvalidPacket
		}
		p.returnCode = body[1]
		return p, nil
	case packetPublish:
		return decodePublish(p, body)
	case packetSubscribe:
		return decodeSubscribe(p, body)
	case packetSubAck:
		if len(body) < 2 {
			return nil, ErrInvalidPacket
		}
		p.packetID = binary.BigEndian.Uint16(body[:2])
		p.returnCodes = body[2:]
		return p, nil
	case packetPingReq, packetPingResp, packetDisconnect:
		return p, nil
	default:
		return nil, &ProtocolError{Message: "unsupported packet type " + packetTypeName(typ)}
	}
}

func decodeConnect(p *packet, body []byte) (*packet, error) {
	r := &byteReader{buf: body}
	proto, err := r.str()
	if err != nil || proto != "MQTT" {
		return nil, ErrInvalidPacket
	}
	level, err := r.byte()
	if err != nil || level != 4 {
		return nil, &ProtocolError{Message: "unsupported protocol level"}
	}
	connFlags, err := r.byte()
	if err != nil {
		return nil, ErrInvalidPacket
	}
	p.keepAlive, err = r.uint16()
	if err != nil {
		return nil, ErrInvalidPacket
	}
	p.clientID, err = r.str()
	if err != nil {
		return nil, ErrInvalidPacket
	}
	// Will flag is not supported in this QoS 0 subset.
	if connFlags&0x04 != 0 {
		return nil, &ProtocolError{Message: "will messages not supported"}
	}
	if connFlags&0x80 != 0 {
		if p.username, err = r.str(); err != nil {
			return nil, ErrInvalidPacket
		}
	}
	if connFlags&0x40 != 0 {
		if p.password, err = r.bytes(); err != nil {
			return nil, ErrInvalidPacket
		}
	}
	return p, nil
}

func decodePublish(p *packet, body []byte) (*packet, error) {
	qos := (p.flags >> 1) & 0x03
	if qos > 0 {
		return nil, &ProtocolError{Message: "QoS > 0 not supported"}
	}
	p.retain = p.flags&0x01 != 0
	r := &byteReader{buf: body}
	var err error
	if p.topic, err = r.str(); err != nil {
		return nil, ErrInvalidPacket
	}
	p.payload = r.rest()
	return p, nil
}

func decodeSubscribe(p *packet, body []byte) (*packet, error) {
	r := &byteReader{buf: body}
	var err error
	if p.packetID, err = r.uint16(); err != nil {
		return nil, ErrInvalidPacket
	}
	for r.remaining() > 0 {
		topic, err := r.str()
		if err != nil {
			return nil, ErrInvalidPacket
		}
		if _, err := r.byte(); err != nil { // requested QoS, ignored
			return nil, ErrInvalidPacket
		}
		p.topics = append(p.topics, topic)
	}
	if len(p.topics) == 0 {
		return nil, ErrInvalidPacket
	}
	return p, nil
}

// writePacket encodes and writes one control packet.
func writePacket(w io.Writer, p *packet) error {
	var body []byte
	first := p.typ << 4

	switch p.typ {
	case packetConnect:
		b := &byteWriter{}
		b.str("MQTT")
		b.byte(4)
		var connFlags byte = 0x02 // clean session
		if p.username != "" {
			connFlags |= 0x80
		}
		if p.password != nil {
			connFlags |= 0x40
		}
		b.byte(connFlags)
		b.uint16(p.keepAlive)
		b.str(p.clientID)
		if p.username != "" {
			b.str(p.username)
		}
		if p.password != nil {
			b.bytes(p.password)
		}
		body = b.buf
	case packetConnAck:
		body = []byte{0, p.returnCode}
	case packetPublish:
		if p.retain {
			first |= 0x01
		}
		b := &byteWriter{}
		b.str(p.topic)
		b.raw(p.payload)
		body = b.buf
	case packetSubscribe:
		first |= 0x02 // reserved flags for SUBSCRIBE
		b := &byteWriter{}
		b.uint16(p.packetID)
		for _, t := range p.topics {
			b.str(t)
			b.byte(0) // QoS 0
		}
		body = b.buf
	case packetSubAck:
		b := &byteWriter{}
		b.uint16(p.packetID)
		b.raw(p.returnCodes)
		body = b.buf
	case packetPingReq, packetPingResp, packetDisconnect:
		// No body.
	default:
		return &ProtocolError{Message: "cannot encode packet type " + packetTypeName(p.typ)}
	}

	header := []byte{first}
	header = appendVariableInt(header, len(body))
	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// readVariableInt reads the MQTT variable length integer.
func readVariableInt(r io.ByteReader) (int, error) {
	value := 0
	multiplier := 1
	for i := 0; i < 4; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(b&0x7F) * multiplier
		if b&0x80 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, &ProtocolError{Message: "malformed variable length integer"}
}

// appendVariableInt appends the MQTT variable length integer encoding.
func appendVariableInt(dst []byte, value int) []byte {
	for {
		b := byte(value & 0x7F)
		value >>= 7
		if value > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if value == 0 {
			return dst
		}
	}
}

// byteReader decodes length-prefixed fields from a packet body.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) byte() (byte, error) {
	if r.remaining() < 1 {
		return 0, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) uint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) bytes() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *byteReader) str() (string, error) {
	b, err := r.bytes()
	return string(b), err
}

func (r *byteReader) rest() []byte {
	b := r.buf[r.pos:]
	r.pos = len(r.buf)
	return b
}

// byteWriter builds a packet body.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) byte(b byte) { w.buf = append(w.buf, b) }

func (w *byteWriter) uint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *byteWriter) bytes(b []byte) {
	w.uint16(uint16(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *byteWriter) str(s string) { w.bytes([]byte(s)) }

func (w *byteWriter) raw(b []byte) { w.buf = append(w.buf, b...) }
