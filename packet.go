package mqtt

import (
	"encoding/binary"
	"fmt"
)

// PacketType is the 4 most-significant bits of the fixed header's first
// byte.
type PacketType byte

// The 14 MQTT 3.1 control packet types.
const (
	typeConnect PacketType = iota + 1
	typeConnAck
	typePublish
	typePubAck
	typePubRec
	typePubRel
	typePubComp
	typeSubscribe
	typeSubAck
	typeUnsubscribe
	typeUnsubAck
	typePingReq
	typePingResp
	typeDisconnect
)

func (t PacketType) String() string {
	switch t {
	case typeConnect:
		return "CONNECT"
	case typeConnAck:
		return "CONNACK"
	case typePublish:
		return "PUBLISH"
	case typePubAck:
		return "PUBACK"
	case typePubRec:
		return "PUBREC"
	case typePubRel:
		return "PUBREL"
	case typePubComp:
		return "PUBCOMP"
	case typeSubscribe:
		return "SUBSCRIBE"
	case typeSubAck:
		return "SUBACK"
	case typeUnsubscribe:
		return "UNSUBSCRIBE"
	case typeUnsubAck:
		return "UNSUBACK"
	case typePingReq:
		return "PINGREQ"
	case typePingResp:
		return "PINGRESP"
	case typeDisconnect:
		return "DISCONNECT"
	default:
		return fmt.Sprintf("reserved packet type %#x", byte(t))
	}
}

// fixed header flag bits that are not QoS/Dup/Retain
const pubRelSubUnsubFlags = 0b0010

// Packet is a single MQTT control packet. It carries both the decoded
// fields relevant to its Type and the original wire bytes in Buf, so
// that a resend is a rewind of Buf rather than a re-encode.
//
// Only the fields relevant to Type are meaningful; the rest are left at
// their zero value. This mirrors a tagged union without paying for an
// interface per packet on the hot path.
type Packet struct {
	Type   PacketType
	Buf    []byte // complete encoded packet, fixed header included
	Dup    bool
	QoS    byte
	Retain bool
	ID     uint16 // valid only for Identifiable() packets

	// CONNECT
	ProtocolName  string
	ProtocolLevel byte
	CleanSession  bool
	KeepAliveSec  uint16
	ClientID      string
	HasWill       bool
	WillTopic     string
	WillMessage   []byte
	WillQoS       byte
	WillRetain    bool
	HasUserName   bool
	UserName      string
	HasPassword   bool
	Password      []byte

	// CONNACK
	SessionPresent bool
	ReturnCode     ConnectReturnCode

	// PUBLISH
	TopicName string
	Payload   []byte

	// SUBSCRIBE
	TopicFilters []string
	RequestedQoS []byte

	// SUBACK
	ReturnCodes []byte

	// UNSUBSCRIBE
	UnsubTopicFilters []string

	// channel-owned bookkeeping; never encoded on the wire (§3)
	OriginalSendTime int64
	NextSendTime     int64
	completion       *Completion
}

// Identifiable reports whether this packet type carries a 16-bit message
// id (§3).
func (p *Packet) Identifiable() bool {
	switch p.Type {
	case typePublish:
		return p.QoS >= 1
	case typePubAck, typePubRec, typePubRel, typePubComp,
		typeSubscribe, typeSubAck, typeUnsubscribe, typeUnsubAck:
		return true
	default:
		return false
	}
}

// Ackable reports whether the protocol requires the peer to acknowledge
// this packet (glossary: Ackable packet).
func (p *Packet) Ackable() bool {
	switch p.Type {
	case typePublish:
		return p.QoS >= 1
	case typeSubscribe, typeUnsubscribe, typePubRel:
		return true
	default:
		return false
	}
}

// ---- remaining-length base-128 varint (§4.1) ----

const maxRemainingLength = 1<<28 - 1

// appendRemainingLength encodes n as 1-4 base-128 continuation bytes and
// appends them to buf.
func appendRemainingLength(buf []byte, n int) []byte {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n > 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if n == 0 {
			return buf
		}
	}
}

// decodeRemainingLength decodes a base-128 continuation varint starting
// at buf[0]. It returns the value, the number of bytes consumed, and an
// error if more than 4 bytes would be required.
func decodeRemainingLength(buf []byte) (value, n int, err error) {
	var multiplier = 1
	for n = 0; n < 4 && n < len(buf); n++ {
		b := buf[n]
		value += int(b&0x7f) * multiplier
		if b&0x80 == 0 {
			return value, n + 1, nil
		}
		multiplier *= 128
	}
	if n >= 4 {
		return 0, 0, fmt.Errorf("%w: remaining length exceeds 4 bytes", ErrProtocol)
	}
	return 0, 0, errShortRead // need more bytes
}

var errShortRead = fmt.Errorf("mqtt: short read")

// ---- UTF-8 string / byte helpers ----

func appendString(buf []byte, s string) []byte {
	buf = append(buf, byte(len(s)>>8), byte(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = append(buf, byte(len(b)>>8), byte(len(b)))
	return append(buf, b...)
}

func readString(buf []byte) (s string, rest []byte, err error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrProtocol)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return "", nil, fmt.Errorf("%w: truncated string body", ErrProtocol)
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}

func readBytes(buf []byte) (b, rest []byte, err error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("%w: truncated byte field length", ErrProtocol)
	}
	n := int(binary.BigEndian.Uint16(buf))
	if len(buf) < 2+n {
		return nil, nil, fmt.Errorf("%w: truncated byte field body", ErrProtocol)
	}
	return buf[2 : 2+n : 2+n], buf[2+n:], nil
}

// finishFixedHeader prepends the fixed header (type|flags byte plus the
// remaining-length varint) to a variable-header+payload buffer body,
// returning the complete packet bytes.
func finishFixedHeader(t PacketType, flags byte, body []byte) []byte {
	buf := make([]byte, 0, 5+len(body))
	buf = append(buf, byte(t)<<4|flags&0x0f)
	buf = appendRemainingLength(buf, len(body))
	buf = append(buf, body...)
	return buf
}

// ---- encoders ----

// NewConnect builds a CONNECT packet. will may be nil.
func NewConnect(clientID string, cleanSession bool, keepAliveSec uint16, userName string, password []byte, will *Packet) *Packet {
	p := &Packet{
		Type:         typeConnect,
		ClientID:     clientID,
		CleanSession: cleanSession,
		KeepAliveSec: keepAliveSec,
	}
	if userName != "" {
		p.HasUserName = true
		p.UserName = userName
	}
	if password != nil {
		p.HasPassword = true
		p.Password = password
	}
	if will != nil {
		p.HasWill = true
		p.WillTopic = will.TopicName
		p.WillMessage = will.Payload
		p.WillQoS = will.QoS
		p.WillRetain = will.Retain
	}
	p.Buf = p.encodeConnect()
	return p
}

func (p *Packet) encodeConnect() []byte {
	var flags byte
	if p.CleanSession {
		flags |= 1 << 1
	}
	if p.HasWill {
		flags |= 1 << 2
		flags |= p.WillQoS << 3
		if p.WillRetain {
			flags |= 1 << 5
		}
	}
	if p.HasPassword {
		flags |= 1 << 6
	}
	if p.HasUserName {
		flags |= 1 << 7
	}

	body := make([]byte, 0, 16+len(p.ClientID))
	body = appendString(body, "MQTT")
	body = append(body, 4, flags, byte(p.KeepAliveSec>>8), byte(p.KeepAliveSec))
	body = appendString(body, p.ClientID)
	if p.HasWill {
		body = appendString(body, p.WillTopic)
		body = appendBytes(body, p.WillMessage)
	}
	if p.HasUserName {
		body = appendString(body, p.UserName)
	}
	if p.HasPassword {
		body = appendBytes(body, p.Password)
	}
	return finishFixedHeader(typeConnect, 0, body)
}

// NewConnAck builds a CONNACK packet.
func NewConnAck(sessionPresent bool, code ConnectReturnCode) *Packet {
	p := &Packet{Type: typeConnAck, SessionPresent: sessionPresent, ReturnCode: code}
	var flags byte
	if sessionPresent {
		flags = 1
	}
	body := []byte{flags, byte(code)}
	p.Buf = finishFixedHeader(typeConnAck, 0, body)
	return p
}

// NewPublish builds a PUBLISH packet. id is ignored for QoS 0.
func NewPublish(id uint16, topic string, payload []byte, qos byte, retain, dup bool) *Packet {
	p := &Packet{
		Type:      typePublish,
		ID:        id,
		TopicName: topic,
		Payload:   payload,
		QoS:       qos,
		Retain:    retain,
		Dup:       dup,
	}
	p.Buf = p.encodePublish()
	return p
}

func (p *Packet) encodePublish() []byte {
	var flags byte
	if p.Dup {
		flags |= 1 << 3
	}
	flags |= (p.QoS & 0x3) << 1
	if p.Retain {
		flags |= 1
	}

	body := make([]byte, 0, 4+len(p.TopicName)+len(p.Payload))
	body = appendString(body, p.TopicName)
	if p.QoS >= 1 {
		body = append(body, byte(p.ID>>8), byte(p.ID))
	}
	body = append(body, p.Payload...)
	return finishFixedHeader(typePublish, flags, body)
}

func newIDOnly(t PacketType, flags byte, id uint16) *Packet {
	p := &Packet{Type: t, ID: id}
	body := []byte{byte(id >> 8), byte(id)}
	p.Buf = finishFixedHeader(t, flags, body)
	return p
}

// NewPubAck builds a PUBACK packet.
func NewPubAck(id uint16) *Packet { return newIDOnly(typePubAck, 0, id) }

// NewPubRec builds a PUBREC packet.
func NewPubRec(id uint16) *Packet { return newIDOnly(typePubRec, 0, id) }

// NewPubRel builds a PUBREL packet. PUBREL is Ackable and is sent with
// the reserved flags required by the spec (§9).
func NewPubRel(id uint16, dup bool) *Packet {
	var flags byte = pubRelSubUnsubFlags
	if dup {
		flags |= 1 << 3
	}
	p := newIDOnly(typePubRel, flags, id)
	p.Dup = dup
	return p
}

// NewPubComp builds a PUBCOMP packet.
func NewPubComp(id uint16) *Packet { return newIDOnly(typePubComp, 0, id) }

// NewSubscribe builds a SUBSCRIBE packet requesting qos[i] for
// filters[i].
func NewSubscribe(id uint16, filters []string, qos []byte, dup bool) *Packet {
	p := &Packet{Type: typeSubscribe, ID: id, TopicFilters: filters, RequestedQoS: qos, Dup: dup}
	body := make([]byte, 0, 3*len(filters)+2)
	body = append(body, byte(id>>8), byte(id))
	for i, f := range filters {
		body = appendString(body, f)
		body = append(body, qos[i]&0x3)
	}
	p.Buf = finishFixedHeader(typeSubscribe, pubRelSubUnsubFlags, body)
	return p
}

// NewSubAck builds a SUBACK packet. codes entries use 0x80 for failure.
func NewSubAck(id uint16, codes []byte) *Packet {
	p := &Packet{Type: typeSubAck, ID: id, ReturnCodes: codes}
	body := make([]byte, 0, 2+len(codes))
	body = append(body, byte(id>>8), byte(id))
	body = append(body, codes...)
	p.Buf = finishFixedHeader(typeSubAck, 0, body)
	return p
}

// NewUnsubscribe builds an UNSUBSCRIBE packet.
func NewUnsubscribe(id uint16, filters []string, dup bool) *Packet {
	p := &Packet{Type: typeUnsubscribe, ID: id, UnsubTopicFilters: filters, Dup: dup}
	body := make([]byte, 0, 2+2*len(filters))
	body = append(body, byte(id>>8), byte(id))
	for _, f := range filters {
		body = appendString(body, f)
	}
	p.Buf = finishFixedHeader(typeUnsubscribe, pubRelSubUnsubFlags, body)
	return p
}

// NewUnsubAck builds an UNSUBACK packet.
func NewUnsubAck(id uint16) *Packet { return newIDOnly(typeUnsubAck, 0, id) }

func noPayload(t PacketType) *Packet {
	p := &Packet{Type: t}
	p.Buf = finishFixedHeader(t, 0, nil)
	return p
}

// NewPingReq builds a PINGREQ packet.
func NewPingReq() *Packet { return noPayload(typePingReq) }

// NewPingResp builds a PINGRESP packet.
func NewPingResp() *Packet { return noPayload(typePingResp) }

// NewDisconnect builds a DISCONNECT packet.
func NewDisconnect() *Packet { return noPayload(typeDisconnect) }

// ---- decoder ----

// DecodePacket parses a complete wire packet (fixed header, remaining
// length and body already assembled by the channel's framing state
// machine, §4.3) and returns the parsed Packet with Buf set to buf.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: packet shorter than fixed header", ErrProtocol)
	}
	t := PacketType(buf[0] >> 4)
	flags := buf[0] & 0x0f

	length, n, err := decodeRemainingLength(buf[1:])
	if err != nil {
		return nil, err
	}
	body := buf[1+n:]
	if len(body) != length {
		return nil, fmt.Errorf("%w: remaining length %d does not match body of %d bytes", ErrProtocol, length, len(body))
	}

	p := &Packet{Type: t, Buf: buf}
	switch t {
	case typeConnect:
		err = p.decodeConnect(body)
	case typeConnAck:
		err = p.decodeConnAck(body)
	case typePublish:
		p.Dup = flags&(1<<3) != 0
		p.QoS = (flags >> 1) & 0x3
		p.Retain = flags&1 != 0
		err = p.decodePublish(body)
	case typePubAck, typePubRec, typePubComp, typeUnsubAck:
		err = p.decodeIDOnly(body)
	case typePubRel:
		p.Dup = flags&(1<<3) != 0
		err = p.decodeIDOnly(body)
	case typeSubscribe:
		err = p.decodeSubscribe(body)
	case typeSubAck:
		err = p.decodeSubAck(body)
	case typeUnsubscribe:
		err = p.decodeUnsubscribe(body)
	case typePingReq, typePingResp, typeDisconnect:
		if len(body) != 0 {
			err = fmt.Errorf("%w: %s remaining length %d, want 0", ErrProtocol, t, len(body))
		}
	default:
		err = fmt.Errorf("%w: reserved packet type %#x", ErrProtocol, byte(t))
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Packet) decodeConnect(body []byte) error {
	name, rest, err := readString(body)
	if err != nil {
		return err
	}
	if len(rest) < 4 {
		return fmt.Errorf("%w: truncated CONNECT variable header", ErrProtocol)
	}
	p.ProtocolName = name
	p.ProtocolLevel = rest[0]
	flags := rest[1]
	p.KeepAliveSec = binary.BigEndian.Uint16(rest[2:4])
	rest = rest[4:]

	p.CleanSession = flags&(1<<1) != 0
	p.HasWill = flags&(1<<2) != 0
	p.WillQoS = (flags >> 3) & 0x3
	p.WillRetain = flags&(1<<5) != 0
	p.HasPassword = flags&(1<<6) != 0
	p.HasUserName = flags&(1<<7) != 0

	p.ClientID, rest, err = readString(rest)
	if err != nil {
		return err
	}
	if p.HasWill {
		p.WillTopic, rest, err = readString(rest)
		if err != nil {
			return err
		}
		p.WillMessage, rest, err = readBytes(rest)
		if err != nil {
			return err
		}
	}
	if p.HasUserName {
		p.UserName, rest, err = readString(rest)
		if err != nil {
			return err
		}
	}
	if p.HasPassword {
		p.Password, rest, err = readBytes(rest)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Packet) decodeConnAck(body []byte) error {
	if len(body) != 2 {
		return fmt.Errorf("%w: CONNACK remaining length %d, want 2", ErrProtocol, len(body))
	}
	p.SessionPresent = body[0]&1 != 0
	p.ReturnCode = ConnectReturnCode(body[1])
	return nil
}

func (p *Packet) decodePublish(body []byte) error {
	topic, rest, err := readString(body)
	if err != nil {
		return err
	}
	p.TopicName = topic
	if p.QoS >= 1 {
		if len(rest) < 2 {
			return fmt.Errorf("%w: truncated PUBLISH packet id", ErrProtocol)
		}
		p.ID = binary.BigEndian.Uint16(rest)
		rest = rest[2:]
	}
	p.Payload = rest
	return nil
}

func (p *Packet) decodeIDOnly(body []byte) error {
	if len(body) != 2 {
		return fmt.Errorf("%w: %s remaining length %d, want 2", ErrProtocol, p.Type, len(body))
	}
	p.ID = binary.BigEndian.Uint16(body)
	return nil
}

func (p *Packet) decodeSubscribe(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("%w: truncated SUBSCRIBE packet id", ErrProtocol)
	}
	p.ID = binary.BigEndian.Uint16(body)
	rest := body[2:]
	for len(rest) > 0 {
		filter, next, err := readString(rest)
		if err != nil {
			return err
		}
		if len(next) < 1 {
			return fmt.Errorf("%w: truncated SUBSCRIBE QoS byte", ErrProtocol)
		}
		p.TopicFilters = append(p.TopicFilters, filter)
		p.RequestedQoS = append(p.RequestedQoS, next[0]&0x3)
		rest = next[1:]
	}
	if len(p.TopicFilters) == 0 {
		return fmt.Errorf("%w: SUBSCRIBE with no topic filters", ErrProtocol)
	}
	return nil
}

func (p *Packet) decodeSubAck(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("%w: truncated SUBACK packet id", ErrProtocol)
	}
	p.ID = binary.BigEndian.Uint16(body)
	p.ReturnCodes = body[2:]
	return nil
}

func (p *Packet) decodeUnsubscribe(body []byte) error {
	if len(body) < 2 {
		return fmt.Errorf("%w: truncated UNSUBSCRIBE packet id", ErrProtocol)
	}
	p.ID = binary.BigEndian.Uint16(body)
	rest := body[2:]
	for len(rest) > 0 {
		filter, next, err := readString(rest)
		if err != nil {
			return err
		}
		p.UnsubTopicFilters = append(p.UnsubTopicFilters, filter)
		rest = next
	}
	if len(p.UnsubTopicFilters) == 0 {
		return fmt.Errorf("%w: UNSUBSCRIBE with no topic filters", ErrProtocol)
	}
	return nil
}
