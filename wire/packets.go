// Package wire implements the MQTT 3.1.1 fixed-header framing, Variable Byte
// Integer and UTF-8 string primitives, and the typed encode/decode for all
// fourteen control packet kinds.
//
// Decode functions for packets that carry a variable header and payload
// (CONNECT, PUBLISH, SUBSCRIBE, SUBACK, UNSUBSCRIBE) expect r to be bounded
// to exactly FixedHeader.RemainingLength bytes — the caller reads that many
// bytes off the connection into a buffer first, per the framing rule in
// section 4.1: the decoder never reads past a frame boundary.
package wire

import (
	"io"

	"github.com/cockroachdb/errors"
)

const protocolName = "MQTT"

// ProtocolLevel4 is the MQTT 3.1.1 protocol level carried in CONNECT.
const ProtocolLevel4 byte = 4

// MQTT 3.1.1 CONNACK return codes (section 3.2.2.3).
const (
	ConnectAccepted                    byte = 0x00
	ConnectRefusedUnacceptableProtocol byte = 0x01
	ConnectRefusedIdentifierRejected   byte = 0x02
	ConnectRefusedServerUnavailable    byte = 0x03
	ConnectRefusedBadUsernamePassword  byte = 0x04
	ConnectRefusedNotAuthorized        byte = 0x05
)

// Packet is the tagged-variant sum type for all decoded MQTT 3.1.1 packets.
type Packet interface {
	Type() PacketType
	Encode(w io.Writer) error
}

// ConnectPacket is a decoded CONNECT packet.
type ConnectPacket struct {
	FixedHeader  FixedHeader
	CleanSession bool
	WillFlag     bool
	WillQoS      QoS
	WillRetain   bool
	KeepAlive    uint16
	ClientID     string
	WillTopic    string
	WillPayload  []byte
	Username     string
	UsernameSet  bool
	Password     []byte
	PasswordSet  bool
}

func (p *ConnectPacket) Type() PacketType { return CONNECT }

// ParseConnectPacket decodes the variable header and payload of a CONNECT
// packet whose fixed header has already been parsed.
func ParseConnectPacket(r io.Reader) (*ConnectPacket, error) {
	name, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	if name != protocolName {
		return nil, ErrInvalidProtocolName
	}

	level, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if level != ProtocolLevel4 {
		return nil, ErrInvalidProtocolLevel
	}

	flags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if flags&0x01 != 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "CONNECT reserved flag bit must be zero")
	}

	pkt := &ConnectPacket{
		CleanSession: flags&0x02 != 0,
		WillFlag:     flags&0x04 != 0,
		WillQoS:      QoS((flags & 0x18) >> 3),
		WillRetain:   flags&0x20 != 0,
		PasswordSet:  flags&0x40 != 0,
		UsernameSet:  flags&0x80 != 0,
	}
	if !pkt.WillQoS.IsValid() {
		return nil, ErrInvalidQoS
	}
	if !pkt.WillFlag && (pkt.WillQoS != QoS0 || pkt.WillRetain) {
		return nil, errors.Wrap(ErrMalformedPacket, "CONNECT will-QoS/will-retain set without will-flag")
	}
	if !pkt.UsernameSet && pkt.PasswordSet {
		return nil, errors.Wrap(ErrMalformedPacket, "CONNECT password-present without username-present")
	}

	keepAlive, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt.KeepAlive = keepAlive

	clientID, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	pkt.ClientID = clientID

	if pkt.WillFlag {
		willTopic, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.WillTopic = willTopic

		length, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		willPayload, err := readBinaryData(r, length)
		if err != nil {
			return nil, err
		}
		pkt.WillPayload = willPayload
	}

	if pkt.UsernameSet {
		username, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.Username = username
	}

	if pkt.PasswordSet {
		length, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		password, err := readBinaryData(r, length)
		if err != nil {
			return nil, err
		}
		pkt.Password = password
	}

	return pkt, nil
}

func (p *ConnectPacket) Encode(w io.Writer) error {
	varHeaderLen := 2 + len(protocolName) + 1 + 1 + 2
	payloadLen := 2 + len(p.ClientID)
	if p.WillFlag {
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}
	if p.UsernameSet {
		payloadLen += 2 + len(p.Username)
	}
	if p.PasswordSet {
		payloadLen += 2 + len(p.Password)
	}

	fh := FixedHeader{Type: CONNECT, RemainingLength: uint32(varHeaderLen + payloadLen)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, protocolName); err != nil {
		return err
	}
	if err := writeByte(w, ProtocolLevel4); err != nil {
		return err
	}

	var connectFlags byte
	if p.CleanSession {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordSet {
		connectFlags |= 0x40
	}
	if p.UsernameSet {
		connectFlags |= 0x80
	}
	if err := writeByte(w, connectFlags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}
	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}

	if p.WillFlag {
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}
	if p.UsernameSet {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordSet {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}
	return nil
}

// ConnackPacket is the server's handshake acknowledgement.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

func (p *ConnackPacket) Type() PacketType { return CONNACK }

func ParseConnackPacket(r io.Reader) (*ConnackPacket, error) {
	ackFlags, err := readByte(r)
	if err != nil {
		return nil, err
	}
	if ackFlags&0xFE != 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "CONNACK reserved ack-flag bits must be zero")
	}
	returnCode, err := readByte(r)
	if err != nil {
		return nil, err
	}
	return &ConnackPacket{SessionPresent: ackFlags&0x01 != 0, ReturnCode: returnCode}, nil
}

func (p *ConnackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: CONNACK, RemainingLength: 2}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	var ackFlags byte
	if p.SessionPresent {
		ackFlags |= 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}
	return writeByte(w, p.ReturnCode)
}

// PublishPacket carries application data toward zero or more subscribers.
type PublishPacket struct {
	DUP       bool
	QoS       QoS
	Retain    bool
	TopicName string
	PacketID  uint16
	Payload   []byte
}

func (p *PublishPacket) Type() PacketType { return PUBLISH }

// ParsePublishPacket decodes a PUBLISH body; fh carries the already-decoded
// DUP/QoS/Retain flags and the remaining length used to bound the payload read.
func ParsePublishPacket(r io.Reader, fh *FixedHeader) (*PublishPacket, error) {
	topic, err := readUTF8String(r)
	if err != nil {
		return nil, err
	}
	if containsWildcard(topic) {
		return nil, errors.Wrap(ErrMalformedPacket, "PUBLISH topic name must not contain wildcards")
	}

	consumed := 2 + len(topic)
	pkt := &PublishPacket{DUP: fh.DUP, QoS: fh.QoS, Retain: fh.Retain, TopicName: topic}

	if fh.QoS > QoS0 {
		pktID, err := readTwoByteInt(r)
		if err != nil {
			return nil, err
		}
		if pktID == 0 {
			return nil, errors.Wrap(ErrMalformedPacket, "PUBLISH packet identifier must be non-zero for QoS>0")
		}
		pkt.PacketID = pktID
		consumed += 2
	} else if fh.DUP {
		return nil, errors.Wrap(ErrMalformedPacket, "PUBLISH QoS0 must not set DUP")
	}

	remaining := int(fh.RemainingLength) - consumed
	if remaining < 0 {
		return nil, ErrMalformedPacket
	}
	if remaining > 0 {
		payload := make([]byte, remaining)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, ErrUnexpectedEOF
		}
		pkt.Payload = payload
	}
	return pkt, nil
}

func containsWildcard(topic string) bool {
	for _, r := range topic {
		if r == '+' || r == '#' {
			return true
		}
	}
	return false
}

func (p *PublishPacket) Encode(w io.Writer) error {
	remainingLength := uint32(2 + len(p.TopicName) + len(p.Payload))
	if p.QoS > QoS0 {
		remainingLength += 2
	}

	fh := FixedHeader{Type: PUBLISH, RemainingLength: remainingLength, DUP: p.DUP, QoS: p.QoS, Retain: p.Retain}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}
	if p.QoS > QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}
	if len(p.Payload) > 0 {
		_, err := w.Write(p.Payload)
		return err
	}
	return nil
}

// packetIDOnly backs PUBACK/PUBREC/PUBREL/PUBCOMP/UNSUBACK, which share the
// same 2-byte body: a single packet identifier.
type packetIDOnly struct {
	typ      PacketType
	PacketID uint16
}

func (p *packetIDOnly) Type() PacketType { return p.typ }

func parsePacketIDOnly(r io.Reader, typ PacketType) (*packetIDOnly, error) {
	id, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	return &packetIDOnly{typ: typ, PacketID: id}, nil
}

func (p *packetIDOnly) Encode(w io.Writer) error {
	flags := byte(0)
	if p.typ == PUBREL {
		flags = 0x02
	}
	fh := FixedHeader{Type: p.typ, Flags: flags, RemainingLength: 2}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	return writeTwoByteInt(w, p.PacketID)
}

// NewPuback, NewPubrec, NewPubrel, NewPubcomp and NewUnsuback construct the
// respective acknowledgement packets, all sharing packetIDOnly's wire shape.
func NewPuback(id uint16) Packet  { return &packetIDOnly{typ: PUBACK, PacketID: id} }
func NewPubrec(id uint16) Packet  { return &packetIDOnly{typ: PUBREC, PacketID: id} }
func NewPubrel(id uint16) Packet  { return &packetIDOnly{typ: PUBREL, PacketID: id} }
func NewPubcomp(id uint16) Packet { return &packetIDOnly{typ: PUBCOMP, PacketID: id} }
func NewUnsuback(id uint16) Packet { return &packetIDOnly{typ: UNSUBACK, PacketID: id} }

func ParsePuback(r io.Reader) (*packetIDOnly, error)  { return parsePacketIDOnly(r, PUBACK) }
func ParsePubrec(r io.Reader) (*packetIDOnly, error)  { return parsePacketIDOnly(r, PUBREC) }
func ParsePubrel(r io.Reader) (*packetIDOnly, error)  { return parsePacketIDOnly(r, PUBREL) }
func ParsePubcomp(r io.Reader) (*packetIDOnly, error) { return parsePacketIDOnly(r, PUBCOMP) }
func ParseUnsuback(r io.Reader) (*packetIDOnly, error) { return parsePacketIDOnly(r, UNSUBACK) }

// PacketIDOf extracts the packet identifier from any ack-shaped packet.
func PacketIDOf(p Packet) (uint16, bool) {
	if ack, ok := p.(*packetIDOnly); ok {
		return ack.PacketID, true
	}
	return 0, false
}

// Subscription pairs a topic filter with its requested QoS in a SUBSCRIBE.
type Subscription struct {
	TopicFilter string
	QoS         QoS
}

// SubscribePacket requests one or more topic subscriptions.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *SubscribePacket) Type() PacketType { return SUBSCRIBE }

func ParseSubscribePacket(r io.Reader, fh *FixedHeader) (*SubscribePacket, error) {
	id, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt := &SubscribePacket{PacketID: id}
	consumed := 2

	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		qosByte, err := readByte(r)
		if err != nil {
			return nil, err
		}
		if qosByte&0xFC != 0 {
			return nil, errors.Wrap(ErrMalformedPacket, "SUBSCRIBE reserved QoS bits must be zero")
		}
		qos := QoS(qosByte)
		if !qos.IsValid() {
			return nil, ErrInvalidQoS
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{TopicFilter: filter, QoS: qos})
		consumed += 2 + len(filter) + 1
	}

	if len(pkt.Subscriptions) == 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "SUBSCRIBE must contain at least one topic filter")
	}
	return pkt, nil
}

func (p *SubscribePacket) Encode(w io.Writer) error {
	remainingLength := uint32(2)
	for _, sub := range p.Subscriptions {
		remainingLength += uint32(2 + len(sub.TopicFilter) + 1)
	}

	fh := FixedHeader{Type: SUBSCRIBE, Flags: 0x02, RemainingLength: remainingLength}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}
		if err := writeByte(w, byte(sub.QoS)); err != nil {
			return err
		}
	}
	return nil
}

// SUBACK return codes (section 3.9.3).
const SubackFailure byte = 0x80

// SubackPacket acknowledges a SUBSCRIBE with one return code per filter.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubackPacket) Type() PacketType { return SUBACK }

func ParseSubackPacket(r io.Reader, fh *FixedHeader) (*SubackPacket, error) {
	id, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	n := int(fh.RemainingLength) - 2
	if n < 0 {
		return nil, ErrMalformedPacket
	}
	codes := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, codes); err != nil {
			return nil, ErrUnexpectedEOF
		}
	}
	return &SubackPacket{PacketID: id, ReturnCodes: codes}, nil
}

func (p *SubackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: SUBACK, RemainingLength: uint32(2 + len(p.ReturnCodes))}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	_, err := w.Write(p.ReturnCodes)
	return err
}

// UnsubscribePacket requests removal of one or more subscriptions.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

func (p *UnsubscribePacket) Type() PacketType { return UNSUBSCRIBE }

func ParseUnsubscribePacket(r io.Reader, fh *FixedHeader) (*UnsubscribePacket, error) {
	id, err := readTwoByteInt(r)
	if err != nil {
		return nil, err
	}
	pkt := &UnsubscribePacket{PacketID: id}
	consumed := 2
	for consumed < int(fh.RemainingLength) {
		filter, err := readUTF8String(r)
		if err != nil {
			return nil, err
		}
		pkt.TopicFilters = append(pkt.TopicFilters, filter)
		consumed += 2 + len(filter)
	}
	if len(pkt.TopicFilters) == 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "UNSUBSCRIBE must contain at least one topic filter")
	}
	return pkt, nil
}

func (p *UnsubscribePacket) Encode(w io.Writer) error {
	remainingLength := uint32(2)
	for _, topic := range p.TopicFilters {
		remainingLength += uint32(2 + len(topic))
	}
	fh := FixedHeader{Type: UNSUBSCRIBE, Flags: 0x02, RemainingLength: remainingLength}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, topic := range p.TopicFilters {
		if err := writeUTF8String(w, topic); err != nil {
			return err
		}
	}
	return nil
}

// zeroBodyPacket backs PINGREQ, PINGRESP and DISCONNECT, all of which carry
// nothing beyond the fixed header.
type zeroBodyPacket struct{ typ PacketType }

func (p *zeroBodyPacket) Type() PacketType { return p.typ }

func (p *zeroBodyPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: p.typ}
	return fh.EncodeFixedHeader(w)
}

var (
	pingreqPacket    = &zeroBodyPacket{typ: PINGREQ}
	pingrespPacket   = &zeroBodyPacket{typ: PINGRESP}
	disconnectPacket = &zeroBodyPacket{typ: DISCONNECT}
)

// NewPingreq, NewPingresp and NewDisconnect return the shared zero-body packet value.
func NewPingreq() Packet    { return pingreqPacket }
func NewPingresp() Packet   { return pingrespPacket }
func NewDisconnect() Packet { return disconnectPacket }

// Decode reads and decodes exactly one MQTT 3.1.1 packet from r: its fixed
// header, then — for packet types whose remaining length is not already
// known to be zero or two bytes — the payload bounded by the fixed header's
// RemainingLength (through an io.LimitReader, or for PUBLISH by reading
// exactly the remaining byte count), so decode functions never read past
// the frame boundary.
func Decode(r io.Reader) (Packet, error) {
	fh, err := ParseFixedHeader(r)
	if err != nil {
		return nil, err
	}
	return decodeBody(r, fh)
}

func decodeBody(r io.Reader, fh *FixedHeader) (Packet, error) {
	switch fh.Type {
	case CONNECT:
		body := io.LimitReader(r, int64(fh.RemainingLength))
		pkt, err := ParseConnectPacket(body)
		if err != nil {
			return nil, NewMalformedPacketError(CONNECT, err)
		}
		pkt.FixedHeader = *fh
		return pkt, nil
	case CONNACK:
		pkt, err := ParseConnackPacket(r)
		return pkt, NewMalformedPacketError(CONNACK, err)
	case PUBLISH:
		pkt, err := ParsePublishPacket(r, fh)
		return pkt, NewMalformedPacketError(PUBLISH, err)
	case PUBACK:
		pkt, err := ParsePuback(r)
		return pkt, NewMalformedPacketError(PUBACK, err)
	case PUBREC:
		pkt, err := ParsePubrec(r)
		return pkt, NewMalformedPacketError(PUBREC, err)
	case PUBREL:
		pkt, err := ParsePubrel(r)
		return pkt, NewMalformedPacketError(PUBREL, err)
	case PUBCOMP:
		pkt, err := ParsePubcomp(r)
		return pkt, NewMalformedPacketError(PUBCOMP, err)
	case SUBSCRIBE:
		body := io.LimitReader(r, int64(fh.RemainingLength))
		pkt, err := ParseSubscribePacket(body, fh)
		return pkt, NewMalformedPacketError(SUBSCRIBE, err)
	case SUBACK:
		body := io.LimitReader(r, int64(fh.RemainingLength))
		pkt, err := ParseSubackPacket(body, fh)
		return pkt, NewMalformedPacketError(SUBACK, err)
	case UNSUBSCRIBE:
		body := io.LimitReader(r, int64(fh.RemainingLength))
		pkt, err := ParseUnsubscribePacket(body, fh)
		return pkt, NewMalformedPacketError(UNSUBSCRIBE, err)
	case UNSUBACK:
		pkt, err := ParseUnsuback(r)
		return pkt, NewMalformedPacketError(UNSUBACK, err)
	case PINGREQ:
		return pingreqPacket, nil
	case PINGRESP:
		return pingrespPacket, nil
	case DISCONNECT:
		return disconnectPacket, nil
	default:
		return nil, ErrInvalidType
	}
}
