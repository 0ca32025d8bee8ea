package wire

import "github.com/cockroachdb/errors"

// Sentinel codec errors. Every one of these corresponds to a MALFORMED_PACKET
// or PROTOCOL_VIOLATION condition from the error handling design; the
// connection state machine maps them to "close without reply".
var (
	ErrUnexpectedEOF                = errors.New("wire: unexpected end of data")
	ErrVariableByteIntegerTooLarge  = errors.New("wire: variable byte integer exceeds 268435455")
	ErrMalformedVariableByteInteger = errors.New("wire: malformed variable byte integer")
	ErrInvalidType                  = errors.New("wire: invalid or unsupported packet type for MQTT 3.1.1")
	ErrInvalidFlags                 = errors.New("wire: invalid fixed header flags")
	ErrInvalidQoS                   = errors.New("wire: invalid QoS level")
	ErrInvalidProtocolName          = errors.New("wire: protocol name must be \"MQTT\"")
	ErrInvalidProtocolLevel         = errors.New("wire: protocol level must be 4 for MQTT 3.1.1")
	ErrInvalidUTF8                  = errors.New("wire: invalid UTF-8 string")
	ErrNullCharacter                = errors.New("wire: UTF-8 string contains U+0000")
	ErrMalformedPacket              = errors.New("wire: malformed packet")
	ErrUnexpectedRemainingLength    = errors.New("wire: unexpected remaining length for packet type")
	ErrBufferTooSmall               = errors.New("wire: destination buffer too small")
)

// MalformedPacketError wraps a codec error with the packet type it was
// encountered while decoding, so a single log line at the point of
// connection closure carries that context without the caller pre-formatting
// a string at each call site.
type MalformedPacketError struct {
	Type PacketType
	Err  error
}

func (e *MalformedPacketError) Error() string {
	return errors.Wrapf(e.Err, "decoding %s", e.Type).Error()
}

func (e *MalformedPacketError) Unwrap() error { return e.Err }

// NewMalformedPacketError attaches packet-type context to err. A nil err
// yields a nil result so call sites can wrap unconditionally.
func NewMalformedPacketError(t PacketType, err error) error {
	if err == nil {
		return nil
	}
	return &MalformedPacketError{Type: t, Err: err}
}
