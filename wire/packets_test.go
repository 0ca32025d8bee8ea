package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeThenDecode(t *testing.T, pkt Packet) Packet {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	return decoded
}

func TestConnectPacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *ConnectPacket
	}{
		{
			name: "minimal",
			pkt: &ConnectPacket{
				CleanSession: true,
				KeepAlive:    60,
				ClientID:     "client-1",
			},
		},
		{
			name: "with_will",
			pkt: &ConnectPacket{
				CleanSession: false,
				WillFlag:     true,
				WillQoS:      QoS1,
				WillRetain:   true,
				KeepAlive:    30,
				ClientID:     "client-2",
				WillTopic:    "clients/client-2/status",
				WillPayload:  []byte("offline"),
			},
		},
		{
			name: "with_credentials",
			pkt: &ConnectPacket{
				CleanSession: true,
				KeepAlive:    0,
				ClientID:     "client-3",
				UsernameSet:  true,
				Username:     "alice",
				PasswordSet:  true,
				Password:     []byte("s3cret"),
			},
		},
		{
			name: "empty_client_id",
			pkt: &ConnectPacket{
				CleanSession: true,
				KeepAlive:    10,
				ClientID:     "",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := encodeThenDecode(t, tt.pkt)
			got, ok := decoded.(*ConnectPacket)
			require.True(t, ok)
			assert.Equal(t, tt.pkt.CleanSession, got.CleanSession)
			assert.Equal(t, tt.pkt.WillFlag, got.WillFlag)
			assert.Equal(t, tt.pkt.WillQoS, got.WillQoS)
			assert.Equal(t, tt.pkt.WillRetain, got.WillRetain)
			assert.Equal(t, tt.pkt.KeepAlive, got.KeepAlive)
			assert.Equal(t, tt.pkt.ClientID, got.ClientID)
			assert.Equal(t, tt.pkt.WillTopic, got.WillTopic)
			assert.Equal(t, tt.pkt.WillPayload, got.WillPayload)
			assert.Equal(t, tt.pkt.UsernameSet, got.UsernameSet)
			assert.Equal(t, tt.pkt.Username, got.Username)
			assert.Equal(t, tt.pkt.PasswordSet, got.PasswordSet)
			assert.Equal(t, tt.pkt.Password, got.Password)
		})
	}
}

func TestConnectPacket_InvalidProtocolName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, "MQIsdp"))
	require.NoError(t, writeByte(&buf, ProtocolLevel4))
	require.NoError(t, writeByte(&buf, 0x02))
	require.NoError(t, writeTwoByteInt(&buf, 60))
	require.NoError(t, writeUTF8String(&buf, "c"))

	_, err := ParseConnectPacket(&buf)
	assert.ErrorIs(t, err, ErrInvalidProtocolName)
}

func TestConnectPacket_InvalidProtocolLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, protocolName))
	require.NoError(t, writeByte(&buf, 5))
	require.NoError(t, writeByte(&buf, 0x02))
	require.NoError(t, writeTwoByteInt(&buf, 60))
	require.NoError(t, writeUTF8String(&buf, "c"))

	_, err := ParseConnectPacket(&buf)
	assert.ErrorIs(t, err, ErrInvalidProtocolLevel)
}

func TestConnectPacket_WillQoSWithoutWillFlagRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, protocolName))
	require.NoError(t, writeByte(&buf, ProtocolLevel4))
	require.NoError(t, writeByte(&buf, 0x02|0x08)) // clean session + will QoS1 bit without will flag
	require.NoError(t, writeTwoByteInt(&buf, 60))
	require.NoError(t, writeUTF8String(&buf, "c"))

	_, err := ParseConnectPacket(&buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestConnectPacket_PasswordWithoutUsernameRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, protocolName))
	require.NoError(t, writeByte(&buf, ProtocolLevel4))
	require.NoError(t, writeByte(&buf, 0x02|0x40)) // clean session + password-present, no username
	require.NoError(t, writeTwoByteInt(&buf, 60))
	require.NoError(t, writeUTF8String(&buf, "c"))

	_, err := ParseConnectPacket(&buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestConnectPacket_ReservedFlagBitRejected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, protocolName))
	require.NoError(t, writeByte(&buf, ProtocolLevel4))
	require.NoError(t, writeByte(&buf, 0x01))
	require.NoError(t, writeTwoByteInt(&buf, 60))
	require.NoError(t, writeUTF8String(&buf, "c"))

	_, err := ParseConnectPacket(&buf)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestConnackPacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *ConnackPacket
	}{
		{name: "accepted", pkt: &ConnackPacket{ReturnCode: ConnectAccepted}},
		{name: "session_present", pkt: &ConnackPacket{SessionPresent: true, ReturnCode: ConnectAccepted}},
		{name: "refused_identifier", pkt: &ConnackPacket{ReturnCode: ConnectRefusedIdentifierRejected}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := encodeThenDecode(t, tt.pkt)
			got, ok := decoded.(*ConnackPacket)
			require.True(t, ok)
			assert.Equal(t, tt.pkt.SessionPresent, got.SessionPresent)
			assert.Equal(t, tt.pkt.ReturnCode, got.ReturnCode)
		})
	}
}

func TestConnackPacket_ReservedAckFlagBitsRejected(t *testing.T) {
	_, err := ParseConnackPacket(bytes.NewReader([]byte{0x02, ConnectAccepted}))
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPublishPacket_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *PublishPacket
	}{
		{
			name: "qos0_no_payload",
			pkt:  &PublishPacket{QoS: QoS0, TopicName: "a/b"},
		},
		{
			name: "qos1_with_payload",
			pkt:  &PublishPacket{QoS: QoS1, TopicName: "sensors/temp", PacketID: 42, Payload: []byte("21.5")},
		},
		{
			name: "qos2_dup_retain",
			pkt:  &PublishPacket{QoS: QoS2, DUP: true, Retain: true, TopicName: "a/b/c", PacketID: 7, Payload: []byte{0x01, 0x02}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := encodeThenDecode(t, tt.pkt)
			got, ok := decoded.(*PublishPacket)
			require.True(t, ok)
			assert.Equal(t, tt.pkt.DUP, got.DUP)
			assert.Equal(t, tt.pkt.QoS, got.QoS)
			assert.Equal(t, tt.pkt.Retain, got.Retain)
			assert.Equal(t, tt.pkt.TopicName, got.TopicName)
			assert.Equal(t, tt.pkt.PacketID, got.PacketID)
			assert.Equal(t, tt.pkt.Payload, got.Payload)
		})
	}
}

func TestPublishPacket_WildcardTopicRejected(t *testing.T) {
	fh := &FixedHeader{QoS: QoS0}
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, "a/+/c"))
	_, err := ParsePublishPacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPublishPacket_ZeroPacketIDRejectedForQoS1(t *testing.T) {
	fh := &FixedHeader{QoS: QoS1}
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, "a/b"))
	require.NoError(t, writeTwoByteInt(&buf, 0))
	_, err := ParsePublishPacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestPublishPacket_QoS0WithDUPRejected(t *testing.T) {
	fh := &FixedHeader{QoS: QoS0, DUP: true}
	var buf bytes.Buffer
	require.NoError(t, writeUTF8String(&buf, "a/b"))
	_, err := ParsePublishPacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestAckPackets_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
		typ  PacketType
	}{
		{name: "puback", pkt: NewPuback(1), typ: PUBACK},
		{name: "pubrec", pkt: NewPubrec(2), typ: PUBREC},
		{name: "pubrel", pkt: NewPubrel(3), typ: PUBREL},
		{name: "pubcomp", pkt: NewPubcomp(4), typ: PUBCOMP},
		{name: "unsuback", pkt: NewUnsuback(5), typ: UNSUBACK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := encodeThenDecode(t, tt.pkt)
			assert.Equal(t, tt.typ, decoded.Type())
			wantID, ok := PacketIDOf(tt.pkt)
			require.True(t, ok)
			gotID, ok := PacketIDOf(decoded)
			require.True(t, ok)
			assert.Equal(t, wantID, gotID)
		})
	}
}

func TestSubscribePacket_RoundTrip(t *testing.T) {
	pkt := &SubscribePacket{
		PacketID: 10,
		Subscriptions: []Subscription{
			{TopicFilter: "a/b", QoS: QoS0},
			{TopicFilter: "a/+/c", QoS: QoS1},
			{TopicFilter: "a/#", QoS: QoS2},
		},
	}
	decoded := encodeThenDecode(t, pkt)
	got, ok := decoded.(*SubscribePacket)
	require.True(t, ok)
	assert.Equal(t, pkt.PacketID, got.PacketID)
	assert.Equal(t, pkt.Subscriptions, got.Subscriptions)
}

func TestSubscribePacket_EmptySubscriptionsRejected(t *testing.T) {
	fh := &FixedHeader{RemainingLength: 2}
	var buf bytes.Buffer
	require.NoError(t, writeTwoByteInt(&buf, 1))
	_, err := ParseSubscribePacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestSubscribePacket_ReservedQoSBitsRejected(t *testing.T) {
	fh := &FixedHeader{RemainingLength: 6}
	var buf bytes.Buffer
	require.NoError(t, writeTwoByteInt(&buf, 1))
	require.NoError(t, writeUTF8String(&buf, "a"))
	require.NoError(t, writeByte(&buf, 0x04))
	_, err := ParseSubscribePacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestSubackPacket_RoundTrip(t *testing.T) {
	pkt := &SubackPacket{PacketID: 10, ReturnCodes: []byte{byte(QoS0), byte(QoS1), SubackFailure}}
	decoded := encodeThenDecode(t, pkt)
	got, ok := decoded.(*SubackPacket)
	require.True(t, ok)
	assert.Equal(t, pkt.PacketID, got.PacketID)
	assert.Equal(t, pkt.ReturnCodes, got.ReturnCodes)
}

func TestUnsubscribePacket_RoundTrip(t *testing.T) {
	pkt := &UnsubscribePacket{PacketID: 11, TopicFilters: []string{"a/b", "a/+/c"}}
	decoded := encodeThenDecode(t, pkt)
	got, ok := decoded.(*UnsubscribePacket)
	require.True(t, ok)
	assert.Equal(t, pkt.PacketID, got.PacketID)
	assert.Equal(t, pkt.TopicFilters, got.TopicFilters)
}

func TestUnsubscribePacket_EmptyFiltersRejected(t *testing.T) {
	fh := &FixedHeader{RemainingLength: 2}
	var buf bytes.Buffer
	require.NoError(t, writeTwoByteInt(&buf, 1))
	_, err := ParseUnsubscribePacket(&buf, fh)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestZeroBodyPackets_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  Packet
		typ  PacketType
	}{
		{name: "pingreq", pkt: NewPingreq(), typ: PINGREQ},
		{name: "pingresp", pkt: NewPingresp(), typ: PINGRESP},
		{name: "disconnect", pkt: NewDisconnect(), typ: DISCONNECT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded := encodeThenDecode(t, tt.pkt)
			assert.Equal(t, tt.typ, decoded.Type())
		})
	}
}

func TestDecode_InvalidType(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x00, 0x00}))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestDecode_MalformedPacketErrorCarriesType(t *testing.T) {
	fh := &FixedHeader{Type: PUBLISH, QoS: QoS0}
	var buf bytes.Buffer
	require.NoError(t, buf.WriteByte(byte(PUBLISH)<<4))
	_, err := decodeBody(&buf, fh)
	require.Error(t, err)
	var malformed *MalformedPacketError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, PUBLISH, malformed.Type)
}
