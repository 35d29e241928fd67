package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, maxRemainingLength} {
		buf := appendRemainingLength(nil, n)
		got, consumed, err := decodeRemainingLength(buf)
		require.NoError(t, err)
		assert.Equal(t, n, got)
		assert.Equal(t, len(buf), consumed)
	}
}

func TestDecodeRemainingLengthShortRead(t *testing.T) {
	buf := appendRemainingLength(nil, 16384) // 3 bytes, all with continuation bit set but last
	_, _, err := decodeRemainingLength(buf[:1])
	assert.ErrorIs(t, err, errShortRead)
}

func TestConnectRoundTrip(t *testing.T) {
	will := &Packet{TopicName: "last/will", Payload: []byte("bye"), QoS: 1, Retain: true}
	p := NewConnect("client-1", true, 30, "alice", []byte("s3cret"), will)

	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, typeConnect, decoded.Type)
	assert.Equal(t, "MQTT", decoded.ProtocolName)
	assert.Equal(t, byte(4), decoded.ProtocolLevel)
	assert.Equal(t, "client-1", decoded.ClientID)
	assert.True(t, decoded.CleanSession)
	assert.Equal(t, uint16(30), decoded.KeepAliveSec)
	assert.True(t, decoded.HasWill)
	assert.Equal(t, "last/will", decoded.WillTopic)
	assert.Equal(t, []byte("bye"), decoded.WillMessage)
	assert.Equal(t, byte(1), decoded.WillQoS)
	assert.True(t, decoded.WillRetain)
	assert.True(t, decoded.HasUserName)
	assert.Equal(t, "alice", decoded.UserName)
	assert.True(t, decoded.HasPassword)
	assert.Equal(t, []byte("s3cret"), decoded.Password)
}

func TestConnectNoWillNoCredentials(t *testing.T) {
	p := NewConnect("anon", false, 0, "", nil, nil)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.False(t, decoded.HasWill)
	assert.False(t, decoded.HasUserName)
	assert.False(t, decoded.HasPassword)
	assert.False(t, decoded.CleanSession)
}

func TestConnAckRoundTrip(t *testing.T) {
	p := NewConnAck(true, RefusedNotAuthorized)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.True(t, decoded.SessionPresent)
	assert.Equal(t, RefusedNotAuthorized, decoded.ReturnCode)
}

func TestPublishQoS0RoundTrip(t *testing.T) {
	p := NewPublish(0, "a/b", []byte("payload"), 0, false, false)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, "a/b", decoded.TopicName)
	assert.Equal(t, []byte("payload"), decoded.Payload)
	assert.Equal(t, byte(0), decoded.QoS)
	assert.False(t, decoded.Identifiable())
}

func TestPublishQoS1RoundTrip(t *testing.T) {
	p := NewPublish(7, "a/b", []byte("payload"), 1, true, true)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), decoded.ID)
	assert.Equal(t, byte(1), decoded.QoS)
	assert.True(t, decoded.Retain)
	assert.True(t, decoded.Dup)
	assert.True(t, decoded.Identifiable())
	assert.True(t, decoded.Ackable())
}

func TestAckPacketsRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		build   func(uint16) *Packet
		want    PacketType
		ackable bool
	}{
		{"puback", NewPubAck, typePubAck, false},
		{"pubrec", NewPubRec, typePubRec, false},
		{"pubcomp", NewPubComp, typePubComp, false},
		{"unsuback", NewUnsubAck, typeUnsubAck, false},
	}
	for _, c := range cases {
		p := c.build(99)
		decoded, err := DecodePacket(p.Buf)
		require.NoError(t, err, c.name)
		assert.Equal(t, c.want, decoded.Type, c.name)
		assert.Equal(t, uint16(99), decoded.ID, c.name)
		assert.Equal(t, c.ackable, decoded.Ackable(), c.name)
	}
}

func TestPubRelRoundTrip(t *testing.T) {
	p := NewPubRel(5, true)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), decoded.ID)
	assert.True(t, decoded.Dup)
	assert.True(t, decoded.Ackable())
}

func TestSubscribeRoundTrip(t *testing.T) {
	filters := []string{"a/#", "b/+/c"}
	qos := []byte{0, 2}
	p := NewSubscribe(3, filters, qos, false)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), decoded.ID)
	assert.Equal(t, filters, decoded.TopicFilters)
	assert.Equal(t, qos, decoded.RequestedQoS)
	assert.True(t, decoded.Ackable())
}

func TestSubAckRoundTrip(t *testing.T) {
	p := NewSubAck(3, []byte{0, 1, 0x80})
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), decoded.ID)
	assert.Equal(t, []byte{0, 1, 0x80}, decoded.ReturnCodes)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	filters := []string{"a/#", "b/+/c"}
	p := NewUnsubscribe(4, filters, false)
	decoded, err := DecodePacket(p.Buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(4), decoded.ID)
	assert.Equal(t, filters, decoded.UnsubTopicFilters)
	assert.True(t, decoded.Ackable())
}

func TestNoPayloadPacketsRoundTrip(t *testing.T) {
	for _, p := range []*Packet{NewPingReq(), NewPingResp(), NewDisconnect()} {
		decoded, err := DecodePacket(p.Buf)
		require.NoError(t, err)
		assert.Equal(t, p.Type, decoded.Type)
	}
}

func TestDecodeRejectsBodyShorterThanRemainingLength(t *testing.T) {
	_, err := DecodePacket([]byte{byte(typePingReq) << 4, 5}) // claims 5 bytes body, none present
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsReservedType(t *testing.T) {
	_, err := DecodePacket([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecodeRejectsEmptySubscribe(t *testing.T) {
	body := []byte{0, 1} // packet id only, no filters
	buf := finishFixedHeader(typeSubscribe, pubRelSubUnsubFlags, body)
	_, err := DecodePacket(buf)
	assert.ErrorIs(t, err, ErrProtocol)
}
