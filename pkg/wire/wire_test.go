package wire_test

import (
	"testing"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleExtension() wire.Extension {
	requestor := identity.NewObjectId(identity.MajorDevice, 1)
	target := identity.NewObjectId(identity.MajorService, 2)
	creator := identity.NewObjectId(identity.MajorDevice, 3)
	local := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{10, 0, 0, 1}, Port: 4000}
	remote := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{10, 0, 0, 2}, Port: 5000}
	topic := "home/lights"
	return wire.Extension{
		Source: wire.Source{
			Requestor:     requestor,
			Creator:       &creator,
			CreatorLocal:  &local,
			CreatorRemote: &remote,
		},
		Target: target,
		Topic:  &topic,
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := wire.Header{
		MajorCommand: wire.CommandExchange,
		HasSignature: true,
		Index:        2,
		Count:        5,
		Timestamp:    1234567890,
		Sequence:     []byte{0x11, 0x22},
	}
	buf := wire.EncodeHeader(nil, h)
	got, rest, err := wire.DecodeHeader(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, h, got)
}

func TestExtensionRoundTrip(t *testing.T) {
	ext := sampleExtension()
	buf := wire.EncodeExtension(nil, ext)
	got, rest, err := wire.DecodeExtension(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.True(t, ext.Source.Requestor.Equal(got.Source.Requestor))
	assert.True(t, ext.Target.Equal(got.Target))
	require.NotNil(t, got.Source.Creator)
	assert.True(t, ext.Source.Creator.Equal(*got.Source.Creator))
	require.NotNil(t, got.Source.CreatorLocal)
	assert.True(t, ext.Source.CreatorLocal.Equal(*got.Source.CreatorLocal))
	require.NotNil(t, got.Topic)
	assert.Equal(t, *ext.Topic, *got.Topic)
}

func TestExtensionWithoutOptionalFields(t *testing.T) {
	ext := wire.Extension{
		Source: wire.Source{Requestor: identity.NewObjectId(identity.MajorDevice, 0)},
		Target: identity.NewObjectId(identity.MajorDevice, 0),
	}
	buf := wire.EncodeExtension(nil, ext)
	got, _, err := wire.DecodeExtension(buf)
	require.NoError(t, err)
	assert.Nil(t, got.Source.Creator)
	assert.Nil(t, got.Source.CreatorLocal)
	assert.Nil(t, got.Source.CreatorRemote)
	assert.Nil(t, got.Topic)
}

func TestBodyRoundTrip(t *testing.T) {
	cases := []wire.Body{
		wire.ExchangeBody{FromDevice: []byte("device-blob"), Nonce: []byte{1, 2, 3, 4}},
		wire.AckTunnelBody{Result: 0, SendTime: 42},
		wire.AckAckTunnelBody{Sequence: []byte{0x01}, Result: 0, SendTime: 99},
		wire.AckBody{Sequence: []byte{0x01}, Index: 3, Timestamp: 555},
		wire.AckAckBody{Sequence: []byte{0x01}, Index: 3, Errno: 0},
		wire.NewRequestBody([]byte("hello")),
		wire.NewResponseBody([]byte("world")),
	}
	for _, body := range cases {
		encoded := wire.EncodeBody(body)
		got, err := wire.DecodeBody(body.Command(), encoded)
		require.NoError(t, err)
		assert.Equal(t, body.Command(), got.Command())
	}
}

func TestStunBodyRoundTrip(t *testing.T) {
	mapped := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{1, 1, 1, 1}, Port: 40001}
	target := identity.NewObjectId(identity.MajorDevice, 0)
	live := uint32(30)
	mix := []byte{0xAA, 0xBB, 0xCC}
	body := wire.StunBody{
		Type:          wire.StunAllocationResponse,
		MappedAddress: &mapped,
		Target:        &target,
		MixHash:       mix,
		LiveMinutes:   &live,
	}
	encoded := wire.EncodeBody(body)
	got, err := wire.DecodeBody(wire.CommandStun, encoded)
	require.NoError(t, err)
	stun := got.(wire.StunBody)
	assert.Equal(t, body.Type, stun.Type)
	require.NotNil(t, stun.MappedAddress)
	assert.True(t, mapped.Equal(*stun.MappedAddress))
	assert.Equal(t, mix, stun.MixHash)
	require.NotNil(t, stun.LiveMinutes)
	assert.Equal(t, live, *stun.LiveMinutes)
}

func TestFrameRoundTrip(t *testing.T) {
	ext := sampleExtension()
	body := wire.NewRequestBody([]byte("payload bytes"))
	frames, err := wire.BuildFrames(wire.CommandRequest, []byte{0x01}, 1000, ext, body, 4096, nil)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	raw := wire.Encode(frames[0])
	decoded, err := wire.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, frames[0].Header, decoded.Header)
	assert.Equal(t, frames[0].Payload, decoded.Payload)

	rebuilt, err := wire.DecodeBody(wire.CommandRequest, decoded.Payload)
	require.NoError(t, err)
	assert.Equal(t, wire.CommandRequest, rebuilt.Command())
}

func TestFragmentation(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i)
	}
	chunks, err := wire.Fragment(body, 256)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)

	var rebuilt []byte
	for _, c := range chunks {
		rebuilt = append(rebuilt, c...)
	}
	assert.Equal(t, body, rebuilt)
}

func TestBuildFramesFragmentsLargeBody(t *testing.T) {
	ext := sampleExtension()
	data := make([]byte, 10000)
	body := wire.NewRequestBody(data)
	frames, err := wire.BuildFrames(wire.CommandRequest, []byte{0x42}, 777, ext, body, 1024, nil)
	require.NoError(t, err)
	require.True(t, len(frames) > 1)
	for i, f := range frames {
		assert.Equal(t, uint8(i), f.Header.Index)
		assert.Equal(t, uint8(len(frames)), f.Header.Count)
		assert.Equal(t, []byte{0x42}, f.Header.Sequence)
		assert.Equal(t, uint64(777), f.Header.Timestamp)
	}
}

func TestBuildFramesWithSignature(t *testing.T) {
	ext := sampleExtension()
	body := wire.NewRequestBody([]byte("signed"))
	signCalls := 0
	sign := func(b []byte) []byte {
		signCalls++
		return []byte{0xDE, 0xAD}
	}
	frames, err := wire.BuildFrames(wire.CommandRequest, []byte{0x01}, 1, ext, body, 4096, sign)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.True(t, frames[0].Header.HasSignature)
	assert.Equal(t, []byte{0xDE, 0xAD}, frames[0].Signature)
	assert.Equal(t, 1, signCalls)

	raw := wire.Encode(frames[0])
	decoded, err := wire.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xDE, 0xAD}, decoded.Signature)
}

func TestDecodeFailsOnBadMagic(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0}
	_, _, err := wire.DecodeHeader(buf)
	require.Error(t, err)
}

func TestDecodeFailsOnShortBuffer(t *testing.T) {
	_, _, err := wire.DecodeHeader([]byte{0x01})
	require.Error(t, err)
}

func TestDecodeFailsOnTruncatedLength(t *testing.T) {
	h := wire.Header{MajorCommand: wire.CommandAck, Sequence: []byte{1, 2, 3}}
	buf := wire.EncodeHeader(nil, h)
	// Corrupt the sequence length prefix to claim more bytes than present.
	buf[len(buf)-4] = 0xFF
	_, _, err := wire.DecodeHeader(buf)
	require.Error(t, err)
}
