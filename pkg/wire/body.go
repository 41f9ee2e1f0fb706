package wire

import (
	"encoding/binary"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Body is implemented by every per-command body variant.
type Body interface {
	Command() MajorCommand
	encode(buf []byte) []byte
}

// ExchangeBody carries the identity blob and fresh nonce for the 3-way
// handshake's first leg.
type ExchangeBody struct {
	FromDevice []byte // opaque identity blob; crypto content is out of scope
	Nonce      []byte
}

func (ExchangeBody) Command() MajorCommand { return CommandExchange }

func (b ExchangeBody) encode(buf []byte) []byte {
	buf = appendLengthPrefixed16(buf, b.FromDevice)
	return appendLengthPrefixed16(buf, b.Nonce)
}

func decodeExchangeBody(buf []byte) (Body, error) {
	from, buf, err := readLengthPrefixed16(buf)
	if err != nil {
		return nil, err
	}
	nonce, _, err := readLengthPrefixed16(buf)
	if err != nil {
		return nil, err
	}
	return ExchangeBody{FromDevice: from, Nonce: nonce}, nil
}

// AckTunnelBody acknowledges an Exchange with a result code and server
// time.
type AckTunnelBody struct {
	Result   uint16
	SendTime uint64
}

func (AckTunnelBody) Command() MajorCommand { return CommandAckTunnel }

func (b AckTunnelBody) encode(buf []byte) []byte {
	var tmp [10]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.Result)
	binary.BigEndian.PutUint64(tmp[2:10], b.SendTime)
	return append(buf, tmp[:]...)
}

func decodeAckTunnelBody(buf []byte) (Body, error) {
	if len(buf) < 10 {
		return nil, xerrors.New(xerrors.OutOfLimit, "short AckTunnel body")
	}
	return AckTunnelBody{
		Result:   binary.BigEndian.Uint16(buf[0:2]),
		SendTime: binary.BigEndian.Uint64(buf[2:10]),
	}, nil
}

// AckAckTunnelBody confirms the AckTunnel leg.
type AckAckTunnelBody struct {
	Sequence []byte
	Result   uint16
	SendTime uint64
}

func (AckAckTunnelBody) Command() MajorCommand { return CommandAckAckTunnel }

func (b AckAckTunnelBody) encode(buf []byte) []byte {
	buf = appendLengthPrefixed(buf, b.Sequence)
	var tmp [10]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.Result)
	binary.BigEndian.PutUint64(tmp[2:10], b.SendTime)
	return append(buf, tmp[:]...)
}

func decodeAckAckTunnelBody(buf []byte) (Body, error) {
	seq, buf, err := readLengthPrefixed(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 10 {
		return nil, xerrors.New(xerrors.OutOfLimit, "short AckAckTunnel body")
	}
	return AckAckTunnelBody{
		Sequence: seq,
		Result:   binary.BigEndian.Uint16(buf[0:2]),
		SendTime: binary.BigEndian.Uint64(buf[2:10]),
	}, nil
}

// AckBody acknowledges one fragment of one logical message.
type AckBody struct {
	Sequence  []byte
	Index     uint8
	Timestamp uint64
}

func (AckBody) Command() MajorCommand { return CommandAck }

func (b AckBody) encode(buf []byte) []byte {
	buf = appendLengthPrefixed(buf, b.Sequence)
	buf = append(buf, b.Index)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], b.Timestamp)
	return append(buf, tmp[:]...)
}

func decodeAckBody(buf []byte) (Body, error) {
	seq, buf, err := readLengthPrefixed(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 9 {
		return nil, xerrors.New(xerrors.OutOfLimit, "short Ack body")
	}
	return AckBody{
		Sequence:  seq,
		Index:     buf[0],
		Timestamp: binary.BigEndian.Uint64(buf[1:9]),
	}, nil
}

// AckAckBody confirms receipt of an Ack, closing the 2-phase ack cycle for
// one fragment.
type AckAckBody struct {
	Sequence []byte
	Index    uint8
	Errno    uint16
}

func (AckAckBody) Command() MajorCommand { return CommandAckAck }

func (b AckAckBody) encode(buf []byte) []byte {
	buf = appendLengthPrefixed(buf, b.Sequence)
	buf = append(buf, b.Index)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], b.Errno)
	return append(buf, tmp[:]...)
}

func decodeAckAckBody(buf []byte) (Body, error) {
	seq, buf, err := readLengthPrefixed(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < 3 {
		return nil, xerrors.New(xerrors.OutOfLimit, "short AckAck body")
	}
	return AckAckBody{
		Sequence: seq,
		Index:    buf[0],
		Errno:    binary.BigEndian.Uint16(buf[1:3]),
	}, nil
}

// StunType discriminates the rendezvous sub-protocol carried in a Stun
// body.
type StunType uint8

const (
	StunPingRequest             StunType = 1
	StunPingResponse            StunType = 2
	StunPingErrorResponse       StunType = 3
	StunCallRequest             StunType = 4
	StunCallResponse            StunType = 5
	StunCallErrorResponse       StunType = 6
	StunAllocationRequest       StunType = 7
	StunAllocationResponse      StunType = 8
	StunAllocationErrorResponse StunType = 9
)

// stun optional-field presence bits.
const (
	stunHasMapped  uint8 = 1 << 0
	stunHasError   uint8 = 1 << 1
	stunHasFromer  uint8 = 1 << 2
	stunHasTarget  uint8 = 1 << 3
	stunHasMix     uint8 = 1 << 4
	stunHasLive    uint8 = 1 << 5
	stunHasProxy   uint8 = 1 << 6
)

// StunBody is the rendezvous sub-protocol envelope (§4.6/§4.7): a
// discriminated set of optional fields, only some of which apply to any
// given StunType.
type StunBody struct {
	Type StunType

	MappedAddress *identity.Endpoint
	ErrorCode     *uint16
	Fromer        *identity.ObjectId
	Target        *identity.ObjectId
	MixHash       []byte
	LiveMinutes   *uint32
	ProxyAddress  *identity.Endpoint
}

func (StunBody) Command() MajorCommand { return CommandStun }

func (b StunBody) encode(buf []byte) []byte {
	var presence uint8
	if b.MappedAddress != nil {
		presence |= stunHasMapped
	}
	if b.ErrorCode != nil {
		presence |= stunHasError
	}
	if b.Fromer != nil {
		presence |= stunHasFromer
	}
	if b.Target != nil {
		presence |= stunHasTarget
	}
	if b.MixHash != nil {
		presence |= stunHasMix
	}
	if b.LiveMinutes != nil {
		presence |= stunHasLive
	}
	if b.ProxyAddress != nil {
		presence |= stunHasProxy
	}

	buf = append(buf, uint8(b.Type), presence)
	if b.MappedAddress != nil {
		buf = EncodeEndpoint(buf, *b.MappedAddress)
	}
	if b.ErrorCode != nil {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], *b.ErrorCode)
		buf = append(buf, tmp[:]...)
	}
	if b.Fromer != nil {
		buf = EncodeObjectId(buf, *b.Fromer)
	}
	if b.Target != nil {
		buf = EncodeObjectId(buf, *b.Target)
	}
	if b.MixHash != nil {
		buf = appendLengthPrefixed(buf, b.MixHash)
	}
	if b.LiveMinutes != nil {
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], *b.LiveMinutes)
		buf = append(buf, tmp[:]...)
	}
	if b.ProxyAddress != nil {
		buf = EncodeEndpoint(buf, *b.ProxyAddress)
	}
	return buf
}

func decodeStunBody(buf []byte) (Body, error) {
	if len(buf) < 2 {
		return nil, xerrors.New(xerrors.OutOfLimit, "short Stun body")
	}
	b := StunBody{Type: StunType(buf[0])}
	presence := buf[1]
	buf = buf[2:]

	var err error
	if presence&stunHasMapped != 0 {
		var ep identity.Endpoint
		ep, buf, err = DecodeEndpoint(buf)
		if err != nil {
			return nil, err
		}
		b.MappedAddress = &ep
	}
	if presence&stunHasError != 0 {
		if len(buf) < 2 {
			return nil, xerrors.New(xerrors.OutOfLimit, "short Stun error code")
		}
		code := binary.BigEndian.Uint16(buf[0:2])
		buf = buf[2:]
		b.ErrorCode = &code
	}
	if presence&stunHasFromer != 0 {
		var id identity.ObjectId
		id, buf, err = DecodeObjectId(buf)
		if err != nil {
			return nil, err
		}
		b.Fromer = &id
	}
	if presence&stunHasTarget != 0 {
		var id identity.ObjectId
		id, buf, err = DecodeObjectId(buf)
		if err != nil {
			return nil, err
		}
		b.Target = &id
	}
	if presence&stunHasMix != 0 {
		var mix []byte
		mix, buf, err = readLengthPrefixed(buf)
		if err != nil {
			return nil, err
		}
		b.MixHash = mix
	}
	if presence&stunHasLive != 0 {
		if len(buf) < 4 {
			return nil, xerrors.New(xerrors.OutOfLimit, "short Stun live-minutes")
		}
		live := binary.BigEndian.Uint32(buf[0:4])
		buf = buf[4:]
		b.LiveMinutes = &live
	}
	if presence&stunHasProxy != 0 {
		var ep identity.Endpoint
		ep, _, err = DecodeEndpoint(buf)
		if err != nil {
			return nil, err
		}
		b.ProxyAddress = &ep
	}
	return b, nil
}

// ApplicationBody carries opaque Request/Response application bytes.
type ApplicationBody struct {
	Data []byte
}

func (ApplicationBody) Command() MajorCommand { return CommandRequest } // overridden per use; see requestBody/responseBody

func (b ApplicationBody) encode(buf []byte) []byte {
	return appendLengthPrefixed16(buf, b.Data)
}

func decodeApplicationBody(buf []byte) (Body, error) {
	data, _, err := readLengthPrefixed16(buf)
	if err != nil {
		return nil, err
	}
	return ApplicationBody{Data: data}, nil
}

// requestBody / responseBody distinguish Request from Response at encode
// time, since ApplicationBody's shape is identical for both.
type requestBody struct{ ApplicationBody }

func (requestBody) Command() MajorCommand { return CommandRequest }

type responseBody struct{ ApplicationBody }

func (responseBody) Command() MajorCommand { return CommandResponse }

// NewRequestBody wraps opaque application bytes as a Request body.
func NewRequestBody(data []byte) Body { return requestBody{ApplicationBody{Data: data}} }

// NewResponseBody wraps opaque application bytes as a Response body.
func NewResponseBody(data []byte) Body { return responseBody{ApplicationBody{Data: data}} }

// ApplicationData extracts the opaque bytes from a Request or Response
// body. ok is false for any other Body variant.
func ApplicationData(b Body) (data []byte, ok bool) {
	switch v := b.(type) {
	case requestBody:
		return v.Data, true
	case responseBody:
		return v.Data, true
	default:
		return nil, false
	}
}

// decodeBody dispatches to the right per-command decoder.
func decodeBody(cmd MajorCommand, buf []byte) (Body, error) {
	switch cmd {
	case CommandExchange:
		return decodeExchangeBody(buf)
	case CommandAckTunnel:
		return decodeAckTunnelBody(buf)
	case CommandAckAckTunnel:
		return decodeAckAckTunnelBody(buf)
	case CommandAck:
		return decodeAckBody(buf)
	case CommandAckAck:
		return decodeAckAckBody(buf)
	case CommandStun:
		return decodeStunBody(buf)
	case CommandRequest:
		b, err := decodeApplicationBody(buf)
		if err != nil {
			return nil, err
		}
		return requestBody{b.(ApplicationBody)}, nil
	case CommandResponse:
		b, err := decodeApplicationBody(buf)
		if err != nil {
			return nil, err
		}
		return responseBody{b.(ApplicationBody)}, nil
	default:
		return nil, xerrors.New(xerrors.InvalidFormat, "unknown major command")
	}
}
