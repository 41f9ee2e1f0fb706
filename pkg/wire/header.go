// Package wire implements the binary on-wire codec of spec.md §6: the
// fixed header, the header-extension routing triple, the per-command body
// variants, and fragmentation. The teacher serializes whole messages with
// encoding/json over a reliable group transport; this spec fixes a byte-
// exact layout with a signature trailer and per-fragment indices, which no
// library in the retrieval pack reproduces, so this package is intentionally
// stdlib-only (see DESIGN.md).
package wire

import (
	"encoding/binary"

	"github.com/duskline/overlay/pkg/xerrors"
)

// MajorCommand discriminates the body variant carried by a packet.
type MajorCommand uint8

const (
	CommandExchange    MajorCommand = 1
	CommandAckTunnel   MajorCommand = 2
	CommandAckAckTunnel MajorCommand = 3
	CommandAck         MajorCommand = 4
	CommandAckAck      MajorCommand = 5
	CommandStun        MajorCommand = 6
	CommandRequest     MajorCommand = 7
	CommandResponse    MajorCommand = 8
)

func (c MajorCommand) IsHandshake() bool {
	return c == CommandExchange || c == CommandAckTunnel || c == CommandAckAckTunnel
}

func (c MajorCommand) IsAck() bool {
	return c == CommandAck || c == CommandAckAck
}

// Magic identifies a packet belonging to this protocol, the first two
// bytes of every frame.
const Magic uint16 = 0x4E54 // "NT"

const flagHasSignature uint8 = 1 << 0

// Header is the fixed portion of a packet: magic, major-command, flags,
// index, count, timestamp, followed immediately (not counted in the 14
// fixed bytes) by the length-prefixed sequence blob.
type Header struct {
	MajorCommand MajorCommand
	HasSignature bool
	Index        uint8
	Count        uint8
	Timestamp    uint64 // microseconds since epoch
	Sequence     []byte
}

// fixedHeaderSize is the byte length of every field up to but excluding the
// variable-length sequence blob: magic(2) + command(1) + flags(1) +
// index(1) + count(1) + timestamp(8).
const fixedHeaderSize = 2 + 1 + 1 + 1 + 1 + 8

// EncodeHeader appends the encoded header (fixed fields plus the
// length-prefixed sequence) to buf and returns the result.
func EncodeHeader(buf []byte, h Header) []byte {
	var flags uint8
	if h.HasSignature {
		flags |= flagHasSignature
	}

	tmp := make([]byte, fixedHeaderSize)
	binary.BigEndian.PutUint16(tmp[0:2], Magic)
	tmp[2] = uint8(h.MajorCommand)
	tmp[3] = flags
	tmp[4] = h.Index
	tmp[5] = h.Count
	binary.BigEndian.PutUint64(tmp[6:14], h.Timestamp)
	buf = append(buf, tmp...)
	return appendLengthPrefixed(buf, h.Sequence)
}

// DecodeHeader parses a Header from the front of buf and returns the
// remaining unconsumed bytes.
func DecodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < fixedHeaderSize {
		return Header{}, nil, xerrors.New(xerrors.OutOfLimit, "short header")
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != Magic {
		return Header{}, nil, xerrors.New(xerrors.InvalidFormat, "bad magic")
	}
	h := Header{
		MajorCommand: MajorCommand(buf[2]),
		HasSignature: buf[3]&flagHasSignature != 0,
		Index:        buf[4],
		Count:        buf[5],
		Timestamp:    binary.BigEndian.Uint64(buf[6:14]),
	}
	rest := buf[fixedHeaderSize:]
	seq, rest, err := readLengthPrefixed(rest)
	if err != nil {
		return Header{}, nil, err
	}
	h.Sequence = seq
	return h, rest, nil
}

// appendLengthPrefixed appends a 1-byte length followed by data. Callers
// are responsible for keeping data under 256 bytes (sequences, object-id
// payloads and mix-hashes are always short generated ids in this protocol).
func appendLengthPrefixed(buf []byte, data []byte) []byte {
	buf = append(buf, uint8(len(data)))
	return append(buf, data...)
}

func readLengthPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, xerrors.New(xerrors.OutOfLimit, "missing length prefix")
	}
	n := int(buf[0])
	buf = buf[1:]
	if len(buf) < n {
		return nil, nil, xerrors.New(xerrors.InvalidFormat, "length exceeds remaining buffer")
	}
	return buf[:n], buf[n:], nil
}

// appendLengthPrefixed16 is used for fields that may legitimately exceed
// 255 bytes (application Request/Response bodies, topics).
func appendLengthPrefixed16(buf []byte, data []byte) []byte {
	var lbuf [2]byte
	binary.BigEndian.PutUint16(lbuf[:], uint16(len(data)))
	buf = append(buf, lbuf[:]...)
	return append(buf, data...)
}

func readLengthPrefixed16(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 2 {
		return nil, nil, xerrors.New(xerrors.OutOfLimit, "missing 16-bit length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return nil, nil, xerrors.New(xerrors.InvalidFormat, "16-bit length exceeds remaining buffer")
	}
	return buf[:n], buf[n:], nil
}
