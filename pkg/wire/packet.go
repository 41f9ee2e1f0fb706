package wire

import (
	"github.com/duskline/overlay/pkg/xerrors"
)

// Frame is one wire datagram: a header, a header-extension, one fragment's
// worth of payload bytes, and an optional trailing signature. Frame is the
// unit C2 reads/writes; reassembling a sequence of Frames into a typed Body
// is the tunnel container's job (it owns the reassembly state), not this
// package's.
type Frame struct {
	Header    Header
	Extension Extension
	Payload   []byte // one fragment slice of the serialized body
	Signature []byte // present iff Header.HasSignature
}

// Encode serializes a Frame to its wire bytes.
func Encode(f Frame) []byte {
	buf := make([]byte, 0, 128+len(f.Payload)+len(f.Signature))
	buf = EncodeHeader(buf, f.Header)
	buf = EncodeExtension(buf, f.Extension)
	buf = appendLengthPrefixed16(buf, f.Payload)
	if f.Header.HasSignature {
		buf = appendLengthPrefixed16(buf, f.Signature)
	}
	return buf
}

// Decode parses a Frame from raw bytes. It does not interpret Payload as a
// typed Body — that requires every fragment of the logical message to be
// collected first (spec.md §4.4.3).
func Decode(buf []byte) (Frame, error) {
	header, rest, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}
	ext, rest, err := DecodeExtension(rest)
	if err != nil {
		return Frame{}, err
	}
	payload, rest, err := readLengthPrefixed16(rest)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Header: header, Extension: ext, Payload: append([]byte(nil), payload...)}
	if header.HasSignature {
		sig, _, err := readLengthPrefixed16(rest)
		if err != nil {
			return Frame{}, err
		}
		f.Signature = append([]byte(nil), sig...)
	}
	return f, nil
}

// EncodeBody serializes a typed Body to raw bytes, the payload the
// fragmenter below splits.
func EncodeBody(b Body) []byte {
	return b.encode(nil)
}

// DecodeBody parses raw, fully-reassembled payload bytes as the Body
// variant named by cmd.
func DecodeBody(cmd MajorCommand, buf []byte) (Body, error) {
	return decodeBody(cmd, buf)
}

// Fragment splits a serialized body into count equal-size (last one
// possibly smaller) fragments, each no larger than maxFragmentSize, per
// spec.md §4.1. A body that already fits in one fragment returns a single
// chunk.
func Fragment(body []byte, maxFragmentSize int) ([][]byte, error) {
	if maxFragmentSize <= 0 {
		return nil, xerrors.New(xerrors.InvalidParam, "maxFragmentSize must be positive")
	}
	if len(body) == 0 {
		return [][]byte{{}}, nil
	}
	if len(body) <= maxFragmentSize {
		return [][]byte{body}, nil
	}

	count := (len(body) + maxFragmentSize - 1) / maxFragmentSize
	if count > 255 {
		return nil, xerrors.New(xerrors.OutOfLimit, "body requires more than 255 fragments")
	}
	chunks := make([][]byte, 0, count)
	for i := 0; i < len(body); i += maxFragmentSize {
		end := i + maxFragmentSize
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, body[i:end])
	}
	return chunks, nil
}

// BuildFrames fragments body and produces one Frame per fragment, sharing
// the same (sequence, timestamp) and header-extension, with Index/Count set
// appropriately. sign, if non-nil, is applied to each frame's pre-signature
// bytes and the result attached as the trailer.
func BuildFrames(cmd MajorCommand, sequence []byte, timestamp uint64, ext Extension, body Body, maxFragmentSize int, sign func([]byte) []byte) ([]Frame, error) {
	encoded := EncodeBody(body)
	chunks, err := Fragment(encoded, maxFragmentSize)
	if err != nil {
		return nil, err
	}
	frames := make([]Frame, 0, len(chunks))
	for i, chunk := range chunks {
		h := Header{
			MajorCommand: cmd,
			Index:        uint8(i),
			Count:        uint8(len(chunks)),
			Timestamp:    timestamp,
			Sequence:     sequence,
		}
		f := Frame{Header: h, Extension: ext, Payload: chunk}
		if sign != nil {
			f.Header.HasSignature = true
			unsigned := Encode(Frame{Header: h, Extension: ext, Payload: chunk})
			f.Signature = sign(unsigned)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
