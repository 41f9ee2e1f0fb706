package wire

import (
	"encoding/binary"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/xerrors"
)

// EncodeEndpoint serializes an Endpoint per spec.md §6: 1 byte protocol
// discriminant, 1 byte family, address bytes, 2 bytes port.
func EncodeEndpoint(buf []byte, e identity.Endpoint) []byte {
	buf = append(buf, uint8(e.Protocol), uint8(e.Family))
	buf = append(buf, e.IP...)
	var pbuf [2]byte
	binary.BigEndian.PutUint16(pbuf[:], e.Port)
	return append(buf, pbuf[:]...)
}

// DecodeEndpoint parses an Endpoint from the front of buf.
func DecodeEndpoint(buf []byte) (identity.Endpoint, []byte, error) {
	if len(buf) < 2 {
		return identity.Endpoint{}, nil, xerrors.New(xerrors.OutOfLimit, "short endpoint")
	}
	proto := identity.Protocol(buf[0])
	fam := identity.Family(buf[1])
	buf = buf[2:]

	var ipLen int
	switch fam {
	case identity.FamilyV4:
		ipLen = 4
	case identity.FamilyV6:
		ipLen = 16
	default:
		return identity.Endpoint{}, nil, xerrors.New(xerrors.InvalidFormat, "unknown address family")
	}
	if len(buf) < ipLen+2 {
		return identity.Endpoint{}, nil, xerrors.New(xerrors.OutOfLimit, "short endpoint address")
	}
	ip := append([]byte(nil), buf[:ipLen]...)
	buf = buf[ipLen:]
	port := binary.BigEndian.Uint16(buf[0:2])
	buf = buf[2:]

	return identity.Endpoint{Protocol: proto, Family: fam, IP: ip, Port: port}, buf, nil
}

// EncodeObjectId serializes an ObjectId: 1 byte major, 1 byte minor, then
// the opaque payload length-prefixed (the payload length is fixed by the
// object scheme per spec.md §6, but we still carry an explicit length so
// the codec need not know the scheme).
func EncodeObjectId(buf []byte, id identity.ObjectId) []byte {
	buf = append(buf, uint8(id.Major), id.Minor)
	return appendLengthPrefixed(buf, id.Payload)
}

// DecodeObjectId parses an ObjectId from the front of buf.
func DecodeObjectId(buf []byte) (identity.ObjectId, []byte, error) {
	if len(buf) < 2 {
		return identity.ObjectId{}, nil, xerrors.New(xerrors.OutOfLimit, "short object id")
	}
	major := identity.Major(buf[0])
	minor := buf[1]
	buf = buf[2:]
	payload, buf, err := readLengthPrefixed(buf)
	if err != nil {
		return identity.ObjectId{}, nil, err
	}
	return identity.ObjectId{Major: major, Minor: minor, Payload: append([]byte(nil), payload...)}, buf, nil
}
