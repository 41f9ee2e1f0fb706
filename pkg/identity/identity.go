// Package identity implements the data model of spec.md §3/§6 that the
// core reads but does not interpret: ObjectId's type code, Endpoint, and
// EndpointPair. Cryptographic content (signing keys, certificates) is an
// out-of-scope external collaborator's concern; this package only carries
// the opaque bytes and the type-code the core branches policy on.
package identity

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Major is the major kind of an ObjectId's type code. The core branches
// routing/policy decisions on this (e.g. "this peer is a rendezvous
// service"); it never interprets the opaque payload.
type Major uint8

const (
	MajorDevice    Major = 1
	MajorService   Major = 2
	MajorPeople    Major = 3
	MajorExtension Major = 4
)

func (m Major) String() string {
	switch m {
	case MajorDevice:
		return "device"
	case MajorService:
		return "service"
	case MajorPeople:
		return "people"
	case MajorExtension:
		return "extension"
	default:
		return fmt.Sprintf("major(%d)", uint8(m))
	}
}

// ObjectId is an opaque identifier with a two-part type code. The core
// reads Major/Minor to branch policy; Payload is never interpreted.
type ObjectId struct {
	Major   Major
	Minor   uint8
	Payload []byte
}

// NewObjectId builds an ObjectId with a freshly generated 16-byte UUID
// payload, the shape every example in the pack uses for opaque identifiers.
func NewObjectId(major Major, minor uint8) ObjectId {
	id := uuid.New()
	return ObjectId{Major: major, Minor: minor, Payload: id[:]}
}

// IsDevice reports whether this id's major type code is "device". The
// rendezvous client's outbound routing policy (spec §4.6.4) only accepts
// device targets.
func (o ObjectId) IsDevice() bool {
	return o.Major == MajorDevice
}

// IsService reports whether this id's major type code is "service" — the
// rendezvous/relay role.
func (o ObjectId) IsService() bool {
	return o.Major == MajorService
}

// Equal compares two ObjectId values for exact equality.
func (o ObjectId) Equal(other ObjectId) bool {
	return o.Major == other.Major && o.Minor == other.Minor && bytes.Equal(o.Payload, other.Payload)
}

// Less provides the lexicographic ordering spec.md §4.3 uses for the
// concurrent-Exchange tie-break ("the side with the lexicographically
// smaller peer id wins").
func (o ObjectId) Less(other ObjectId) bool {
	if o.Major != other.Major {
		return o.Major < other.Major
	}
	if o.Minor != other.Minor {
		return o.Minor < other.Minor
	}
	return bytes.Compare(o.Payload, other.Payload) < 0
}

// String renders a compact, grep-friendly identifier for logging.
func (o ObjectId) String() string {
	return fmt.Sprintf("%s:%d:%x", o.Major, o.Minor, o.Payload)
}

// Key returns a value usable as a map key (ObjectId itself is not
// comparable because it embeds a slice).
func (o ObjectId) Key() string {
	return string([]byte{byte(o.Major), o.Minor}) + string(o.Payload)
}

// Verifier validates an identity blob carried in an Exchange body and
// extracts the peer's ObjectId from it. The concrete crypto suite (key
// storage, certificate parsing) is an out-of-scope external collaborator;
// the core only consumes this interface.
type Verifier interface {
	Verify(blob []byte) (ObjectId, error)
}

// Signer produces the optional trailer signature for outbound frames. Like
// Verifier, the concrete signing suite is out of scope.
type Signer interface {
	Sign(data []byte) []byte
}

// Protocol identifies the transport a physical tunnel or Endpoint runs
// over.
type Protocol uint8

const (
	ProtocolTCP Protocol = 1
	ProtocolUDP Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Family is the address family of an Endpoint.
type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

// Endpoint identifies one socket address reachable over one protocol.
type Endpoint struct {
	Protocol Protocol
	Family   Family
	IP       []byte // 4 bytes for FamilyV4, 16 for FamilyV6
	Port     uint16
}

// String renders "proto://ip:port" for logs.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, ipString(e), e.Port)
}

// HostPort renders "ip:port", suitable for net.Dial/net.ResolveXAddr.
func (e Endpoint) HostPort() string {
	return fmt.Sprintf("%s:%d", ipString(e), e.Port)
}

func ipString(e Endpoint) string {
	if len(e.IP) == 0 {
		return "<nil>"
	}
	if e.Family == FamilyV4 && len(e.IP) >= 4 {
		return fmt.Sprintf("%d.%d.%d.%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3])
	}
	return fmt.Sprintf("%x", e.IP)
}

// Equal compares two endpoints field by field.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Protocol == other.Protocol && e.Family == other.Family &&
		e.Port == other.Port && bytes.Equal(e.IP, other.IP)
}

// EndpointPair identifies one physical tunnel within a container: a
// {local, remote} pair, both over the same protocol.
type EndpointPair struct {
	Local  Endpoint
	Remote Endpoint
}

// Key returns a comparable map key for use as the tunnels map index in a
// container.
func (p EndpointPair) Key() string {
	return p.Local.String() + "|" + p.Remote.String()
}

func (p EndpointPair) String() string {
	return fmt.Sprintf("%s<->%s", p.Local, p.Remote)
}
