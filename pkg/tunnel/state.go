package tunnel

import (
	"time"

	"github.com/duskline/overlay/pkg/identity"
)

// State is the sum type of a physical tunnel's lifecycle (spec.md §3,
// §9 — "implement TunnelState as a tagged variant whose variants carry
// exactly the fields that state needs"). Transitions replace the value
// outright; nothing mutates in place across variants.
type State interface {
	isState()
}

// Connecting is the initial state: the 3-way exchange has not completed.
type Connecting struct{}

func (Connecting) isState() {}

// ExchangeData is the payload an Established tunnel carries: the verified
// peer identity and the time the handshake completed. The handshake leaves
// Nonce empty, and no observed external endpoint is recorded here.
type ExchangeData struct {
	PeerID        identity.ObjectId
	Nonce         []byte
	EstablishedAt time.Time
}

// Established means the 3-way exchange completed; the tunnel can carry
// application traffic.
type Established struct {
	Data ExchangeData
}

func (Established) isState() {}

// Dead means the path failed (target mismatch, bad verification, or was
// explicitly closed) and will not be retried by the physical tunnel itself
// — recovery is the container's recycle pass.
type Dead struct {
	Reason string
}

func (Dead) isState() {}
