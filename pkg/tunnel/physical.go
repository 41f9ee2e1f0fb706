package tunnel

import (
	"sync"
	"time"

	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// ContainerHandle is the narrow interface a physical tunnel holds back to
// its owning container instead of a direct pointer to it — the "weak
// back-reference" of spec.md §9: the container exclusively owns its
// tunnels; a tunnel only needs the owner's peer id and a way to report
// state transitions upward, never the full container.
type ContainerHandle interface {
	PeerID() identity.ObjectId
	LocalIdentity() identity.ObjectId
	NotifyEstablished(pair identity.EndpointPair, data ExchangeData)
	NotifyDead(pair identity.EndpointPair, reason string)
}

// PhysicalTunnel is C3: one {local, remote, protocol} path, running the
// 3-way Exchange -> AckTunnel -> AckAckTunnel handshake (spec.md §4.3) and
// owning the send function used to write frames to its interface.
type PhysicalTunnel struct {
	pair     identity.EndpointPair
	iface    iface.Interface
	handle   ContainerHandle
	verifier identity.Verifier
	signer   identity.Signer
	log      logging.Logger
	now      func() time.Time

	mu            sync.Mutex
	state         State
	sentOwnExchange bool
	localNonce    []byte
}

// NewPhysicalTunnel constructs a tunnel in the Connecting state.
func NewPhysicalTunnel(pair identity.EndpointPair, itf iface.Interface, handle ContainerHandle, verifier identity.Verifier, signer identity.Signer, log logging.Logger) *PhysicalTunnel {
	return &PhysicalTunnel{
		pair:     pair,
		iface:    itf,
		handle:   handle,
		verifier: verifier,
		signer:   signer,
		log:      log.WithField("endpoint", pair.String()),
		now:      time.Now,
		state:    Connecting{},
	}
}

func (t *PhysicalTunnel) Pair() identity.EndpointPair { return t.pair }

// State returns the tunnel's current state.
func (t *PhysicalTunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *PhysicalTunnel) IsClosed() bool {
	_, dead := t.State().(Dead)
	return dead
}

// Active begins the handshake as the initiator: sends an Exchange carrying
// our identity blob and a fresh nonce.
func (t *PhysicalTunnel) Active(localBlob []byte, nonce []byte) error {
	t.mu.Lock()
	t.sentOwnExchange = true
	t.localNonce = nonce
	t.mu.Unlock()

	ext := wire.Extension{
		Source: wire.Source{Requestor: t.handle.LocalIdentity()},
		Target: t.handle.PeerID(),
	}
	body := wire.ExchangeBody{FromDevice: localBlob, Nonce: nonce}
	return t.send(wire.CommandExchange, t.sequenceFor(wire.CommandExchange), ext, body)
}

// Post hands an already-built frame set to this tunnel's write path. The
// container installs send-tracking only after this returns success (spec
// §4.4.2).
func (t *PhysicalTunnel) Post(frames []wire.Frame) error {
	if t.IsClosed() {
		return xerrors.New(xerrors.TunnelClosed, "tunnel is dead")
	}
	if t.iface == nil {
		return xerrors.New(xerrors.TunnelClosed, "no interface bound to tunnel")
	}
	for _, f := range frames {
		if err := t.iface.Write(t.pair.Remote, wire.Encode(f)); err != nil {
			t.transitionDead("write failure")
			return xerrors.Wrap(xerrors.TunnelClosed, "post", err)
		}
	}
	return nil
}

// sequenceFor is a tiny helper producing a one-fragment sequence id for
// handshake packets; real application sequences are minted by the
// container/manager.
func (t *PhysicalTunnel) sequenceFor(cmd wire.MajorCommand) []byte {
	return []byte{byte(cmd)}
}

func (t *PhysicalTunnel) send(cmd wire.MajorCommand, sequence []byte, ext wire.Extension, body wire.Body) error {
	var sign func([]byte) []byte
	if t.signer != nil {
		sign = t.signer.Sign
	}
	frames, err := wire.BuildFrames(cmd, sequence, uint64(t.now().UnixMicro()), ext, body, defaultMaxFragmentSize, sign)
	if err != nil {
		return err
	}
	return t.Post(frames)
}

// OnPacket feeds one decoded handshake-family frame (Exchange, AckTunnel,
// AckAckTunnel) into the state machine (spec.md §4.3). Non-handshake frames
// are the container's concern, not this tunnel's.
func (t *PhysicalTunnel) OnPacket(frame wire.Frame, body wire.Body) {
	switch b := body.(type) {
	case wire.ExchangeBody:
		t.onExchange(frame, b)
	case wire.AckTunnelBody:
		t.onAckTunnel(frame, b)
	case wire.AckAckTunnelBody:
		t.onAckAckTunnel(frame, b)
	}
}

func (t *PhysicalTunnel) onExchange(frame wire.Frame, body wire.ExchangeBody) {
	if !frame.Extension.Target.Equal(t.handle.LocalIdentity()) {
		t.transitionDead("exchange target mismatch")
		return
	}
	peerID, err := t.verify(body.FromDevice)
	if err != nil {
		t.log.Warnf("exchange verification failed: %v", err)
		t.transitionDead("bad verification")
		return
	}

	t.mu.Lock()
	_, connecting := t.state.(Connecting)
	concurrent := connecting && t.sentOwnExchange
	t.mu.Unlock()

	if concurrent {
		local := t.handle.LocalIdentity()
		if local.Less(peerID) {
			// We hold the lexicographically smaller id: our own Exchange
			// drives the transition per spec.md §4.3's tie-break. The
			// peer's concurrent Exchange is redundant; ignore it rather
			// than racing two handshakes to completion.
			t.log.Debugf("ignoring concurrent exchange from %s, local id wins tie-break", peerID)
			return
		}
	}

	ext := wire.Extension{
		Source: wire.Source{Requestor: t.handle.LocalIdentity()},
		Target: peerID,
	}
	ackBody := wire.AckTunnelBody{Result: 0, SendTime: uint64(t.now().UnixMicro())}
	if err := t.send(wire.CommandAckTunnel, frame.Header.Sequence, ext, ackBody); err != nil {
		t.log.Warnf("failed replying AckTunnel: %v", err)
	}
}

func (t *PhysicalTunnel) onAckTunnel(frame wire.Frame, body wire.AckTunnelBody) {
	t.mu.Lock()
	if _, already := t.state.(Established); already {
		t.mu.Unlock()
		// Open question #1: an AckTunnel arriving for an already-Established
		// tunnel is treated as Ignore, logged at Debug.
		t.log.Debugf("ignoring AckTunnel for already-established tunnel")
		return
	}
	t.mu.Unlock()

	if body.Result != 0 {
		t.transitionDead("ack tunnel failure result")
		return
	}

	peerID := t.handle.PeerID()
	data := ExchangeData{PeerID: peerID, EstablishedAt: t.now()}
	t.transitionEstablished(data)

	ext := wire.Extension{
		Source: wire.Source{Requestor: t.handle.LocalIdentity()},
		Target: peerID,
	}
	ackAck := wire.AckAckTunnelBody{Sequence: frame.Header.Sequence, Result: 0, SendTime: uint64(t.now().UnixMicro())}
	if err := t.send(wire.CommandAckAckTunnel, frame.Header.Sequence, ext, ackAck); err != nil {
		t.log.Warnf("failed replying AckAckTunnel: %v", err)
	}
}

func (t *PhysicalTunnel) onAckAckTunnel(frame wire.Frame, body wire.AckAckTunnelBody) {
	if body.Result != 0 {
		t.transitionDead("ack-ack tunnel failure result")
		return
	}
	data := ExchangeData{PeerID: t.handle.PeerID(), EstablishedAt: t.now()}
	t.transitionEstablished(data)
}

func (t *PhysicalTunnel) verify(blob []byte) (identity.ObjectId, error) {
	if t.verifier == nil {
		// No verifier wired (e.g. tests): trust the container's already
		// known peer id.
		return t.handle.PeerID(), nil
	}
	return t.verifier.Verify(blob)
}

func (t *PhysicalTunnel) transitionEstablished(data ExchangeData) {
	t.mu.Lock()
	t.state = Established{Data: data}
	t.mu.Unlock()
	t.handle.NotifyEstablished(t.pair, data)
}

func (t *PhysicalTunnel) transitionDead(reason string) {
	t.mu.Lock()
	t.state = Dead{Reason: reason}
	t.mu.Unlock()
	t.handle.NotifyDead(t.pair, reason)
}

// Close marks the tunnel Dead from the outside (container recycle/close).
// Only this path's per-remote state is torn down; the interface itself may
// be shared with other tunnels and stays open.
func (t *PhysicalTunnel) Close(reason string) {
	if t.IsClosed() {
		return
	}
	t.transitionDead(reason)
	if t.iface != nil {
		_ = t.iface.CloseRemote(t.pair.Remote)
	}
}

// defaultMaxFragmentSize is MTU minus this codec's header/extension/trailer
// overhead, per spec.md §4.1. 1200 keeps frames comfortably under common
// Ethernet/UDP MTUs even with IPv6 encapsulation.
const defaultMaxFragmentSize = 1200
