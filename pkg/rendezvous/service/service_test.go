package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/manager"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/relay"
	"github.com/duskline/overlay/pkg/rendezvous/service"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

// capturingDispatcher stands in for a real client's dispatcher, recording
// every Stun body a container hands it.
type capturingDispatcher struct {
	ch chan wire.StunBody
}

func (d *capturingDispatcher) Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, _ uint64, _ []byte) {
	if stun, ok := body.(wire.StunBody); ok {
		d.ch <- stun
	}
}

// harness binds one test peer against a manager-backed Service, the way
// the stack (C9) wires a real client's containers to it.
type harness struct {
	svcID, peerID identity.ObjectId
	peerIface     *iface.UDPInterface
	svcIface      *iface.UDPInterface
	peerContainer *tunnel.Container
	mgr           *manager.Manager
	svc           *service.Service
	relayReg      *relay.Registry
	peerDispatch  *capturingDispatcher
}

func newHarness(t *testing.T, cfg service.Config) *harness {
	t.Helper()
	inv := invoker.New()
	h := &harness{
		svcID:  identity.NewObjectId(identity.MajorService, 0),
		peerID: identity.NewObjectId(identity.MajorDevice, 0),
	}
	h.peerDispatch = &capturingDispatcher{ch: make(chan wire.StunBody, 8)}
	h.peerContainer = tunnel.NewContainer(h.svcID, h.peerID, tunnel.DefaultConfig(), nil, nil, h.peerDispatch, nil, metrics.Noop(), logging.Noop(), inv)

	var err error
	h.peerIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { h.peerContainer.HandleFrame(pair, f, h.peerIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)

	h.relayReg = relay.New(5*time.Minute, time.Minute, metrics.Noop())
	relayAddr := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{198, 51, 100, 1}, Port: 3478}

	h.mgr = manager.New(h.svcID, func(p identity.ObjectId) *tunnel.Container {
		return tunnel.NewContainer(p, h.svcID, tunnel.DefaultConfig(), nil, nil, h.svc, nil, metrics.Noop(), logging.Noop(), inv)
	}, tunnel.DefaultConfig(), metrics.Noop(), logging.Noop(), inv)

	h.svc = service.New(h.svcID, h.mgr, h.relayReg, relayAddr, cfg, metrics.Noop(), logging.Noop(), inv)

	h.svcIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { _ = h.mgr.Dispatch(pair, f, h.svcIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.peerIface.Close()
		h.svcIface.Close()
		h.mgr.Stop()
		h.svc.Stop()
		inv.Stop()
	})
	return h
}

func bind(t *testing.T, peerContainer *tunnel.Container, peerID, svcID identity.ObjectId, dispatch *capturingDispatcher) {
	t.Helper()
	_, err := peerContainer.PostMessage(context.Background(), []byte{0x01}, wire.CommandStun,
		wire.Extension{Source: wire.Source{Requestor: peerID}, Target: svcID},
		wire.StunBody{Type: wire.StunPingRequest})
	require.NoError(t, err)

	select {
	case body := <-dispatch.ch:
		require.Equal(t, wire.StunPingResponse, body.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bind ping response")
	}
}

func TestServiceBindActivatesPeerAndRepliesMappedAddress(t *testing.T) {
	h := newHarness(t, service.DefaultConfig())
	pair := identity.EndpointPair{Local: h.peerIface.LocalEndpoint(), Remote: h.svcIface.LocalEndpoint()}
	h.peerContainer.AddTunnel(pair, h.peerIface, true, []byte("peer-blob"), []byte("nonce-1"))
	require.Eventually(t, func() bool { return h.peerContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)

	bind(t, h.peerContainer, h.peerID, h.svcID, h.peerDispatch)

	active := h.svc.ActivePeers()
	require.Len(t, active, 1)
	require.True(t, active[0].Equal(h.peerID))

	seen, ok := h.svc.LastSeen(h.peerID)
	require.True(t, ok)
	require.Equal(t, h.peerIface.LocalEndpoint().Port, seen.Port)
}

func TestServiceRejectsReplayedBind(t *testing.T) {
	h := newHarness(t, service.DefaultConfig())

	epA := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{203, 0, 113, 5}, Port: 40000}
	epB := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{203, 0, 113, 9}, Port: 50000}
	extWith := func(observed identity.Endpoint) wire.Extension {
		return wire.Extension{Source: wire.Source{Requestor: h.peerID, CreatorRemote: &observed}, Target: h.svcID}
	}

	h.svc.Dispatch(h.peerID, wire.CommandStun, extWith(epA), wire.StunBody{Type: wire.StunPingRequest}, 1000, nil)
	seen, ok := h.svc.LastSeen(h.peerID)
	require.True(t, ok)
	require.True(t, seen.Equal(epA))

	// a stale or replayed timestamp must not overwrite the cached observation
	h.svc.Dispatch(h.peerID, wire.CommandStun, extWith(epB), wire.StunBody{Type: wire.StunPingRequest}, 500, nil)
	seen, ok = h.svc.LastSeen(h.peerID)
	require.True(t, ok)
	require.True(t, seen.Equal(epA))

	// a fresher timestamp is accepted normally
	h.svc.Dispatch(h.peerID, wire.CommandStun, extWith(epB), wire.StunBody{Type: wire.StunPingRequest}, 2000, nil)
	seen, ok = h.svc.LastSeen(h.peerID)
	require.True(t, ok)
	require.True(t, seen.Equal(epB))
}

func TestServiceKnockRotationDemotesStalePeer(t *testing.T) {
	cfg := service.DefaultConfig()
	cfg.KnockTimeout = 20 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	h := newHarness(t, cfg)

	ep := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{203, 0, 113, 5}, Port: 40000}
	ext := wire.Extension{Source: wire.Source{Requestor: h.peerID, CreatorRemote: &ep}, Target: h.svcID}
	h.svc.Dispatch(h.peerID, wire.CommandStun, ext, wire.StunBody{Type: wire.StunPingRequest}, 1000, nil)
	require.Len(t, h.svc.ActivePeers(), 1)

	h.svc.Start()
	require.Eventually(t, func() bool { return len(h.svc.KnockedPeers()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, h.svc.ActivePeers())
}

func TestServiceForwardsCallRequestAndRelaysResponse(t *testing.T) {
	h := newHarness(t, service.DefaultConfig())

	calleeID := identity.NewObjectId(identity.MajorDevice, 0)
	calleeDispatch := &capturingDispatcher{ch: make(chan wire.StunBody, 8)}
	inv := invoker.New()
	calleeContainer := tunnel.NewContainer(h.svcID, calleeID, tunnel.DefaultConfig(), nil, nil, calleeDispatch, nil, metrics.Noop(), logging.Noop(), inv)
	var calleeIface *iface.UDPInterface
	calleeIface, err := iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { calleeContainer.HandleFrame(pair, f, calleeIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	t.Cleanup(func() { calleeIface.Close(); inv.Stop() })

	callerPair := identity.EndpointPair{Local: h.peerIface.LocalEndpoint(), Remote: h.svcIface.LocalEndpoint()}
	h.peerContainer.AddTunnel(callerPair, h.peerIface, true, []byte("caller-blob"), []byte("n1"))
	require.Eventually(t, func() bool { return h.peerContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)
	bind(t, h.peerContainer, h.peerID, h.svcID, h.peerDispatch)

	calleePair := identity.EndpointPair{Local: calleeIface.LocalEndpoint(), Remote: h.svcIface.LocalEndpoint()}
	calleeContainer.AddTunnel(calleePair, calleeIface, true, []byte("callee-blob"), []byte("n2"))
	require.Eventually(t, func() bool { return calleeContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)
	bind(t, calleeContainer, calleeID, h.svcID, calleeDispatch)

	_, err = h.peerContainer.PostMessage(context.Background(), []byte{0x02}, wire.CommandStun,
		wire.Extension{Source: wire.Source{Requestor: h.peerID}, Target: h.svcID},
		wire.StunBody{Type: wire.StunCallRequest, Target: &calleeID})
	require.NoError(t, err)

	select {
	case body := <-calleeDispatch.ch:
		require.Equal(t, wire.StunCallRequest, body.Type)
		require.NotNil(t, body.Fromer)
		require.True(t, body.Fromer.Equal(h.peerID))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded call request")
	}

	reverse := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{203, 0, 113, 50}, Port: 6000}
	_, err = calleeContainer.PostMessage(context.Background(), []byte{0x03}, wire.CommandStun,
		wire.Extension{Source: wire.Source{Requestor: calleeID}, Target: h.svcID},
		wire.StunBody{Type: wire.StunCallResponse, Target: &calleeID, Fromer: &calleeID, ProxyAddress: &reverse})
	require.NoError(t, err)

	select {
	case body := <-h.peerDispatch.ch:
		require.Equal(t, wire.StunCallResponse, body.Type)
		require.NotNil(t, body.ProxyAddress)
		require.True(t, body.ProxyAddress.Equal(reverse))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed call response")
	}
}

func TestServiceForwardsAllocationRequestAndMintsRelayChannel(t *testing.T) {
	h := newHarness(t, service.DefaultConfig())

	targetID := identity.NewObjectId(identity.MajorDevice, 0)
	targetDispatch := &capturingDispatcher{ch: make(chan wire.StunBody, 8)}
	inv := invoker.New()
	targetContainer := tunnel.NewContainer(h.svcID, targetID, tunnel.DefaultConfig(), nil, nil, targetDispatch, nil, metrics.Noop(), logging.Noop(), inv)
	var targetIface *iface.UDPInterface
	targetIface, err := iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { targetContainer.HandleFrame(pair, f, targetIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	t.Cleanup(func() { targetIface.Close(); inv.Stop() })

	callerPair := identity.EndpointPair{Local: h.peerIface.LocalEndpoint(), Remote: h.svcIface.LocalEndpoint()}
	h.peerContainer.AddTunnel(callerPair, h.peerIface, true, []byte("caller-blob"), []byte("n1"))
	require.Eventually(t, func() bool { return h.peerContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)
	bind(t, h.peerContainer, h.peerID, h.svcID, h.peerDispatch)

	targetPair := identity.EndpointPair{Local: targetIface.LocalEndpoint(), Remote: h.svcIface.LocalEndpoint()}
	targetContainer.AddTunnel(targetPair, targetIface, true, []byte("target-blob"), []byte("n2"))
	require.Eventually(t, func() bool { return targetContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)
	bind(t, targetContainer, targetID, h.svcID, targetDispatch)

	_, err = h.peerContainer.PostMessage(context.Background(), []byte{0x04}, wire.CommandStun,
		wire.Extension{Source: wire.Source{Requestor: h.peerID}, Target: h.svcID},
		wire.StunBody{Type: wire.StunAllocationRequest, Target: &targetID})
	require.NoError(t, err)

	var channelKey []byte
	select {
	case body := <-targetDispatch.ch:
		require.Equal(t, wire.StunAllocationRequest, body.Type)
		require.NotEmpty(t, body.MixHash)
		channelKey = body.MixHash
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded allocation request")
	}

	owners, ok := h.relayReg.Lookup(channelKey)
	require.True(t, ok)
	require.True(t, owners.Owner.Equal(h.peerID))
	require.True(t, owners.Peer.Equal(targetID))

	_, err = targetContainer.PostMessage(context.Background(), []byte{0x05}, wire.CommandStun,
		wire.Extension{Source: wire.Source{Requestor: targetID}, Target: h.svcID},
		wire.StunBody{Type: wire.StunAllocationResponse, Target: &targetID})
	require.NoError(t, err)

	select {
	case body := <-h.peerDispatch.ch:
		require.Equal(t, wire.StunAllocationResponse, body.Type)
		require.Equal(t, channelKey, body.MixHash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed allocation response")
	}
}
