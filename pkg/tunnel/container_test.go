package tunnel_test

import (
	"context"
	"testing"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

// wiringHarness binds two containers back to back over loopback UDP
// interfaces, exactly as the manager would in production, so the physical
// handshake and container bookkeeping can be exercised together.
type wiringHarness struct {
	aID, bID   identity.ObjectId
	aIface     *iface.UDPInterface
	bIface     *iface.UDPInterface
	aContainer *tunnel.Container
	bContainer *tunnel.Container
}

func newHarness(t *testing.T) *wiringHarness {
	t.Helper()
	inv := invoker.New()
	aID := identity.NewObjectId(identity.MajorDevice, 0)
	bID := identity.NewObjectId(identity.MajorDevice, 0)

	h := &wiringHarness{aID: aID, bID: bID}
	h.aContainer = tunnel.NewContainer(bID, aID, tunnel.DefaultConfig(), nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)
	h.bContainer = tunnel.NewContainer(aID, bID, tunnel.DefaultConfig(), nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)

	var err error
	h.aIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { h.aContainer.HandleFrame(pair, f, h.aIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)

	h.bIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { h.bContainer.HandleFrame(pair, f, h.bIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)

	t.Cleanup(func() {
		h.aIface.Close()
		h.bIface.Close()
	})
	return h
}

func (h *wiringHarness) pairs() (identity.EndpointPair, identity.EndpointPair) {
	aToB := identity.EndpointPair{Local: h.aIface.LocalEndpoint(), Remote: h.bIface.LocalEndpoint()}
	bToA := identity.EndpointPair{Local: h.bIface.LocalEndpoint(), Remote: h.aIface.LocalEndpoint()}
	return aToB, bToA
}

func TestContainerHandshakeReachesOnline(t *testing.T) {
	h := newHarness(t)
	aToB, bToA := h.pairs()

	h.bContainer.AddTunnel(bToA, h.bIface, false, nil, nil)
	h.aContainer.AddTunnel(aToB, h.aIface, true, []byte("a-blob"), []byte("nonce-1"))

	require.Eventually(t, func() bool {
		return h.aContainer.IsOnline() && h.bContainer.IsOnline()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContainerPostMessageDeliversApplicationBody(t *testing.T) {
	inv := invoker.New()
	aID := identity.NewObjectId(identity.MajorDevice, 0)
	bID := identity.NewObjectId(identity.MajorDevice, 0)

	delivered := make(chan wire.Body, 1)
	dispatcher := dispatcherFunc(func(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body) {
		delivered <- body
	})

	aContainer := tunnel.NewContainer(bID, aID, tunnel.DefaultConfig(), nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)
	bContainer := tunnel.NewContainer(aID, bID, tunnel.DefaultConfig(), nil, nil, dispatcher, nil, metrics.Noop(), logging.Noop(), inv)

	var aIface, bIface *iface.UDPInterface
	var err error
	aIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { aContainer.HandleFrame(pair, f, aIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	defer aIface.Close()

	bIface, err = iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { bContainer.HandleFrame(pair, f, bIface) },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	defer bIface.Close()

	aToB := identity.EndpointPair{Local: aIface.LocalEndpoint(), Remote: bIface.LocalEndpoint()}
	bToA := identity.EndpointPair{Local: bIface.LocalEndpoint(), Remote: aIface.LocalEndpoint()}

	bContainer.AddTunnel(bToA, bIface, false, nil, nil)
	aContainer.AddTunnel(aToB, aIface, true, []byte("a-blob"), []byte("nonce-2"))

	require.Eventually(t, func() bool { return aContainer.IsOnline() }, 2*time.Second, 10*time.Millisecond)

	ext := wire.Extension{
		Source: wire.Source{Requestor: aID},
		Target: bID,
	}
	_, err = aContainer.PostMessage(context.Background(), []byte{0x42}, wire.CommandRequest, ext, wire.NewRequestBody([]byte("hello")))
	require.NoError(t, err)

	select {
	case body := <-delivered:
		data, ok := wire.ApplicationData(body)
		require.True(t, ok)
		require.Equal(t, []byte("hello"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for application body delivery")
	}
}

type dispatcherFunc func(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body)

func (f dispatcherFunc) Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, _ uint64, _ []byte) {
	f(peer, cmd, ext, body)
}
