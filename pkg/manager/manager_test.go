package manager_test

import (
	"testing"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/manager"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestManagerCreatesContainerOnlyOnExchange(t *testing.T) {
	inv := invoker.New()
	local := identity.NewObjectId(identity.MajorDevice, 0)
	peer := identity.NewObjectId(identity.MajorDevice, 0)

	factoryCalls := 0
	m := manager.New(local, func(p identity.ObjectId) *tunnel.Container {
		factoryCalls++
		return tunnel.NewContainer(p, local, tunnel.DefaultConfig(), nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)
	}, tunnel.DefaultConfig(), metrics.Noop(), logging.Noop(), inv)

	pair := identity.EndpointPair{
		Local:  identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{127, 0, 0, 1}, Port: 1},
		Remote: identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{127, 0, 0, 1}, Port: 2},
	}

	requestBody := wire.NewRequestBody([]byte("x"))
	ext := wire.Extension{Source: wire.Source{Requestor: peer}, Target: local}
	frames, err := wire.BuildFrames(wire.CommandRequest, []byte{1}, 1, ext, requestBody, 4096, nil)
	require.NoError(t, err)

	err = m.Dispatch(pair, frames[0], nil)
	require.Error(t, err)
	require.Equal(t, 0, factoryCalls)
	_, ok := m.Container(peer)
	require.False(t, ok)

	exchangeExt := wire.Extension{Source: wire.Source{Requestor: peer}, Target: local}
	exchangeFrames, err := wire.BuildFrames(wire.CommandExchange, []byte{2}, 1, exchangeExt, wire.ExchangeBody{FromDevice: []byte("blob"), Nonce: []byte("n")}, 4096, nil)
	require.NoError(t, err)

	err = m.Dispatch(pair, exchangeFrames[0], nil)
	require.NoError(t, err)
	require.Equal(t, 1, factoryCalls)
	_, ok = m.Container(peer)
	require.True(t, ok)
}

func TestManagerEnsureContainerIsIdempotent(t *testing.T) {
	inv := invoker.New()
	local := identity.NewObjectId(identity.MajorDevice, 0)
	peer := identity.NewObjectId(identity.MajorDevice, 0)

	calls := 0
	m := manager.New(local, func(p identity.ObjectId) *tunnel.Container {
		calls++
		return tunnel.NewContainer(p, local, tunnel.DefaultConfig(), nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)
	}, tunnel.DefaultConfig(), metrics.Noop(), logging.Noop(), inv)

	c1 := m.EnsureContainer(peer)
	c2 := m.EnsureContainer(peer)
	require.Same(t, c1, c2)
	require.Equal(t, 1, calls)
}

func TestManagerStartStopTicksWithoutLeaking(t *testing.T) {
	inv := invoker.New()
	local := identity.NewObjectId(identity.MajorDevice, 0)
	cfg := tunnel.DefaultConfig()
	cfg.PollingInterval = 10 * time.Millisecond
	cfg.RecycleTimeout = 10 * time.Millisecond

	m := manager.New(local, func(p identity.ObjectId) *tunnel.Container {
		return tunnel.NewContainer(p, local, cfg, nil, nil, nil, nil, metrics.Noop(), logging.Noop(), inv)
	}, cfg, metrics.Noop(), logging.Noop(), inv)

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	inv.Stop()
}
