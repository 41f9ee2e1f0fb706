package discovery

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
)

func newTestBeacon(local identity.ObjectId, onPeer OnPeer) *Beacon {
	return &Beacon{
		local:  local,
		onPeer: onPeer,
		log:    logging.Noop(),
	}
}

func TestBeaconConsumeIgnoresSelf(t *testing.T) {
	local := identity.NewObjectId(identity.MajorDevice, 0)
	called := false
	b := newTestBeacon(local, func(peer identity.ObjectId, endpoints []identity.Endpoint) { called = true })

	data, err := json.Marshal(Announcement{Requestor: local, Endpoints: []identity.Endpoint{{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{127, 0, 0, 1}, Port: 9000}}})
	require.NoError(t, err)

	b.consume("self", data, nil)
	require.False(t, called)
}

func TestBeaconConsumeInvokesOnPeerForOthers(t *testing.T) {
	local := identity.NewObjectId(identity.MajorDevice, 0)
	other := identity.NewObjectId(identity.MajorDevice, 0)
	ep := identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{192, 168, 1, 5}, Port: 9000}

	var gotPeer identity.ObjectId
	var gotEndpoints []identity.Endpoint
	b := newTestBeacon(local, func(peer identity.ObjectId, endpoints []identity.Endpoint) {
		gotPeer = peer
		gotEndpoints = endpoints
	})

	data, err := json.Marshal(Announcement{Requestor: other, Endpoints: []identity.Endpoint{ep}})
	require.NoError(t, err)

	b.consume("peer-1", data, nil)
	require.True(t, gotPeer.Equal(other))
	require.Len(t, gotEndpoints, 1)
	require.True(t, gotEndpoints[0].Equal(ep))
}

func TestBeaconConsumeDropsMalformedPayload(t *testing.T) {
	local := identity.NewObjectId(identity.MajorDevice, 0)
	called := false
	b := newTestBeacon(local, func(peer identity.ObjectId, endpoints []identity.Endpoint) { called = true })

	b.consume("peer-1", []byte("not json"), nil)
	require.False(t, called)
}

func TestBeaconConsumeSkipsRecvError(t *testing.T) {
	local := identity.NewObjectId(identity.MajorDevice, 0)
	called := false
	b := newTestBeacon(local, func(peer identity.ObjectId, endpoints []identity.Endpoint) { called = true })

	b.consume("peer-1", nil, errors.New("boom"))
	require.False(t, called)
}
