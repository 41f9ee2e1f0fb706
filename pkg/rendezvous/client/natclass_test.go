package client_test

import (
	"testing"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/rendezvous/client"
	"github.com/stretchr/testify/require"
)

func v4(port uint16) identity.Endpoint {
	return identity.Endpoint{Protocol: identity.ProtocolUDP, Family: identity.FamilyV4, IP: []byte{203, 0, 113, 1}, Port: port}
}

func TestNATStateStartsAtNAT(t *testing.T) {
	s := client.NewNATState()
	require.Equal(t, client.NAT, s.Class())
}

func TestNATStateStaysNATForConsistentMapping(t *testing.T) {
	s := client.NewNATState()
	svcA := identity.NewObjectId(identity.MajorService, 0)
	svcB := identity.NewObjectId(identity.MajorService, 0)

	s.Observe(svcA, v4(5000))
	s.Observe(svcB, v4(5000))
	require.Equal(t, client.NAT, s.Class())
}

func TestNATStateFlipsToSymmetricOnDifferentMappings(t *testing.T) {
	s := client.NewNATState()
	svcA := identity.NewObjectId(identity.MajorService, 0)
	svcB := identity.NewObjectId(identity.MajorService, 0)

	s.Observe(svcA, v4(5000))
	s.Observe(svcB, v4(5001))
	require.Equal(t, client.Symmetric, s.Class())
}

func TestNATStateNeverRevertsToNAT(t *testing.T) {
	s := client.NewNATState()
	svcA := identity.NewObjectId(identity.MajorService, 0)
	svcB := identity.NewObjectId(identity.MajorService, 0)

	s.Observe(svcA, v4(5000))
	s.Observe(svcB, v4(5001))
	require.Equal(t, client.Symmetric, s.Class())

	s.Observe(svcA, v4(5000))
	s.Observe(svcB, v4(5000))
	require.Equal(t, client.Symmetric, s.Class())
}
