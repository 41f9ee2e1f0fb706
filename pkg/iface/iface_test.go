package iface_test

import (
	"testing"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/stretchr/testify/require"
)

func testFrame() wire.Frame {
	ext := wire.Extension{
		Source: wire.Source{Requestor: identity.NewObjectId(identity.MajorDevice, 0)},
		Target: identity.NewObjectId(identity.MajorDevice, 0),
	}
	frames, err := wire.BuildFrames(wire.CommandRequest, []byte{0x01}, 1, ext, wire.NewRequestBody([]byte("ping")), 4096, nil)
	if err != nil {
		panic(err)
	}
	return frames[0]
}

func TestUDPInterfaceRoundTrip(t *testing.T) {
	received := make(chan wire.Frame, 1)
	inv := invoker.New()
	a, err := iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame: func(pair identity.EndpointPair, f wire.Frame) { received <- f },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	defer a.Close()

	b, err := iface.NewUDPInterface("127.0.0.1:0", iface.Callbacks{}, logging.Noop(), inv)
	require.NoError(t, err)
	defer b.Close()

	raw := wire.Encode(testFrame())
	require.NoError(t, b.Write(a.LocalEndpoint(), raw))

	select {
	case f := <-received:
		require.Equal(t, wire.CommandRequest, f.Header.MajorCommand)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for udp frame")
	}
}

func TestTCPInterfaceRoundTrip(t *testing.T) {
	received := make(chan wire.Frame, 1)
	closed := make(chan identity.Endpoint, 1)
	inv := invoker.New()

	server, err := iface.NewTCPInterface("127.0.0.1:0", iface.Callbacks{
		OnFrame:  func(pair identity.EndpointPair, f wire.Frame) { received <- f },
		OnClosed: func(remote identity.Endpoint) { closed <- remote },
	}, logging.Noop(), inv)
	require.NoError(t, err)
	defer server.Close()

	client, err := iface.NewTCPInterface("", iface.Callbacks{}, logging.Noop(), inv)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Dial(server.LocalEndpoint()))
	time.Sleep(50 * time.Millisecond) // let the server accept before writing

	raw := wire.Encode(testFrame())
	require.NoError(t, client.Write(server.LocalEndpoint(), raw))

	select {
	case f := <-received:
		require.Equal(t, wire.CommandRequest, f.Header.MajorCommand)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tcp frame")
	}

	client.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for on-closed notification")
	}
}
