// Package iface implements C2: one TCP socket or one UDP socket per
// interface, a read loop that decodes framed datagrams and calls back the
// owner, and a write path. It follows the teacher's ReliableTransport.poll
// shape (core/transport.go): one goroutine draining a source into a
// callback, the channel torn down on Close.
package iface

import (
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Callbacks an interface invokes on its owner (the tunnel manager, in
// production).
type Callbacks struct {
	// OnFrame is called for each decoded frame, along with the local/remote
	// endpoint pair it arrived on.
	OnFrame func(pair identity.EndpointPair, frame wire.Frame)

	// OnClosed notifies that a TCP connection to remote was lost. Per
	// spec.md §4.2, this surfaces as a single notification, a path loss
	// not a peer loss.
	OnClosed func(remote identity.Endpoint)
}

// Interface is implemented by both the TCP and UDP interface sets.
type Interface interface {
	// Write sends a single already-serialized frame to remote. UDP sends a
	// best-effort datagram; TCP writes to the one socket for this remote
	// (returning an error if none is open).
	Write(remote identity.Endpoint, raw []byte) error

	// LocalEndpoint is the bound local address this interface reads/writes
	// on.
	LocalEndpoint() identity.Endpoint

	// CloseRemote tears down per-remote state without closing the whole
	// interface: the one open TCP connection to remote, or nothing for UDP
	// (a datagram socket keeps no per-remote state).
	CloseRemote(remote identity.Endpoint) error

	Close() error
}

// ---- UDP ----

// UDPInterface owns one bound local UDP port. A single read loop emits
// (bytes, from-address) pairs; since UDP datagrams are whole packets, the
// codec's frame decode recovers structure directly with no stream parsing
// (spec.md §4.2).
type UDPInterface struct {
	conn  *net.UDPConn
	local identity.Endpoint
	cb    Callbacks
	log   logging.Logger
	inv   invoker.Invoker

	mu     sync.Mutex
	closed bool
}

// NewUDPInterface binds a UDP socket at addr and starts its read loop.
func NewUDPInterface(addr string, cb Callbacks, log logging.Logger, inv invoker.Invoker) (*UDPInterface, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.InvalidParam, "resolve udp address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, "listen udp", err)
	}
	local := endpointFromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
	u := &UDPInterface{conn: conn, local: local, cb: cb, log: log, inv: inv}
	inv.Spawn(u.readLoop)
	return u, nil
}

func (u *UDPInterface) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			u.mu.Lock()
			closed := u.closed
			u.mu.Unlock()
			if closed {
				return
			}
			u.log.Warnf("udp read error on %s: %v", u.local, err)
			return
		}
		frame, err := wire.Decode(buf[:n])
		if err != nil {
			u.log.Debugf("dropping malformed udp frame from %s: %v", from, err)
			continue
		}
		remote := endpointFromUDPAddr(from)
		pair := identity.EndpointPair{Local: u.local, Remote: remote}
		if u.cb.OnFrame != nil {
			u.cb.OnFrame(pair, frame)
		}
	}
}

func (u *UDPInterface) Write(remote identity.Endpoint, raw []byte) error {
	addr := &net.UDPAddr{IP: net.IP(remote.IP), Port: int(remote.Port)}
	_, err := u.conn.WriteToUDP(raw, addr)
	if err != nil {
		return xerrors.Wrap(xerrors.TunnelClosed, "udp write", err)
	}
	return nil
}

func (u *UDPInterface) LocalEndpoint() identity.Endpoint { return u.local }

func (u *UDPInterface) CloseRemote(identity.Endpoint) error { return nil }

func (u *UDPInterface) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return u.conn.Close()
}

func endpointFromUDPAddr(a *net.UDPAddr) identity.Endpoint {
	fam := identity.FamilyV4
	ip := a.IP.To4()
	if ip == nil {
		fam = identity.FamilyV6
		ip = a.IP.To16()
	}
	return identity.Endpoint{Protocol: identity.ProtocolUDP, Family: fam, IP: ip, Port: uint16(a.Port)}
}

// ---- TCP ----

// TCPInterface owns one TCP socket per remote. A read loop consumes
// length-prefixed framed packets and calls back the manager; Write takes a
// fully-serialized frame and sends it on the one open connection to remote.
type TCPInterface struct {
	local identity.Endpoint
	cb    Callbacks
	log   logging.Logger
	inv   invoker.Invoker

	mu    sync.Mutex
	conns map[string]net.Conn // keyed by remote Endpoint.String()

	listener net.Listener
}

// NewTCPInterface listens on addr (if non-empty) for inbound connections
// and returns an interface ready to Dial outbound ones too.
func NewTCPInterface(addr string, cb Callbacks, log logging.Logger, inv invoker.Invoker) (*TCPInterface, error) {
	t := &TCPInterface{cb: cb, log: log, inv: inv, conns: make(map[string]net.Conn)}
	if addr == "" {
		return t, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, "listen tcp", err)
	}
	t.listener = ln
	t.local = endpointFromTCPAddr(ln.Addr().(*net.TCPAddr))
	inv.Spawn(t.acceptLoop)
	return t, nil
}

func (t *TCPInterface) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		t.adopt(conn)
	}
}

// Dial opens an outbound TCP connection to remote and starts reading from
// it.
func (t *TCPInterface) Dial(remote identity.Endpoint) error {
	conn, err := net.Dial("tcp", remote.HostPort())
	if err != nil {
		return xerrors.Wrap(xerrors.TunnelClosed, "dial tcp", err)
	}
	t.adopt(conn)
	return nil
}

func (t *TCPInterface) adopt(conn net.Conn) {
	remote := endpointFromNetAddr(conn.RemoteAddr())
	t.mu.Lock()
	t.conns[remote.String()] = conn
	t.mu.Unlock()
	t.inv.Spawn(func() { t.readLoop(conn, remote) })
}

func (t *TCPInterface) readLoop(conn net.Conn, remote identity.Endpoint) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, remote.String())
		t.mu.Unlock()
		conn.Close()
		if t.cb.OnClosed != nil {
			t.cb.OnClosed(remote)
		}
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > 16*1024*1024 {
			t.log.Warnf("tcp frame from %s exceeds limit, closing", remote)
			return
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		frame, err := wire.Decode(payload)
		if err != nil {
			t.log.Debugf("dropping malformed tcp frame from %s: %v", remote, err)
			continue
		}
		pair := identity.EndpointPair{Local: t.local, Remote: remote}
		if t.cb.OnFrame != nil {
			t.cb.OnFrame(pair, frame)
		}
	}
}

func (t *TCPInterface) Write(remote identity.Endpoint, raw []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[remote.String()]
	t.mu.Unlock()
	if !ok {
		return xerrors.New(xerrors.TunnelClosed, "no open tcp connection to remote")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return xerrors.Wrap(xerrors.TunnelClosed, "tcp write length prefix", err)
	}
	if _, err := conn.Write(raw); err != nil {
		return xerrors.Wrap(xerrors.TunnelClosed, "tcp write payload", err)
	}
	return nil
}

func (t *TCPInterface) LocalEndpoint() identity.Endpoint { return t.local }

func (t *TCPInterface) CloseRemote(remote identity.Endpoint) error {
	t.mu.Lock()
	conn, ok := t.conns[remote.String()]
	delete(t.conns, remote.String())
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

func (t *TCPInterface) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.conns {
		c.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func endpointFromTCPAddr(a *net.TCPAddr) identity.Endpoint {
	fam := identity.FamilyV4
	ip := a.IP.To4()
	if ip == nil {
		fam = identity.FamilyV6
		ip = a.IP.To16()
	}
	return identity.Endpoint{Protocol: identity.ProtocolTCP, Family: fam, IP: ip, Port: uint16(a.Port)}
}

func endpointFromNetAddr(a net.Addr) identity.Endpoint {
	tcpAddr, ok := a.(*net.TCPAddr)
	if !ok {
		return identity.Endpoint{}
	}
	return endpointFromTCPAddr(tcpAddr)
}
