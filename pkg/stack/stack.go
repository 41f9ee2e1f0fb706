// Package stack implements C9: the façade binding every transport
// component together. A Stack owns the local identity, signer, config and
// tunnel manager, plus either a rendezvous client (device role) or a
// rendezvous service and relay registry (service role). It exposes the
// post-message and on-reconnect hooks the application programs against and
// routes every reassembled inbound body to the right collaborator.
package stack

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/discovery"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/manager"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/relay"
	"github.com/duskline/overlay/pkg/rendezvous/client"
	"github.com/duskline/overlay/pkg/rendezvous/service"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Handler serves one inbound application Request. The returned bytes travel
// back to the requestor as the correlated Response; a non-nil error drops
// the request (the requestor surfaces Timeout from its own wait).
type Handler func(peer identity.ObjectId, topic string, data []byte) ([]byte, error)

// Callback receives the Response correlated to one PostMessage call, or the
// error that ended the wait.
type Callback func(data []byte, err error)

// Options carries everything a Stack needs at construction. Metrics, Logger
// and Invoker may be nil; production defaults are substituted.
type Options struct {
	LocalIdentity identity.ObjectId
	// LocalBlob is the opaque identity blob sent in Exchange handshakes;
	// its cryptographic content is an external collaborator's concern.
	LocalBlob []byte
	Verifier  identity.Verifier
	Signer    identity.Signer

	Config Config

	// UDPAddr is the main bound UDP address ("0.0.0.0:0" for an ephemeral
	// port). Required.
	UDPAddr string
	// TCPAddr, if non-empty, additionally listens for framed TCP paths.
	TCPAddr string

	// RelayAddress is this node's externally-routable relay data-plane
	// address, handed out in allocation credentials. Service role only.
	RelayAddress identity.Endpoint

	Metrics *metrics.Registry
	Logger  logging.Logger
	Invoker invoker.Invoker
}

type routeKey struct {
	target   string
	sequence string
}

// Stack is C9.
type Stack struct {
	cfg       Config
	local     identity.ObjectId
	localBlob []byte
	verifier  identity.Verifier
	signer    identity.Signer
	log       logging.Logger
	metrics   *metrics.Registry
	inv       invoker.Invoker

	udp *iface.UDPInterface
	tcp *iface.TCPInterface
	mgr *manager.Manager

	client   *client.Client
	svc      *service.Service
	relayReg *relay.Registry
	beacon   *discovery.Beacon

	routeMu sync.Mutex
	routes  map[routeKey]Callback

	handlerMu      sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler

	stop     chan struct{}
	stopOnce sync.Once
}

func freshID() []byte {
	id := uuid.New()
	return id[:]
}

// New constructs and wires a Stack. Nothing runs until Start.
func New(opts Options) (*Stack, error) {
	if opts.UDPAddr == "" {
		return nil, xerrors.New(xerrors.InvalidParam, "UDPAddr is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("stack", nil, nil)
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.Noop()
	}
	inv := opts.Invoker
	if inv == nil {
		inv = invoker.New()
	}

	s := &Stack{
		cfg:       opts.Config,
		local:     opts.LocalIdentity,
		localBlob: opts.LocalBlob,
		verifier:  opts.Verifier,
		signer:    opts.Signer,
		log:       log.WithField("local", opts.LocalIdentity.String()),
		metrics:   reg,
		inv:       inv,
		routes:    make(map[routeKey]Callback),
		handlers:  make(map[string]Handler),
		stop:      make(chan struct{}),
	}

	s.mgr = manager.New(s.local, func(peer identity.ObjectId) *tunnel.Container {
		return tunnel.NewContainer(peer, s.local, s.cfg.Tunnel, s.verifier, s.signer, s, s, s.metrics, s.log, s.inv)
	}, s.cfg.Tunnel, reg, s.log, inv)

	udp, err := iface.NewUDPInterface(opts.UDPAddr, iface.Callbacks{
		OnFrame: s.onFrame,
	}, s.log, inv)
	if err != nil {
		return nil, err
	}
	s.udp = udp

	if opts.TCPAddr != "" {
		tcp, err := iface.NewTCPInterface(opts.TCPAddr, iface.Callbacks{
			OnFrame:  s.onFrame,
			OnClosed: s.onTCPClosed,
		}, s.log, inv)
		if err != nil {
			udp.Close()
			return nil, err
		}
		s.tcp = tcp
	}

	switch s.cfg.Role {
	case RoleService:
		s.relayReg = relay.New(s.cfg.RelayDefaultTTL, s.cfg.RelayGCInterval, reg)
		s.svc = service.New(s.local, s.mgr, s.relayReg, opts.RelayAddress, s.cfg.Service, reg, s.log, inv)
	default:
		s.client = client.New(s.local, s.localBlob, s.verifier, s.signer, s.cfg.Client, udpDialer{s}, reg, s.log, inv)
		s.client.SetAppDispatcher(s)
	}

	if s.cfg.Discovery != nil {
		endpoints := []identity.Endpoint{udp.LocalEndpoint()}
		if s.tcp != nil {
			endpoints = append(endpoints, s.tcp.LocalEndpoint())
		}
		b, err := discovery.New(s.local, endpoints, *s.cfg.Discovery, s.onBeaconPeer, s.log, inv)
		if err != nil {
			// The beacon is strictly additive; a stack with no working
			// beacon behaves exactly as one with none configured.
			s.log.Warnf("discovery beacon unavailable: %v", err)
		} else {
			s.beacon = b
		}
	}
	return s, nil
}

// Start launches the manager passes, the role-specific rendezvous loop and
// the beacon, if any.
func (s *Stack) Start() {
	s.mgr.Start()
	if s.client != nil {
		s.client.Start()
	}
	if s.svc != nil {
		s.svc.Start()
	}
	if s.beacon != nil {
		s.beacon.Start()
	}
}

// Stop tears the stack down: loops first, sockets last. Idempotent.
func (s *Stack) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.beacon != nil {
			s.beacon.Stop()
		}
		if s.client != nil {
			s.client.Stop()
		}
		if s.svc != nil {
			s.svc.Stop()
		}
		s.mgr.Stop()
		if s.tcp != nil {
			s.tcp.Close()
		}
		s.udp.Close()
	})
}

// LocalIdentity returns the identity this stack exchanges as.
func (s *Stack) LocalIdentity() identity.ObjectId { return s.local }

// UDPEndpoint is the main bound UDP address, the one peers dial directly.
func (s *Stack) UDPEndpoint() identity.Endpoint { return s.udp.LocalEndpoint() }

// Manager exposes the tunnel manager, mainly for tests and introspection.
func (s *Stack) Manager() *manager.Manager { return s.mgr }

// Client returns the rendezvous client, nil unless Role is RoleDevice.
func (s *Stack) Client() *client.Client { return s.client }

// Service returns the rendezvous service, nil unless Role is RoleService.
func (s *Stack) Service() *service.Service { return s.svc }

// Relay returns the relay channel registry, nil unless Role is RoleService.
func (s *Stack) Relay() *relay.Registry { return s.relayReg }

func (s *Stack) onFrame(pair identity.EndpointPair, frame wire.Frame) {
	itf := iface.Interface(s.udp)
	if pair.Local.Protocol == identity.ProtocolTCP && s.tcp != nil {
		itf = s.tcp
	}
	if err := s.mgr.Dispatch(pair, frame, itf); err != nil {
		s.log.Debugf("dropped inbound frame from %s: %v", pair.Remote, err)
	}
}

// onTCPClosed fans a lost TCP connection out to every container holding a
// path over it (spec.md §4.2's single on_closed notification).
func (s *Stack) onTCPClosed(remote identity.Endpoint) {
	for _, c := range s.mgr.Containers() {
		c.CloseTunnelsTo(remote, "tcp connection closed")
	}
}

// onBeaconPeer treats a LAN beacon sighting as a candidate EndpointPair
// worth dialing, never a blocking dependency of any send.
func (s *Stack) onBeaconPeer(peer identity.ObjectId, endpoints []identity.Endpoint) {
	if _, ok := s.mgr.Container(peer); ok {
		return
	}
	for _, ep := range endpoints {
		if ep.Protocol != identity.ProtocolUDP {
			continue
		}
		remote := ep
		s.inv.Spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tunnel.ConnectTimeout)
			defer cancel()
			if err := s.Connect(ctx, peer, remote); err != nil {
				s.log.Debugf("beacon dial to %s failed: %v", remote, err)
			}
		})
		return
	}
}

// Connect proactively opens a direct path to peer at remote and blocks
// until the 3-way exchange completes or ctx expires.
func (s *Stack) Connect(ctx context.Context, peer identity.ObjectId, remote identity.Endpoint) error {
	c := s.mgr.EnsureContainer(peer)

	var itf iface.Interface
	var local identity.Endpoint
	switch remote.Protocol {
	case identity.ProtocolUDP:
		itf = s.udp
		local = s.udp.LocalEndpoint()
	case identity.ProtocolTCP:
		if s.tcp == nil {
			return xerrors.New(xerrors.NoAvailable, "no tcp interface bound")
		}
		if err := s.tcp.Dial(remote); err != nil {
			return err
		}
		itf = s.tcp
		local = s.tcp.LocalEndpoint()
	default:
		return xerrors.New(xerrors.InvalidParam, "unknown endpoint protocol")
	}

	pair := identity.EndpointPair{Local: local, Remote: remote}
	if _, ok := c.Tunnel(pair); !ok {
		c.AddTunnel(pair, itf, true, s.localBlob, freshID())
	}
	return c.WaitActive(ctx)
}

// WaitOnline suspends until the container for peer is online or
// definitively dead, bounded by connect_timeout.
func (s *Stack) WaitOnline(ctx context.Context, peer identity.ObjectId) error {
	c := s.mgr.EnsureContainer(peer)
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Tunnel.ConnectTimeout)
	defer cancel()
	return c.WaitActive(waitCtx)
}

// RegisterRendezvous adds a rendezvous service the client keeps a session
// against. Device role only.
func (s *Stack) RegisterRendezvous(remote identity.Endpoint, serviceID identity.ObjectId) error {
	if s.client == nil {
		return xerrors.New(xerrors.Refuse, "stack has no rendezvous client in service role")
	}
	_, err := s.client.RegisterService(remote, serviceID)
	return err
}

// HandleFunc registers the Handler serving inbound Requests carrying topic.
func (s *Stack) HandleFunc(topic string, h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[topic] = h
}

// HandleDefault registers the Handler for Requests with no topic, or whose
// topic has no dedicated Handler.
func (s *Stack) HandleDefault(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.defaultHandler = h
}

func (s *Stack) handlerFor(topic string) Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	if h, ok := s.handlers[topic]; ok {
		return h
	}
	return s.defaultHandler
}

// PostMessage builds and routes one application Request toward target. The
// callback, if non-nil, fires at most once: with the correlated Response's
// bytes, or with a Timeout error once RequestTimeout passes without one. It
// does not fire when PostMessage itself returns an error, or when the stack
// stops before either happens.
func (s *Stack) PostMessage(ctx context.Context, target identity.ObjectId, topic string, data []byte, cb Callback) error {
	sequence := freshID()
	if cb != nil {
		s.installRoute(target, sequence, cb)
	}

	err := s.route(ctx, target, sequence, topic, wire.NewRequestBody(data))
	if err != nil && cb != nil {
		s.takeRoute(target, sequence)
	}
	return err
}

// route implements the outbound data flow of spec.md §2: a direct
// manager container when one is already online, the rendezvous client's
// routing policy (direct -> allocate-turn -> relay) otherwise.
func (s *Stack) route(ctx context.Context, target identity.ObjectId, sequence []byte, topic string, body wire.Body) error {
	var topicPtr *string
	if topic != "" {
		topicPtr = &topic
	}

	if c, ok := s.mgr.Container(target); ok && c.IsOnline() {
		ext := wire.Extension{
			Source: wire.Source{Requestor: s.local},
			Target: target,
			Topic:  topicPtr,
		}
		if _, err := c.PostMessage(ctx, sequence, body.Command(), ext, body); err == nil {
			return nil
		} else if s.client == nil {
			return err
		}
		// Direct path failed; fall through to the rendezvous policy.
	}

	if s.client != nil {
		return s.client.PostMessage(ctx, target, sequence, topicPtr, body)
	}
	return xerrors.New(xerrors.NoAvailable, "no online container for target")
}

func (s *Stack) installRoute(target identity.ObjectId, sequence []byte, cb Callback) {
	key := routeKey{target: target.Key(), sequence: string(sequence)}
	s.routeMu.Lock()
	s.routes[key] = cb
	s.routeMu.Unlock()

	s.inv.Spawn(func() {
		timer := time.NewTimer(s.cfg.RequestTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			if cb := s.takeRoute(target, sequence); cb != nil {
				cb(nil, xerrors.New(xerrors.Timeout, "no response within request timeout"))
			}
		case <-s.stop:
		}
	})
}

func (s *Stack) takeRoute(target identity.ObjectId, sequence []byte) Callback {
	key := routeKey{target: target.Key(), sequence: string(sequence)}
	s.routeMu.Lock()
	defer s.routeMu.Unlock()
	cb, ok := s.routes[key]
	if !ok {
		return nil
	}
	delete(s.routes, key)
	return cb
}

// Dispatch implements tunnel.Dispatcher: every fully-reassembled,
// non-handshake body from any container (manager-registered or a client
// task's own) lands here and fans out by major command.
func (s *Stack) Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, timestamp uint64, sequence []byte) {
	switch cmd {
	case wire.CommandStun:
		stun, ok := body.(wire.StunBody)
		if !ok {
			return
		}
		if s.svc != nil {
			s.svc.Dispatch(peer, cmd, ext, body, timestamp, sequence)
			return
		}
		if s.client != nil {
			s.client.HandleStun(peer, ext, stun)
		}
	case wire.CommandRequest:
		if !ext.Target.Equal(s.local) {
			s.transfer(cmd, ext, body, sequence)
			return
		}
		// Attribute by the extension's requestor, not the container owner:
		// a frame may arrive over a rendezvous task's container while
		// originating from a third peer the service put us in touch with.
		s.serveRequest(ext.Source.Requestor, ext, body, sequence)
	case wire.CommandResponse:
		if !ext.Target.Equal(s.local) {
			s.transfer(cmd, ext, body, sequence)
			return
		}
		if cb := s.takeRoute(ext.Source.Requestor, sequence); cb != nil {
			data, _ := wire.ApplicationData(body)
			cb(data, nil)
		}
	}
}

func (s *Stack) serveRequest(peer identity.ObjectId, ext wire.Extension, body wire.Body, sequence []byte) {
	data, ok := wire.ApplicationData(body)
	if !ok {
		return
	}
	topic := ""
	if ext.Topic != nil {
		topic = *ext.Topic
	}
	h := s.handlerFor(topic)
	if h == nil {
		s.log.Debugf("no handler for topic %q, dropping request from %s", topic, peer)
		return
	}

	s.inv.Spawn(func() {
		result, err := h(peer, topic, data)
		if err != nil {
			s.log.Warnf("handler for topic %q failed: %v", topic, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if err := s.route(ctx, peer, sequence, topic, wire.NewResponseBody(result)); err != nil {
			s.log.Warnf("failed sending response to %s: %v", peer, err)
		}
	})
}

// transfer resolves the one-hop forwarding case of spec.md §4.9: an inbound
// Request/Response whose target is not us is re-emitted toward the actual
// target, preserving the original source so the final hop replies to the
// origin.
func (s *Stack) transfer(cmd wire.MajorCommand, ext wire.Extension, body wire.Body, sequence []byte) {
	target := ext.Target
	s.inv.Spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
		defer cancel()
		if c, ok := s.mgr.Container(target); ok && c.IsOnline() {
			if _, err := c.PostMessage(ctx, sequence, cmd, ext, body); err == nil {
				return
			}
		}
		if s.client != nil {
			if err := s.client.PostMessage(ctx, target, sequence, ext.Topic, body); err != nil {
				s.log.Warnf("failed transferring %v toward %s: %v", cmd, target, err)
			}
			return
		}
		s.log.Debugf("no path to transfer %v toward %s", cmd, target)
	})
}

// Reconnect implements tunnel.Reconnector, the stack's on_reconnect hook
// invoked by every container's recycle pass (spec.md §4.4.5).
func (s *Stack) Reconnect(peer identity.ObjectId, remote identity.Endpoint) (tunnel.ReconnectOutcome, error) {
	if remote.Protocol != identity.ProtocolTCP {
		return tunnel.ReconnectIgnore, nil
	}
	if s.tcp == nil {
		return tunnel.ReconnectNotFound, nil
	}
	if err := s.tcp.Dial(remote); err != nil {
		// Leave the entry queued; the next recycle pass retries.
		return tunnel.ReconnectPending, nil
	}
	c := s.mgr.EnsureContainer(peer)
	pair := identity.EndpointPair{Local: s.tcp.LocalEndpoint(), Remote: remote}
	c.AddTunnel(pair, s.tcp, true, s.localBlob, freshID())
	return tunnel.ReconnectFound, nil
}

// udpDialer implements client.Dialer: one fresh socket per rendezvous
// session, bound to a random vport in the configured range.
type udpDialer struct{ s *Stack }

func (d udpDialer) Dial(remote identity.Endpoint, onFrame func(pair identity.EndpointPair, frame wire.Frame)) (iface.Interface, error) {
	cfg := d.s.cfg.Client
	tries := cfg.MaxTryRandomVPortTimes
	if tries <= 0 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		addr := fmt.Sprintf(":%d", randomVPort(cfg.MinRandomVPort, cfg.MaxRandomVPort))
		itf, err := iface.NewUDPInterface(addr, iface.Callbacks{OnFrame: onFrame}, d.s.log, d.s.inv)
		if err == nil {
			return itf, nil
		}
	}
	return nil, xerrors.New(xerrors.NoAvailable, "exhausted random vport attempts")
}

func randomVPort(min, max uint16) uint16 {
	if max <= min {
		return min
	}
	return min + uint16(rand.Intn(int(max-min+1)))
}
