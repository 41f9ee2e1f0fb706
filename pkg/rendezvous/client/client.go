// Package client implements C6: the rendezvous client, one Task per
// registered rendezvous service or direct peer, running the keepalive poll
// loop (spec.md §4.6.1), NAT classification (§4.6.2), call-peer (§4.6.3),
// the central outbound routing policy (§4.6.4) and allocate-turn (§4.6.5).
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Dialer opens a fresh per-task socket (spec.md §4.6.1's "one session per
// random local UDP port, remote endpoint"). The stack supplies the real
// implementation, binding a new ephemeral iface.UDPInterface per task.
type Dialer interface {
	Dial(remote identity.Endpoint, onFrame func(pair identity.EndpointPair, frame wire.Frame)) (iface.Interface, error)
}

// relayChannel is one entry in the client's local relay-channel table
// (spec.md §4.6.5's "client stores these").
type relayChannel struct {
	mixHash      []byte
	proxyAddress identity.Endpoint
	expireAt     time.Time
}

// Task is C6's per-registered-remote state: a tunnel container (which
// itself aggregates the physical tunnels/sessions to that remote) plus the
// rendezvous-level keepalive bookkeeping layered on top of it.
type Task struct {
	remoteID  identity.ObjectId
	remote    identity.Endpoint
	isService bool
	container *tunnel.Container
	pair      identity.EndpointPair
	itf       iface.Interface

	mu              sync.Mutex
	netAccess       NATClass
	netAccessKnown  bool
	lastConnectTime time.Time
	lastPingTime    time.Time
	lastRespTime    time.Time
}

// Client is C6.
type Client struct {
	localIdentity identity.ObjectId
	localBlob     []byte
	verifier      identity.Verifier
	signer        identity.Signer
	cfg           Config
	dialer        Dialer
	log           logging.Logger
	metrics       *metrics.Registry
	inv           invoker.Invoker
	nat           *NATState

	// appDispatcher forwards reassembled application Request/Response
	// bodies that arrive over a direct peer task's own container, rather
	// than the shared tunnel manager's registry. Set by the stack (C9)
	// after construction via SetAppDispatcher.
	appDispatcher tunnel.Dispatcher

	mu    sync.RWMutex
	tasks map[string]*Task

	pendingMu sync.Mutex
	pending   map[string]chan wire.StunBody

	relayMu sync.Mutex
	relays  map[string]relayChannel

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Client with no registered tasks.
func New(localIdentity identity.ObjectId, localBlob []byte, verifier identity.Verifier, signer identity.Signer, cfg Config, dialer Dialer, reg *metrics.Registry, log logging.Logger, inv invoker.Invoker) *Client {
	return &Client{
		localIdentity: localIdentity,
		localBlob:     localBlob,
		verifier:      verifier,
		signer:        signer,
		cfg:           cfg,
		dialer:        dialer,
		log:           log,
		metrics:       reg,
		inv:           inv,
		nat:           NewNATState(),
		tasks:         make(map[string]*Task),
		pending:       make(map[string]chan wire.StunBody),
		relays:        make(map[string]relayChannel),
		stop:          make(chan struct{}),
	}
}

// Start launches the poll loop.
func (c *Client) Start() {
	c.inv.Spawn(c.pollLoop)
}

// Stop halts the poll loop and closes every task's socket. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		for _, t := range c.snapshot() {
			if t.itf != nil {
				t.itf.Close()
			}
		}
	})
}

func (c *Client) pollLoop() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, t := range c.snapshot() {
				c.pollTask(t)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) snapshot() []*Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

func freshID() []byte {
	id := uuid.New()
	return id[:]
}

// RegisterService adds a rendezvous service task at remote/serviceID and
// begins its handshake.
func (c *Client) RegisterService(remote identity.Endpoint, serviceID identity.ObjectId) (*Task, error) {
	return c.registerTask(remote, serviceID, true)
}

func (c *Client) registerTask(remote identity.Endpoint, remoteID identity.ObjectId, isService bool) (*Task, error) {
	task := &Task{remoteID: remoteID, remote: remote, isService: isService}

	itf, err := c.dialer.Dial(remote, func(pair identity.EndpointPair, frame wire.Frame) {
		task.container.HandleFrame(pair, frame, task.itf)
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TunnelClosed, "dial rendezvous remote", err)
	}

	task.itf = itf
	task.container = tunnel.NewContainer(remoteID, c.localIdentity, c.cfg.Tunnel, c.verifier, c.signer, dispatchAdapter{c}, nil, c.metrics, c.log, c.inv)
	task.pair = identity.EndpointPair{Local: itf.LocalEndpoint(), Remote: remote}
	task.lastConnectTime = time.Now()
	task.container.AddTunnel(task.pair, itf, true, c.localBlob, freshID())

	c.mu.Lock()
	c.tasks[remoteID.Key()] = task
	c.mu.Unlock()
	return task, nil
}

// SetSymmetric pins target's task to the Symmetric classification, the same
// one-way latch the router applies when a direct send fails Unactived.
func (c *Client) SetSymmetric(target identity.ObjectId) {
	if t, ok := c.task(target); ok {
		t.mu.Lock()
		t.netAccess = Symmetric
		t.netAccessKnown = true
		t.mu.Unlock()
	}
}

// HasTask reports whether a task exists for id and whether its container is
// currently online.
func (c *Client) HasTask(id identity.ObjectId) (exists, online bool) {
	t, ok := c.task(id)
	if !ok {
		return false, false
	}
	return true, t.container.IsOnline()
}

func (c *Client) task(id identity.ObjectId) (*Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tasks[id.Key()]
	return t, ok
}

func (c *Client) removeTask(id identity.ObjectId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id.Key())
}

// pollTask implements spec.md §4.6.1's per-session poll. Task containers
// live outside the shared manager's registry, so their retransmit pass is
// driven from here.
func (c *Client) pollTask(t *Task) {
	t.container.ResendPass()

	now := time.Now()
	switch {
	case t.container.IsDead():
		if t.isService {
			c.reconnect(t)
		} else {
			c.removeTask(t.remoteID)
			if t.itf != nil {
				t.itf.Close()
			}
		}
	case t.container.IsOnline():
		t.mu.Lock()
		needPing := now.Sub(t.lastPingTime) >= c.cfg.PingInterval
		offline := !t.lastRespTime.IsZero() && now.Sub(t.lastRespTime) >= c.cfg.Offline
		t.mu.Unlock()

		if offline {
			if tun, ok := t.container.Tunnel(t.pair); ok {
				tun.Close("rendezvous session offline")
			}
			return
		}
		if needPing {
			c.sendPing(t)
			t.mu.Lock()
			t.lastPingTime = now
			t.mu.Unlock()
		}
	default: // still Connecting
		t.mu.Lock()
		retry := now.Sub(t.lastConnectTime) >= c.cfg.PingIntervalConnect
		if retry {
			t.lastConnectTime = now
		}
		t.mu.Unlock()
		if retry {
			if tun, ok := t.container.Tunnel(t.pair); ok {
				_ = tun.Active(c.localBlob, freshID())
			}
		}
	}
}

func (c *Client) reconnect(t *Task) {
	c.removeTask(t.remoteID)
	if t.itf != nil {
		t.itf.Close()
	}
	if _, err := c.registerTask(t.remote, t.remoteID, true); err != nil {
		c.log.Warnf("rendezvous reconnect to %s failed: %v", t.remoteID, err)
	}
}

func (c *Client) sendPing(t *Task) {
	ext := wire.Extension{Source: wire.Source{Requestor: c.localIdentity}, Target: t.remoteID}
	body := wire.StunBody{Type: wire.StunPingRequest}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Tunnel.ConnectTimeout)
	defer cancel()
	if _, err := t.container.PostMessage(ctx, freshID(), wire.CommandStun, ext, body); err != nil {
		c.log.Debugf("ping to %s failed: %v", t.remoteID, err)
	}
}

// dispatchAdapter satisfies tunnel.Dispatcher, routing reassembled bodies
// back to the client's handlers. Non-Stun bodies (application Request and
// Response envelopes arriving over a direct peer task rather than the
// shared manager's registry) are forwarded to the stack's application
// dispatcher, if one has been wired in.
type dispatchAdapter struct{ c *Client }

func (d dispatchAdapter) Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, timestamp uint64, sequence []byte) {
	stun, ok := body.(wire.StunBody)
	if !ok {
		if d.c.appDispatcher != nil {
			d.c.appDispatcher.Dispatch(peer, cmd, ext, body, timestamp, sequence)
		}
		return
	}
	d.c.handleStun(peer, ext, stun)
}

func (c *Client) publishNATClass() {
	class := c.nat.Class()
	for _, candidate := range []NATClass{NAT, Symmetric} {
		v := 0.0
		if candidate == class {
			v = 1.0
		}
		c.metrics.NATClassification.WithLabelValues(candidate.String()).Set(v)
	}
}

// NATClassification reports the client's current shared classification.
func (c *Client) NATClassification() NATClass {
	return c.nat.Class()
}

// SetAppDispatcher wires the stack's application-level Dispatcher so
// Request/Response bodies arriving over a direct peer task (not through the
// shared tunnel manager) still reach the application routing table.
func (c *Client) SetAppDispatcher(d tunnel.Dispatcher) {
	c.appDispatcher = d
}

// HandleStun feeds a Stun body that arrived outside a task's own container
// (e.g. over a manager-registered direct container) into the same handlers
// the per-task dispatcher uses.
func (c *Client) HandleStun(peer identity.ObjectId, ext wire.Extension, body wire.StunBody) {
	c.handleStun(peer, ext, body)
}

func (c *Client) handleStun(peer identity.ObjectId, ext wire.Extension, body wire.StunBody) {
	switch body.Type {
	case wire.StunPingResponse:
		if t, ok := c.task(peer); ok {
			t.mu.Lock()
			t.lastRespTime = time.Now()
			t.mu.Unlock()
			if body.MappedAddress != nil {
				c.nat.Observe(peer, *body.MappedAddress)
				c.publishNATClass()
			}
		}
	case wire.StunCallResponse:
		// body.Target echoes the peer we originally called, which the
		// callee's reply threads through the rendezvous service; keying
		// on it (rather than on peer, the service's own id) is what lets
		// CallPeer's waiter for that specific target find this reply.
		if body.Target != nil {
			c.deliverPending(*body.Target, body)
		}
	case wire.StunAllocationResponse:
		if body.Target != nil {
			c.deliverPending(*body.Target, body)
		}
	case wire.StunCallRequest:
		c.onCallRequest(peer, ext, body)
	case wire.StunAllocationRequest:
		c.onAllocationRequest(peer, ext, body)
	}
}

// In both handlers below, serviceID is the remote the Task/container is
// bound to (the rendezvous service that forwarded this to us); the
// original caller/allocator's identity travels in ext.Source.Requestor.

func (c *Client) deliverPending(peer identity.ObjectId, body wire.StunBody) {
	c.pendingMu.Lock()
	ch, ok := c.pending[peer.Key()]
	c.pendingMu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

func (c *Client) awaitPending(id identity.ObjectId) chan wire.StunBody {
	ch := make(chan wire.StunBody, 1)
	c.pendingMu.Lock()
	c.pending[id.Key()] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) clearPending(id identity.ObjectId) {
	c.pendingMu.Lock()
	delete(c.pending, id.Key())
	c.pendingMu.Unlock()
}

// CallPeer implements spec.md §4.6.3: ask an Established service task to
// rendezvous us with peerID, then register the target as a direct task.
func (c *Client) CallPeer(ctx context.Context, peerID identity.ObjectId) error {
	svc, err := c.activeService(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.InviteTimeout)
	defer cancel()

	waiter := c.awaitPending(peerID)
	defer c.clearPending(peerID)

	ext := wire.Extension{Source: wire.Source{Requestor: c.localIdentity}, Target: svc.remoteID}
	body := wire.StunBody{Type: wire.StunCallRequest, Target: &peerID, Fromer: &c.localIdentity}
	if _, err := svc.container.PostMessage(ctx, freshID(), wire.CommandStun, ext, body); err != nil {
		return err
	}

	select {
	case resp := <-waiter:
		if resp.ProxyAddress == nil {
			return xerrors.New(xerrors.MissingData, "call response missing reverse endpoint")
		}
		_, err := c.registerTask(*resp.ProxyAddress, peerID, false)
		return err
	case <-ctx.Done():
		return xerrors.New(xerrors.Timeout, "call_peer timed out")
	case <-c.stop:
		return xerrors.New(xerrors.Unactived, "client stopped")
	}
}

func (c *Client) activeService(ctx context.Context) (*Task, error) {
	deadline, cancel := context.WithTimeout(ctx, c.cfg.PingIntervalConnect)
	defer cancel()
	for {
		for _, t := range c.snapshot() {
			if t.isService && t.container.IsOnline() {
				return t, nil
			}
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-deadline.Done():
			return nil, xerrors.New(xerrors.NoAvailable, "no established rendezvous service")
		}
	}
}

// AllocateTurn implements spec.md §4.6.5.
func (c *Client) AllocateTurn(ctx context.Context, peerID identity.ObjectId) error {
	svc, err := c.activeService(ctx)
	if err != nil {
		return err
	}

	waiter := c.awaitPending(peerID)
	defer c.clearPending(peerID)

	ext := wire.Extension{Source: wire.Source{Requestor: c.localIdentity}, Target: svc.remoteID}
	body := wire.StunBody{Type: wire.StunAllocationRequest, Target: &peerID}
	if _, err := svc.container.PostMessage(ctx, freshID(), wire.CommandStun, ext, body); err != nil {
		return err
	}

	select {
	case resp := <-waiter:
		if resp.MixHash == nil || resp.ProxyAddress == nil {
			return xerrors.New(xerrors.MissingData, "allocation response missing channel data")
		}
		ttl := c.cfg.RelayChannelTTL
		if resp.LiveMinutes != nil {
			ttl = time.Duration(*resp.LiveMinutes) * time.Minute
		}
		c.relayMu.Lock()
		c.relays[peerID.Key()] = relayChannel{mixHash: resp.MixHash, proxyAddress: *resp.ProxyAddress, expireAt: time.Now().Add(ttl)}
		c.relayMu.Unlock()
		return nil
	case <-ctx.Done():
		return xerrors.New(xerrors.Timeout, "allocate_turn timed out")
	case <-c.stop:
		return xerrors.New(xerrors.Unactived, "client stopped")
	}
}

// onCallRequest handles an inbound CallRequest naming us as the callee
// (spec.md §4.6.6).
func (c *Client) onCallRequest(serviceID identity.ObjectId, ext wire.Extension, body wire.StunBody) {
	if body.Target == nil || !body.Target.Equal(c.localIdentity) {
		return
	}
	svc, ok := c.task(serviceID)
	if !ok {
		return
	}
	// Our reverse endpoint for the caller to dial: the external mapping the
	// service reported for this session, or the raw local address when no
	// mapping has been observed yet (no NAT between us and the caller).
	var reverse *identity.Endpoint
	if mapped, ok := c.nat.Mapped(serviceID); ok {
		reverse = &mapped
	} else if svc.itf != nil {
		ep := svc.itf.LocalEndpoint()
		reverse = &ep
	}
	respExt := wire.Extension{Source: wire.Source{Requestor: c.localIdentity}, Target: ext.Source.Requestor}
	respBody := wire.StunBody{Type: wire.StunCallResponse, Target: body.Target, Fromer: &c.localIdentity, ProxyAddress: reverse}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Tunnel.ConnectTimeout)
	defer cancel()
	if _, err := svc.container.PostMessage(ctx, freshID(), wire.CommandStun, respExt, respBody); err != nil {
		c.log.Warnf("failed replying to call request: %v", err)
		return
	}
	// Add the caller as a peer in the background, dialing the reverse
	// endpoint the service forwarded for it.
	if body.Fromer != nil && body.ProxyAddress != nil {
		caller := *body.Fromer
		callerEp := *body.ProxyAddress
		c.inv.Spawn(func() {
			if _, ok := c.task(caller); !ok {
				_, _ = c.registerTask(callerEp, caller, false)
			}
		})
	}
}

// onAllocationRequest handles an inbound AllocationChannelRequest naming us
// as the target (spec.md §4.6.6). The allocating peer's identity travels in
// ext.Source.Requestor; serviceID is the service task that forwarded this.
func (c *Client) onAllocationRequest(serviceID identity.ObjectId, ext wire.Extension, body wire.StunBody) {
	if body.Target == nil || !body.Target.Equal(c.localIdentity) {
		return
	}
	if body.MixHash == nil || body.ProxyAddress == nil {
		return
	}
	allocator := ext.Source.Requestor
	ttl := c.cfg.RelayChannelTTL
	if body.LiveMinutes != nil {
		ttl = time.Duration(*body.LiveMinutes) * time.Minute
	}
	c.relayMu.Lock()
	c.relays[allocator.Key()] = relayChannel{mixHash: body.MixHash, proxyAddress: *body.ProxyAddress, expireAt: time.Now().Add(ttl)}
	c.relayMu.Unlock()

	svc, ok := c.task(serviceID)
	if !ok {
		return
	}
	respExt := wire.Extension{Source: wire.Source{Requestor: c.localIdentity}, Target: allocator}
	respBody := wire.StunBody{Type: wire.StunAllocationResponse, Target: body.Target, MixHash: body.MixHash, ProxyAddress: body.ProxyAddress}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Tunnel.ConnectTimeout)
	defer cancel()
	_, _ = svc.container.PostMessage(ctx, freshID(), wire.CommandStun, respExt, respBody)
}

// PostMessage implements spec.md §4.6.4, the central outbound routing
// policy. topic, if non-nil, is carried in the header-extension so the
// stack's application routing table can demultiplex the eventual reply.
func (c *Client) PostMessage(ctx context.Context, target identity.ObjectId, sequence []byte, topic *string, body wire.Body) error {
	if !target.IsDevice() {
		return xerrors.New(xerrors.Unmatch, "rendezvous routing only accepts device targets")
	}

	t, ok := c.task(target)
	if !ok || !t.container.IsOnline() {
		if err := c.CallPeer(ctx, target); err != nil {
			return err
		}
		t, ok = c.task(target)
		if !ok {
			return xerrors.New(xerrors.NoAvailable, "call_peer did not yield a task")
		}
	}

	t.mu.Lock()
	netType := t.netAccess
	known := t.netAccessKnown
	t.mu.Unlock()
	if !known {
		netType = c.nat.Class()
	}

	relayNext := false
	if netType == NAT {
		_, err := t.container.PostMessage(ctx, sequence, body.Command(), wire.Extension{
			Source: wire.Source{Requestor: c.localIdentity},
			Target: target,
			Topic:  topic,
		}, body)
		switch {
		case err != nil && xerrors.KindOf(err) == xerrors.Unactived:
			c.removeTask(target)
			t.mu.Lock()
			t.netAccess = Symmetric
			t.netAccessKnown = true
			t.mu.Unlock()
			c.inv.Spawn(func() {
				_ = c.AllocateTurn(context.Background(), target)
			})
			relayNext = true
		case err != nil:
			return err
		default:
			if !c.hasValidRelay(target) {
				c.inv.Spawn(func() {
					_ = c.AllocateTurn(context.Background(), target)
				})
			}
		}
	} else {
		relayNext = true
	}

	if relayNext {
		return c.sendViaRelay(ctx, target, sequence, body)
	}
	return nil
}

func (c *Client) hasValidRelay(target identity.ObjectId) bool {
	c.relayMu.Lock()
	defer c.relayMu.Unlock()
	ch, ok := c.relays[target.Key()]
	return ok && time.Now().Before(ch.expireAt)
}

// sendViaRelay forwards packet.md §4.8's data path: the mix-hash travels in
// the header-extension's topic field so the relay can pull it out without
// decoding the application payload.
func (c *Client) sendViaRelay(ctx context.Context, target identity.ObjectId, sequence []byte, body wire.Body) error {
	c.relayMu.Lock()
	ch, ok := c.relays[target.Key()]
	c.relayMu.Unlock()
	if !ok || time.Now().After(ch.expireAt) {
		if err := c.AllocateTurn(ctx, target); err != nil {
			return err
		}
		c.relayMu.Lock()
		ch, ok = c.relays[target.Key()]
		c.relayMu.Unlock()
		if !ok {
			return xerrors.New(xerrors.NoAvailable, "no relay channel available")
		}
	}

	// The relay task is keyed by the proxy address itself (not target),
	// since several peers' allocate_turn calls may resolve to the same
	// relay server and should share one underlying container.
	relayTarget := identity.ObjectId{Major: identity.MajorService, Minor: 0, Payload: []byte(ch.proxyAddress.String())}
	relayTask, ok := c.task(relayTarget)
	if !ok {
		var err error
		relayTask, err = c.registerTask(ch.proxyAddress, relayTarget, false)
		if err != nil {
			return err
		}
	}

	topic := fmt.Sprintf("%x", ch.mixHash)
	ext := wire.Extension{
		Source: wire.Source{Requestor: c.localIdentity},
		Target: target,
		Topic:  &topic,
	}
	_, err := relayTask.container.PostMessage(ctx, sequence, body.Command(), ext, body)
	return err
}
