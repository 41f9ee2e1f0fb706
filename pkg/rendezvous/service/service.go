// Package service implements C7: the rendezvous/relay service logic run by
// a well-known peer. It accepts bind/keep-alive pings from clients,
// forwards call requests between two rendezvous-registered clients, and
// issues relay allocation credentials, per spec.md §4.7. Unlike the
// rendezvous client (C6), which owns one dedicated container per task, the
// service rides on top of the shared tunnel manager (C5): every client
// that binds gets an ordinary manager-registered container, and the
// service is wired in as that container's Dispatcher.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/manager"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/relay"
	"github.com/duskline/overlay/pkg/wire"
)

func freshID() []byte {
	id := uuid.New()
	return id[:]
}

// tunnelObservation is one recently-seen tunnel a peer bound from, ordered
// newest-first in cachedPeerInfo.tunnels and deduplicated by remote endpoint.
type tunnelObservation struct {
	observedAt time.Time
	pair       identity.Endpoint
}

// cachedPeerInfo is spec.md §4.7's CachedPeerInfo.
type cachedPeerInfo struct {
	id           identity.ObjectId
	tunnels      []tunnelObservation
	lastSendTime uint64 // the signing timestamp of the last accepted bind, for anti-replay
	lastCallTime time.Time
}

func (c *cachedPeerInfo) observe(remote identity.Endpoint, at time.Time) {
	filtered := c.tunnels[:0]
	for _, t := range c.tunnels {
		if !t.pair.Equal(remote) {
			filtered = append(filtered, t)
		}
	}
	c.tunnels = append([]tunnelObservation{{observedAt: at, pair: remote}}, filtered...)
}

func (c *cachedPeerInfo) newest() (identity.Endpoint, bool) {
	if len(c.tunnels) == 0 {
		return identity.Endpoint{}, false
	}
	return c.tunnels[0].pair, true
}

// keepNewestOnly discards every observed tunnel but the most recent, the
// knock-rotation's "keeping only the newest tunnel each" rule.
func (c *cachedPeerInfo) keepNewestOnly() {
	if len(c.tunnels) > 1 {
		c.tunnels = c.tunnels[:1]
	}
}

// Service is C7.
type Service struct {
	localIdentity identity.ObjectId
	mgr           *manager.Manager
	relay         *relay.Registry
	relayAddress  identity.Endpoint
	cfg           Config
	log           logging.Logger
	metrics       *metrics.Registry
	inv           invoker.Invoker

	mu            sync.Mutex
	active        map[string]*cachedPeerInfo
	knocked       map[string]*cachedPeerInfo
	lastKnockTime time.Time

	pendingMu     sync.Mutex
	pendingCalls  map[string]chan wire.StunBody
	pendingAllocs map[string]chan wire.StunBody

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Service with an empty peer cache. relayAddress is this
// service's externally-routable relay data-plane address, handed to both
// endpoints of an allocated channel (spec.md §4.6.5/§4.7); the actual
// forwarding of tagged datagrams at that address is outside the core's
// responsibility (spec.md §4.8).
func New(localIdentity identity.ObjectId, mgr *manager.Manager, relayRegistry *relay.Registry, relayAddress identity.Endpoint, cfg Config, reg *metrics.Registry, log logging.Logger, inv invoker.Invoker) *Service {
	return &Service{
		localIdentity: localIdentity,
		mgr:           mgr,
		relay:         relayRegistry,
		relayAddress:  relayAddress,
		cfg:           cfg,
		log:           log.WithField("component", "rendezvous-service"),
		metrics:       reg,
		inv:           inv,
		active:        make(map[string]*cachedPeerInfo),
		knocked:       make(map[string]*cachedPeerInfo),
		lastKnockTime: time.Now(),
		pendingCalls:  make(map[string]chan wire.StunBody),
		pendingAllocs: make(map[string]chan wire.StunBody),
		stop:          make(chan struct{}),
	}
}

// Start launches the knock-rotation poll loop.
func (s *Service) Start() {
	s.inv.Spawn(s.pollLoop)
}

// Stop halts the poll loop. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) pollLoop() {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.rotateKnock()
		case <-s.stop:
			return
		}
	}
}

// rotateKnock implements spec.md §4.7's knock rotation: once knock_timeout
// has passed since the last rotation, every active peer is demoted to
// knocked (keeping only its newest tunnel) and active is cleared. A peer
// that binds again afterwards is promoted back to active.
func (s *Service) rotateKnock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastKnockTime) <= s.cfg.KnockTimeout {
		return
	}
	moved := 0
	for key, info := range s.active {
		info.keepNewestOnly()
		s.knocked[key] = info
		moved++
	}
	s.active = make(map[string]*cachedPeerInfo)
	s.lastKnockTime = time.Now()
	if moved > 0 {
		s.log.Debugf("knock rotation demoted %d active peers", moved)
	}
}

// Dispatch implements tunnel.Dispatcher: the service is wired as every
// client-bound container's dispatcher by the stack's ContainerFactory.
func (s *Service) Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, timestamp uint64, sequence []byte) {
	stun, ok := body.(wire.StunBody)
	if !ok {
		return
	}
	switch stun.Type {
	case wire.StunPingRequest:
		s.onBindRequest(peer, timestamp, ext)
	case wire.StunCallRequest:
		s.onCallRequest(peer, stun)
	case wire.StunCallResponse:
		s.deliverCall(peer, stun)
	case wire.StunAllocationRequest:
		s.onAllocationRequest(peer, stun)
	case wire.StunAllocationResponse:
		s.deliverAlloc(peer, stun)
	}
}

// onBindRequest implements spec.md §4.7's on_bind_request. The observed
// remote endpoint travels as ext.Source.CreatorRemote, synthesized by the
// container's receive path (spec.md §4.4.3 step 1) from the physical
// tunnel the frame arrived on. timestamp stands in for the out-of-scope
// signature's sign-time: the concrete crypto suite is an external
// collaborator's concern (spec.md §1), but the wire header's per-message
// timestamp already gives an anti-replay clock the core can enforce
// directly, so this is the value compared against cached.last_send_time.
func (s *Service) onBindRequest(peer identity.ObjectId, timestamp uint64, ext wire.Extension) {
	if ext.Source.CreatorRemote == nil {
		s.log.Warnf("bind request from %s missing observed endpoint", peer)
		return
	}
	observed := *ext.Source.CreatorRemote

	s.mu.Lock()
	key := peer.Key()
	info, known := s.active[key]
	wasKnocked := false
	if !known {
		if k, ok := s.knocked[key]; ok {
			info = k
			wasKnocked = true
		}
	}
	if info == nil {
		info = &cachedPeerInfo{id: peer}
	}
	if timestamp <= info.lastSendTime {
		s.mu.Unlock()
		s.log.Debugf("rejecting replayed bind from %s", peer)
		s.reply(peer, wire.StunBody{Type: wire.StunPingErrorResponse})
		return
	}
	info.observe(observed, time.Now())
	info.lastSendTime = timestamp
	if wasKnocked {
		delete(s.knocked, key)
	}
	s.active[key] = info
	s.mu.Unlock()

	s.reply(peer, wire.StunBody{Type: wire.StunPingResponse, MappedAddress: &observed})
}

// reply posts body back to peer over its existing bound container.
func (s *Service) reply(peer identity.ObjectId, body wire.StunBody) {
	c, ok := s.mgr.Container(peer)
	if !ok {
		s.log.Warnf("no container for %s, cannot reply", peer)
		return
	}
	ext := wire.Extension{Source: wire.Source{Requestor: s.localIdentity}, Target: peer}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InviteTimeout)
	defer cancel()
	if _, err := c.PostMessage(ctx, freshID(), wire.CommandStun, ext, body); err != nil {
		s.log.Warnf("failed replying to %s: %v", peer, err)
	}
}

// cachedInfo looks up a peer in either active or knocked.
func (s *Service) cachedInfo(id identity.ObjectId) (*cachedPeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.active[id.Key()]; ok {
		return info, true
	}
	if info, ok := s.knocked[id.Key()]; ok {
		return info, true
	}
	return nil, false
}

// onCallRequest implements spec.md §4.7's on_call_request: look up target,
// forward the CallRequest over the target's own bound container, and wait
// up to invite_timeout for its CallResponse before relaying it (or a
// CallErrorResponse) back to the caller.
func (s *Service) onCallRequest(from identity.ObjectId, body wire.StunBody) {
	if body.Target == nil {
		return
	}
	target := *body.Target

	info, ok := s.cachedInfo(target)
	if !ok {
		s.reply(from, wire.StunBody{Type: wire.StunCallErrorResponse, Target: &target})
		return
	}
	s.mu.Lock()
	info.lastCallTime = time.Now()
	s.mu.Unlock()

	targetContainer, ok := s.mgr.Container(target)
	if !ok {
		s.reply(from, wire.StunBody{Type: wire.StunCallErrorResponse, Target: &target})
		return
	}

	waiter := s.awaitCall(target)
	forwardExt := wire.Extension{Source: wire.Source{Requestor: from}, Target: target}
	forwardBody := wire.StunBody{Type: wire.StunCallRequest, Target: &target, Fromer: &from}
	// Include the caller's reverse endpoint so the callee can dial back.
	if callerEp, ok := s.newestEndpoint(from); ok {
		forwardBody.ProxyAddress = &callerEp
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InviteTimeout)
	if _, err := targetContainer.PostMessage(ctx, freshID(), wire.CommandStun, forwardExt, forwardBody); err != nil {
		cancel()
		s.clearCall(target)
		s.reply(from, wire.StunBody{Type: wire.StunCallErrorResponse, Target: &target})
		return
	}

	s.inv.Spawn(func() {
		defer cancel()
		defer s.clearCall(target)
		select {
		case resp := <-waiter:
			// A callee that could not determine its own reverse endpoint is
			// backstopped with the binding this service observed for it.
			if resp.ProxyAddress == nil {
				if ep, ok := s.newestEndpoint(target); ok {
					resp.ProxyAddress = &ep
				}
			}
			s.reply(from, resp)
		case <-ctx.Done():
			s.reply(from, wire.StunBody{Type: wire.StunCallErrorResponse, Target: &target})
		case <-s.stop:
		}
	})
}

// newestEndpoint reports the most recently observed tunnel endpoint for id,
// under the peer-cache lock.
func (s *Service) newestEndpoint(id identity.ObjectId) (identity.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.active[id.Key()]; ok {
		return info.newest()
	}
	if info, ok := s.knocked[id.Key()]; ok {
		return info.newest()
	}
	return identity.Endpoint{}, false
}

// onAllocationRequest implements spec.md §4.7's on_allocation_request: mint
// a fresh channel_key, register it with the relay registry (C8) up front,
// forward the request to target, and relay the success (or an error) back
// to the allocating peer.
func (s *Service) onAllocationRequest(from identity.ObjectId, body wire.StunBody) {
	if body.Target == nil {
		return
	}
	target := *body.Target

	if _, ok := s.cachedInfo(target); !ok {
		s.reply(from, wire.StunBody{Type: wire.StunAllocationErrorResponse, Target: &target})
		return
	}
	targetContainer, ok := s.mgr.Container(target)
	if !ok {
		s.reply(from, wire.StunBody{Type: wire.StunAllocationErrorResponse, Target: &target})
		return
	}

	channelKey := freshID()
	ttl := time.Duration(s.cfg.MixhashLiveMinutes) * time.Minute
	s.relay.Append(channelKey, relay.Owners{Owner: from, Peer: target}, ttl)

	waiter := s.awaitAlloc(target)
	live := s.cfg.MixhashLiveMinutes
	proxy := s.relayAddress
	forwardExt := wire.Extension{Source: wire.Source{Requestor: from}, Target: target}
	forwardBody := wire.StunBody{Type: wire.StunAllocationRequest, Target: &target, MixHash: channelKey, LiveMinutes: &live, ProxyAddress: &proxy}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AllocationTimeout)
	if _, err := targetContainer.PostMessage(ctx, freshID(), wire.CommandStun, forwardExt, forwardBody); err != nil {
		cancel()
		s.clearAlloc(target)
		s.reply(from, wire.StunBody{Type: wire.StunAllocationErrorResponse, Target: &target})
		return
	}

	s.inv.Spawn(func() {
		defer cancel()
		defer s.clearAlloc(target)
		select {
		case <-waiter:
			s.reply(from, wire.StunBody{Type: wire.StunAllocationResponse, Target: &target, MixHash: channelKey, LiveMinutes: &live, ProxyAddress: &proxy})
		case <-ctx.Done():
			s.reply(from, wire.StunBody{Type: wire.StunAllocationErrorResponse, Target: &target})
		case <-s.stop:
		}
	})
}

func (s *Service) awaitCall(target identity.ObjectId) chan wire.StunBody {
	ch := make(chan wire.StunBody, 1)
	s.pendingMu.Lock()
	s.pendingCalls[target.Key()] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Service) clearCall(target identity.ObjectId) {
	s.pendingMu.Lock()
	delete(s.pendingCalls, target.Key())
	s.pendingMu.Unlock()
}

func (s *Service) deliverCall(target identity.ObjectId, body wire.StunBody) {
	s.pendingMu.Lock()
	ch, ok := s.pendingCalls[target.Key()]
	s.pendingMu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

func (s *Service) awaitAlloc(target identity.ObjectId) chan wire.StunBody {
	ch := make(chan wire.StunBody, 1)
	s.pendingMu.Lock()
	s.pendingAllocs[target.Key()] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Service) clearAlloc(target identity.ObjectId) {
	s.pendingMu.Lock()
	delete(s.pendingAllocs, target.Key())
	s.pendingMu.Unlock()
}

func (s *Service) deliverAlloc(target identity.ObjectId, body wire.StunBody) {
	s.pendingMu.Lock()
	ch, ok := s.pendingAllocs[target.Key()]
	s.pendingMu.Unlock()
	if ok {
		select {
		case ch <- body:
		default:
		}
	}
}

// LastSeen reports the most recently observed endpoint for peer, whether
// it is currently active or knocked. Mainly useful for tests and
// operational introspection.
func (s *Service) LastSeen(peer identity.ObjectId) (identity.Endpoint, bool) {
	info, ok := s.cachedInfo(peer)
	if !ok {
		return identity.Endpoint{}, false
	}
	return info.newest()
}

// ActivePeers reports the peer ids currently in the active set, mostly
// useful for tests asserting on knock-rotation behavior (spec.md P9).
func (s *Service) ActivePeers() []identity.ObjectId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.ObjectId, 0, len(s.active))
	for _, info := range s.active {
		out = append(out, info.id)
	}
	return out
}

// KnockedPeers mirrors ActivePeers for the knocked set.
func (s *Service) KnockedPeers() []identity.ObjectId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]identity.ObjectId, 0, len(s.knocked))
	for _, info := range s.knocked {
		out = append(out, info.id)
	}
	return out
}
