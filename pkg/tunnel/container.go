// Package tunnel implements C3 (physical tunnel, the 3-way exchange state
// machine) and C4 (tunnel container, the per-peer aggregate that owns
// fragmentation, ack bookkeeping, retransmit and recycle). The container is
// the busiest piece of the whole transport: every other component either
// feeds packets into one or pulls PostMessage on one.
package tunnel

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// ReconnectOutcome is the result of the stack's on_reconnect hook, consulted
// by the container's recycle pass (spec.md §4.4.5).
type ReconnectOutcome int

const (
	// ReconnectPending means the attempt is still in flight or should be
	// retried on the next recycle pass; the entry stays queued.
	ReconnectPending ReconnectOutcome = iota
	// ReconnectFound means a new physical path was established for the
	// queued pair; the entry is discarded.
	ReconnectFound
	// ReconnectNotFound means the peer could not be located at all.
	ReconnectNotFound
	// ReconnectIgnore means the stack decided this pair no longer matters.
	ReconnectIgnore
)

// Dispatcher receives fully-reassembled, non-handshake bodies once a
// container finishes collecting every fragment of one logical message
// (spec.md §4.4.3 step 5). The stack (C9) implements this to route Stun
// bodies to the rendezvous client/service and Request/Response bodies to
// the application table. timestamp is the logical message's (sequence,
// timestamp) timestamp field, carried through so a rendezvous service can
// enforce the anti-replay check of spec.md §4.7 without re-parsing frames.
// sequence is the same caller-supplied correlation id PostMessage was
// invoked with, carried through so the stack's application routing table
// can key a Response back to the Request that caused it (spec.md §4.9's
// "callback keyed by (target, sequence)") without re-parsing frames.
type Dispatcher interface {
	Dispatch(peer identity.ObjectId, cmd wire.MajorCommand, ext wire.Extension, body wire.Body, timestamp uint64, sequence []byte)
}

// Reconnector is the stack's on_reconnect hook, invoked by the recycle pass
// for each queued endpoint pair.
type Reconnector interface {
	Reconnect(peer identity.ObjectId, remote identity.Endpoint) (ReconnectOutcome, error)
}

type fragmentState struct {
	frame      wire.Frame
	lastSentAt time.Time
	acked      bool
}

type trackingEntry struct {
	sender    *PhysicalTunnel
	fragments []fragmentState
	createdAt time.Time
}

func (e *trackingEntry) allAcked() bool {
	for _, f := range e.fragments {
		if !f.acked {
			return false
		}
	}
	return true
}

type reassemblyEntry struct {
	cmd        wire.MajorCommand
	ext        wire.Extension
	timestamp  uint64
	sequence   []byte
	received   []bool
	fragments  [][]byte
	remaining  int
	dispatched bool
}

type recycleEntry struct {
	pair       identity.EndpointPair
	enqueuedAt time.Time
}

// Container is C4: the per-peer aggregate of physical tunnels.
type Container struct {
	peerID        identity.ObjectId
	localIdentity identity.ObjectId
	cfg           Config
	verifier      identity.Verifier
	signer        identity.Signer
	log           logging.Logger
	metrics       *metrics.Registry
	inv           invoker.Invoker
	dispatcher    Dispatcher
	reconnector   Reconnector
	now           func() time.Time

	mu      sync.RWMutex
	tunnels map[string]*PhysicalTunnel
	online  bool
	dead    bool
	waiters []chan struct{}

	trackMu        sync.Mutex
	sendTracking   map[msgKey]*trackingEntry
	recvReassembly map[msgKey]*reassemblyEntry

	recycleMu sync.Mutex
	recycle   []recycleEntry
}

// NewContainer constructs a container for peerID, empty of tunnels.
func NewContainer(peerID, localIdentity identity.ObjectId, cfg Config, verifier identity.Verifier, signer identity.Signer, dispatcher Dispatcher, reconnector Reconnector, reg *metrics.Registry, log logging.Logger, inv invoker.Invoker) *Container {
	return &Container{
		peerID:         peerID,
		localIdentity:  localIdentity,
		cfg:            cfg,
		verifier:       verifier,
		signer:         signer,
		log:            log.WithField("peer", peerID.String()),
		metrics:        reg,
		inv:            inv,
		dispatcher:     dispatcher,
		reconnector:    reconnector,
		now:            time.Now,
		tunnels:        make(map[string]*PhysicalTunnel),
		sendTracking:   make(map[msgKey]*trackingEntry),
		recvReassembly: make(map[msgKey]*reassemblyEntry),
	}
}

// PeerID implements ContainerHandle.
func (c *Container) PeerID() identity.ObjectId { return c.peerID }

// LocalIdentity implements ContainerHandle.
func (c *Container) LocalIdentity() identity.ObjectId { return c.localIdentity }

// AddTunnel registers a new physical tunnel for pair over itf. If active is
// true this side initiates the handshake (spec.md §4.3's Exchange leg);
// otherwise the tunnel waits for an inbound Exchange.
func (c *Container) AddTunnel(pair identity.EndpointPair, itf iface.Interface, active bool, localBlob []byte, nonce []byte) *PhysicalTunnel {
	t := NewPhysicalTunnel(pair, itf, c, c.verifier, c.signer, c.log)

	c.mu.Lock()
	c.tunnels[pair.Key()] = t
	c.mu.Unlock()

	if active {
		if err := t.Active(localBlob, nonce); err != nil {
			c.log.Warnf("active handshake failed on %s: %v", pair, err)
		}
	}
	return t
}

// Tunnel looks up an existing physical tunnel by pair.
func (c *Container) Tunnel(pair identity.EndpointPair) (*PhysicalTunnel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tunnels[pair.Key()]
	return t, ok
}

// NotifyEstablished implements ContainerHandle: the container becomes
// online the instant any one physical tunnel completes its handshake
// (spec.md §4.4.1, the invariant every wait_active caller relies on).
func (c *Container) NotifyEstablished(pair identity.EndpointPair, data ExchangeData) {
	c.mu.Lock()
	wasOnline := c.online
	c.online = true
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if !wasOnline {
		c.metrics.ContainersOnline.Inc()
		c.log.Debugf("container online via %s", pair)
	}
}

// NotifyDead implements ContainerHandle: recomputes online status from the
// surviving tunnels, marks the container dead if none remain, and enqueues
// TCP paths for recycle (spec.md §4.4.5).
func (c *Container) NotifyDead(pair identity.EndpointPair, reason string) {
	c.mu.Lock()
	anyEstablished := false
	anyAlive := false
	for _, t := range c.tunnels {
		switch t.State().(type) {
		case Established:
			anyEstablished = true
			anyAlive = true
		case Connecting:
			anyAlive = true
		}
	}
	wasOnline := c.online
	c.online = anyEstablished

	var failedWaiters []chan struct{}
	if !anyAlive {
		c.dead = true
		failedWaiters = c.waiters
		c.waiters = nil
	}
	c.mu.Unlock()

	if wasOnline && !anyEstablished {
		c.metrics.ContainersOnline.Dec()
	}
	for _, ch := range failedWaiters {
		close(ch)
	}

	if pair.Local.Protocol == identity.ProtocolTCP {
		c.enqueueRecycle(pair)
	}
	c.log.Debugf("tunnel %s dead: %s", pair, reason)
}

func (c *Container) enqueueRecycle(pair identity.EndpointPair) {
	c.recycleMu.Lock()
	defer c.recycleMu.Unlock()
	for _, e := range c.recycle {
		if e.pair.Key() == pair.Key() {
			return
		}
	}
	c.recycle = append(c.recycle, recycleEntry{pair: pair, enqueuedAt: c.now()})
}

// WaitActive blocks until the container has at least one Established
// tunnel, ctx is done, or the container is dead.
func (c *Container) WaitActive(ctx context.Context) error {
	c.mu.Lock()
	if c.online {
		c.mu.Unlock()
		return nil
	}
	if c.dead {
		c.mu.Unlock()
		return xerrors.New(xerrors.Unactived, "container has no surviving tunnels")
	}
	ch := make(chan struct{})
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()

	select {
	case <-ch:
		c.mu.RLock()
		online := c.online
		c.mu.RUnlock()
		if online {
			return nil
		}
		return xerrors.New(xerrors.Unactived, "container has no surviving tunnels")
	case <-ctx.Done():
		return xerrors.New(xerrors.Timeout, "wait_active timed out")
	}
}

// selectTunnel picks a non-dead tunnel by now-mod-N (spec.md §4.4.2),
// enqueuing any dead TCP ones it notices along the way.
func (c *Container) selectTunnel() (*PhysicalTunnel, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.tunnels))
	for k := range c.tunnels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	alive := make([]*PhysicalTunnel, 0, len(keys))
	for _, k := range keys {
		t := c.tunnels[k]
		if t.IsClosed() {
			continue
		}
		alive = append(alive, t)
	}
	c.mu.RUnlock()

	if len(alive) == 0 {
		return nil, xerrors.New(xerrors.NoAvailable, "no surviving physical tunnel")
	}
	idx := int(uint64(c.now().UnixNano()) % uint64(len(alive)))
	return alive[idx], nil
}

// PostMessage implements C4's post_message(sequence, packet_data_set)
// (spec.md §4.4.2): wait for activation, select a tunnel, fragment, send,
// and install send-tracking for the caller's fragments.
func (c *Container) PostMessage(ctx context.Context, sequence []byte, cmd wire.MajorCommand, ext wire.Extension, body wire.Body) (uint64, error) {
	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := c.WaitActive(connectCtx); err != nil {
		return 0, err
	}

	tun, err := c.selectTunnel()
	if err != nil {
		return 0, err
	}

	ts := uint64(c.now().UnixMicro())
	var sign func([]byte) []byte
	if c.signer != nil {
		sign = c.signer.Sign
	}
	frames, err := wire.BuildFrames(cmd, sequence, ts, ext, body, defaultMaxFragmentSize, sign)
	if err != nil {
		return 0, err
	}
	if err := tun.Post(frames); err != nil {
		return 0, err
	}

	c.installTracking(sequence, ts, tun, frames)
	c.metrics.FragmentsSent.Add(float64(len(frames)))
	return ts, nil
}

func (c *Container) installTracking(sequence []byte, timestamp uint64, tun *PhysicalTunnel, frames []wire.Frame) {
	entry := &trackingEntry{sender: tun, createdAt: c.now()}
	entry.fragments = make([]fragmentState, len(frames))
	for i, f := range frames {
		entry.fragments[i] = fragmentState{frame: f, lastSentAt: entry.createdAt}
	}
	c.trackMu.Lock()
	c.sendTracking[keyOf(sequence, timestamp)] = entry
	c.trackMu.Unlock()
}

// HandleFrame implements the receive path of spec.md §4.4.3. itf is the
// interface the frame arrived on, used to register a new physical tunnel
// the first time a pair is seen (a path the container learns passively,
// e.g. an inbound Exchange on a previously unknown {local, remote}).
func (c *Container) HandleFrame(pair identity.EndpointPair, frame wire.Frame, itf iface.Interface) {
	if frame.Extension.Source.CreatorRemote == nil {
		observed := pair.Remote
		frame.Extension.Source.CreatorRemote = &observed
	}

	tun, ok := c.Tunnel(pair)
	if !ok {
		tun = c.AddTunnel(pair, itf, false, nil, nil)
	}

	cmd := frame.Header.MajorCommand
	switch {
	case cmd.IsHandshake():
		body, err := wire.DecodeBody(cmd, frame.Payload)
		if err != nil {
			c.log.Debugf("dropping malformed handshake frame from %s: %v", pair, err)
			return
		}
		tun.OnPacket(frame, body)
	case cmd.IsAck():
		c.handleAckFamily(tun, frame)
	default:
		c.sendAck(tun, frame)
		c.reassemble(frame)
	}
}

func (c *Container) sendAck(tun *PhysicalTunnel, frame wire.Frame) {
	ext := wire.Extension{
		Source: wire.Source{Requestor: c.localIdentity},
		Target: frame.Extension.Source.Requestor,
	}
	body := wire.AckBody{Sequence: frame.Header.Sequence, Index: frame.Header.Index, Timestamp: frame.Header.Timestamp}
	ackFrames, err := wire.BuildFrames(wire.CommandAck, frame.Header.Sequence, frame.Header.Timestamp, ext, body, defaultMaxFragmentSize, nil)
	if err != nil {
		c.log.Warnf("failed building ack: %v", err)
		return
	}
	if err := tun.Post(ackFrames); err != nil {
		c.log.Debugf("failed sending ack: %v", err)
	}
}

func (c *Container) handleAckFamily(tun *PhysicalTunnel, frame wire.Frame) {
	cmd := frame.Header.MajorCommand
	body, err := wire.DecodeBody(cmd, frame.Payload)
	if err != nil {
		c.log.Debugf("dropping malformed ack frame: %v", err)
		return
	}

	var index uint8
	switch b := body.(type) {
	case wire.AckBody:
		index = b.Index
	case wire.AckAckBody:
		index = b.Index
	default:
		return
	}

	key := keyOf(frame.Header.Sequence, frame.Header.Timestamp)
	c.trackMu.Lock()
	entry, ok := c.sendTracking[key]
	if !ok {
		c.trackMu.Unlock()
		// Late or duplicate ack for a message already completed/abandoned.
		return
	}
	if int(index) >= len(entry.fragments) || entry.fragments[index].acked {
		c.trackMu.Unlock()
		return
	}
	entry.fragments[index].acked = true
	c.metrics.FragmentsAcked.Inc()
	complete := entry.allAcked()
	if complete {
		delete(c.sendTracking, key)
	}
	c.trackMu.Unlock()

	if cmd == wire.CommandAck {
		ext := wire.Extension{
			Source: wire.Source{Requestor: c.localIdentity},
			Target: frame.Extension.Source.Requestor,
		}
		ackAckBody := wire.AckAckBody{Sequence: frame.Header.Sequence, Index: index, Errno: 0}
		frames, err := wire.BuildFrames(wire.CommandAckAck, frame.Header.Sequence, frame.Header.Timestamp, ext, ackAckBody, defaultMaxFragmentSize, nil)
		if err == nil {
			_ = tun.Post(frames)
		}
	}
}

func (c *Container) reassemble(frame wire.Frame) {
	key := keyOf(frame.Header.Sequence, frame.Header.Timestamp)
	c.trackMu.Lock()
	entry, ok := c.recvReassembly[key]
	if !ok {
		entry = &reassemblyEntry{
			cmd:       frame.Header.MajorCommand,
			ext:       frame.Extension,
			timestamp: frame.Header.Timestamp,
			sequence:  frame.Header.Sequence,
			received:  make([]bool, frame.Header.Count),
			fragments: make([][]byte, frame.Header.Count),
			remaining: int(frame.Header.Count),
		}
		c.recvReassembly[key] = entry
	}
	if entry.dispatched {
		c.trackMu.Unlock()
		return // duplicate fragment after completion (spec.md P4): drop.
	}
	idx := int(frame.Header.Index)
	if idx < len(entry.received) && !entry.received[idx] {
		entry.received[idx] = true
		entry.fragments[idx] = frame.Payload
		entry.remaining--
	}
	complete := entry.remaining == 0
	var assembled []byte
	var cmd wire.MajorCommand
	var ext wire.Extension
	var ts uint64
	var seq []byte
	if complete {
		entry.dispatched = true
		for _, chunk := range entry.fragments {
			assembled = append(assembled, chunk...)
		}
		cmd = entry.cmd
		ext = entry.ext
		ts = entry.timestamp
		seq = entry.sequence
	}
	c.trackMu.Unlock()

	if !complete {
		return
	}
	body, err := wire.DecodeBody(cmd, assembled)
	if err != nil {
		c.log.Warnf("failed decoding reassembled body: %v", err)
		return
	}
	if c.dispatcher != nil {
		c.dispatcher.Dispatch(c.peerID, cmd, ext, body, ts, seq)
	}
}

// ResendPass runs one iteration of the background retransmit check
// (spec.md §4.4.4). The manager (C5) drives this on a shared timer across
// every container at PollingInterval.
func (c *Container) ResendPass() {
	now := c.now()

	c.trackMu.Lock()
	var expiredKeys []msgKey
	var expiredEntries []*trackingEntry
	var toResend []struct {
		entry *trackingEntry
		idx   int
	}
	for key, entry := range c.sendTracking {
		if now.Sub(entry.createdAt) > c.cfg.ResendTimeout {
			expiredKeys = append(expiredKeys, key)
			expiredEntries = append(expiredEntries, entry)
			continue
		}
		for i := range entry.fragments {
			f := &entry.fragments[i]
			if !f.acked && now.Sub(f.lastSentAt) >= c.cfg.ResendInterval {
				toResend = append(toResend, struct {
					entry *trackingEntry
					idx   int
				}{entry, i})
			}
		}
	}
	for _, key := range expiredKeys {
		delete(c.sendTracking, key)
	}
	c.trackMu.Unlock()

	for _, r := range toResend {
		frag := &r.entry.fragments[r.idx]
		if err := r.entry.sender.Post([]wire.Frame{frag.frame}); err == nil {
			frag.lastSentAt = now
			c.metrics.FragmentsResent.Inc()
		}
	}

	for i, entry := range expiredEntries {
		entry.sender.Close("resend timeout exhausted")
		c.requeue(expiredKeys[i], entry)
	}
}

// requeue re-posts a message whose resend budget was exhausted onto a
// surviving tunnel, under a fresh timestamp and tracking entry. The path
// that carried it is presumed broken and has already been closed; this
// re-post is what realizes the reconnect-and-retry behavior (spec.md
// §4.4.4). The message is dropped only when no path survives at all.
func (c *Container) requeue(key msgKey, entry *trackingEntry) {
	tun, err := c.selectTunnel()
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues("resend_timeout").Inc()
		c.log.Warnf("message abandoned after resend_timeout, no surviving path: %v", err)
		return
	}

	ts := uint64(c.now().UnixMicro())
	if ts <= key.Timestamp {
		ts = key.Timestamp + 1
	}
	frames := make([]wire.Frame, len(entry.fragments))
	for i := range entry.fragments {
		f := entry.fragments[i].frame
		f.Header.Timestamp = ts
		frames[i] = f
	}
	if err := tun.Post(frames); err != nil {
		c.metrics.MessagesDropped.WithLabelValues("resend_timeout").Inc()
		c.log.Warnf("requeue after resend_timeout failed: %v", err)
		return
	}
	c.installTracking([]byte(key.Sequence), ts, tun, frames)
	c.metrics.FragmentsResent.Add(float64(len(frames)))
	c.log.Debugf("message requeued onto %s after resend_timeout", tun.Pair())
}

// RecyclePass runs one iteration of the background recycle check
// (spec.md §4.4.5): for each queued endpoint pair, invokes the stack's
// on_reconnect hook; entries the stack reports NotFound or Ignore for are
// discarded, Found entries are discarded as resolved, everything else stays
// queued for the next pass.
func (c *Container) RecyclePass() {
	if c.reconnector == nil {
		return
	}
	c.recycleMu.Lock()
	pending := make([]recycleEntry, len(c.recycle))
	copy(pending, c.recycle)
	c.recycleMu.Unlock()

	var remaining []recycleEntry
	for _, e := range pending {
		outcome, err := c.reconnector.Reconnect(c.peerID, e.pair.Remote)
		if err != nil {
			remaining = append(remaining, e)
			continue
		}
		switch outcome {
		case ReconnectNotFound, ReconnectIgnore, ReconnectFound:
			continue
		default:
			remaining = append(remaining, e)
		}
	}

	c.recycleMu.Lock()
	c.recycle = remaining
	c.recycleMu.Unlock()
}

// CloseTunnelsTo closes every physical tunnel whose remote endpoint matches,
// the container-side reaction to a TCP interface's on_closed notification
// (spec.md §4.2: a path loss, not a peer loss).
func (c *Container) CloseTunnelsTo(remote identity.Endpoint, reason string) {
	c.mu.RLock()
	var matched []*PhysicalTunnel
	for _, t := range c.tunnels {
		if t.Pair().Remote.Equal(remote) {
			matched = append(matched, t)
		}
	}
	c.mu.RUnlock()
	for _, t := range matched {
		t.Close(reason)
	}
}

// PendingSends reports how many send-tracking entries are still waiting on
// acks. Mainly useful for tests asserting on retransmit bookkeeping.
func (c *Container) PendingSends() int {
	c.trackMu.Lock()
	defer c.trackMu.Unlock()
	return len(c.sendTracking)
}

// IsOnline reports the container's current activation state.
func (c *Container) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

// IsDead reports whether every physical tunnel has failed.
func (c *Container) IsDead() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dead
}
