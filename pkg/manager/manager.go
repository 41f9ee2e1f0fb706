// Package manager implements C5: the tunnel manager. It owns the registry
// of per-peer containers, dispatches inbound frames to the right one
// (creating a container only when the inbound frame is an Exchange, per
// spec.md §4.5), and drives every container's resend/recycle passes off a
// single pair of timers instead of one timer per container.
package manager

import (
	"sync"
	"time"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/iface"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/metrics"
	"github.com/duskline/overlay/pkg/tunnel"
	"github.com/duskline/overlay/pkg/wire"
	"github.com/duskline/overlay/pkg/xerrors"
)

// ContainerFactory builds a new container for an inbound peer the first
// time an Exchange names it. Supplied by the stack (C9), which knows the
// local identity, verifier, signer, dispatcher and reconnector every
// container needs.
type ContainerFactory func(peer identity.ObjectId) *tunnel.Container

// Manager is C5.
type Manager struct {
	localIdentity identity.ObjectId
	factory       ContainerFactory
	cfg           tunnel.Config
	log           logging.Logger
	metrics       *metrics.Registry
	inv           invoker.Invoker

	mu         sync.RWMutex
	containers map[string]*tunnel.Container

	stop      chan struct{}
	stopOnce  sync.Once
}

// New constructs a Manager with an empty container registry.
func New(localIdentity identity.ObjectId, factory ContainerFactory, cfg tunnel.Config, reg *metrics.Registry, log logging.Logger, inv invoker.Invoker) *Manager {
	return &Manager{
		localIdentity: localIdentity,
		factory:       factory,
		cfg:           cfg,
		log:           log,
		metrics:       reg,
		inv:           inv,
		containers:    make(map[string]*tunnel.Container),
		stop:          make(chan struct{}),
	}
}

// Start launches the resend and recycle timers.
func (m *Manager) Start() {
	m.inv.Spawn(func() { m.runTicker(m.cfg.PollingInterval, m.resendAll) })
	m.inv.Spawn(func() { m.runTicker(m.cfg.RecycleTimeout, m.recycleAll) })
}

// Stop halts both timers. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) runTicker(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) resendAll() {
	for _, c := range m.snapshot() {
		c.ResendPass()
	}
}

func (m *Manager) recycleAll() {
	for _, c := range m.snapshot() {
		c.RecyclePass()
	}
}

func (m *Manager) snapshot() []*tunnel.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tunnel.Container, 0, len(m.containers))
	for _, c := range m.containers {
		out = append(out, c)
	}
	return out
}

// Containers snapshots every registered container, e.g. for the stack's
// on_closed fan-out.
func (m *Manager) Containers() []*tunnel.Container {
	return m.snapshot()
}

// Container returns the container registered for peer, if any.
func (m *Manager) Container(peer identity.ObjectId) (*tunnel.Container, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[peer.Key()]
	return c, ok
}

// EnsureContainer returns the existing container for peer or builds one via
// the factory, registering it. Used for outbound dials where the local side
// is the one initiating the Exchange, so no inbound frame has named the
// peer yet.
func (m *Manager) EnsureContainer(peer identity.ObjectId) *tunnel.Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.containers[peer.Key()]; ok {
		return c
	}
	c := m.factory(peer)
	m.containers[peer.Key()] = c
	return c
}

// Dispatch implements C5's inbound routing (spec.md §4.5): decode enough of
// the frame to read the requestor id, then either hand it to an existing
// container or — only for an Exchange — create one.
func (m *Manager) Dispatch(pair identity.EndpointPair, frame wire.Frame, itf iface.Interface) error {
	requestor := frame.Extension.Source.Requestor

	m.mu.RLock()
	c, ok := m.containers[requestor.Key()]
	m.mu.RUnlock()

	if !ok {
		if frame.Header.MajorCommand != wire.CommandExchange {
			return xerrors.New(xerrors.ProtocolNeedExchange, "no container for peer and frame is not an Exchange")
		}
		m.mu.Lock()
		c, ok = m.containers[requestor.Key()]
		if !ok {
			c = m.factory(requestor)
			m.containers[requestor.Key()] = c
		}
		m.mu.Unlock()
	}

	c.HandleFrame(pair, frame, itf)
	return nil
}

// RemoveContainer drops a container from the registry, e.g. once the stack
// decides a peer is permanently gone.
func (m *Manager) RemoveContainer(peer identity.ObjectId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, peer.Key())
}
