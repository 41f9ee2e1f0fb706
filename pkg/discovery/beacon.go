// Package discovery implements C11: an optional LAN presence beacon. It
// follows the teacher's ReliableTransport.poll shape (pkg/mcast/core/transport.go)
// almost exactly, but narrowed to the one thing relt's named-group broadcast
// model fits well in this system — an announce/listen loop on a single
// well-known group address, not the point-to-point per-peer transport C2/C3
// need (see DESIGN.md's dropped-dependency note).
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jabolina/relt/pkg/relt"

	"github.com/duskline/overlay/internal/invoker"
	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/logging"
	"github.com/duskline/overlay/pkg/xerrors"
)

// Announcement is the beacon's wire payload: a requestor and the endpoints
// it wants candidate dialers to try. It rides entirely inside relt's own
// message envelope, so plain JSON (identity.ObjectId/Endpoint's fields are
// all exported) is enough — this is not part of the tunnel wire format.
type Announcement struct {
	Requestor identity.ObjectId
	Endpoints []identity.Endpoint
}

// Config holds C11's tunables.
type Config struct {
	// Name is this beacon's relt peer name.
	Name string
	// Group is the relt exchange/group address every beacon on the segment
	// broadcasts to and listens on.
	Group string
	// Interval is how often this beacon re-announces its presence.
	Interval time.Duration
}

// DefaultConfig returns a Config using name as the relt peer identity.
func DefaultConfig(name string) Config {
	return Config{Name: name, Group: "overlay-lan-discovery", Interval: 5 * time.Second}
}

// OnPeer is invoked whenever a beacon names a peer other than ourselves,
// carrying the endpoints it advertised as worth dialing. The stack (C9)
// wires this to treat the sighting exactly as an unsolicited Exchange would
// be treated by the manager (spec.md §4.11): a candidate EndpointPair, not
// a new wire command.
type OnPeer func(peer identity.ObjectId, endpoints []identity.Endpoint)

// Beacon is C11.
type Beacon struct {
	cfg       Config
	local     identity.ObjectId
	endpoints []identity.Endpoint
	onPeer    OnPeer
	log       logging.Logger
	inv       invoker.Invoker

	r      *relt.Relt
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts a relt group membership for cfg.Group. endpoints are this
// node's own currently-known reachable addresses, re-broadcast on every
// tick.
func New(local identity.ObjectId, endpoints []identity.Endpoint, cfg Config, onPeer OnPeer, log logging.Logger, inv invoker.Invoker) (*Beacon, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = cfg.Name
	conf.Exchange = relt.GroupAddress(cfg.Group)
	r, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Fatal, "start discovery beacon", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Beacon{
		cfg:       cfg,
		local:     local,
		endpoints: endpoints,
		onPeer:    onPeer,
		log:       log.WithField("component", "discovery"),
		inv:       inv,
		r:         r,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches the announce and listen loops.
func (b *Beacon) Start() {
	b.inv.Spawn(b.announceLoop)
	b.inv.Spawn(b.listenLoop)
}

// Stop tears down the beacon's relt membership. Not idempotent; call once.
func (b *Beacon) Stop() {
	b.cancel()
	b.r.Close()
}

func (b *Beacon) announceLoop() {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	b.announce()
	for {
		select {
		case <-ticker.C:
			b.announce()
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Beacon) announce() {
	data, err := json.Marshal(Announcement{Requestor: b.local, Endpoints: b.endpoints})
	if err != nil {
		b.log.Warnf("failed encoding beacon announcement: %v", err)
		return
	}
	msg := relt.Send{Address: relt.GroupAddress(b.cfg.Group), Data: data}
	if err := b.r.Broadcast(msg); err != nil {
		b.log.Warnf("failed broadcasting beacon announcement: %v", err)
	}
}

func (b *Beacon) listenLoop() {
	listener := b.r.Consume()
	for {
		select {
		case <-b.ctx.Done():
			return
		case recv, ok := <-listener:
			if !ok {
				return
			}
			b.consume("", recv.Data, recv.Error)
		}
	}
}

func (b *Beacon) consume(origin string, data []byte, recvErr error) {
	if recvErr != nil {
		b.log.Debugf("beacon recv error from %s: %v", origin, recvErr)
		return
	}
	if data == nil {
		return
	}
	var ann Announcement
	if err := json.Unmarshal(data, &ann); err != nil {
		b.log.Debugf("dropping malformed beacon from %s: %v", origin, err)
		return
	}
	if ann.Requestor.Equal(b.local) {
		return
	}
	if b.onPeer != nil {
		b.onPeer(ann.Requestor, ann.Endpoints)
	}
}
