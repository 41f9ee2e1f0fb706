// Package relay implements C8: the process-wide relay-channel credential
// registry. It issues, validates and expires the mix-hash channel keys the
// rendezvous service mints for relayed peers; the actual packet-forwarding
// data path is out of scope (spec.md §4.8 — "the core's responsibility
// stops at issuing, validating, and expiring these credentials").
package relay

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/duskline/overlay/pkg/identity"
	"github.com/duskline/overlay/pkg/metrics"
)

// Owners identifies the two peers a relay channel forwards between.
type Owners struct {
	Owner identity.ObjectId
	Peer  identity.ObjectId
}

// Registry is C8, backed by patrickmn/go-cache for its TTL/expiry — the
// same concern cppla-moto reaches for go-cache to cover.
type Registry struct {
	cache   *gocache.Cache
	metrics *metrics.Registry
}

// New builds a Registry. defaultTTL bounds every channel minted without an
// explicit live-minutes value; gcInterval is how often go-cache's janitor
// sweeps expired entries.
func New(defaultTTL, gcInterval time.Duration, reg *metrics.Registry) *Registry {
	return &Registry{
		cache:   gocache.New(defaultTTL, gcInterval),
		metrics: reg,
	}
}

// Append registers a fresh channel_key with the owners it relays between
// and how long it stays valid.
func (r *Registry) Append(channelKey []byte, owners Owners, ttl time.Duration) {
	r.cache.Set(string(channelKey), owners, ttl)
	r.metrics.RelayChannels.Set(float64(r.cache.ItemCount()))
}

// Lookup returns the owners registered for channelKey, if the entry exists
// and has not expired.
func (r *Registry) Lookup(channelKey []byte) (Owners, bool) {
	v, ok := r.cache.Get(string(channelKey))
	if !ok {
		return Owners{}, false
	}
	return v.(Owners), true
}

// IsValid reports whether owner currently holds a non-expired channel: it
// returns true if any unexpired entry names owner as its Owner. Entries are
// not ordered by age, so whether that entry is owner's newest channel is not
// checked.
func (r *Registry) IsValid(owner identity.ObjectId) bool {
	for _, item := range r.cache.Items() {
		if item.Expired() {
			continue
		}
		owners, ok := item.Object.(Owners)
		if ok && owners.Owner.Equal(owner) {
			return true
		}
	}
	return false
}

// GC forces an immediate sweep of expired entries, beyond go-cache's own
// janitor cadence; mainly useful in tests asserting on ItemCount.
func (r *Registry) GC() {
	r.cache.DeleteExpired()
	r.metrics.RelayChannels.Set(float64(r.cache.ItemCount()))
}

// Count returns the number of live (possibly not-yet-swept) entries.
func (r *Registry) Count() int {
	return r.cache.ItemCount()
}
