package dncp

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// NeighborKey identifies a neighbor relation: a peer node-id heard on one of
// our local links, via a specific endpoint on each side.
type NeighborKey struct {
	LinkName       string
	PeerNodeID     NodeID
	PeerEndpointID uint32
}

// Neighbor is a peer observed on a link.
type Neighbor struct {
	Key               NeighborKey
	LastSync          time.Time
	KeepaliveInterval time.Duration
}

// NeighborTable is keyed by (link, node-id, endpoint-id) and tracks
// last-contact/keep-alive bookkeeping. It is built on ttlcache so that a
// neighbor's background expiry (when now > last_sync + keepalive*MULT)
// happens close to real time for introspection purposes; the run loop still
// performs the authoritative synchronous deadline check described in
// spec.md §4.7/§4.8 step 8, since TTL-cache eviction timing is advisory
// only and the invariants depend on the synchronous check, not on when a
// background goroutine happens to run.
type NeighborTable struct {
	cache *ttlcache.Cache[NeighborKey, *Neighbor]
	mult  float64

	// onExpire is invoked (outside the cache's own lock) whenever the
	// background loop evicts a neighbor due to TTL expiry. It receives only
	// the evicted key; the Handle's callback requests a run-loop pass and
	// marks no state dirty itself.
	onExpire func(k NeighborKey)
}

// NewNeighborTable constructs a NeighborTable. mult is the keep-alive
// liveness multiplier (KEEPALIVE_MULT), exposed per-instance rather than as
// a single global constant since spec.md leaves it an explicit tunable.
func NewNeighborTable(mult float64, onExpire func(k NeighborKey)) *NeighborTable {
	cache := ttlcache.New[NeighborKey, *Neighbor](
		ttlcache.WithDisableTouchOnHit[NeighborKey, *Neighbor](),
	)
	t := &NeighborTable{cache: cache, mult: mult, onExpire: onExpire}
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[NeighborKey, *Neighbor]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		if t.onExpire != nil {
			t.onExpire(item.Key())
		}
	})
	go cache.Start()
	return t
}

// Observe records (or refreshes) contact with a peer, setting its TTL to
// keepaliveInterval * mult.
func (t *NeighborTable) Observe(k NeighborKey, now time.Time, keepaliveInterval time.Duration) {
	n := &Neighbor{Key: k, LastSync: now, KeepaliveInterval: keepaliveInterval}
	ttl := time.Duration(float64(keepaliveInterval) * t.mult)
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	t.cache.Set(k, n, ttl)
}

// Get returns the neighbor record for k, if present and not expired.
func (t *NeighborTable) Get(k NeighborKey) (*Neighbor, bool) {
	item := t.cache.Get(k)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Remove drops a neighbor explicitly (e.g. the run loop's own synchronous
// deadline check beat the background evictor to it).
func (t *NeighborTable) Remove(k NeighborKey) {
	t.cache.Delete(k)
}

// Deadline returns the absolute time at which k will be considered dead:
// last_sync + keepalive_interval * mult. A link configured with
// keepalive_interval <= 0 has keep-alive disabled entirely (SPEC_FULL.md's
// "0 disables keep-alive on this link"), so it never has a deadline; ok is
// false in that case and the zero Time must not be treated as "already
// past".
func (n *Neighbor) Deadline(mult float64) (deadline time.Time, ok bool) {
	if n.KeepaliveInterval <= 0 {
		return time.Time{}, false
	}
	return n.LastSync.Add(time.Duration(float64(n.KeepaliveInterval) * mult)), true
}

// ForEach calls f for every neighbor currently tracked.
func (t *NeighborTable) ForEach(f func(k NeighborKey, n *Neighbor)) {
	for k, item := range t.cache.Items() {
		f(k, item.Value())
	}
}

// Close stops the table's background expiration loop.
func (t *NeighborTable) Close() {
	t.cache.Stop()
}

// Bidirectional reports whether node n and peer both publish a neighbor TLV
// pointing at each other — the predicate the reachability pruner consults
// before recursing into a claimed neighbor.
func Bidirectional(n *Node, peer *Node) bool {
	if n == nil || peer == nil {
		return false
	}
	nSeesPeer := false
	for _, nb := range n.NeighborTLVs() {
		if nb.PeerNodeID == peer.ID {
			nSeesPeer = true
			break
		}
	}
	if !nSeesPeer {
		return false
	}
	for _, nb := range peer.NeighborTLVs() {
		if nb.PeerNodeID == n.ID {
			return true
		}
	}
	return false
}
