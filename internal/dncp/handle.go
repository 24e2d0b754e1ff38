package dncp

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/dncp-project/dncpd/internal/dncp/metrics"
)

// SequenceRelife is SEQUENCE_RELIFE from spec.md §4.8 step 2: republish well
// before the 32-bit sequence counter risks wrapping.
const SequenceRelife = time.Duration(uint64(1)<<32-uint64(1)<<16) * time.Millisecond

// Transport is the collaborator the core consumes for I/O and scheduling
// (spec.md §6's Transport interface plus the Clock & Timer contract —
// io_time/io_schedule are folded into Now/Schedule here rather than kept as
// a separate collaborator, since every concrete Transport in this repo owns
// its own clock).
type Transport interface {
	SendNetworkState(ctx context.Context, link *Link, payload []byte) error
	SetInterfaceEnabled(ifname string, enabled bool) bool
	Now() time.Time
	Schedule(d time.Duration)
}

// LocalPublisher flushes staged local TLV edits onto self, atomically
// installing a new container and bumping sequence/origination_time when
// there is anything to flush. Returns whether self actually changed.
type LocalPublisher interface {
	Flush(self *Node) (changed bool)
}

// TLVChangeFunc is invoked synchronously from the run loop when a node's
// effective TLV set changes due to a reachability flip.
type TLVChangeFunc func(node *Node, old, new_ *Container)

type localTLVEntry struct {
	typ           TLVType
	value         []byte
	pendingRemove bool
}

// localPublisher is the default LocalPublisher: it owns the staged-edit
// bookkeeping behind Handle.AddTLV/RemoveTLV/FindTLV.
type localPublisher struct {
	h *Handle
}

func (p *localPublisher) Flush(self *Node) bool {
	h := p.h
	if !h.localDirty {
		return false
	}

	tlvs := make([]TLV, 0, len(h.localOrder))
	kept := h.localOrder[:0]
	for _, handle := range h.localOrder {
		e := h.localTLVs[handle]
		if e.pendingRemove {
			delete(h.localTLVs, handle)
			continue
		}
		tlvs = append(tlvs, TLV{Type: e.typ, Value: e.value})
		kept = append(kept, handle)
	}
	h.localOrder = kept
	h.localDirty = false

	self.Sequence++
	self.OriginationTime = h.transport.Now()
	self.Container = NewContainer(tlvs)
	self.ContentHash = ContentHash(self.ID, self.Sequence, self.Container)
	return true
}

// Handle is the DNCP core: the single-threaded run loop and the public API
// surface described in spec.md §§4.8, 5, 6.
type Handle struct {
	selfID    NodeID
	transport Transport
	publisher LocalPublisher
	rnd       *rand.Rand

	reg       *Registry
	neighbors *NeighborTable
	pruner    *Pruner

	links   map[string]*Link
	linksByID map[uint32]*Link

	pruneEnabled     bool
	minPruneInterval time.Duration

	// Staged local TLV edits, consumed by the default LocalPublisher.
	localTLVs  map[TLVHandle]*localTLVEntry
	localOrder []TLVHandle
	nextHandle TLVHandle
	localDirty bool

	// neighborHandles maps a live neighbor relation to the local handle of
	// the NeighborTLV published for it, so liveness expiry (§4.7) can stage
	// its removal.
	neighborHandles map[NeighborKey]TLVHandle

	graphDirty       bool
	networkHashDirty bool
	networkHash      NetworkHash

	tlvSubs  []TLVChangeFunc
	nodeSubs []NodeChangeFunc

	runMu sync.Mutex
	now   time.Time

	schedMu            sync.Mutex
	immediateScheduled bool
}

func (h *Handle) setImmediateScheduled(v bool) {
	h.schedMu.Lock()
	h.immediateScheduled = v
	h.schedMu.Unlock()
}

func (h *Handle) isImmediateScheduled() bool {
	h.schedMu.Lock()
	defer h.schedMu.Unlock()
	return h.immediateScheduled
}

// NewHandle constructs a Handle for selfID. grace and minPruneInterval use
// spec.md §6 defaults when zero.
func NewHandle(selfID NodeID, transport Transport, grace, minPruneInterval time.Duration) *Handle {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if minPruneInterval <= 0 {
		minPruneInterval = DefaultMinPruneInterval
	}

	h := &Handle{
		selfID:           selfID,
		transport:        transport,
		reg:              NewRegistry(),
		links:            make(map[string]*Link),
		linksByID:        make(map[uint32]*Link),
		localTLVs:        make(map[TLVHandle]*localTLVEntry),
		neighborHandles:  make(map[NeighborKey]TLVHandle),
		pruneEnabled:     true,
		minPruneInterval: minPruneInterval,
		rnd:              rand.New(rand.NewSource(seedFromNodeID(selfID))),
	}
	h.publisher = &localPublisher{h: h}
	h.pruner = NewPruner(h.reg, selfID, grace, h.notifyTLVChange, h.notifyNodeChange)
	h.reg.OnNodeChange(func(n *Node, reachable bool) {
		h.pruner.Forget(n.ID)
		h.notifyNodeChange(n, reachable)
	})
	h.neighbors = NewNeighborTable(DefaultKeepaliveMult, func(NeighborKey) {
		h.RequestRun()
	})

	self := &Node{ID: selfID, Container: NewContainer(nil)}
	self.ContentHash = ContentHash(self.ID, self.Sequence, self.Container)
	h.reg.Insert(self)

	return h
}

// seedFromNodeID derives a PRNG seed from a node-id. Quality only needs to
// suffice to de-synchronize peers, per spec.md §5.
func seedFromNodeID(id NodeID) int64 {
	var buf [8]byte
	copy(buf[:], id.Slice())
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// SetPublisher overrides the default local-TLV publisher, e.g. to delegate
// to an application-overlay-aware implementation.
func (h *Handle) SetPublisher(p LocalPublisher) {
	h.publisher = p
}

// AddLink registers a link from configuration.
func (h *Handle) AddLink(l *Link) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	h.links[l.Name] = l
	h.linksByID[l.EndpointID] = l
}

// RemoveLink tears down a link on interface removal.
func (h *Handle) RemoveLink(name string) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if l, ok := h.links[name]; ok {
		delete(h.linksByID, l.EndpointID)
		delete(h.links, name)
	}
}

// FindEndpointByID returns the link with the given endpoint id.
func (h *Handle) FindEndpointByID(id uint32) (*Link, bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	l, ok := h.linksByID[id]
	return l, ok
}

// FindEndpointByName returns the link with the given interface name.
func (h *Handle) FindEndpointByName(ifname string) (*Link, bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	l, ok := h.links[ifname]
	return l, ok
}

// Subscribe registers callbacks invoked synchronously from the run loop.
// Subscribers are stored in a slice owned by this Handle; there is no
// package-level registry (spec.md §9).
func (h *Handle) Subscribe(onTLV TLVChangeFunc, onNode NodeChangeFunc) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	if onTLV != nil {
		h.tlvSubs = append(h.tlvSubs, onTLV)
	}
	if onNode != nil {
		h.nodeSubs = append(h.nodeSubs, onNode)
	}
}

func (h *Handle) notifyTLVChange(n *Node, old, new_ *Container) {
	for _, f := range h.tlvSubs {
		f(n, old, new_)
	}
}

func (h *Handle) notifyNodeChange(n *Node, reachable bool) {
	for _, f := range h.nodeSubs {
		f(n, reachable)
	}
}

// AddTLV stages a local TLV edit; the next run-loop pass republishes.
func (h *Handle) AddTLV(t TLVType, value []byte) TLVHandle {
	h.runMu.Lock()
	handle := h.addTLVLocked(t, value)
	h.runMu.Unlock()

	h.RequestRun()
	return handle
}

// addTLVLocked is AddTLV's body, callable while runMu is already held.
func (h *Handle) addTLVLocked(t TLVType, value []byte) TLVHandle {
	handle := h.nextHandle
	h.nextHandle++
	h.localTLVs[handle] = &localTLVEntry{typ: t, value: value}
	h.localOrder = append(h.localOrder, handle)
	h.localDirty = true
	return handle
}

// RemoveTLV stages removal of a previously added local TLV.
func (h *Handle) RemoveTLV(handle TLVHandle) {
	h.runMu.Lock()
	h.removeTLVLocked(handle)
	h.runMu.Unlock()
	h.RequestRun()
}

// removeTLVLocked is RemoveTLV's body, callable while runMu is already held
// (Run's own neighbor-liveness step, §4.7).
func (h *Handle) removeTLVLocked(handle TLVHandle) {
	e, ok := h.localTLVs[handle]
	if !ok || e.pendingRemove {
		return
	}
	e.pendingRemove = true
	h.localDirty = true
}

// FindTLV returns the handle of a staged-or-committed local TLV matching
// type t and, if value is non-nil, an exact value match.
func (h *Handle) FindTLV(t TLVType, value []byte) (TLVHandle, bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	for _, handle := range h.localOrder {
		e := h.localTLVs[handle]
		if e.pendingRemove || e.typ != t {
			continue
		}
		if value == nil || bytesEqual(e.value, value) {
			return handle, true
		}
	}
	return 0, false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ForEachNode calls f for every node currently in the registry.
func (h *Handle) ForEachNode(f func(n *Node)) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	h.reg.ForEach(f)
}

// ForEachLocalTLV calls f for every currently-published local TLV.
func (h *Handle) ForEachLocalTLV(f func(t TLV)) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	for _, handle := range h.localOrder {
		e := h.localTLVs[handle]
		if e.pendingRemove {
			continue
		}
		f(TLV{Type: e.typ, Value: e.value})
	}
}

// NetworkHash returns the most recently computed network hash.
func (h *Handle) NetworkHash() NetworkHash {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.networkHash
}

// ClusterSize returns the number of nodes currently retained (reachable or
// within their grace window).
func (h *Handle) ClusterSize() int {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	return h.reg.Len()
}

// SelfID returns this handle's own node-id.
func (h *Handle) SelfID() NodeID {
	return h.selfID
}

// Self returns a snapshot of this node's own published record (sequence,
// origination time, and TLVs), for transports that need to announce it to
// peers. ok is false only if called before the run loop's first pass has
// ever inserted self into the registry, which NewHandle already does, so in
// practice this is always true.
func (h *Handle) Self() (sequence uint32, originationTime time.Time, tlvs []TLV, ok bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()
	n, found := h.reg.Lookup(h.selfID)
	if !found {
		return 0, time.Time{}, nil, false
	}
	return n.Sequence, n.OriginationTime, n.Container.TLVs(), true
}

// ObserveNeighbor records contact with a peer on link and ensures a
// NeighborTLV is staged for it. This is the inbound-driven mutation path
// spec.md §5 describes ("mutate state, set dirty flag, request immediate
// wakeup"); transports call it on every accepted neighbor-bearing message.
func (h *Handle) ObserveNeighbor(link *Link, peerID NodeID, peerEndpointID uint32) {
	now := h.transport.Now()

	h.runMu.Lock()
	key := NeighborKey{LinkName: link.Name, PeerNodeID: peerID, PeerEndpointID: peerEndpointID}
	h.neighbors.Observe(key, now, link.Conf.KeepaliveInterval)

	if _, ok := h.neighborHandles[key]; !ok {
		nb := NeighborTLV{PeerNodeID: peerID, PeerEndpointID: peerEndpointID, LocalEndpointID: link.EndpointID}
		h.neighborHandles[key] = h.addTLVLocked(TypeNeighbor, nb.Encode())
	}
	h.graphDirty = true
	h.runMu.Unlock()

	h.RequestRun()
}

// ReceiveNetworkState processes an incoming network-state summary heard on
// link. A summary matching the local network hash increments the link's
// Trickle consistent counter; any mismatch resets Trickle to Imin on every
// active link, per spec.md §4.6's two convergence rules.
func (h *Handle) ReceiveNetworkState(link *Link, peerHash NetworkHash) {
	h.runMu.Lock()
	if peerHash == h.networkHash {
		link.OnConsistent()
		h.runMu.Unlock()
		return
	}
	now := h.transport.Now()
	for _, l := range h.links {
		l.ResetForInconsistency(now, h.rnd)
	}
	h.runMu.Unlock()
	h.RequestRun()
}

// AcceptPublication installs or updates a peer's node record on receipt of
// a publication. Per spec.md §7 item 3, a publication with sequence <= the
// currently held sequence is a stale/replayed duplicate and is discarded
// silently, leaving the held record untouched.
func (h *Handle) AcceptPublication(id NodeID, sequence uint32, originationTime time.Time, c *Container) {
	h.runMu.Lock()
	n, ok := h.reg.Lookup(id)
	if ok && sequence <= n.Sequence {
		h.runMu.Unlock()
		return
	}
	if !ok {
		n = &Node{ID: id}
		h.reg.Insert(n)
	}
	n.Sequence = sequence
	n.OriginationTime = originationTime
	n.Container = c
	n.ContentHash = ContentHash(id, sequence, c)
	h.graphDirty = true
	h.networkHashDirty = true
	h.runMu.Unlock()

	h.RequestRun()
}

// Close stops the neighbor table's background expiration loop. The run loop
// itself has no background goroutine to stop.
func (h *Handle) Close() {
	h.neighbors.Close()
}

// RequestRun asks for the run loop to execute as soon as possible. If a run
// is already in progress, scheduling is suppressed — the in-progress pass's
// own final step will compute and request the next wakeup.
func (h *Handle) RequestRun() {
	if h.isImmediateScheduled() {
		return
	}
	h.transport.Schedule(0)
}

// Run executes exactly one synchronous run-loop pass, per spec.md §4.8.
// It is idempotent: invoking it twice in succession with no intervening
// external input produces the same observable state as invoking it once.
func (h *Handle) Run() {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	wallStart := time.Now()
	defer func() { metrics.ObserveRunLoop(time.Since(wallStart)) }()

	now := h.transport.Now()
	h.now = now
	h.setImmediateScheduled(true)

	self, ok := h.reg.Lookup(h.selfID)
	if !ok {
		self = &Node{ID: h.selfID, Container: NewContainer(nil)}
		h.reg.Insert(self)
	}

	// Step 2: force a republish ahead of sequence-wrap risk.
	if !h.localDirty && !self.OriginationTime.IsZero() && now.Sub(self.OriginationTime) > SequenceRelife {
		h.localDirty = true
	}

	// Step 3: flush pending local edits.
	if h.publisher.Flush(self) {
		h.graphDirty = true
		h.networkHashDirty = true
	}

	// Step 4: reachability pruning.
	if h.pruneEnabled {
		if h.graphDirty {
			h.pruner.ClampNextPrune(h.minPruneInterval)
		}
		if h.pruner.Due(now) {
			h.graphDirty = false
			beforeLen := h.reg.Len()
			pruneStart := time.Now()
			h.pruner.Run(now)
			dropped := beforeLen - h.reg.Len()
			if dropped < 0 {
				dropped = 0
			}
			metrics.ObservePrune(time.Since(pruneStart), dropped)
		}
	}
	metrics.Nodes.Set(float64(h.reg.Len()))

	// Step 5: end the window where RequestRun is suppressed.
	h.setImmediateScheduled(false)

	// Step 6: recompute network hash if dirty.
	if h.networkHashDirty {
		newHash := ComputeNetworkHash(h.reg, h.pruner.Reachable)
		h.networkHashDirty = false
		if newHash != h.networkHash {
			h.networkHash = newHash
			metrics.NetworkHashChanges.Inc()
			for _, l := range h.links {
				l.ResetForInconsistency(now, h.rnd)
			}
		}
	}

	var next time.Time

	// Step 7: per-link join retry or Trickle step.
	for _, l := range h.links {
		link := l
		if !link.Active() {
			if link.JoinRetryDue(now) {
				if h.transport.SetInterfaceEnabled(link.Name, true) {
					link.MarkJoined(now, h.rnd)
				} else {
					link.MarkJoinFailed(now)
					metrics.LinkJoinFailures.WithLabelValues(link.Name).Inc()
				}
			}
			next = earlier(next, link.nextJoinAttempt)
			continue
		}
		send := func() {
			ctx := context.Background()
			_ = h.transport.SendNetworkState(ctx, link, h.networkHash[:])
		}
		result, linkNext := stepActive(link, now, h.rnd, send)
		next = earlier(next, linkNext)
		metrics.TrickleInterval.WithLabelValues(link.Name).Set(link.TrickleI().Seconds())
		switch result {
		case stepSent:
			metrics.TrickleSends.WithLabelValues(link.Name, "sent").Inc()
		case stepSkipped:
			metrics.TrickleSends.WithLabelValues(link.Name, "skipped").Inc()
		case stepKeepalive:
			metrics.TrickleSends.WithLabelValues(link.Name, "keepalive").Inc()
		}
	}

	// Step 8: neighbor liveness.
	var expired []NeighborKey
	h.neighbors.ForEach(func(k NeighborKey, n *Neighbor) {
		mult := DefaultKeepaliveMult
		if l, ok := h.links[k.LinkName]; ok {
			mult = l.Conf.KeepaliveMult
		}
		deadline, ok := n.Deadline(mult)
		if !ok {
			return // keep-alive disabled on this link; never expires
		}
		if !deadline.After(now) {
			expired = append(expired, k)
			return
		}
		next = earlier(next, deadline)
	})
	for _, k := range expired {
		h.neighbors.Remove(k)
		metrics.NeighborsExpired.WithLabelValues(k.LinkName).Inc()
		if handle, ok := h.neighborHandles[k]; ok {
			delete(h.neighborHandles, k)
			h.removeTLVLocked(handle)
		}
	}

	next = earlier(next, h.pruner.NextPrune())

	// Step 9: schedule next wakeup.
	if !next.IsZero() && !h.isImmediateScheduled() {
		d := next.Sub(now)
		if d < 0 {
			d = 0
		}
		h.transport.Schedule(d)
	}

	// Step 10: clear cached now.
	h.now = time.Time{}
}
