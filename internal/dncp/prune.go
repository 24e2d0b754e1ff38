package dncp

import "time"

// Pruner bounds the set of retained nodes to those transitively
// bidirectionally reachable from self, tolerating short-lived outages via a
// grace window (spec.md §4.5).
type Pruner struct {
	reg   *Registry
	selfID NodeID
	grace  time.Duration

	lastPrune time.Time
	nextPrune time.Time

	// reachable tracks, per node, whether the most recent prune pass judged
	// it reachable — used to detect reachability flips and fire
	// tlvs_changed/node_changed in the order spec.md §4.5 requires.
	reachable map[NodeID]bool

	onTLVChange  func(n *Node, old, new_ *Container)
	onNodeChange NodeChangeFunc
}

// NewPruner constructs a Pruner bound to reg. grace is the GRACE window
// (spec.md §6 default ≈60s).
func NewPruner(reg *Registry, selfID NodeID, grace time.Duration, onTLVChange func(n *Node, old, new_ *Container), onNodeChange NodeChangeFunc) *Pruner {
	return &Pruner{
		reg:          reg,
		selfID:       selfID,
		grace:        grace,
		reachable:    make(map[NodeID]bool),
		onTLVChange:  onTLVChange,
		onNodeChange: onNodeChange,
	}
}

// Due reports whether next_prune is set and has been reached. It does not
// look at the graph-dirty flag: the caller handles that half of spec.md
// §4.5 "Trigger" by calling ClampNextPrune before this check whenever the
// graph is dirty, mirroring dncp_timeout.c's hncp_run.
func (p *Pruner) Due(now time.Time) bool {
	return !p.nextPrune.IsZero() && !p.nextPrune.After(now)
}

// NextPrune returns the currently scheduled next prune deadline (zero if
// none).
func (p *Pruner) NextPrune() time.Time {
	return p.nextPrune
}

// ClampNextPrune enforces MIN_PRUNE_INTERVAL when the graph has just gone
// dirty: next_prune := last_prune + MIN_PRUNE_INTERVAL.
func (p *Pruner) ClampNextPrune(minInterval time.Duration) {
	p.nextPrune = p.lastPrune.Add(minInterval)
}

// Run executes one prune pass: flood-fill from self, retain grace-window
// survivors as hidden-but-present, and drop everything else. now must be
// strictly greater than the previous pass's timestamp (spec.md §7 item 6);
// violating this is a programmer error in the caller (clock not
// monotonic), not a recoverable condition.
func (p *Pruner) Run(now time.Time) {
	if !p.lastPrune.IsZero() && now.Equal(p.lastPrune) {
		panic("dncp: prune pass invoked twice with identical timestamp (clock not monotonic)")
	}

	p.reg.BeginRefresh()

	self, ok := p.reg.Lookup(p.selfID)
	if ok {
		p.visit(self, now)
	}

	graceAfter := now.Add(-p.grace)
	var next time.Time
	p.reg.ForEach(func(n *Node) {
		if p.reg.Tagged(n) {
			return
		}
		if n.LastReachablePrune.Before(graceAfter) {
			return // outside grace; EndRefresh will drop it
		}
		deadline := n.LastReachablePrune.Add(p.grace).Add(time.Millisecond)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
		p.reg.Keep(n)
		p.setReachable(n, now, false)
	})

	p.reg.EndRefresh()

	p.lastPrune = now
	p.nextPrune = next
}

// visit performs the recursive flood-fill step of spec.md §4.5's algorithm
// 2: keep the node, mark it reachable, then recurse into every bidirectional
// neighbor claim.
func (p *Pruner) visit(n *Node, now time.Time) {
	if p.reg.Tagged(n) {
		return
	}
	if n.IsEmpty() && n.ID != p.selfID {
		return
	}

	p.reg.Keep(n)
	p.setReachable(n, now, true)

	for _, nb := range n.NeighborTLVs() {
		peer, ok := p.reg.Lookup(nb.PeerNodeID)
		if !ok {
			continue
		}
		if Bidirectional(n, peer) {
			p.visit(peer, now)
		}
	}
}

// setReachable updates LastReachablePrune and, on a reachability flip, fires
// tlvs_changed then node_changed (or node_changed then tlvs_changed, for the
// reachable=true case), matching the ordering in spec.md §4.5/§9.
func (p *Pruner) setReachable(n *Node, now time.Time, value bool) {
	was, known := p.reachable[n.ID]
	flipped := !known || was != value

	if flipped {
		if !value {
			if p.onTLVChange != nil {
				p.onTLVChange(n, n.Container, nil)
			}
			if p.onNodeChange != nil {
				p.onNodeChange(n, false)
			}
		} else {
			if p.onNodeChange != nil {
				p.onNodeChange(n, true)
			}
			if p.onTLVChange != nil {
				p.onTLVChange(n, nil, n.Container)
			}
		}
	}
	p.reachable[n.ID] = value

	if value {
		n.LastReachablePrune = now
	}
}

// Reachable reports whether n was judged reachable by the most recent prune
// pass. Used by ComputeNetworkHash.
func (p *Pruner) Reachable(n *Node) bool {
	if n.ID == p.selfID {
		return true
	}
	return p.reachable[n.ID]
}

// Forget drops bookkeeping for a node that EndRefresh has removed, so a
// future node-id reuse starts from a clean reachability state.
func (p *Pruner) Forget(id NodeID) {
	delete(p.reachable, id)
}

// LastPrune returns the timestamp of the most recent completed prune pass.
func (p *Pruner) LastPrune() time.Time {
	return p.lastPrune
}
