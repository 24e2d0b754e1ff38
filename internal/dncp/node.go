package dncp

import "time"

// Node is a single participant's record: the node's own published TLVs, as
// last accepted, plus the bookkeeping the reachability pruner and network
// hash need.
type Node struct {
	ID NodeID

	OriginationTime time.Time // when this node last republished
	Sequence        uint32    // 32-bit counter, wraps; monotonic per node-id in normal operation
	Container       *Container
	ContentHash     [32]byte

	// LastReachablePrune is the monotonic time of the most recent prune pass
	// that reached this node. The pruner compares it against now - GRACE to
	// decide whether a node it did not reach is still retained (see
	// prune.go).
	LastReachablePrune time.Time

	// version ties this Node to the registry's vlist generation; see
	// registry.go for the begin/keep/end-refresh protocol.
	version uint64
}

// IsEmpty reports whether the node has no published TLVs at all. Per the
// pruner's tie-break rule, a node with no TLVs at all is skipped during
// flood-fill unless it is self.
func (n *Node) IsEmpty() bool {
	return n.Container == nil || len(n.Container.TLVs()) == 0
}

// NeighborTLVs returns the decoded neighbor claims published by this node.
func (n *Node) NeighborTLVs() []NeighborTLV {
	var out []NeighborTLV
	for _, t := range n.Container.TLVs() {
		if nb, ok := t.AsNeighbor(); ok {
			out = append(out, nb)
		}
	}
	return out
}
