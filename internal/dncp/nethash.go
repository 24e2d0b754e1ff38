package dncp

import "crypto/sha256"

// NetworkHash is the deterministic aggregate over reachable nodes' content
// hashes, exchanged between peers as a compact summary to detect
// inconsistency (the Trickle algorithm's "consistent" comparison target).
type NetworkHash [32]byte

// ComputeNetworkHash folds the content hashes of every reachable node
// (reachable(n) true) in ascending node-id order, per the
// deterministic-order requirement in spec.md §4.3.
func ComputeNetworkHash(reg *Registry, reachable func(n *Node) bool) NetworkHash {
	h := sha256.New()
	reg.ForEachSorted(func(n *Node) {
		if !reachable(n) {
			return
		}
		h.Write(n.ContentHash[:])
	})
	var out NetworkHash
	copy(out[:], h.Sum(nil))
	return out
}
