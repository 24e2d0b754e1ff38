package dncp

import "sort"

// NodeChangeFunc is invoked synchronously when a node's reachability
// changes, including the final call just before a node is dropped from the
// registry (reachable=false).
type NodeChangeFunc func(n *Node, reachable bool)

// Registry is a keyed set of Node records using the vlist pattern: a
// monotonically increasing version tags each node that is "kept" during a
// refresh cycle, and endRefresh removes anything left behind. This is the
// sole mechanism by which nodes are deleted (spec.md Data Model, Lifecycles).
//
// Registry is not safe for concurrent use; callers (the run loop) serialize
// access per the single-threaded cooperative scheduling model.
type Registry struct {
	nodes   map[NodeID]*Node
	version uint64

	onChange []NodeChangeFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[NodeID]*Node)}
}

// OnNodeChange registers a callback fired whenever EndRefresh removes a node.
// Callbacks are kept in a slice owned by this Registry; there is no
// package-level subscriber state.
func (r *Registry) OnNodeChange(f NodeChangeFunc) {
	r.onChange = append(r.onChange, f)
}

// Lookup returns the node for id, if present.
func (r *Registry) Lookup(id NodeID) (*Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}

// Insert adds or replaces the node for id, outside of a refresh cycle (used
// on first receipt of a publication, or for self at boot). The inserted
// node is tagged with the registry's current version, so it survives the
// EndRefresh of a cycle already in progress without an explicit Keep; the
// next BeginRefresh leaves it untagged, and that cycle drops it unless it
// is kept.
func (r *Registry) Insert(n *Node) {
	n.version = r.version
	r.nodes[n.ID] = n
}

// ForEach calls f for every node currently in the registry, in unspecified
// order. f must not mutate the registry.
func (r *Registry) ForEach(f func(n *Node)) {
	for _, n := range r.nodes {
		f(n)
	}
}

// ForEachSorted calls f for every node currently in the registry, ordered by
// ascending node-id — the deterministic order the network hash and test
// assertions depend on.
func (r *Registry) ForEachSorted(f func(n *Node)) {
	ids := make([]NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		f(r.nodes[id])
	}
}

// Len returns the number of nodes currently in the registry.
func (r *Registry) Len() int {
	return len(r.nodes)
}

// BeginRefresh starts a new refresh cycle by bumping the container version.
// Callers re-insert every node they intend to keep via Keep; EndRefresh
// removes whatever is left untagged.
func (r *Registry) BeginRefresh() {
	r.version++
}

// Keep tags n with the registry's current version, marking it as surviving
// the in-progress refresh cycle.
func (r *Registry) Keep(n *Node) {
	n.version = r.version
	r.nodes[n.ID] = n
}

// Tagged reports whether n already carries the registry's current version —
// i.e. whether a prior Keep this cycle already visited it.
func (r *Registry) Tagged(n *Node) bool {
	return n.version == r.version
}

// EndRefresh removes every node not tagged with the current version, firing
// node_changed(node, reachable=false) synchronously before each is dropped.
func (r *Registry) EndRefresh() {
	var stale []NodeID
	for id, n := range r.nodes {
		if n.version != r.version {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		n := r.nodes[id]
		for _, f := range r.onChange {
			f(n, false)
		}
		delete(r.nodes, id)
	}
}
