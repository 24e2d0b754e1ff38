package dncp

import (
	"context"
	"sync"
	"time"
)

// fakeTransport is an in-process Transport: SendNetworkState fans out
// directly to every other fakeTransport wired into the same fakeNetwork,
// skipping wire encoding entirely (out of scope per spec.md §1). Scheduling
// is driven explicitly by tests via Advance, not by a real timer.
type fakeTransport struct {
	mu      sync.Mutex
	now     time.Time
	wake    time.Time
	hasWake bool

	net  *fakeNetwork
	name string

	handle *Handle

	joinable map[string]bool
}

func newFakeTransport(net *fakeNetwork, name string, start time.Time) *fakeTransport {
	return &fakeTransport{now: start, net: net, name: name, joinable: make(map[string]bool)}
}

func (tr *fakeTransport) Now() time.Time {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.now
}

func (tr *fakeTransport) Schedule(d time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	target := tr.now.Add(d)
	if tr.hasWake && !target.Before(tr.wake) {
		return
	}
	tr.wake = target
	tr.hasWake = true
}

func (tr *fakeTransport) SetInterfaceEnabled(ifname string, enabled bool) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !enabled {
		delete(tr.joinable, ifname)
		return true
	}
	allowed, ok := tr.joinable[ifname]
	if !ok {
		return true // default: joins succeed unless a test says otherwise
	}
	return allowed
}

// setJoinable lets a test force SetInterfaceEnabled(ifname, true) to fail or
// succeed deterministically.
func (tr *fakeTransport) setJoinable(ifname string, ok bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.joinable[ifname] = ok
}

func (tr *fakeTransport) SendNetworkState(_ context.Context, link *Link, payload []byte) error {
	var hash NetworkHash
	copy(hash[:], payload)
	tr.net.deliver(tr.name, link.Name, hash)
	return nil
}

// fakeNetwork wires a set of named fakeTransports (each one DNCP node) so
// that a Send on one delivers to every other node's matching link, and
// advances every node's clock together.
type fakeNetwork struct {
	mu      sync.Mutex
	members map[string]*fakeTransport
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{members: make(map[string]*fakeTransport)}
}

func (n *fakeNetwork) join(name string, tr *fakeTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.members[name] = tr
}

func (n *fakeNetwork) deliver(from, linkName string, hash NetworkHash) {
	n.mu.Lock()
	members := make([]*fakeTransport, 0, len(n.members))
	for name, tr := range n.members {
		if name == from {
			continue
		}
		members = append(members, tr)
	}
	n.mu.Unlock()

	for _, tr := range members {
		link, ok := tr.handle.FindEndpointByName(linkName)
		if !ok || !link.Active() {
			continue
		}
		tr.handle.ReceiveNetworkState(link, hash)
	}
}

// Advance moves every member's clock forward by d in lockstep, running each
// member's run loop whenever its wakeup (immediate or scheduled) has
// elapsed, until no member has pending work within the advanced window.
func (n *fakeNetwork) Advance(d time.Duration) {
	n.mu.Lock()
	members := make([]*fakeTransport, 0, len(n.members))
	for _, tr := range n.members {
		members = append(members, tr)
	}
	n.mu.Unlock()

	const step = 10 * time.Millisecond
	remaining := d
	for remaining > 0 {
		dt := step
		if dt > remaining {
			dt = remaining
		}
		remaining -= dt

		for _, tr := range members {
			tr.mu.Lock()
			tr.now = tr.now.Add(dt)
			due := tr.hasWake && !tr.wake.After(tr.now)
			if due {
				tr.hasWake = false
			}
			tr.mu.Unlock()
			if due {
				tr.handle.Run()
			}
		}
	}
}

// RunAll invokes Run once on every member, regardless of scheduling state —
// used to force an initial publish/join pass before Advance starts.
func (n *fakeNetwork) RunAll() {
	n.mu.Lock()
	members := make([]*fakeTransport, 0, len(n.members))
	for _, tr := range n.members {
		members = append(members, tr)
	}
	n.mu.Unlock()
	for _, tr := range members {
		tr.handle.Run()
	}
}
