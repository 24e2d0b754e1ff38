// Package transport provides a concrete UDP multicast implementation of the
// dncp.Transport collaborator interface: one IPv4 or IPv6 packet connection
// per configured link, joined to a multicast group, sending and receiving
// network-state summaries.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/dncp-project/dncpd/internal/dclock"
	"github.com/dncp-project/dncpd/internal/dncp"
)

// PacketConn is the subset of *ipv4.PacketConn / *ipv6.PacketConn this
// package depends on, so tests can substitute a fake.
type PacketConn interface {
	WriteTo(b []byte, cm *ipv4.ControlMessage, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error)
	JoinGroup(ifi *net.Interface, group net.Addr) error
	LeaveGroup(ifi *net.Interface, group net.Addr) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// LinkEndpoint is the per-link multicast socket configuration.
type LinkEndpoint struct {
	Interface      string
	Group          net.UDPAddr // multicast group + port
	ReceiveBufSize int         // default 8MB, mirroring mcastrelay's DefaultSocketBufferSize
}

const defaultSocketBufferSize = 8 * 1024 * 1024

// OnReceive is invoked for every datagram accepted on a link, named by its
// interface name; callers resolve the dncp.Link via Handle.FindEndpointByName.
type OnReceive func(ifname string, payload []byte, from net.Addr)

// Multicast is a dncp.Transport backed by real UDP multicast sockets, one
// per configured link. The send path mirrors multicast.HeartbeatSender; the
// join/receive path mirrors mcastrelay's multicast.Listener.
type Multicast struct {
	log    *slog.Logger
	clock  *dclock.Clock
	onRecv OnReceive

	mu    sync.Mutex
	conns map[string]*linkConn // keyed by link name

	endpoints map[string]LinkEndpoint

	wg     sync.WaitGroup
	cancel map[string]context.CancelFunc
}

type linkConn struct {
	conn PacketConn
	dst  *net.UDPAddr
}

// NewMulticast constructs a Multicast transport. onRecv is called from a
// per-link receive goroutine whenever a datagram is accepted; onWake is the
// dclock callback that requests a run-loop pass.
func NewMulticast(log *slog.Logger, onWake func(), onRecv OnReceive) *Multicast {
	if log == nil {
		log = slog.Default()
	}
	return &Multicast{
		log:       log,
		clock:     dclock.NewReal(onWake),
		onRecv:    onRecv,
		conns:     make(map[string]*linkConn),
		endpoints: make(map[string]LinkEndpoint),
		cancel:    make(map[string]context.CancelFunc),
	}
}

// Configure registers the multicast endpoint for a link, prior to it being
// joined by the run loop's SetInterfaceEnabled call.
func (m *Multicast) Configure(ep LinkEndpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep.ReceiveBufSize <= 0 {
		ep.ReceiveBufSize = defaultSocketBufferSize
	}
	m.endpoints[ep.Interface] = ep
}

// Now implements dncp.Transport.
func (m *Multicast) Now() time.Time { return m.clock.Now() }

// Schedule implements dncp.Transport.
func (m *Multicast) Schedule(d time.Duration) { m.clock.Schedule(d) }

// SendNetworkState implements dncp.Transport: unicast/multicast the current
// network-hash summary to link's joined group.
func (m *Multicast) SendNetworkState(ctx context.Context, link *dncp.Link, payload []byte) error {
	var hash dncp.NetworkHash
	copy(hash[:], payload)
	return m.send(link.Name, encodeNetworkHash(hash))
}

// PublishSelf broadcasts this node's own record (sequence, origination
// time, and TLVs) on ifname, framed with ifname's own endpoint-id so
// receivers can both accept the publication into their registry and record
// a neighbor observation toward this node. Unlike SendNetworkState, calls
// to PublishSelf are not governed by Trickle suppression — the core's
// Trickle/pruner/registry state machine only ever sees network-hash
// summaries (spec.md §1 scopes TLV-flooding's wire format out of the core);
// this is this package's own periodic announcement, driven by main.go's own
// timer.
func (m *Multicast) PublishSelf(ifname string, selfID dncp.NodeID, endpointID, sequence uint32, originationTime time.Time, tlvs []dncp.TLV) error {
	return m.send(ifname, encodePublication(selfID, endpointID, sequence, originationTime, tlvs))
}

func (m *Multicast) send(ifname string, payload []byte) error {
	m.mu.Lock()
	lc, ok := m.conns[ifname]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: link %q is not joined", ifname)
	}
	_, err := lc.conn.WriteTo(payload, nil, lc.dst)
	if err != nil {
		return fmt.Errorf("transport: send on %q: %w", ifname, err)
	}
	return nil
}

// SetInterfaceEnabled implements dncp.Transport: joins (enabled=true) or
// leaves (enabled=false) the configured multicast group on ifname, bringing
// up a receive goroutine on successful join.
func (m *Multicast) SetInterfaceEnabled(ifname string, enabled bool) bool {
	if !enabled {
		m.teardown(ifname)
		return true
	}

	m.mu.Lock()
	ep, ok := m.endpoints[ifname]
	m.mu.Unlock()
	if !ok {
		m.log.Error("no multicast endpoint configured", "link", ifname)
		return false
	}

	conn, dst, err := joinGroup(ep)
	if err != nil {
		m.log.Warn("failed to join multicast group", "link", ifname, "group", ep.Group.String(), "error", err)
		return false
	}

	m.mu.Lock()
	m.conns[ifname] = &linkConn{conn: conn, dst: dst}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel[ifname] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.receiveLoop(ctx, ifname, conn, ep)

	return true
}

func (m *Multicast) teardown(ifname string) {
	m.mu.Lock()
	if cancel, ok := m.cancel[ifname]; ok {
		cancel()
		delete(m.cancel, ifname)
	}
	lc, ok := m.conns[ifname]
	delete(m.conns, ifname)
	m.mu.Unlock()
	if ok {
		lc.conn.Close()
	}
}

func (m *Multicast) receiveLoop(ctx context.Context, ifname string, conn PacketConn, ep LinkEndpoint) {
	defer m.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Warn("multicast read error", "link", ifname, "error", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		if m.onRecv != nil {
			m.onRecv(ifname, data, from)
		}
	}
}

// Close tears down every joined link.
func (m *Multicast) Close() {
	m.mu.Lock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.teardown(name)
	}
	m.wg.Wait()
	m.clock.Stop()
}

func joinGroup(ep LinkEndpoint) (PacketConn, *net.UDPAddr, error) {
	ifi, err := net.InterfaceByName(ep.Interface)
	if err != nil {
		return nil, nil, fmt.Errorf("interface %s: %w", ep.Interface, err)
	}

	if ep.Group.IP.To4() != nil {
		return joinGroupV4(ifi, ep)
	}
	return joinGroupV6(ifi, ep)
}

func joinGroupV4(ifi *net.Interface, ep LinkEndpoint) (PacketConn, *net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: ep.Group.Port})
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp4: %w", err)
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastInterface(ifi); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set multicast interface: %w", err)
	}
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: ep.Group.IP}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("join group: %w", err)
	}
	if err := conn.SetReadBuffer(ep.ReceiveBufSize); err != nil {
		slog.Default().Warn("failed to set socket receive buffer", "error", err)
	}
	return v4Conn{p}, &net.UDPAddr{IP: ep.Group.IP, Port: ep.Group.Port}, nil
}

func joinGroupV6(ifi *net.Interface, ep LinkEndpoint) (PacketConn, *net.UDPAddr, error) {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{Port: ep.Group.Port})
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp6: %w", err)
	}
	p := ipv6.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: ep.Group.IP}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("join group: %w", err)
	}
	if err := conn.SetMulticastInterface(ifi); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set multicast interface: %w", err)
	}
	if err := conn.SetReadBuffer(ep.ReceiveBufSize); err != nil {
		slog.Default().Warn("failed to set socket receive buffer", "error", err)
	}
	return v6Conn{p}, &net.UDPAddr{IP: ep.Group.IP, Port: ep.Group.Port, Zone: ifi.Name}, nil
}

// v4Conn/v6Conn adapt ipv4.PacketConn/ipv6.PacketConn to the shared
// PacketConn interface (the two x/net types don't share one already).
type v4Conn struct{ *ipv4.PacketConn }

func (c v4Conn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	return c.PacketConn.ReadFrom(b)
}

type v6Conn struct{ *ipv6.PacketConn }

func (c v6Conn) WriteTo(b []byte, _ *ipv4.ControlMessage, dst net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, nil, dst)
}

func (c v6Conn) ReadFrom(b []byte) (int, *ipv4.ControlMessage, net.Addr, error) {
	n, _, addr, err := c.PacketConn.ReadFrom(b)
	return n, nil, addr, err
}
