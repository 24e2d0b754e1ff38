package dncp

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// TLVType identifies the kind of a TLV. Application overlays define their
// own type values; the core only interprets TypeNeighbor.
type TLVType uint16

// TypeNeighbor is the only TLV type the core itself interprets: it carries a
// published bidirectional-reachability claim toward another node.
const TypeNeighbor TLVType = 2

// TLV is a single self-describing attribute as published by a node. Value is
// opaque to the core except when Type == TypeNeighbor.
type TLV struct {
	Type  TLVType
	Value []byte
}

// TLVHandle identifies a staged local TLV edit, returned by Handle.AddTLV and
// consumed by Handle.RemoveTLV/FindTLV.
type TLVHandle uint64

// NeighborTLV is the decoded form of a TypeNeighbor TLV: a claim by the
// publishing node that it hears PeerNodeID on its endpoint LocalEndpointID,
// via that peer's PeerEndpointID.
type NeighborTLV struct {
	PeerNodeID      NodeID
	PeerEndpointID  uint32
	LocalEndpointID uint32
}

// Encode serializes a NeighborTLV into a TLV's Value bytes.
func (n NeighborTLV) Encode() []byte {
	buf := make([]byte, 1+MaxNodeIDLen+4+4)
	buf[0] = n.PeerNodeID.Len
	copy(buf[1:1+MaxNodeIDLen], n.PeerNodeID.Bytes[:])
	binary.BigEndian.PutUint32(buf[1+MaxNodeIDLen:], n.PeerEndpointID)
	binary.BigEndian.PutUint32(buf[1+MaxNodeIDLen+4:], n.LocalEndpointID)
	return buf
}

// DecodeNeighborTLV parses the Value of a TypeNeighbor TLV.
func DecodeNeighborTLV(v []byte) (NeighborTLV, error) {
	want := 1 + MaxNodeIDLen + 4 + 4
	if len(v) != want {
		return NeighborTLV{}, fmt.Errorf("dncp: malformed neighbor tlv: want %d bytes, got %d", want, len(v))
	}
	var n NeighborTLV
	n.PeerNodeID.Len = v[0]
	if n.PeerNodeID.Len < MinNodeIDLen || n.PeerNodeID.Len > MaxNodeIDLen {
		return NeighborTLV{}, fmt.Errorf("dncp: malformed neighbor tlv: bad node-id length %d", n.PeerNodeID.Len)
	}
	copy(n.PeerNodeID.Bytes[:], v[1:1+MaxNodeIDLen])
	n.PeerEndpointID = binary.BigEndian.Uint32(v[1+MaxNodeIDLen:])
	n.LocalEndpointID = binary.BigEndian.Uint32(v[1+MaxNodeIDLen+4:])
	return n, nil
}

// AsNeighbor returns the decoded NeighborTLV if t is a well-formed
// TypeNeighbor TLV.
func (t TLV) AsNeighbor() (NeighborTLV, bool) {
	if t.Type != TypeNeighbor {
		return NeighborTLV{}, false
	}
	n, err := DecodeNeighborTLV(t.Value)
	if err != nil {
		return NeighborTLV{}, false
	}
	return n, true
}

// Container holds a node's ordered, accepted TLV sequence; the content hash
// derived from it is kept on the Node (see ContentHash). Containers are
// immutable once built: a node's
// published state is replaced wholesale on each republication, never
// mutated in place, so readers never observe a torn TLV set.
type Container struct {
	tlvs []TLV
}

// NewContainer builds a Container from the given TLVs, preserving order.
func NewContainer(tlvs []TLV) *Container {
	c := &Container{tlvs: make([]TLV, len(tlvs))}
	copy(c.tlvs, tlvs)
	return c
}

// TLVs returns the ordered TLV sequence. Callers must not mutate the
// returned slice.
func (c *Container) TLVs() []TLV {
	if c == nil {
		return nil
	}
	return c.tlvs
}

// Find returns the first TLV of the given type whose Value matches value, if
// value is non-nil, or the first TLV of the given type otherwise.
func (c *Container) Find(t TLVType, value []byte) (TLV, bool) {
	if c == nil {
		return TLV{}, false
	}
	for _, e := range c.tlvs {
		if e.Type != t {
			continue
		}
		if value == nil || bytes.Equal(e.Value, value) {
			return e, true
		}
	}
	return TLV{}, false
}

// ContentHash computes the content hash over node-id, sequence, and the
// ordered TLV sequence, per the Node data model's content_hash invariant.
func ContentHash(id NodeID, sequence uint32, c *Container) [32]byte {
	h := sha256.New()
	h.Write(id.Slice())

	var seqBuf [4]byte
	binary.BigEndian.PutUint32(seqBuf[:], sequence)
	h.Write(seqBuf[:])

	for _, t := range c.TLVs() {
		var hdr [4]byte
		binary.BigEndian.PutUint16(hdr[0:2], uint16(t.Type))
		binary.BigEndian.PutUint16(hdr[2:4], uint16(len(t.Value)))
		h.Write(hdr[:])
		h.Write(t.Value)
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
