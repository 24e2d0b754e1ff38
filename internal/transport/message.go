package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dncp-project/dncpd/internal/dncp"
)

// The DNCP TLV wire format itself is out of scope (spec.md §1); what
// follows is this package's own minimal framing so a single multicast
// socket can carry both kinds of datagram the daemon needs: the
// Trickle-suppressed network-hash summary, and an un-suppressed periodic
// self-announcement that lets peers actually learn this node's record and
// claim it as a neighbor.
type MessageKind byte

const (
	// MessageNetworkHash frames a bare network-hash summary, as produced by
	// dncp.Transport.SendNetworkState.
	MessageNetworkHash MessageKind = 1
	// MessagePublication frames a node's self-description: its node-id, the
	// sending link's own endpoint-id, sequence, origination time, and TLVs.
	MessagePublication MessageKind = 2
)

// Publication is the decoded form of a MessagePublication datagram.
type Publication struct {
	SenderID        dncp.NodeID
	EndpointID      uint32
	Sequence        uint32
	OriginationTime time.Time
	TLVs            []dncp.TLV
}

func encodeNetworkHash(hash dncp.NetworkHash) []byte {
	buf := make([]byte, 1+len(hash))
	buf[0] = byte(MessageNetworkHash)
	copy(buf[1:], hash[:])
	return buf
}

// encodePublication serializes a Publication: message-type byte, node-id
// length + fixed MaxNodeIDLen-byte field (the same layout tlv.go's
// NeighborTLV uses), endpoint-id, sequence, origination time as Unix nanos,
// a TLV count, then each TLV as type+length+value.
func encodePublication(selfID dncp.NodeID, endpointID, sequence uint32, originationTime time.Time, tlvs []dncp.TLV) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(MessagePublication))
	buf.WriteByte(selfID.Len)
	idBytes := selfID.Bytes
	buf.Write(idBytes[:])

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], endpointID)
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], sequence)
	buf.Write(u32[:])

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(originationTime.UnixNano()))
	buf.Write(u64[:])

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(tlvs)))
	buf.Write(u16[:])

	for _, t := range tlvs {
		binary.BigEndian.PutUint16(u16[:], uint16(t.Type))
		buf.Write(u16[:])
		binary.BigEndian.PutUint16(u16[:], uint16(len(t.Value)))
		buf.Write(u16[:])
		buf.Write(t.Value)
	}
	return buf.Bytes()
}

const publicationHeaderLen = 1 + dncp.MaxNodeIDLen + 4 + 4 + 8 + 2

func decodePublication(body []byte) (*Publication, error) {
	if len(body) < publicationHeaderLen {
		return nil, fmt.Errorf("transport: truncated publication header: want at least %d bytes, got %d", publicationHeaderLen, len(body))
	}

	idLen := body[0]
	off := 1
	idBytes := body[off : off+dncp.MaxNodeIDLen]
	off += dncp.MaxNodeIDLen
	senderID, err := dncp.NewNodeID(idBytes[:idLen])
	if err != nil {
		return nil, fmt.Errorf("transport: publication node-id: %w", err)
	}

	endpointID := binary.BigEndian.Uint32(body[off:])
	off += 4
	sequence := binary.BigEndian.Uint32(body[off:])
	off += 4
	ns := binary.BigEndian.Uint64(body[off:])
	off += 8
	count := binary.BigEndian.Uint16(body[off:])
	off += 2

	tlvs := make([]dncp.TLV, 0, count)
	for i := 0; i < int(count); i++ {
		if off+4 > len(body) {
			return nil, fmt.Errorf("transport: truncated publication: tlv %d header", i)
		}
		typ := dncp.TLVType(binary.BigEndian.Uint16(body[off:]))
		length := int(binary.BigEndian.Uint16(body[off+2:]))
		off += 4
		if length < 0 || off+length > len(body) {
			return nil, fmt.Errorf("transport: truncated publication: tlv %d value", i)
		}
		value := make([]byte, length)
		copy(value, body[off:off+length])
		off += length
		tlvs = append(tlvs, dncp.TLV{Type: typ, Value: value})
	}

	return &Publication{
		SenderID:        senderID,
		EndpointID:      endpointID,
		Sequence:        sequence,
		OriginationTime: time.Unix(0, int64(ns)),
		TLVs:            tlvs,
	}, nil
}

// DecodeMessage dispatches a received datagram by its leading message-type
// byte. Exactly one of hash/pub is meaningful, selected by kind.
func DecodeMessage(payload []byte) (kind MessageKind, hash dncp.NetworkHash, pub *Publication, err error) {
	if len(payload) < 1 {
		return 0, dncp.NetworkHash{}, nil, fmt.Errorf("transport: empty datagram")
	}
	kind = MessageKind(payload[0])
	body := payload[1:]
	switch kind {
	case MessageNetworkHash:
		if len(body) != len(hash) {
			return 0, dncp.NetworkHash{}, nil, fmt.Errorf("transport: malformed network-hash summary: got %d bytes", len(body))
		}
		copy(hash[:], body)
		return kind, hash, nil, nil
	case MessagePublication:
		pub, err = decodePublication(body)
		if err != nil {
			return 0, dncp.NetworkHash{}, nil, err
		}
		return kind, dncp.NetworkHash{}, pub, nil
	default:
		return 0, dncp.NetworkHash{}, nil, fmt.Errorf("transport: unknown message type %d", kind)
	}
}
