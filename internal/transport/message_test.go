package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dncp-project/dncpd/internal/dncp"
)

func mustNodeID(t *testing.T, b byte) dncp.NodeID {
	t.Helper()
	id, err := dncp.NewNodeID([]byte{b, b, b, b})
	require.NoError(t, err)
	return id
}

func TestEncodeDecodeNetworkHash_RoundTrips(t *testing.T) {
	t.Parallel()

	var hash dncp.NetworkHash
	hash[0] = 0xAB
	hash[len(hash)-1] = 0xCD

	payload := encodeNetworkHash(hash)
	kind, decoded, pub, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MessageNetworkHash, kind)
	require.Equal(t, hash, decoded)
	require.Nil(t, pub)
}

func TestEncodeDecodePublication_RoundTrips(t *testing.T) {
	t.Parallel()

	selfID := mustNodeID(t, 0x03)
	originationTime := time.Unix(1_700_000_000, 123456000)
	tlvs := []dncp.TLV{
		{Type: dncp.TypeNeighbor, Value: dncp.NeighborTLV{PeerNodeID: mustNodeID(t, 0x09), PeerEndpointID: 2, LocalEndpointID: 1}.Encode()},
		{Type: 100, Value: []byte("hello")},
	}

	payload := encodePublication(selfID, 7, 42, originationTime, tlvs)
	kind, _, pub, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Equal(t, MessagePublication, kind)
	require.NotNil(t, pub)
	require.Equal(t, selfID, pub.SenderID)
	require.Equal(t, uint32(7), pub.EndpointID)
	require.Equal(t, uint32(42), pub.Sequence)
	require.True(t, originationTime.Equal(pub.OriginationTime))
	require.Len(t, pub.TLVs, 2)
	require.Equal(t, tlvs[0].Type, pub.TLVs[0].Type)
	require.Equal(t, tlvs[0].Value, pub.TLVs[0].Value)
	require.Equal(t, tlvs[1].Value, pub.TLVs[1].Value)
}

func TestEncodePublication_NoTLVs(t *testing.T) {
	t.Parallel()

	selfID := mustNodeID(t, 0x04)
	payload := encodePublication(selfID, 1, 1, time.Unix(1000, 0), nil)
	_, _, pub, err := DecodeMessage(payload)
	require.NoError(t, err)
	require.Empty(t, pub.TLVs)
}

func TestDecodeMessage_RejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	_, _, _, err := DecodeMessage(nil)
	require.Error(t, err)
}

func TestDecodeMessage_RejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, _, _, err := DecodeMessage([]byte{0xFF, 1, 2, 3})
	require.Error(t, err)
}

func TestDecodeMessage_RejectsTruncatedNetworkHash(t *testing.T) {
	t.Parallel()

	payload := []byte{byte(MessageNetworkHash), 1, 2, 3}
	_, _, _, err := DecodeMessage(payload)
	require.Error(t, err)
}

func TestDecodePublication_RejectsTruncatedHeader(t *testing.T) {
	t.Parallel()

	payload := []byte{byte(MessagePublication), 4, 1, 2}
	_, _, _, err := DecodeMessage(payload)
	require.Error(t, err)
}
