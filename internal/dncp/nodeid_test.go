package dncp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeID_RoundTripHex(t *testing.T) {
	t.Parallel()

	id, err := RandomNodeID(8)
	require.NoError(t, err)

	parsed, err := ParseNodeID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestNodeID_RejectsBadLength(t *testing.T) {
	t.Parallel()

	_, err := NewNodeID([]byte{1, 2})
	require.Error(t, err)

	_, err = NewNodeID(make([]byte, 9))
	require.Error(t, err)

	_, err = RandomNodeID(3)
	require.Error(t, err)
}

func TestNodeID_Less(t *testing.T) {
	t.Parallel()

	a, err := NewNodeID([]byte{0x01, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	b, err := NewNodeID([]byte{0x02, 0x00, 0x00, 0x00})
	require.NoError(t, err)

	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
	require.False(t, a.Less(a))
}

func TestNodeID_UsableAsMapKey(t *testing.T) {
	t.Parallel()

	a, err := NewNodeID([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	b, err := NewNodeID([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	m := map[NodeID]int{a: 1}
	v, ok := m[b]
	require.True(t, ok)
	require.Equal(t, 1, v)
}
