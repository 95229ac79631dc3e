package cubby

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Size: 42, RootOffset: 9001, Dirt: 7}
	got, err := deserializeHeader(serializeHeader(h))
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderRoundTripRejectsWrongLength(t *testing.T) {
	_, err := deserializeHeader([]byte("too short"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNodeRoundTrip(t *testing.T) {
	n := &node{kind: kindLeaf, entries: []entry{
		{key: []byte("alpha"), loc: 10},
		{key: []byte("beta"), loc: 20},
		{key: []byte(""), loc: 30},
	}}

	got, err := deserializeNode(kindLeaf, serializeNode(n))
	require.NoError(t, err)
	require.Equal(t, n.entries, got.entries)
	require.True(t, got.isLeaf())
}

func TestNodeRoundTripEmpty(t *testing.T) {
	n := newBranch(nil)
	got, err := deserializeNode(kindBranch, serializeNode(n))
	require.NoError(t, err)
	require.Empty(t, got.entries)
}

func TestDeserializeNodeRejectsTruncated(t *testing.T) {
	_, err := deserializeNode(kindLeaf, []byte{0, 0, 0, 1})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestHeaderDirtFactor(t *testing.T) {
	h := &Header{Size: 0, RootOffset: 0, Dirt: 0}
	require.Equal(t, float64(0), h.dirtFactor())

	h = &Header{Size: 3, Dirt: 1}
	require.InDelta(t, 0.25, h.dirtFactor(), 1e-9)
}
