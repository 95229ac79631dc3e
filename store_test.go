package cubby

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.cub")
	s, err := Create(path, 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCreateRejectsDoubleOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.cub")

	s1, err := Create(path, 16)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Create(path, 16)
	require.ErrorIs(t, err, ErrAlreadyInUse)
}

func TestStorePutGetNode(t *testing.T) {
	s := newTestStore(t)

	n := newLeaf([]entry{{key: []byte("k"), loc: 1}})
	loc, err := s.PutNode(kindLeaf, serializeNode(n))
	require.NoError(t, err)

	got, err := s.GetNode(loc)
	require.NoError(t, err)
	require.Equal(t, n.entries, got.entries)
}

func TestStorePutGetValueAndTombstone(t *testing.T) {
	s := newTestStore(t)

	valLoc, err := s.PutNode(kindValue, []byte("hello"))
	require.NoError(t, err)

	v, isTomb, err := s.GetValue(valLoc)
	require.NoError(t, err)
	require.False(t, isTomb)
	require.Equal(t, []byte("hello"), v)

	tombLoc, err := s.PutNode(kindTombstone, nil)
	require.NoError(t, err)

	_, isTomb, err = s.GetValue(tombLoc)
	require.NoError(t, err)
	require.True(t, isTomb)
}

func TestStoreHeaderRecoveryAcrossBlocks(t *testing.T) {
	s := newTestStore(t)

	var lastLoc uint64
	for i := 0; i < 5; i++ {
		payload := make([]byte, BlockSize*2)
		loc, err := s.PutNode(kindValue, payload)
		require.NoError(t, err)

		h := &Header{Size: uint64(i), RootOffset: loc, Dirt: 0}
		hloc, err := s.PutHeader(h)
		require.NoError(t, err)
		lastLoc = hloc
	}

	got, loc, err := s.LatestHeader()
	require.NoError(t, err)
	require.Equal(t, lastLoc, loc)
	require.Equal(t, uint64(4), got.Size)
}

func TestStoreBlankBeforeAnyWrite(t *testing.T) {
	s := newTestStore(t)
	require.True(t, s.Blank())

	_, err := s.PutNode(kindValue, []byte("x"))
	require.NoError(t, err)
	require.False(t, s.Blank())
}

func TestStoreLatestHeaderOnEmptyFile(t *testing.T) {
	s := newTestStore(t)
	h, loc, err := s.LatestHeader()
	require.NoError(t, err)
	require.Nil(t, h)
	require.Equal(t, uint64(0), loc)
}

func TestStoreClosedRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.PutNode(kindValue, []byte("x"))
	require.ErrorIs(t, err, ErrClosed)
}
