package cubby

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestBtree(t *testing.T, capacity int) *Btree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree.cub")
	s, err := Create(path, 16)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	bt, err := NewEmptyBtree(s, capacity)
	require.NoError(t, err)
	return bt
}

func TestBtreeInsertAndFetch(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.Insert([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	bt, err = bt.Insert([]byte("new"), []byte("wow"))
	require.NoError(t, err)
	bt, err = bt.Insert([]byte("key"), []byte("Saturday"))
	require.NoError(t, err)

	v, ok, err := bt.Fetch([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), v)

	_, ok, err = bt.Fetch([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, uint64(3), bt.Size())
}

func TestBtreeOverwrite(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.Insert([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	bt, err = bt.Insert([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	v, ok, err := bt.Fetch([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
	require.Equal(t, uint64(1), bt.Size())
}

func TestBtreeInsertNewFailsOnExisting(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.InsertNew([]byte("k"), []byte("v1"))
	require.NoError(t, err)

	_, err = bt.InsertNew([]byte("k"), []byte("v2"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestBtreeInsertNewAllowsAfterDelete(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.InsertNew([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	bt, err = bt.MarkDeleted([]byte("k"))
	require.NoError(t, err)

	bt, err = bt.InsertNew([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	v, ok, err := bt.Fetch([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestBtreeDeleteAndMarkDeleted(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	bt, err = bt.Insert([]byte("b"), []byte("2"))
	require.NoError(t, err)

	bt, err = bt.MarkDeleted([]byte("a"))
	require.NoError(t, err)

	_, ok, err := bt.Fetch([]byte("a"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1), bt.Size())

	bt, err = bt.Delete([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), bt.Size())
}

func TestBtreeSplitsAndStaysSorted(t *testing.T) {
	bt := newTestBtree(t, 4)

	var keys []string
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%04d", i)
		keys = append(keys, k)
		var err error
		bt, err = bt.Insert([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	require.Equal(t, uint64(200), bt.Size())

	for _, k := range keys {
		v, ok, err := bt.Fetch([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k, string(v))
	}

	var seen []string
	for k := range bt.KeyRange(RangeOpts{}) {
		seen = append(seen, string(k))
	}
	require.True(t, sort.StringsAreSorted(seen))
	require.Equal(t, len(keys), len(seen))
}

func TestBtreeKeyRangeBounds(t *testing.T) {
	bt := newTestBtree(t, 4)

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%02d", i)
		var err error
		bt, err = bt.Insert([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	var got []string
	for k := range bt.KeyRange(RangeOpts{Min: []byte("k05"), Max: []byte("k09"), MinInclusive: true, MaxInclusive: true}) {
		got = append(got, string(k))
	}
	require.Equal(t, []string{"k05", "k06", "k07", "k08", "k09"}, got)
}

func TestBtreeKeyRangeReverse(t *testing.T) {
	bt := newTestBtree(t, 4)

	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("k%d", i)
		var err error
		bt, err = bt.Insert([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	var got []string
	for k := range bt.KeyRange(RangeOpts{Reverse: true}) {
		got = append(got, string(k))
	}
	require.True(t, sort.SliceIsSorted(got, func(i, j int) bool { return got[i] > got[j] }))
}

func TestBtreeDiffOnlyReportsNewerWrites(t *testing.T) {
	bt := newTestBtree(t, 4)

	bt, err := bt.Insert([]byte("a"), []byte("1"))
	require.NoError(t, err)
	checkpoint := bt.rootLoc

	bt, err = bt.Insert([]byte("b"), []byte("2"))
	require.NoError(t, err)
	bt, err = bt.MarkDeleted([]byte("a"))
	require.NoError(t, err)

	var terms []Terminal
	for _, term := range bt.Diff(checkpoint) {
		terms = append(terms, term)
	}

	foundB, foundTombA := false, false
	for _, term := range terms {
		if string(term.Key) == "b" && !term.Tombstone {
			foundB = true
		}
		if string(term.Key) == "a" && term.Tombstone {
			foundTombA = true
		}
	}
	require.True(t, foundB)
	require.True(t, foundTombA)
}

func TestBulkLoadProducesSortedQueryableTree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk.cub")
	s, err := Create(path, 16)
	require.NoError(t, err)
	defer s.Close()

	pairs := map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"}
	var keys []string
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seq := func(yield func([]byte, []byte) bool) {
		for _, k := range keys {
			if !yield([]byte(k), []byte(pairs[k])) {
				return
			}
		}
	}

	bt, err := BulkLoad(s, 4, seq)
	require.NoError(t, err)
	require.Equal(t, uint64(len(pairs)), bt.Size())

	for k, v := range pairs {
		got, ok, err := bt.Fetch([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, v, string(got))
	}
}

func TestBulkLoadRejectsNonEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk2.cub")
	s, err := Create(path, 16)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.PutNode(kindValue, []byte("x"))
	require.NoError(t, err)

	_, err = BulkLoad(s, 4, func(yield func([]byte, []byte) bool) {})
	require.ErrorIs(t, err, ErrNotEmpty)
}
