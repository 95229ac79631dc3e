package cubby

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Options{DataDir: t.TempDir(), Capacity: 4})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEnginePutGetDelete(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.Put([]byte("hello"), []byte("world")))

	v, ok, err := e.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("world"), v)

	require.NoError(t, e.Delete([]byte("hello")))

	_, ok, err = e.Get([]byte("hello"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEngineTransactionAtomicity(t *testing.T) {
	e := openTestEngine(t)

	err := e.Transaction(func(tx *Tx) error {
		if err := tx.Put([]byte("a"), []byte("1")); err != nil {
			return err
		}
		if err := tx.Put([]byte("b"), []byte("2")); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, ok, _ := e.Get([]byte("a"))
	require.False(t, ok, "transaction that returned an error must not commit")
}

func TestEnginePutNewAlreadyExists(t *testing.T) {
	e := openTestEngine(t)

	require.NoError(t, e.PutNew([]byte("k"), []byte("v1")))
	err := e.PutNew([]byte("k"), []byte("v2"))
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestEngineSnapshotIsolation(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v1")))

	snap := e.Snapshot(0)
	defer snap.Release()

	require.NoError(t, e.Put([]byte("k"), []byte("v2")))

	v, ok, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v, "snapshot must not observe writes made after it was taken")

	v, ok, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)
}

func TestEngineSnapshotExpiry(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	snap := e.Snapshot(20 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	_, _, err := snap.Get([]byte("k"))
	require.ErrorIs(t, err, ErrExpiredSnapshot)
}

func TestEngineSelectRange(t *testing.T) {
	e := openTestEngine(t)

	for i := 0; i < 10; i++ {
		k := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, e.Put(k, k))
	}

	var got []string
	for k := range e.Select(RangeOpts{Min: []byte("k03"), Max: []byte("k05"), MinInclusive: true, MaxInclusive: true}) {
		got = append(got, string(k))
	}
	require.Equal(t, []string{"k03", "k04", "k05"}, got)
}

func TestEngineCompactPreservesData(t *testing.T) {
	e := openTestEngine(t)

	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, e.Put(k, k))
	}
	for i := 0; i < 25; i++ {
		require.NoError(t, e.Delete([]byte(fmt.Sprintf("key-%03d", i))))
	}

	require.NoError(t, e.Compact())

	deadline := time.Now().Add(5 * time.Second)
	for e.Compacting() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	for i := 0; i < 25; i++ {
		_, ok, err := e.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i := 25; i < 50; i++ {
		v, ok, err := e.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("key-%03d", i), string(v))
	}

	require.NoError(t, e.Put([]byte("after-compact"), []byte("ok")))
	v, ok, err := e.Get([]byte("after-compact"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ok"), v)
}

func TestEngineReopenRecoversState(t *testing.T) {
	dir := t.TempDir()

	e1, err := Open(Options{DataDir: dir, Capacity: 4})
	require.NoError(t, err)
	require.NoError(t, e1.Put([]byte("persisted"), []byte("yes")))
	require.NoError(t, e1.FileSync())
	require.NoError(t, e1.Close())

	e2, err := Open(Options{DataDir: dir, Capacity: 4})
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("persisted"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("yes"), v)
}

func TestEngineClosedRejectsOperations(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Close())

	err := e.Put([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestEngineCompactSeesDeletesDuringCatchUp(t *testing.T) {
	e := openTestEngine(t)

	for i := 0; i < 40; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, e.Put(k, k))
	}

	require.NoError(t, e.Compact())

	for i := 0; i < 40; i++ {
		if i%2 == 0 {
			require.NoError(t, e.Delete([]byte(fmt.Sprintf("key-%03d", i))))
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Compacting() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	var live []string
	for k := range e.Select(RangeOpts{}) {
		live = append(live, string(k))
	}

	var want []string
	for i := 1; i < 40; i += 2 {
		want = append(want, fmt.Sprintf("key-%03d", i))
	}
	require.Equal(t, want, live, "deletes interleaved with a running compaction must survive the catch-up diff")
	require.Equal(t, uint64(len(want)), e.Size())
}

func TestEngineCompactReturnsPendingCompactionWhileRunning(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 30; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, e.Put(k, k))
	}

	require.NoError(t, e.Compact())
	err := e.Compact()
	if err != nil {
		require.ErrorIs(t, err, ErrPendingCompaction)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Compacting() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.False(t, e.Compacting())
}

func TestEngineClearDuringCompactionTriggersRecompact(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 30; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, e.Put(k, k))
	}

	require.NoError(t, e.Compact())
	require.NoError(t, e.Clear())
	require.NoError(t, e.Put([]byte("fresh"), []byte("v")))

	deadline := time.Now().Add(5 * time.Second)
	for e.Compacting() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, uint64(1), e.Size())
	v, ok, err := e.Get([]byte("fresh"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestEngineBackUpRestoresLiveKeysOnly(t *testing.T) {
	e := openTestEngine(t)
	for i := 0; i < 20; i++ {
		k := []byte(fmt.Sprintf("key-%03d", i))
		require.NoError(t, e.Put(k, k))
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Delete([]byte(fmt.Sprintf("key-%03d", i))))
	}

	backupDir := t.TempDir()
	dst := backupDir + "/1.cub"
	require.NoError(t, e.BackUp(dst))

	restored, err := Open(Options{DataDir: backupDir, Capacity: 4})
	require.NoError(t, err)
	defer restored.Close()

	require.Equal(t, uint64(10), restored.Size())
	for i := 0; i < 10; i++ {
		_, ok, err := restored.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i := 10; i < 20; i++ {
		v, ok, err := restored.Get([]byte(fmt.Sprintf("key-%03d", i)))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("key-%03d", i), string(v))
	}
}

func TestEngineSnapshotTTLCoversAllReaders(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))

	snap := e.Snapshot(20 * time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	_, err := snap.HasKey([]byte("k"))
	require.ErrorIs(t, err, ErrExpiredSnapshot)

	_, err = snap.GetMulti([][]byte{[]byte("k")})
	require.ErrorIs(t, err, ErrExpiredSnapshot)

	require.Equal(t, uint64(0), snap.Size())

	_, err = snap.Select(RangeOpts{})
	require.ErrorIs(t, err, ErrExpiredSnapshot)

	require.False(t, snap.Live())
}

func TestEngineRefetchFallsBackToFetchAfterWrite(t *testing.T) {
	e := openTestEngine(t)
	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Put([]byte("b"), []byte("2")))

	snap := e.Snapshot(0)
	defer snap.Release()

	require.NoError(t, e.Put([]byte("b"), []byte("3")))

	err := e.Transaction(func(tx *Tx) error {
		res, err := Refetch(tx, []byte("a"), snap)
		if err != nil {
			return err
		}
		require.False(t, res.Unchanged, "a false 'changed' verdict is always acceptable")

		res, err = Refetch(tx, []byte("b"), snap)
		if err != nil {
			return err
		}
		require.False(t, res.Unchanged)
		require.True(t, res.Found)
		require.Equal(t, []byte("3"), res.Value)
		return nil
	})
	require.NoError(t, err)
}
