package cubby

// Tx is the single-writer transaction handle of §4.5/§4.8: every mutation
// runs against a private, uncommitted *Btree built by copy-on-write
// inserts/deletes, and becomes visible to readers only when the engine
// commits its final root in one step after the transaction's callback
// returns nil.
// Modeled on the teacher's MariTx, generalized from a single Put/Get/
// Delete call to an arbitrary function over the transaction handle.
type Tx struct {
	reader

	engine    *Engine
	baseLoc   uint64
	committed bool

	// compacting is snapshotted from the compactor at the start of the
	// write this Tx stages: true means a background compaction is
	// currently bulk-loading a fresh file from the live key set, so a
	// Delete here must leave a tombstone behind (MarkDeleted) rather than
	// physically removing the entry, or the compaction's CatchUp loop has
	// nothing to Diff the deletion from.
	compacting bool

	// recompact is set by Clear while compacting is true: wiping the
	// whole tree invalidates whatever the in-progress compaction has
	// bulk-loaded so far, so the engine must halt it and start a fresh
	// one against the post-Clear tree once this transaction commits.
	recompact bool
}

// Put inserts or overwrites key, staging the mutation in the
// transaction's working tree.
func (tx *Tx) Put(key, value []byte) error {
	next, err := tx.tree.Insert(key, value)
	if err != nil {
		return err
	}
	tx.tree = next
	return nil
}

// PutNew inserts key only if absent (or only tombstoned), failing with
// ErrAlreadyExists otherwise.
func (tx *Tx) PutNew(key, value []byte) error {
	next, err := tx.tree.InsertNew(key, value)
	if err != nil {
		return err
	}
	tx.tree = next
	return nil
}

// Delete removes key from the working tree: a physical delete normally,
// or a tombstone (MarkDeleted) while a background compaction is in
// flight, so its CatchUp loop can still observe the deletion in a Diff
// against the tree the compaction started from.
func (tx *Tx) Delete(key []byte) error {
	var (
		next *Btree
		err  error
	)
	if tx.compacting {
		next, err = tx.tree.MarkDeleted(key)
	} else {
		next, err = tx.tree.Delete(key)
	}
	if err != nil {
		return err
	}
	tx.tree = next
	return nil
}

// Clear empties the working tree entirely. If a compaction is currently
// bulk-loading a fresh file from the pre-Clear key set, that work is now
// stale, so Clear flags the transaction for a halt-and-restart once it
// commits.
func (tx *Tx) Clear() error {
	next, err := tx.tree.Clear()
	if err != nil {
		return err
	}
	tx.tree = next
	if tx.compacting {
		tx.recompact = true
	}
	return nil
}

// PutAndDeleteMulti applies a batch of puts followed by a batch of
// deletes atomically within the transaction, per §4.8's bulk mutation
// operation.
func (tx *Tx) PutAndDeleteMulti(puts map[string][]byte, deletes [][]byte) error {
	for k, v := range puts {
		if err := tx.Put([]byte(k), v); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := tx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// RefetchResult is Refetch's outcome: either Unchanged, meaning the
// entry is provably the same as it was in the snapshot the caller
// fetched it from without rereading the terminal, or the freshly
// fetched (Value, Found) pair.
type RefetchResult struct {
	Unchanged bool
	Value     []byte
	Found     bool
}

// Refetch implements §4.5's refetch(tx, k, snapshot): a strict
// optimization over calling Fetch again after taking snap, it walks
// tx's working tree down to k and, if every node on that path carries a
// store offset no greater than snap's root location, reports Unchanged
// without ever reading k's terminal. Otherwise it falls back to a plain
// Fetch against tx's tree. A false "changed" verdict (an unnecessary
// Fetch) is acceptable; a false "unchanged" verdict never is.
func Refetch(tx *Tx, k []byte, snap *Snapshot) (RefetchResult, error) {
	if tx == nil || tx.tree == nil {
		return RefetchResult{}, ErrInvalidTransaction
	}
	if snap == nil {
		return RefetchResult{}, ErrInvalidTransaction
	}
	if err := snap.checkLive(); err != nil {
		return RefetchResult{}, err
	}

	unchanged, err := tx.tree.pathUnchangedSince(k, snap.rootLoc)
	if err != nil {
		return RefetchResult{}, err
	}
	if unchanged {
		return RefetchResult{Unchanged: true}, nil
	}

	value, found, err := tx.tree.Fetch(k)
	if err != nil {
		return RefetchResult{}, err
	}
	return RefetchResult{Value: value, Found: found}, nil
}

// GetAndUpdateMulti reads each key in keys, passes the (key, value,
// found) triple through fn, and applies fn's returned (newValue, keep)
// as a Put or Delete, all within the same transaction.
func (tx *Tx) GetAndUpdateMulti(keys [][]byte, fn func(key, value []byte, found bool) (newValue []byte, keep bool)) error {
	for _, k := range keys {
		v, found, err := tx.tree.Fetch(k)
		if err != nil {
			return err
		}

		newValue, keep := fn(k, v, found)
		if !keep {
			if found {
				if err := tx.Delete(k); err != nil {
					return err
				}
			}
			continue
		}
		if err := tx.Put(k, newValue); err != nil {
			return err
		}
	}
	return nil
}
