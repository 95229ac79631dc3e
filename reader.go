package cubby

import "iter"

// reader is the read-only surface shared by Snapshot and Tx, backed by a
// pinned *Btree. It mirrors the Get/Iterate/Range split of the teacher's
// MariTx, generalized to the ordered-key semantics of §4.4.
type reader struct {
	tree *Btree
}

// Get fetches the value for key, reporting false if it is absent or
// logically deleted.
func (r reader) Get(key []byte) ([]byte, bool, error) {
	return r.tree.Fetch(key)
}

// HasKey reports whether key resolves to a live value.
func (r reader) HasKey(key []byte) (bool, error) {
	_, ok, err := r.tree.Fetch(key)
	return ok, err
}

// GetMulti fetches several keys in one call, omitting any that are absent.
func (r reader) GetMulti(keys [][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := r.tree.Fetch(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[string(k)] = v
		}
	}
	return out, nil
}

// Size reports the number of live keys.
func (r reader) Size() uint64 { return r.tree.Size() }

// Select returns a lazy ascending or descending sequence over the given
// bounds, per §4.4's range semantics.
func (r reader) Select(opts RangeOpts) iter.Seq2[[]byte, []byte] {
	return r.tree.KeyRange(opts)
}
