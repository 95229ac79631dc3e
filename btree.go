package cubby

import (
	"bytes"
	"iter"
	"sort"
)

// Btree is the immutable, persistent, copy-on-write B-tree of §4.3. Every
// mutating method returns a new *Btree; none of them touch disk beyond
// appending new nodes, and no existing node is ever rewritten in place.
type Btree struct {
	root     *node
	rootLoc  uint64
	size     uint64
	dirt     uint64
	capacity int
	store    *Store
}

// min returns the floor((cap+1)/2) occupancy bound from §3/§4.3.
func (t *Btree) min() int { return (t.capacity + 1) / 2 }

// OpenBtree loads the tree rooted at rootLoc (size/dirt come from the
// owning HEADER).
func OpenBtree(store *Store, capacity int, rootLoc, size, dirt uint64) (*Btree, error) {
	root, err := store.GetNode(rootLoc)
	if err != nil {
		return nil, err
	}
	return &Btree{root: root, rootLoc: rootLoc, size: size, dirt: dirt, capacity: capacity, store: store}, nil
}

// NewEmptyBtree creates and commits a fresh empty tree (one empty LEAF) in
// store. Used on first Engine.Open of a blank data directory.
func NewEmptyBtree(store *Store, capacity int) (*Btree, error) {
	leaf := newLeaf(nil)
	loc, err := store.PutNode(kindLeaf, serializeNode(leaf))
	if err != nil {
		return nil, err
	}
	leaf.loc = loc

	if _, err := store.PutHeader(&Header{Size: 0, RootOffset: loc, Dirt: 0}); err != nil {
		return nil, err
	}

	return &Btree{root: leaf, rootLoc: loc, size: 0, dirt: 0, capacity: capacity, store: store}, nil
}

func (t *Btree) Size() uint64       { return t.size }
func (t *Btree) Dirt() uint64       { return t.dirt }
func (t *Btree) RootLoc() uint64    { return t.rootLoc }
func (t *Btree) StoreRef() *Store   { return t.store }
func (t *Btree) DirtFactor() float64 {
	if t.size+t.dirt == 0 {
		return 0
	}
	return float64(t.dirt) / float64(t.size+t.dirt)
}

// searchLeaf returns (index, found) for an exact key match in a leaf's
// entries, which are always key-sorted.
func searchLeaf(entries []entry, key []byte) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) >= 0 })
	if i < len(entries) && bytes.Equal(entries[i].key, key) {
		return i, true
	}
	return i, false
}

// searchBranch implements the "≤" descend rule of §4.3: the child chosen
// is the one whose separator is the largest value <= k, with the leftmost
// child always eligible as a sentinel for keys smaller than every
// separator.
func searchBranch(entries []entry, key []byte) int {
	i := sort.Search(len(entries), func(i int) bool { return bytes.Compare(entries[i].key, key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Fetch performs the point lookup of §4.3: descend through BRANCHes using
// the "≤" rule to a LEAF, scan for an exact key match, and resolve its
// terminal. A TOMBSTONE terminal or a missing key both report not-found.
func (t *Btree) Fetch(key []byte) ([]byte, bool, error) {
	n := t.root

	for !n.isLeaf() {
		idx := searchBranch(n.entries, key)
		child, err := t.store.GetNode(n.entries[idx].loc)
		if err != nil {
			return nil, false, err
		}
		n = child
	}

	idx, found := searchLeaf(n.entries, key)
	if !found {
		return nil, false, nil
	}

	value, tombstone, err := t.store.GetValue(n.entries[idx].loc)
	if err != nil {
		return nil, false, err
	}
	if tombstone {
		return nil, false, nil
	}
	return value, true, nil
}

// pathUnchangedSince reports whether every node on the descent path to
// key -- root through the leaf that would hold it, including the
// terminal's own location -- carries a store offset no greater than
// sinceLoc. Since the store is append-only and every mutation
// copy-on-writes a fresh path from leaf to root, that's proof key's
// entry hasn't changed since the tree rooted at sinceLoc, without
// reading the terminal at all. A false result only means the proof
// didn't go through; the entry may or may not actually differ, so a
// caller must fall back to Fetch rather than treat false as "changed".
func (t *Btree) pathUnchangedSince(key []byte, sinceLoc uint64) (bool, error) {
	n := t.root
	if n.loc > sinceLoc {
		return false, nil
	}

	for !n.isLeaf() {
		idx := searchBranch(n.entries, key)
		child, err := t.store.GetNode(n.entries[idx].loc)
		if err != nil {
			return false, err
		}
		if child.loc > sinceLoc {
			return false, nil
		}
		n = child
	}

	idx, found := searchLeaf(n.entries, key)
	if !found {
		return true, nil
	}
	return n.entries[idx].loc <= sinceLoc, nil
}

// splitResult carries the outcome of a node overflowing cap entries: two
// freshly written siblings plus the separator key for the right half.
type splitResult struct {
	left, right *node
	sepKey      []byte
}

// writeOrSplit appends n (or, if it overflows capacity, its two halves) to
// the store. The halves split at floor((cap+1)/2) per §4.3.
func (t *Btree) writeOrSplit(n *node) (*node, *splitResult, error) {
	if len(n.entries) <= t.capacity {
		loc, err := t.store.PutNode(n.kind, serializeNode(n))
		if err != nil {
			return nil, nil, err
		}
		n.loc = loc
		return n, nil, nil
	}

	mid := (t.capacity + 1) / 2
	leftEntries := append([]entry(nil), n.entries[:mid]...)
	rightEntries := append([]entry(nil), n.entries[mid:]...)

	left := &node{kind: n.kind, entries: leftEntries}
	right := &node{kind: n.kind, entries: rightEntries}

	leftLoc, err := t.store.PutNode(left.kind, serializeNode(left))
	if err != nil {
		return nil, nil, err
	}
	left.loc = leftLoc

	rightLoc, err := t.store.PutNode(right.kind, serializeNode(right))
	if err != nil {
		return nil, nil, err
	}
	right.loc = rightLoc

	return nil, &splitResult{left: left, right: right, sepKey: rightEntries[0].key}, nil
}

// insertRec walks down to the target leaf, installs the (key, loc) entry,
// then rewrites the path bottom-up, splitting any node that overflows.
func (t *Btree) insertRec(loc uint64, key []byte, termLoc uint64, failIfExists bool) (*node, *splitResult, int, error) {
	n, err := t.store.GetNode(loc)
	if err != nil {
		return nil, nil, 0, err
	}

	if n.isLeaf() {
		idx, found := searchLeaf(n.entries, key)
		entries := append([]entry(nil), n.entries...)

		sizeDelta := 0
		if found {
			_, isTomb, verr := t.store.GetValue(entries[idx].loc)
			if verr != nil {
				return nil, nil, 0, verr
			}
			if !isTomb && failIfExists {
				return nil, nil, 0, ErrAlreadyExists
			}
			if isTomb {
				sizeDelta = 1
			}
			entries[idx] = entry{key: key, loc: termLoc}
		} else {
			entries = append(entries, entry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = entry{key: key, loc: termLoc}
			sizeDelta = 1
		}

		newLeaf, split, err := t.writeOrSplit(&node{kind: kindLeaf, entries: entries})
		return newLeaf, split, sizeDelta, err
	}

	idx := searchBranch(n.entries, key)
	childLoc := n.entries[idx].loc

	childNode, childSplit, sizeDelta, err := t.insertRec(childLoc, key, termLoc, failIfExists)
	if err != nil {
		return nil, nil, 0, err
	}

	entries := append([]entry(nil), n.entries...)
	if childSplit != nil {
		entries[idx] = entry{key: entries[idx].key, loc: childSplit.left.loc}
		entries = append(entries, entry{})
		copy(entries[idx+2:], entries[idx+1:])
		entries[idx+1] = entry{key: childSplit.sepKey, loc: childSplit.right.loc}
	} else {
		entries[idx] = entry{key: entries[idx].key, loc: childNode.loc}
	}

	newBranch, split, err := t.writeOrSplit(&node{kind: kindBranch, entries: entries})
	return newBranch, split, sizeDelta, err
}

// put is shared by Insert/InsertNew.
func (t *Btree) put(key, value []byte, failIfExists bool) (*Btree, error) {
	termLoc, err := t.store.PutNode(kindValue, value)
	if err != nil {
		return nil, err
	}

	newRoot, split, sizeDelta, err := t.insertRec(t.rootLoc, key, termLoc, failIfExists)
	if err != nil {
		return nil, err
	}

	root := newRoot
	if split != nil {
		root = &node{kind: kindBranch, entries: []entry{
			{key: split.left.entries[0].key, loc: split.left.loc},
			{key: split.sepKey, loc: split.right.loc},
		}}
		loc, werr := t.store.PutNode(kindBranch, serializeNode(root))
		if werr != nil {
			return nil, werr
		}
		root.loc = loc
	}

	return &Btree{
		root: root, rootLoc: root.loc,
		size: t.size + uint64(sizeDelta), dirt: t.dirt + 1,
		capacity: t.capacity, store: t.store,
	}, nil
}

// Insert inserts or replaces (key, value), appending nothing for an
// unchanged overwrite is not attempted -- every Insert/InsertNew writes a
// fresh VALUE record, matching the append-only invariant of §3.
func (t *Btree) Insert(key, value []byte) (*Btree, error) { return t.put(key, value, false) }

// InsertNew behaves like Insert but fails with ErrAlreadyExists (appending
// nothing but the attempted value record, which becomes unreachable
// garbage reclaimed by the next compaction) if key already maps to a VALUE.
func (t *Btree) InsertNew(key, value []byte) (*Btree, error) { return t.put(key, value, true) }

// deleteRec is shared by MarkDeleted/Delete. physical controls whether the
// LEAF entry is removed outright (Delete) or replaced with a TOMBSTONE
// terminal (MarkDeleted, required while a compaction's catch-up needs to
// observe the deletion via Diff).
func (t *Btree) deleteRec(loc uint64, key []byte, physical bool) (*node, int, bool, error) {
	n, err := t.store.GetNode(loc)
	if err != nil {
		return nil, 0, false, err
	}

	if n.isLeaf() {
		idx, found := searchLeaf(n.entries, key)
		if !found {
			return n, 0, false, nil
		}

		_, isTomb, verr := t.store.GetValue(n.entries[idx].loc)
		if verr != nil {
			return nil, 0, false, verr
		}

		entries := append([]entry(nil), n.entries...)
		sizeDelta := 0

		if physical {
			entries = append(entries[:idx], entries[idx+1:]...)
			if !isTomb {
				sizeDelta = -1
			}
		} else {
			if isTomb {
				return n, 0, false, nil
			}
			tombLoc, terr := t.store.PutNode(kindTombstone, nil)
			if terr != nil {
				return nil, 0, false, terr
			}
			entries[idx] = entry{key: key, loc: tombLoc}
			sizeDelta = -1
		}

		newNode := &node{kind: kindLeaf, entries: entries}
		loc, werr := t.store.PutNode(kindLeaf, serializeNode(newNode))
		if werr != nil {
			return nil, 0, false, werr
		}
		newNode.loc = loc

		return newNode, sizeDelta, len(entries) < t.min(), nil
	}

	idx := searchBranch(n.entries, key)
	childLoc := n.entries[idx].loc

	childNode, sizeDelta, underflow, err := t.deleteRec(childLoc, key, physical)
	if err != nil {
		return nil, 0, false, err
	}

	entries := append([]entry(nil), n.entries...)
	entries[idx] = entry{key: entries[idx].key, loc: childNode.loc}

	if underflow && idx > 0 {
		leftSibLoc := entries[idx-1].loc
		leftSib, lerr := t.store.GetNode(leftSibLoc)
		if lerr != nil {
			return nil, 0, false, lerr
		}

		merged := append(append([]entry(nil), leftSib.entries...), childNode.entries...)

		if len(merged) > t.capacity {
			mergedNode, split, werr := t.writeOrSplit(&node{kind: childNode.kind, entries: merged})
			if werr != nil {
				return nil, 0, false, werr
			}
			if split != nil {
				entries[idx-1] = entry{key: split.left.entries[0].key, loc: split.left.loc}
				entries[idx] = entry{key: split.sepKey, loc: split.right.loc}
			} else {
				entries[idx-1] = entry{key: mergedNode.entries[0].key, loc: mergedNode.loc}
				entries = append(entries[:idx], entries[idx+1:]...)
			}
		} else {
			mergedNode := &node{kind: childNode.kind, entries: merged}
			wloc, werr := t.store.PutNode(mergedNode.kind, serializeNode(mergedNode))
			if werr != nil {
				return nil, 0, false, werr
			}
			mergedNode.loc = wloc
			entries[idx-1] = entry{key: merged[0].key, loc: mergedNode.loc}
			entries = append(entries[:idx], entries[idx+1:]...)
		}
	}

	newBranch := &node{kind: kindBranch, entries: entries}
	wloc, werr := t.store.PutNode(kindBranch, serializeNode(newBranch))
	if werr != nil {
		return nil, 0, false, werr
	}
	newBranch.loc = wloc

	return newBranch, sizeDelta, len(entries) < t.min(), nil
}

func (t *Btree) del(key []byte, physical bool) (*Btree, error) {
	newRoot, sizeDelta, _, err := t.deleteRec(t.rootLoc, key, physical)
	if err != nil {
		return nil, err
	}

	if sizeDelta == 0 {
		return t, nil
	}

	newSize := t.size
	if sizeDelta < 0 {
		newSize--
	}

	return &Btree{
		root: newRoot, rootLoc: newRoot.loc,
		size: newSize, dirt: t.dirt + 1,
		capacity: t.capacity, store: t.store,
	}, nil
}

// Delete physically removes the LEAF entry for key.
func (t *Btree) Delete(key []byte) (*Btree, error) { return t.del(key, true) }

// MarkDeleted replaces key's terminal with a TOMBSTONE, leaving the LEAF
// entry in place so an in-progress compaction's Diff can observe it.
func (t *Btree) MarkDeleted(key []byte) (*Btree, error) { return t.del(key, false) }

// Clear produces a new empty tree rooted at a fresh empty LEAF.
func (t *Btree) Clear() (*Btree, error) {
	leaf := newLeaf(nil)
	loc, err := t.store.PutNode(kindLeaf, serializeNode(leaf))
	if err != nil {
		return nil, err
	}
	leaf.loc = loc

	return &Btree{root: leaf, rootLoc: loc, size: 0, dirt: t.dirt + 1, capacity: t.capacity, store: t.store}, nil
}

// BulkLoad builds a tree bottom-up at the given capacity from a sorted,
// deduplicated (k, v) sequence, writing leaves (and their VALUE records)
// left to right and propagating the first key of each node up to the
// next level as its separator. Requires an empty store.
func BulkLoad(store *Store, capacity int, seq iter.Seq2[[]byte, []byte]) (*Btree, error) {
	if !store.Blank() {
		return nil, ErrNotEmpty
	}

	var leafEntries []entry
	var count uint64

	var levelUp func(kind byte, children []entry) ([]entry, error)
	levelUp = func(kind byte, children []entry) ([]entry, error) {
		var out []entry
		for i := 0; i < len(children); i += capacity {
			end := i + capacity
			if end > len(children) {
				end = len(children)
			}
			chunk := children[i:end]

			n := &node{kind: kind, entries: append([]entry(nil), chunk...)}
			loc, err := store.PutNode(kind, serializeNode(n))
			if err != nil {
				return nil, err
			}

			out = append(out, entry{key: chunk[0].key, loc: loc})
		}
		return out, nil
	}

	flushLeaves := func() ([]entry, error) { return levelUp(kindLeaf, leafEntries) }

	for k, v := range seq {
		valLoc, err := store.PutNode(kindValue, v)
		if err != nil {
			return nil, err
		}
		leafEntries = append(leafEntries, entry{key: append([]byte(nil), k...), loc: valLoc})
		count++
	}

	if len(leafEntries) == 0 {
		return NewEmptyBtree(store, capacity)
	}

	level, err := flushLeaves()
	if err != nil {
		return nil, err
	}

	for len(level) > 1 {
		level, err = levelUp(kindBranch, level)
		if err != nil {
			return nil, err
		}
	}

	root, err := store.GetNode(level[0].loc)
	if err != nil {
		return nil, err
	}

	header := &Header{Size: count, RootOffset: root.loc, Dirt: 0}
	if _, err := store.PutHeader(header); err != nil {
		return nil, err
	}

	return &Btree{root: root, rootLoc: root.loc, size: count, dirt: 0, capacity: capacity, store: store}, nil
}

// RangeOpts bounds a KeyRange scan. A nil bound is unbounded on that side.
type RangeOpts struct {
	Min, Max           []byte
	MinInclusive       bool
	MaxInclusive       bool
	Reverse            bool
}

func inBounds(key []byte, o RangeOpts) bool {
	if o.Min != nil {
		c := bytes.Compare(key, o.Min)
		if c < 0 || (c == 0 && !o.MinInclusive) {
			return false
		}
	}
	if o.Max != nil {
		c := bytes.Compare(key, o.Max)
		if c > 0 || (c == 0 && !o.MaxInclusive) {
			return false
		}
	}
	return true
}

// childInRange reports whether the half-open span [entries[i].key,
// entries[i+1].key) (or [last.key, +inf) for the final child) can
// possibly intersect the requested bounds, per §4.3's branch-pruning rule.
// The leftmost child's span starts at -inf instead: it is the sentinel
// for keys smaller than every separator (see searchBranch), and inserting
// such a key leaves entries[0].key as it was.
func childInRange(entries []entry, i int, o RangeOpts) bool {
	lo := entries[i].key
	var hi []byte
	if i+1 < len(entries) {
		hi = entries[i+1].key
	}

	if i > 0 && o.Max != nil && bytes.Compare(lo, o.Max) > 0 {
		return false
	}
	if o.Min != nil && hi != nil && bytes.Compare(hi, o.Min) < 0 {
		return false
	}
	return true
}

// KeyRange produces a lazy, ascending (or descending) sequence of (key,
// value) pairs over the bounds in opts, pruning subtrees that cannot
// intersect the range and skipping tombstoned entries.
func (t *Btree) KeyRange(opts RangeOpts) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		t.walkRange(t.root, opts, yield)
	}
}

// walkRange returns false once the caller's yield has asked to stop.
func (t *Btree) walkRange(n *node, opts RangeOpts, yield func([]byte, []byte) bool) bool {
	if n.isLeaf() {
		entries := n.entries
		if opts.Reverse {
			for i := len(entries) - 1; i >= 0; i-- {
				if !t.emitLeafEntry(entries[i], opts, yield) {
					return false
				}
			}
			return true
		}
		for _, e := range entries {
			if !t.emitLeafEntry(e, opts, yield) {
				return false
			}
		}
		return true
	}

	indices := make([]int, 0, len(n.entries))
	for i := range n.entries {
		if childInRange(n.entries, i, opts) {
			indices = append(indices, i)
		}
	}

	if opts.Reverse {
		for i := len(indices) - 1; i >= 0; i-- {
			child, err := t.store.GetNode(n.entries[indices[i]].loc)
			if err != nil {
				return false
			}
			if !t.walkRange(child, opts, yield) {
				return false
			}
		}
		return true
	}

	for _, idx := range indices {
		child, err := t.store.GetNode(n.entries[idx].loc)
		if err != nil {
			return false
		}
		if !t.walkRange(child, opts, yield) {
			return false
		}
	}
	return true
}

func (t *Btree) emitLeafEntry(e entry, opts RangeOpts, yield func([]byte, []byte) bool) bool {
	if !inBounds(e.key, opts) {
		return true
	}

	value, tombstone, err := t.store.GetValue(e.loc)
	if err != nil || tombstone {
		return true
	}

	return yield(e.key, value)
}

// Terminal describes what a Diff entry resolved to: a live value or a
// tombstone marking a deletion.
type Terminal struct {
	Key       []byte
	Value     []byte
	Tombstone bool
}

// Diff enumerates every (key, terminal) pair reachable from t whose linked
// terminal has an offset greater than fromLoc -- i.e. every write since
// the older root at fromLoc, since the store is append-only and the tree
// is copy-on-write. Used by CatchUp.
func (t *Btree) Diff(fromLoc uint64) iter.Seq2[int, Terminal] {
	idx := 0
	return func(yield func(int, Terminal) bool) {
		t.walkDiff(t.root, fromLoc, func(term Terminal) bool {
			ok := yield(idx, term)
			idx++
			return ok
		})
	}
}

func (t *Btree) walkDiff(n *node, fromLoc uint64, yield func(Terminal) bool) bool {
	if n.isLeaf() {
		for _, e := range n.entries {
			if e.loc <= fromLoc {
				continue
			}
			value, tombstone, err := t.store.GetValue(e.loc)
			if err != nil {
				return false
			}
			if !yield(Terminal{Key: e.key, Value: value, Tombstone: tombstone}) {
				return false
			}
		}
		return true
	}

	for _, e := range n.entries {
		if e.loc <= fromLoc {
			continue
		}
		child, err := t.store.GetNode(e.loc)
		if err != nil {
			return false
		}
		if !t.walkDiff(child, fromLoc, yield) {
			return false
		}
	}
	return true
}
