package cubby

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubby-db/cubby/internal/fname"
)

// Engine is the single coordinator of §4.8: one goroutine's worth of
// state (the current root, the pinned-snapshot table, the writer queue)
// guarded by a mutex, with the Compactor/CatchUp/CleanUp background
// tasks run as separate goroutines signaled over channels -- the same
// actor-to-CSP shape as the teacher's handleFlush/handleResize pair, now
// generalized past a single flush signal to the engine's whole job queue.
type Engine struct {
	opts  Options
	store *Store

	mu      sync.RWMutex
	root    *Btree
	closed  bool

	writeCh chan writeJob

	snapMu    sync.Mutex
	snapshots map[uuid.UUID]*Snapshot
	pinned    map[uint64]int

	metrics *engineMetrics

	compactor *compactor
	cleaner   *cleaner

	autoCompact AutoCompactConfig
	autoSync    bool
}

type writeJob struct {
	fn   func(tx *Tx) error
	done chan error
}

// Open opens (or creates) the data directory at opts.DataDir, recovers
// the most recent committed root via the store's reverse HEADER scan,
// and starts the writer and background-task goroutines.
func Open(opts Options) (*Engine, error) {
	if opts.DataDir == "" {
		return nil, &StoreError{Op: "open", Err: fmt.Errorf("cubby: DataDir is required")}
	}

	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, wrapIoErr("open", opts.DataDir, err)
	}

	path, err := activeLogPath(opts.DataDir)
	if err != nil {
		return nil, err
	}

	store, err := Create(path, opts.nodePoolSize())
	if err != nil {
		return nil, err
	}

	root, err := recoverRoot(store, opts.capacity())
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		opts:        opts,
		store:       store,
		root:        root,
		writeCh:     make(chan writeJob, 64),
		snapshots:   make(map[uuid.UUID]*Snapshot),
		pinned:      make(map[uint64]int),
		autoCompact: opts.AutoCompact,
		autoSync:    opts.AutoFileSync,
	}

	e.metrics = newEngineMetrics(opts.Registerer)
	e.compactor = newCompactor(e)
	e.cleaner = newCleaner(e)

	go e.runWriter()

	return e, nil
}

// recoverRoot loads the latest committed Header from store and opens its
// tree, or bootstraps a fresh empty tree when the file is blank.
func recoverRoot(store *Store, capacity int) (*Btree, error) {
	if store.Blank() {
		return NewEmptyBtree(store, capacity)
	}

	header, _, err := store.LatestHeader()
	if err != nil {
		return nil, err
	}
	if header == nil {
		return NewEmptyBtree(store, capacity)
	}

	return OpenBtree(store, capacity, header.RootOffset, header.Size, header.Dirt)
}

// runWriter is the single writer-slot consumer: jobs are served strictly
// FIFO from writeCh, so every Transaction and top-level mutator commits
// in submission order with no additional locking needed around root.
func (e *Engine) runWriter() {
	for job := range e.writeCh {
		err := e.runOneWrite(job.fn)
		job.done <- err
	}
}

func (e *Engine) runOneWrite(fn func(tx *Tx) error) error {
	done := e.metrics.timeCommit()
	defer done()

	e.mu.RLock()
	base := e.root
	e.mu.RUnlock()

	tx := &Tx{reader: reader{tree: base}, engine: e, baseLoc: base.rootLoc, compacting: e.compactor.running()}
	if err := fn(tx); err != nil {
		return err
	}

	if tx.tree == base {
		if tx.recompact {
			e.compactor.requestRecompact()
		}
		return nil
	}

	header := &Header{Size: tx.tree.Size(), RootOffset: tx.tree.rootLoc, Dirt: tx.tree.Dirt()}
	if _, err := e.store.PutHeader(header); err != nil {
		return err
	}

	if e.autoSync {
		if err := e.store.Sync(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.root = tx.tree
	e.mu.Unlock()

	e.metrics.observeCommit(header)

	if tx.recompact {
		e.compactor.requestRecompact()
	} else {
		e.maybeAutoCompact(header)
	}

	return nil
}

func (e *Engine) maybeAutoCompact(h *Header) {
	if !e.autoCompact.Enabled {
		return
	}
	if h.Dirt < e.autoCompact.MinWrites {
		return
	}
	if h.dirtFactor() < e.autoCompact.MinDirtFactor {
		return
	}
	e.compactor.signal()
}

// submit enqueues fn on the writer goroutine and blocks for its result,
// giving every public mutator (Put, Delete, Transaction, ...) the same
// single-writer serialization.
func (e *Engine) submit(fn func(tx *Tx) error) error {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	job := writeJob{fn: fn, done: make(chan error, 1)}
	e.metrics.observeQueueDepth(len(e.writeCh) + 1)
	e.writeCh <- job
	return <-job.done
}

// Transaction runs fn against a single consistent, serialized view of the
// store, committing every staged mutation atomically when fn returns nil
// and discarding them entirely otherwise.
func (e *Engine) Transaction(fn func(tx *Tx) error) error {
	return e.submit(fn)
}

// Put inserts or overwrites key as a one-operation transaction.
func (e *Engine) Put(key, value []byte) error {
	return e.submit(func(tx *Tx) error { return tx.Put(key, value) })
}

// PutNew inserts key only if it is absent or tombstoned.
func (e *Engine) PutNew(key, value []byte) error {
	return e.submit(func(tx *Tx) error { return tx.PutNew(key, value) })
}

// Delete removes key as a one-operation transaction.
func (e *Engine) Delete(key []byte) error {
	return e.submit(func(tx *Tx) error { return tx.Delete(key) })
}

// Clear empties the store as a one-operation transaction.
func (e *Engine) Clear() error {
	return e.submit(func(tx *Tx) error { return tx.Clear() })
}

// PutAndDeleteMulti applies a batch of puts and deletes atomically.
func (e *Engine) PutAndDeleteMulti(puts map[string][]byte, deletes [][]byte) error {
	return e.submit(func(tx *Tx) error { return tx.PutAndDeleteMulti(puts, deletes) })
}

// GetAndUpdateMulti reads then conditionally rewrites a batch of keys
// atomically; see Tx.GetAndUpdateMulti.
func (e *Engine) GetAndUpdateMulti(keys [][]byte, fn func(key, value []byte, found bool) ([]byte, bool)) error {
	return e.submit(func(tx *Tx) error { return tx.GetAndUpdateMulti(keys, fn) })
}

func (e *Engine) currentReader() reader {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return reader{tree: e.root}
}

func (e *Engine) Get(key []byte) ([]byte, bool, error)   { return e.currentReader().Get(key) }
func (e *Engine) HasKey(key []byte) (bool, error)        { return e.currentReader().HasKey(key) }
func (e *Engine) Size() uint64                           { return e.currentReader().Size() }
func (e *Engine) Select(o RangeOpts) iter.Seq2[[]byte, []byte] { return e.currentReader().Select(o) }

// Snapshot pins the current root for ttl (0 means no expiry) and returns
// a handle readers can use after further writes have landed, per §4.5.
func (e *Engine) Snapshot(ttl time.Duration) *Snapshot {
	e.mu.RLock()
	tree := e.root
	e.mu.RUnlock()

	snap := &Snapshot{
		reader:  reader{tree: tree},
		id:      uuid.New(),
		engine:  e,
		rootLoc: tree.rootLoc,
		ttl:     ttl,
	}

	e.snapMu.Lock()
	e.snapshots[snap.id] = snap
	e.pinned[tree.rootLoc]++
	e.snapMu.Unlock()

	if ttl > 0 {
		snap.timer = time.AfterFunc(ttl, snap.Release)
	}

	return snap
}

// ReleaseSnapshot releases a snapshot obtained from Snapshot, a
// convenience equivalent to calling Snapshot.Release directly.
func (e *Engine) ReleaseSnapshot(s *Snapshot) { s.Release() }

// WithSnapshot takes a snapshot, runs fn against it, and releases it
// unconditionally afterward.
func (e *Engine) WithSnapshot(ttl time.Duration, fn func(*Snapshot) error) error {
	snap := e.Snapshot(ttl)
	defer snap.Release()
	return fn(snap)
}

func (e *Engine) releaseSnapshot(id uuid.UUID, rootLoc uint64) {
	e.snapMu.Lock()
	delete(e.snapshots, id)
	e.pinned[rootLoc]--
	if e.pinned[rootLoc] <= 0 {
		delete(e.pinned, rootLoc)
	}
	e.snapMu.Unlock()
}

// isPinned reports whether any live snapshot still references rootLoc.
// The compaction swap and cleanup do not use it; they check by file path
// through anyPinnedReferences.
func (e *Engine) isPinned(rootLoc uint64) bool {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.pinned[rootLoc] > 0
}

// Compact starts an online compaction if one isn't already running,
// returning ErrPendingCompaction otherwise.
func (e *Engine) Compact() error { return e.compactor.start() }

// HaltCompaction requests the in-progress compaction stop at its next
// convergence check, per §4.6's halt_compaction.
func (e *Engine) HaltCompaction() error { return e.compactor.halt() }

// Compacting reports whether a compaction is currently in progress.
func (e *Engine) Compacting() bool { return e.compactor.running() }

// SetAutoCompact updates the automatic-compaction trigger config.
func (e *Engine) SetAutoCompact(cfg AutoCompactConfig) {
	e.mu.Lock()
	e.autoCompact = cfg
	e.mu.Unlock()
}

// SetAutoFileSync toggles datasync-after-every-commit.
func (e *Engine) SetAutoFileSync(on bool) {
	e.mu.Lock()
	e.autoSync = on
	e.mu.Unlock()
}

// FileSync forces an immediate datasync of the active log.
func (e *Engine) FileSync() error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	return store.Sync()
}

// BackUp writes a fresh, fully-compacted copy of the live key set to dst:
// a new store is created at dst and bulk-loaded from a snapshot of the
// current tree, so the backup never carries the dead/garbage nodes the
// active log has accumulated between compactions.
func (e *Engine) BackUp(dst string) error {
	e.mu.RLock()
	tree := e.root
	e.mu.RUnlock()

	dstStore, err := Create(dst, e.opts.nodePoolSize())
	if err != nil {
		return err
	}

	newTree, err := BulkLoad(dstStore, e.opts.capacity(), tree.KeyRange(RangeOpts{}))
	if err != nil {
		dstStore.Close()
		return err
	}

	header := &Header{Size: newTree.Size(), RootOffset: newTree.rootLoc, Dirt: newTree.Dirt()}
	if _, err := dstStore.PutHeader(header); err != nil {
		dstStore.Close()
		return err
	}

	if err := dstStore.Sync(); err != nil {
		dstStore.Close()
		return err
	}

	return dstStore.Close()
}

// Close stops the writer and background goroutines and releases the
// active log file.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.compactor.stop()
	e.cleaner.stop()
	close(e.writeCh)

	return e.store.Close()
}

// activeLogPath picks the data directory's current log file -- the one
// carrying the largest numeric prefix, since a compaction swap always
// advances that prefix -- or names a fresh "1.cub" when the directory
// holds none yet.
func activeLogPath(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", wrapIoErr("open", dir, err)
	}

	names := make([]string, len(entries))
	for i, ent := range entries {
		names[i] = ent.Name()
	}

	logs, _, _, _ := fname.Scan(names)
	if cur, ok := fname.Current(logs); ok {
		return filepath.Join(dir, cur.Name), nil
	}

	return filepath.Join(dir, fname.Format(1, fname.LogExt)), nil
}
