package cubby

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cubby-db/cubby/internal/fname"
)

// cleaner implements §4.7's CleanUp. A compaction swap renames the
// *.compact file to a new, higher-numbered log and only closes the old
// log, which stays on disk; a crash between writing a *.compact file and
// its swap can also leave an orphaned *.compact behind. cleaner
// periodically sweeps the data directory and removes both kinds of stale
// file, skipping any that a pinned snapshot still reads through.
type cleaner struct {
	engine *Engine

	stopCh chan struct{}
	wg     sync.WaitGroup
}

const cleanupInterval = 5 * time.Minute

func newCleaner(e *Engine) *cleaner {
	c := &cleaner{engine: e, stopCh: make(chan struct{})}
	c.wg.Add(1)
	go c.loop()
	return c
}

func (c *cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.CleanUpOldCompactionFiles()
			if err := c.CleanUp(); err != nil {
				c.engine.opts.Logger.Warn().Err(err).Msg("cleanup: clean_up sweep failed")
			}
		}
	}
}

// CleanUpOldCompactionFiles removes every *.compact file in the data
// directory that isn't currently owned by an in-progress compaction and
// isn't kept alive by a pinned snapshot, deferring deletion while a
// snapshot might still need its blocks per §4.5's pinning semantics.
func (c *cleaner) CleanUpOldCompactionFiles() {
	e := c.engine

	if e.compactor.running() {
		return
	}

	entries, err := os.ReadDir(e.opts.DataDir)
	if err != nil {
		e.opts.Logger.Warn().Err(err).Msg("cleanup: failed to list data dir")
		return
	}

	for _, ent := range entries {
		if !fname.IsCompacting(ent.Name()) {
			continue
		}

		path := filepath.Join(e.opts.DataDir, ent.Name())
		if e.anyPinnedReferences(path) {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.opts.Logger.Warn().Err(err).Str("path", path).Msg("cleanup: failed to remove orphaned compaction file")
		}
	}
}

// CleanUp implements §4.7's primary clean_up(current_store) operation:
// every file in the data directory whose numeric prefix is smaller than
// the current active file's is stale -- either a log file a compaction
// already swapped out from under, or a *.compact a crash orphaned
// before it could ever become current -- and gets removed, except a
// file a pinned snapshot is still reading through, whose removal is
// deferred to a later sweep once that snapshot releases.
func (c *cleaner) CleanUp() error {
	e := c.engine

	e.mu.RLock()
	dir := e.opts.DataDir
	currentPath := e.store.path
	e.mu.RUnlock()

	curNum, ok := fname.Parse(filepath.Base(currentPath))
	if !ok {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return wrapIoErr("cleanup", dir, err)
	}

	for _, ent := range entries {
		n, ok := fname.Parse(ent.Name())
		if !ok || n >= curNum {
			continue
		}

		path := filepath.Join(dir, ent.Name())
		if e.anyPinnedReferences(path) {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			e.opts.Logger.Warn().Err(err).Str("path", path).Msg("cleanup: failed to remove stale file")
		}
	}

	return nil
}

func (c *cleaner) stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// anyPinnedReferences reports whether any live snapshot is still reading
// through the store at path: each Snapshot keeps its own *Btree (and, by
// extension, the *Store it was built from) alive for as long as it's
// pinned, so checking the snapshot table's backing stores directly is
// exact -- it works for both a retired log file and an orphaned
// *.compact, since neither is ever read except through a Snapshot or
// Tx built on the corresponding *Btree.
func (e *Engine) anyPinnedReferences(path string) bool {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()

	for _, snap := range e.snapshots {
		if snap.reader.tree != nil && snap.reader.tree.store != nil && snap.reader.tree.store.path == path {
			return true
		}
	}
	return false
}
