package cubby

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a read-only, MVCC-pinned view of the store at the moment it
// was taken, per §4.5. Until it is released or its TTL elapses, its entry
// in the engine's snapshot table keeps cleanup from removing the file it
// reads through. A compaction swap does not wait for it: the swap closes
// that file's Store, after which reads through this snapshot return an
// error.
type Snapshot struct {
	reader

	id      uuid.UUID
	engine  *Engine
	rootLoc uint64
	ttl     time.Duration

	mu      sync.Mutex
	expired bool
	timer   *time.Timer
}

// ID returns the snapshot's identifier, stable for its lifetime.
func (s *Snapshot) ID() uuid.UUID { return s.id }

// Extend pushes the snapshot's expiry out by d, the "extend" pattern of
// §4.5 used by a streaming read to keep a long-lived Select alive. A
// no-op on an infinite-TTL snapshot; on an already-expired one it returns
// ErrExpiredSnapshot.
func (s *Snapshot) Extend(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.expired {
		return ErrExpiredSnapshot
	}
	if s.timer == nil {
		return nil
	}
	s.timer.Reset(d)
	return nil
}

// Release unpins the snapshot immediately rather than waiting for its TTL.
func (s *Snapshot) Release() {
	s.mu.Lock()
	if s.expired {
		s.mu.Unlock()
		return
	}
	s.expired = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.engine.releaseSnapshot(s.id, s.rootLoc)
}

// checkLive reports ErrExpiredSnapshot once the TTL has fired, guarding
// every reader method a caller might still be holding a reference to.
func (s *Snapshot) checkLive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return ErrExpiredSnapshot
	}
	return nil
}

// Live reports whether the snapshot is still pinned, for a caller that
// wants to check whether a just-finished Select ran to completion or
// was cut short by the TTL firing mid-stream.
func (s *Snapshot) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.expired
}

// extend reaffirms the snapshot's reader_ref for the duration of a read,
// per §4.5: rather than racing a fixed, one-shot TTL, every read call
// resets the expiry clock to its original duration before touching the
// tree, so a snapshot under active use keeps living and only goes stale
// once reads on it actually stop.
func (s *Snapshot) extend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired {
		return ErrExpiredSnapshot
	}
	if s.timer != nil && s.ttl > 0 {
		s.timer.Reset(s.ttl)
	}
	return nil
}

// Get overrides reader.Get to enforce the TTL before touching the store.
func (s *Snapshot) Get(key []byte) ([]byte, bool, error) {
	if err := s.extend(); err != nil {
		return nil, false, err
	}
	return s.reader.Get(key)
}

// HasKey overrides reader.HasKey to enforce the TTL before touching the
// store.
func (s *Snapshot) HasKey(key []byte) (bool, error) {
	if err := s.extend(); err != nil {
		return false, err
	}
	return s.reader.HasKey(key)
}

// GetMulti overrides reader.GetMulti to enforce the TTL before touching
// the store.
func (s *Snapshot) GetMulti(keys [][]byte) (map[string][]byte, error) {
	if err := s.extend(); err != nil {
		return nil, err
	}
	return s.reader.GetMulti(keys)
}

// Size overrides reader.Size to enforce the TTL. An expired snapshot
// reports 0 rather than panicking on a store that may already be gone;
// callers after a background Compact should check Live if they need to
// tell "empty" from "expired".
func (s *Snapshot) Size() uint64 {
	if s.checkLive() != nil {
		return 0
	}
	return s.reader.Size()
}

// Select overrides reader.Select to enforce the TTL both up front and,
// since a Select can stream for a long time, at every yielded entry: if
// the snapshot expires mid-iteration, the sequence simply stops early
// rather than continuing to read through a store whose pin has been
// released. Call Live after ranging to tell a short result set apart
// from an iteration the TTL cut off.
func (s *Snapshot) Select(opts RangeOpts) (iter.Seq2[[]byte, []byte], error) {
	if err := s.extend(); err != nil {
		return nil, err
	}

	seq := func(yield func([]byte, []byte) bool) {
		for k, v := range s.reader.Select(opts) {
			if s.checkLive() != nil {
				return
			}
			if !yield(k, v) {
				return
			}
		}
	}
	return seq, nil
}
