package cubby

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cubby-db/cubby/internal/pool"
	"github.com/cubby-db/cubby/internal/varint"
)

// openStores is the process-wide named-lock map of §9's design notes:
// "a process-wide mutex map keyed by canonical path" enforcing one Store
// per path per process, ahead of the advisory file lock that extends the
// same guarantee across processes.
var openStores sync.Map // canonical path -> *Store

// Store is the append-only file abstraction of §4.2. It owns one
// underlying file handle and serializes all mutation through a single
// mutex; reads take the same lock's read side so they can proceed
// concurrently with each other but never with a write in flight.
type Store struct {
	path string
	file *os.File

	mu     sync.RWMutex
	cursor uint64
	closed bool

	frame   Framer
	bufPool *pool.BufferPool
}

// Create opens path (creating it if absent), positions the append cursor
// at end-of-file, and registers an exclusive intra-process lock for path.
// poolSize sizes the buffer pool backing reads; 0 uses DefaultNodePoolSize.
func Create(path string, poolSize int) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, wrapIoErr("create", path, err)
	}

	if _, loaded := openStores.LoadOrStore(abs, struct{}{}); loaded {
		return nil, &StoreError{Op: "create", Path: path, Err: ErrAlreadyInUse}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		openStores.Delete(abs)
		return nil, wrapIoErr("create", path, err)
	}

	if err := flockExclusive(f.Fd()); err != nil {
		f.Close()
		openStores.Delete(abs)
		return nil, &StoreError{Op: "create", Path: path, Err: ErrAlreadyInUse}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		openStores.Delete(abs)
		return nil, wrapIoErr("create", path, err)
	}

	if poolSize <= 0 {
		poolSize = DefaultNodePoolSize
	}

	return &Store{
		path:    abs,
		file:    f,
		cursor:  uint64(info.Size()),
		bufPool: pool.New(int64(poolSize)),
	}, nil
}

// Blank reports whether the underlying file is empty.
func (s *Store) Blank() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor == 0
}

// Close flushes and releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	funlock(s.file.Fd())
	openStores.Delete(s.path)

	return s.file.Close()
}

// Sync issues a file datasync.
func (s *Store) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Sync()
}

// putRecord is the shared implementation of put_node / put_header: it
// prefixes the self-describing [kind][payload] record with a 32-bit
// big-endian length, frames it, appends it, and returns the offset at
// which the caller can later GetNode/LatestHeader it back.
func (s *Store) putRecord(kind byte, payload []byte, asHeader bool) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	record := make([]byte, 0, 5+len(payload))
	record = append(record, kind)
	record = append(record, payload...)

	logical := append(varint.PutUint32(uint32(len(record))), record...)

	var loc uint64
	var framed []byte

	if asHeader {
		var padding []byte
		loc, padding = s.frame.AddHeaderMarker(s.cursor)
		if len(padding) > 0 {
			if _, err := s.file.WriteAt(padding, int64(s.cursor)); err != nil {
				s.reseatCursor()
				return 0, s.ioFail("put_header", err)
			}
		}
		framed = s.frame.EncodeHeader(logical, loc)
	} else {
		loc = s.cursor
		framed = s.frame.Encode(logical, loc)
	}

	if _, err := s.file.WriteAt(framed, int64(loc)); err != nil {
		s.reseatCursor()
		return 0, s.ioFail("put", err)
	}

	s.cursor = loc + uint64(len(framed))
	return loc, nil
}

// PutNode serializes a node (or value/tombstone payload) and appends it.
func (s *Store) PutNode(kind byte, payload []byte) (uint64, error) {
	return s.putRecord(kind, payload, false)
}

// PutHeader appends a HEADER record, block-aligned per §4.1, and returns
// its aligned offset.
func (s *Store) PutHeader(h *Header) (uint64, error) {
	return s.putRecord(kindHeaderRec, serializeHeader(h), true)
}

// readLogical reads the n logical bytes starting at raw file offset loc,
// accounting for interleaved block markers.
func (s *Store) readLogical(loc, n uint64) ([]byte, error) {
	rawLen := s.frame.Length(loc, n)
	buf := s.bufPool.Get(int(rawLen))
	defer s.bufPool.Put(buf)

	read, _ := s.file.ReadAt(buf, int64(loc))
	if uint64(read) < rawLen {
		return nil, ErrTruncated
	}

	return s.frame.Decode(buf, loc), nil
}

// getRecord reads and deserializes the [kind][payload] record at loc,
// first discovering its length, then reading the whole logical span.
func (s *Store) getRecord(loc uint64) (kind byte, payload []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lenBytes, err := s.readLogical(loc, 4)
	if err != nil {
		return 0, nil, err
	}
	length, verr := varint.Uint32(lenBytes)
	if verr != nil || length == 0 {
		return 0, nil, ErrCorrupt
	}

	all, err := s.readLogical(loc, 4+uint64(length))
	if err != nil {
		return 0, nil, err
	}

	record := all[4:]
	return record[0], record[1:], nil
}

// GetNode reads and deserializes the node at loc.
func (s *Store) GetNode(loc uint64) (*node, error) {
	kind, payload, err := s.getRecord(loc)
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindLeaf, kindBranch:
		n, err := deserializeNode(kind, payload)
		if err != nil {
			return nil, ErrCorrupt
		}
		n.loc = loc
		return n, nil
	default:
		return nil, ErrCorrupt
	}
}

// GetValue reads the VALUE or TOMBSTONE record at loc, reporting which.
func (s *Store) GetValue(loc uint64) (value []byte, isTombstone bool, err error) {
	kind, payload, err := s.getRecord(loc)
	if err != nil {
		return nil, false, err
	}

	switch kind {
	case kindValue:
		return payload, false, nil
	case kindTombstone:
		return nil, true, nil
	default:
		return nil, false, ErrCorrupt
	}
}

// GetHeader reads and deserializes the header record at loc.
func (s *Store) GetHeader(loc uint64) (*Header, error) {
	kind, payload, err := s.getRecord(loc)
	if err != nil {
		return nil, err
	}
	if kind != kindHeaderRec {
		return nil, ErrCorrupt
	}
	return deserializeHeader(payload)
}

// LatestHeader locates the most recent HEADER by scanning backward one
// block at a time from end-of-file, recovering from torn tail writes by
// skipping any header candidate that fails to parse.
func (s *Store) LatestHeader() (*Header, uint64, error) {
	s.mu.RLock()
	eof := s.cursor
	s.mu.RUnlock()

	if eof == 0 {
		return nil, 0, nil
	}

	p := s.frame.LatestPossibleHeaderOffset(eof)

	for {
		marker, err := s.readMarkerByte(p)
		if err == nil && marker == blockHeader {
			if h, herr := s.GetHeader(p); herr == nil {
				return h, p, nil
			}
		}

		if p == 0 {
			return nil, 0, nil
		}
		p -= BlockSize
	}
}

func (s *Store) readMarkerByte(p uint64) (byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, 1)
	n, err := s.file.ReadAt(buf, int64(p))
	if n != 1 {
		if err != nil {
			return 0, err
		}
		return 0, ErrTruncated
	}
	return buf[0], nil
}

// reseatCursor re-derives the append cursor from true end-of-file after a
// failed write, per §7's IoError propagation policy.
func (s *Store) reseatCursor() {
	info, err := s.file.Stat()
	if err != nil {
		return
	}
	s.cursor = uint64(info.Size())
}

func (s *Store) ioFail(op string, cause error) error {
	return &StoreError{Op: op, Path: s.path, Err: errors.Join(ErrIoError, cause)}
}
