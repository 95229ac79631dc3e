package cubby

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds named in the storage engine's
// external interface. Callers branch on these with errors.Is; background
// tasks (Compactor, CatchUp, CleanUp) wrap the underlying cause in a
// *StoreError so the offending file/operation survives in the message.
var (
	// ErrIoError marks a failure in an underlying filesystem operation
	// (ENOSPC, permission, short write). The write cursor is reseated to
	// true end-of-file before this is returned so later writes don't diverge.
	ErrIoError = errors.New("cubby: io error")

	// ErrCorrupt marks a node or header that failed to deserialize.
	ErrCorrupt = errors.New("cubby: corrupt record")

	// ErrTruncated marks a read that ran past end-of-file.
	ErrTruncated = errors.New("cubby: truncated read")

	// ErrAlreadyExists is returned by InsertNew/PutNew when the key is
	// already mapped to a live value.
	ErrAlreadyExists = errors.New("cubby: key already exists")

	// ErrNotEmpty is returned by BulkLoad when the target store already
	// holds data.
	ErrNotEmpty = errors.New("cubby: store is not empty")

	// ErrPendingCompaction is returned by Compact while a compaction is
	// already in flight.
	ErrPendingCompaction = errors.New("cubby: compaction already in progress")

	// ErrNoCompactionRunning is returned by HaltCompaction when nothing is
	// running.
	ErrNoCompactionRunning = errors.New("cubby: no compaction running")

	// ErrExpiredSnapshot is returned when a snapshot's ttl has elapsed and
	// a caller tries to read through it anyway.
	ErrExpiredSnapshot = errors.New("cubby: snapshot expired")

	// ErrInvalidTransaction is returned by Refetch when it is given a nil
	// transaction or snapshot. A Tx used after its Transaction callback has
	// returned is not detected and does not produce this error.
	ErrInvalidTransaction = errors.New("cubby: invalid transaction")

	// ErrAlreadyInUse is returned by Open/Store.create when another Store
	// in this process (or another process, via the advisory file lock)
	// already holds the data file.
	ErrAlreadyInUse = errors.New("cubby: file already in use")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("cubby: engine is closed")
)

// StoreError wraps one of the sentinel errors above with the operation and
// path that triggered it, the way a production storage engine would so a
// log line is enough to diagnose a failure without a debugger attached.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cubby: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cubby: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func wrapIoErr(op, path string, cause error) error {
	return &StoreError{Op: op, Path: path, Err: errors.Join(ErrIoError, cause)}
}
