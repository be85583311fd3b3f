// Package engine holds the configuration, error, and key-encoding types
// shared by every other package in the module, so that pkg/page, pkg/txn
// and pkg/btree can depend on a single small leaf package instead of on
// each other.
package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidKeyLength is returned when a caller supplies a key whose length
// does not match Config.KeySize.
var ErrInvalidKeyLength = errors.New("engine: invalid key length")

// ErrInvalidValueLength is returned when a caller supplies a value larger
// than Config.MaxValueSize.
var ErrInvalidValueLength = errors.New("engine: invalid value length")

// ErrOutOfSpace is returned when the page substrate has exhausted its
// configured virtual capacity.
var ErrOutOfSpace = errors.New("engine: out of page space")

// ErrTransactionFinalized is returned when Commit or Rollback is called a
// second time, or when an operation is attempted on a transaction that has
// already finished.
var ErrTransactionFinalized = errors.New("engine: transaction already finalized")

// ErrNotFound is returned by lookups that find no entry for a key.
var ErrNotFound = errors.New("engine: key not found")

// PageNotFoundError reports a reference to a page index that was never
// allocated, or that has been reclaimed by vacuum.
type PageNotFoundError struct {
	ID uint64
}

func (e *PageNotFoundError) Error() string {
	return fmt.Sprintf("engine: page %d not found", e.ID)
}

// DeadlockError reports that a lock request on the named page could not be
// satisfied without completing a cycle in the wait-for graph maintained by
// the lock manager. It is also used, via CommitConflictError, for the
// distinct case of an optimistic write/write conflict discovered at commit
// time; callers treat both identically: roll back and retry.
type DeadlockError struct {
	ID       uint64
	atCommit bool
}

func (e *DeadlockError) Error() string {
	if e.atCommit {
		return fmt.Sprintf("engine: commit conflict on page %d", e.ID)
	}
	return fmt.Sprintf("engine: deadlock on page %d", e.ID)
}

// NewDeadlockError builds a DeadlockError for a lock-manager cycle.
func NewDeadlockError(id uint64) error {
	return &DeadlockError{ID: id}
}

// CommitConflictError is a thin, errors.Is/As-compatible alias of
// DeadlockError carrying the same page id. It exists only so that logging
// and metrics can tell a synchronous lock-cycle abort apart from an
// optimistic commit-time conflict; callers that only care about "can I
// retry this transaction" should match on *DeadlockError with errors.As,
// which also matches CommitConflictError through Unwrap.
type CommitConflictError struct {
	DeadlockError
}

// Unwrap exposes the embedded DeadlockError so errors.As(*DeadlockError)
// matches the commit-time variant too.
func (e *CommitConflictError) Unwrap() error { return &e.DeadlockError }

// NewCommitConflictError builds the commit-time variant of DeadlockError.
func NewCommitConflictError(id uint64) error {
	return &CommitConflictError{DeadlockError{ID: id, atCommit: true}}
}

// CorruptionError reports a page whose stored checksum does not match the
// checksum computed over its current bytes.
type CorruptionError struct {
	ID   uint64
	Want uint32
	Got  uint32
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("engine: page %d failed checksum verification (want %08x, got %08x)", e.ID, e.Want, e.Got)
}

// LockTimeoutError reports that a lock request exceeded Config.LockWaitTimeout.
type LockTimeoutError struct {
	ID uint64
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("engine: timed out waiting for a lock on page %d", e.ID)
}
