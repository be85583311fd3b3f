package page

import (
	"sync/atomic"
	"time"

	"github.com/nainya/xkv/pkg/engine"
)

// Lock is the per-page state word: a single atomic uint32 packing
// "initialized", "has writer", and "reader count", plus a platform
// notifier used to sleep instead of spin while contended.
type Lock struct {
	word     atomic.Uint32
	notifier notifier
}

const (
	bitInitialized = uint32(1) << 31
	bitWriter      = uint32(1) << 30
	maskReaders    = uint32(0x0000FFFF)
)

// upgradeWarnThreshold is how long an upgrade may wait for the last
// reader to leave before the wait is reported through the warn callback.
const upgradeWarnThreshold = 100 * time.Millisecond

// NewLock returns a freshly initialized, unlocked Lock.
func NewLock() *Lock {
	return &Lock{notifier: newNotifier()}
}

// MarkInitialized sets the is_initialized bit. It is idempotent.
func (l *Lock) MarkInitialized() {
	for {
		old := l.word.Load()
		if old&bitInitialized != 0 {
			return
		}
		if l.word.CompareAndSwap(old, old|bitInitialized) {
			return
		}
	}
}

// MarkUninitialized clears the is_initialized bit, used when a page is
// reclaimed by vacuum and returned to the freemap.
func (l *Lock) MarkUninitialized() {
	for {
		old := l.word.Load()
		if old&bitInitialized == 0 {
			return
		}
		if l.word.CompareAndSwap(old, old&^bitInitialized) {
			return
		}
	}
}

// IsInitialized reports whether MarkInitialized has been called since the
// last MarkUninitialized.
func (l *Lock) IsInitialized() bool {
	return l.word.Load()&bitInitialized != 0
}

// LockRead blocks until no writer holds the page, then registers one more
// reader. It returns a LockTimeoutError if timeout elapses first (timeout
// <= 0 means wait indefinitely).
func (l *Lock) LockRead(id ID, timeout time.Duration) error {
	deadline := deadlineFor(timeout)
	for {
		old := l.word.Load()
		if old&bitWriter == 0 {
			readers := old & maskReaders
			next := (old &^ maskReaders) | (readers + 1)
			if l.word.CompareAndSwap(old, next) {
				return nil
			}
			continue
		}
		if !l.wait(old, deadline) {
			return &engine.LockTimeoutError{ID: uint64(id)}
		}
	}
}

// UnlockRead releases one reader.
func (l *Lock) UnlockRead() {
	for {
		old := l.word.Load()
		readers := old & maskReaders
		next := (old &^ maskReaders) | (readers - 1)
		if l.word.CompareAndSwap(old, next) {
			l.notifier.wake(&l.word)
			return
		}
	}
}

// LockWrite blocks until no reader or writer holds the page, then marks it
// write-locked.
func (l *Lock) LockWrite(id ID, timeout time.Duration) error {
	deadline := deadlineFor(timeout)
	for {
		old := l.word.Load()
		if old&bitWriter == 0 && old&maskReaders == 0 {
			if l.word.CompareAndSwap(old, old|bitWriter) {
				return nil
			}
			continue
		}
		if !l.wait(old, deadline) {
			return &engine.LockTimeoutError{ID: uint64(id)}
		}
	}
}

// UnlockWrite releases the write lock.
func (l *Lock) UnlockWrite() {
	for {
		old := l.word.Load()
		next := old &^ bitWriter
		if l.word.CompareAndSwap(old, next) {
			l.notifier.wake(&l.word)
			return
		}
	}
}

// Upgrade converts the caller's single read lock into a write lock,
// waiting for any other concurrent readers to leave first. A wait longer
// than upgradeWarnThreshold is reported through the warn callback
// (normally wired to internal/telemetry) rather than silently retried
// forever.
func (l *Lock) Upgrade(id ID, timeout time.Duration, warn func(time.Duration)) error {
	deadline := deadlineFor(timeout)
	start := time.Now()
	warned := false
	for {
		old := l.word.Load()
		if old&bitWriter == 0 && old&maskReaders == 1 {
			next := (old &^ maskReaders) | bitWriter
			if l.word.CompareAndSwap(old, next) {
				return nil
			}
			continue
		}
		if !warned && warn != nil && time.Since(start) > upgradeWarnThreshold {
			warn(time.Since(start))
			warned = true
		}
		if !l.wait(old, deadline) {
			return &engine.LockTimeoutError{ID: uint64(id)}
		}
	}
}

func (l *Lock) wait(expect uint32, deadline time.Time) bool {
	var remaining time.Duration
	if !deadline.IsZero() {
		remaining = time.Until(deadline)
		if remaining <= 0 {
			return false
		}
	}
	return l.notifier.wait(&l.word, expect, remaining)
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
