package txn

import (
	"errors"
	"runtime"
	"sync"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

// pendingWrite records a copy-on-write page the transaction has produced:
// base is the page version it was copied from (None for a brand-new page
// with no predecessor), copy is the freshly allocated page holding the new
// content, and deleted marks a write that terminates the chain instead of
// extending it.
type pendingWrite struct {
	base    page.ID
	copy    page.ID
	deleted bool

	// observedFrom is the visible_from timestamp of the version this
	// write/delete forked from, captured at Write/Delete time. The
	// committer compares it against the current head's visible_from at
	// the same logical address to detect a first-committer-wins
	// conflict: if they differ, someone else installed a newer version
	// of this logical page after this transaction read it.
	observedFrom uint64
}

// Transaction is a single copy-on-write MVCC transaction. Callers must
// finish it with exactly one of Commit or Rollback; a transaction that is
// garbage collected without either is rolled back by a runtime finalizer
// (see finalize below), so an abandoned transaction's pages return to the
// freemap and its snapshot stops holding back vacuum.
type Transaction struct {
	mgr       *Manager
	id        TxID
	snapshot  uint64
	snapEntry *snapshotEntry

	mu        sync.Mutex
	writes    map[page.ID]*pendingWrite
	finalized bool
}

// TxID re-exports page.TxID so callers of pkg/txn never need to import
// pkg/page just to spell the lock-manager's transaction identifier.
type TxID = page.TxID

// Begin starts a new transaction with a snapshot at the manager's current
// commit timestamp.
func (m *Manager) Begin() *Transaction {
	id := TxID(m.nextTx.Add(1))
	ts := m.clock.Load()

	m.mu.Lock()
	entry := m.snapshots.register(ts)
	m.mu.Unlock()

	tx := &Transaction{
		mgr:       m,
		id:        id,
		snapshot:  ts,
		snapEntry: entry,
		writes:    make(map[page.ID]*pendingWrite),
	}
	runtime.SetFinalizer(tx, (*Transaction).finalize)
	return tx
}

// finalize is the rollback-on-drop safety net, registered in Begin and
// cleared by Commit/Rollback the way os.File arranges fd cleanup. A
// transaction that becomes unreachable without being finished is rolled
// back here: its copy-on-write pages go back to the freemap and its
// snapshot entry is unregistered, so one forgotten Rollback cannot stall
// vacuum for the rest of the process.
func (tx *Transaction) finalize() {
	tx.mu.Lock()
	done := tx.finalized
	tx.mu.Unlock()
	if done {
		return
	}
	abandonedTxWarn(tx.id)
	tx.Rollback()
}

// Snapshot returns the timestamp this transaction reads at.
func (tx *Transaction) Snapshot() uint64 { return tx.snapshot }

// ID returns the transaction's lock-manager identifier.
func (tx *Transaction) ID() TxID { return tx.id }

// maxResolveRetries bounds how many times a read re-walks the version
// chain after losing a race with a concurrent commit before giving up.
const maxResolveRetries = 64

// readCommitted resolves start to the version visible at this
// transaction's snapshot and returns a consistent copy of its bytes. The
// chain walk itself is lock-free, so the result is re-validated (and its
// checksum verified) under a read guard; a commit landing between the walk
// and the guard shows up as a visibility mismatch and simply restarts the
// walk.
func (tx *Transaction) readCommitted(start page.ID) (page.ID, page.Raw, error) {
	for attempt := 0; attempt < maxResolveRetries; attempt++ {
		resolved, _, err := tx.mgr.Resolve(start, tx.snapshot)
		if err != nil {
			// A concurrent commit can tear the lock-free walk; retry
			// before concluding the version genuinely does not exist.
			var notFound *engine.PageNotFoundError
			if errors.As(err, &notFound) {
				continue
			}
			return page.None, page.Raw{}, err
		}

		guard, err := tx.mgr.locks.Acquire(tx.id, resolved, page.Read, tx.mgr.cfg.LockWaitTimeout)
		if err != nil {
			return page.None, page.Raw{}, err
		}
		raw, lock, err := tx.mgr.block.Get(resolved)
		if err != nil {
			guard.Release()
			return page.None, page.Raw{}, err
		}
		if !page.IsVisibleAt(raw, tx.snapshot) {
			guard.Release()
			continue
		}
		if lock.IsInitialized() {
			if err := page.Verify(resolved, raw); err != nil {
				guard.Release()
				return page.None, page.Raw{}, err
			}
		}
		out := *raw
		guard.Release()
		return resolved, out, nil
	}
	return page.None, page.Raw{}, &engine.PageNotFoundError{ID: uint64(start)}
}

// Read resolves start to the page version visible at this transaction's
// snapshot and returns a torn-read-free copy together with the physical id
// it was found at. A page already written by this transaction reads back
// its own copy-on-write content.
func (tx *Transaction) Read(start page.ID) (page.ID, page.Raw, error) {
	tx.mu.Lock()
	if w, ok := tx.writes[start]; ok && !w.deleted {
		raw, _, err := tx.mgr.block.Get(w.copy)
		tx.mu.Unlock()
		if err != nil {
			return page.None, page.Raw{}, err
		}
		return w.copy, *raw, nil
	}
	tx.mu.Unlock()

	return tx.readCommitted(start)
}

// Write resolves start to its currently visible version and returns a
// fresh copy-on-write copy the caller may mutate in place; the same
// logical page written twice within one transaction returns the same copy.
func (tx *Transaction) Write(start page.ID) (page.ID, *page.Raw, error) {
	tx.mu.Lock()
	if w, ok := tx.writes[start]; ok {
		copyID := w.copy
		tx.mu.Unlock()
		raw, _, err := tx.mgr.block.Get(copyID)
		if err != nil {
			return page.None, nil, err
		}
		return copyID, raw, nil
	}
	tx.mu.Unlock()

	base, baseRaw, err := tx.readCommitted(start)
	if err != nil {
		return page.None, nil, err
	}
	observedFrom := page.VisibleFrom(&baseRaw)

	copyID, copyRaw, err := tx.mgr.allocate()
	if err != nil {
		return page.None, nil, err
	}
	*copyRaw = baseRaw
	page.InitVersionHeader(copyRaw)

	tx.mu.Lock()
	tx.writes[start] = &pendingWrite{base: base, copy: copyID, observedFrom: observedFrom}
	tx.mu.Unlock()

	return copyID, copyRaw, nil
}

// Reserve allocates a brand-new page with no predecessor, for growing the
// tree (a new root, a new sibling after a split, ...). The logical key
// used to track it is the freshly allocated physical id itself, since
// there is no prior version to key off of.
func (tx *Transaction) Reserve() (page.ID, *page.Raw, error) {
	id, raw, err := tx.mgr.allocate()
	if err != nil {
		return page.None, nil, err
	}
	page.InitVersionHeader(raw)

	tx.mu.Lock()
	tx.writes[id] = &pendingWrite{base: page.None, copy: id}
	tx.mu.Unlock()

	return id, raw, nil
}

// Insert reserves a fresh page and fills its payload in one step.
func (tx *Transaction) Insert(payload []byte) (page.ID, error) {
	id, raw, err := tx.Reserve()
	if err != nil {
		return page.None, err
	}
	copy(page.Payload(raw), payload)
	return id, nil
}

// InsertReserved fills the payload of a page previously handed out by
// Reserve in this transaction.
func (tx *Transaction) InsertReserved(id page.ID, payload []byte) error {
	tx.mu.Lock()
	w, ok := tx.writes[id]
	tx.mu.Unlock()
	if !ok || w.deleted {
		return &engine.PageNotFoundError{ID: uint64(id)}
	}
	raw, _, err := tx.mgr.block.Get(w.copy)
	if err != nil {
		return err
	}
	copy(page.Payload(raw), payload)
	return nil
}

// Delete terminates the version chain rooted at start: at commit the
// currently visible version's visible_until is set and no successor is
// linked, making the page eligible for vacuum once no live snapshot can
// still see it.
func (tx *Transaction) Delete(start page.ID) error {
	tx.mu.Lock()
	if prev, ok := tx.writes[start]; ok {
		if !prev.base.Valid() {
			// Deleting a page this same transaction reserved: it was
			// never visible outside, so just un-reserve it.
			delete(tx.writes, start)
			tx.mu.Unlock()
			tx.freeCopy(prev.copy)
			return nil
		}
		// Superseding an earlier write with a delete strands that
		// write's copy; recycle it now rather than at rollback.
		if !prev.deleted && prev.copy.Valid() {
			tx.freeCopy(prev.copy)
		}
	}
	tx.mu.Unlock()

	base, baseRaw, err := tx.readCommitted(start)
	if err != nil {
		return err
	}
	tx.mu.Lock()
	tx.writes[start] = &pendingWrite{base: base, copy: page.None, deleted: true, observedFrom: page.VisibleFrom(&baseRaw)}
	tx.mu.Unlock()
	return nil
}

// freeCopy returns one private copy-on-write page to the freemap.
func (tx *Transaction) freeCopy(id page.ID) {
	if !id.Valid() {
		return
	}
	if raw, lock, err := tx.mgr.block.Get(id); err == nil {
		lock.MarkUninitialized()
		page.SetFlags(raw, page.FlagFree)
	}
	tx.mgr.free.Set(uint64(id))
}

// Commit sends the transaction's write set to the single committer
// goroutine and blocks for its verdict. On success it returns the
// timestamp the writes became visible at; on failure the transaction's
// copy-on-write pages are returned to the freemap, exactly as a rollback
// would, so a conflicting commit never leaks pages.
func (tx *Transaction) Commit() (uint64, error) {
	tx.mu.Lock()
	if tx.finalized {
		tx.mu.Unlock()
		return 0, engine.ErrTransactionFinalized
	}
	tx.finalized = true
	writes := make(map[page.ID]*pendingWrite, len(tx.writes))
	for k, v := range tx.writes {
		writes[k] = v
	}
	tx.mu.Unlock()

	runtime.SetFinalizer(tx, nil)
	tx.unregisterSnapshot()

	if len(writes) == 0 {
		return tx.snapshot, nil
	}

	req := &commitRequest{
		tx:       tx.id,
		writes:   writes,
		response: make(chan commitResponse, 1),
	}
	tx.mgr.commits <- req
	resp := <-req.response
	if resp.err != nil {
		// The committer rejects before installing anything, so every
		// copy is still private and safe to recycle.
		tx.discard(writes)
	}
	return resp.ts, resp.err
}

// Rollback discards every page this transaction allocated, returning them
// to the freemap, and unregisters its snapshot. It is always safe to call,
// including after Commit (a no-op in that case).
func (tx *Transaction) Rollback() {
	tx.mu.Lock()
	if tx.finalized {
		tx.mu.Unlock()
		return
	}
	tx.finalized = true
	writes := tx.writes
	tx.mu.Unlock()

	runtime.SetFinalizer(tx, nil)
	tx.unregisterSnapshot()

	tx.discard(writes)
}

// discard returns every copy-on-write page in writes to the freemap.
func (tx *Transaction) discard(writes map[page.ID]*pendingWrite) {
	for _, w := range writes {
		if w.deleted {
			continue
		}
		tx.freeCopy(w.copy)
	}
}

func (tx *Transaction) unregisterSnapshot() {
	tx.mgr.mu.Lock()
	tx.mgr.snapshots.unregister(tx.snapEntry)
	tx.mgr.mu.Unlock()
}

// abandonedTxWarn is a package-level hook internal/telemetry overrides at
// startup; it defaults to a no-op so pkg/txn has no hard logging
// dependency.
var abandonedTxWarn = func(TxID) {}

// SetAbandonedTxWarning installs the callback invoked just before the
// finalizer rolls back a transaction that was garbage collected without
// Commit or Rollback having been called.
func SetAbandonedTxWarning(f func(TxID)) {
	if f == nil {
		f = func(TxID) {}
	}
	abandonedTxWarn = f
}
