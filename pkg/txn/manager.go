// Package txn implements the MVCC transaction layer: resolving a logical
// page reference to the version visible at a given snapshot, copy-on-write
// transactions, the single-committer pipeline that installs new versions,
// and the active-snapshot tracker vacuum consults to know what is safe to
// reclaim.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

// WarnFunc is called when a lock wait exceeds the upgrade warning
// threshold; Manager hands it to the page lock manager, and cmd/xkv wires
// it to internal/telemetry.
type WarnFunc func(id page.ID, waited time.Duration)

// Manager owns the page substrate, the lock manager, the freemap, the
// commit pipeline, and the active-snapshot tracker. It is the thing
// pkg/btree.Tree holds to turn key/value operations into page-level
// transactions.
type Manager struct {
	cfg    engine.Config
	block  *page.Block
	locks  *page.LockManager
	free   *page.Freemap
	clock  atomic.Uint64 // latest issued commit timestamp
	nextTx atomic.Uint64

	mu        sync.Mutex
	snapshots *snapshotTracker

	commits  chan *commitRequest
	done     chan struct{}
	onCommit atomic.Value // commitObserver
}

// commitObserver receives the outcome of every commit request, used by
// internal/telemetry to record latency and conflict counters.
type commitObserver func(tx TxID, err error, elapsed time.Duration)

// SetCommitObserver installs f as the per-commit callback. Passing nil
// removes a previously installed observer.
func (m *Manager) SetCommitObserver(f func(tx TxID, err error, elapsed time.Duration)) {
	m.onCommit.Store(commitObserver(f))
}

func (m *Manager) notifyCommit(tx TxID, err error, elapsed time.Duration) {
	if f, ok := m.onCommit.Load().(commitObserver); ok && f != nil {
		f(tx, err, elapsed)
	}
}

// NewManager constructs a Manager. warn, if non-nil, receives long-lock-wait
// notifications.
func NewManager(cfg engine.Config, warn WarnFunc) *Manager {
	block := page.NewBlock(cfg.BlockVirtualSize)
	var pwarn func(page.ID, time.Duration)
	if warn != nil {
		pwarn = func(id page.ID, d time.Duration) { warn(id, d) }
	}
	m := &Manager{
		cfg:       cfg,
		block:     block,
		locks:     page.NewLockManager(block, pwarn),
		free:      page.NewFreemap(block.Capacity()),
		snapshots: newSnapshotTracker(),
		commits:   make(chan *commitRequest, cfg.CommitChannelCapacity),
		done:      make(chan struct{}),
	}
	m.clock.Store(1) // timestamp 0 is reserved for "genesis"
	go m.runCommitter()
	return m
}

// Close stops the committer goroutine. It must only be called once all
// transactions have finished.
func (m *Manager) Close() {
	close(m.done)
}

// Block exposes the underlying page substrate to pkg/btree for direct
// reads of already-resolved pages and to pkg/vacuum for reclamation.
func (m *Manager) Block() *page.Block { return m.block }

// Freemap exposes the freemap to pkg/vacuum.
func (m *Manager) Freemap() *page.Freemap { return m.free }

// Config returns the engine configuration this manager was built with.
func (m *Manager) Config() engine.Config { return m.cfg }

// MinActiveSnapshot reports the oldest snapshot timestamp still held by a
// live transaction, used by pkg/vacuum to decide what is safe to reclaim.
func (m *Manager) MinActiveSnapshot() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots.min()
}

// ActiveTransactions reports how many transactions are currently open.
func (m *Manager) ActiveTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots.len()
}

// allocate hands back a page slot for a new version: first trying to reuse
// one vacuum or a rolled-back transaction returned to the freemap, falling
// back to growing the block. Without this, pkg/vacuum's reclamation would
// be write-only -- freed slots would accumulate in the freemap but never
// be handed out again, and the block would grow without bound.
func (m *Manager) allocate() (page.ID, *page.Raw, error) {
	if reused := m.free.FindAndUnset(1); len(reused) == 1 {
		id := page.ID(reused[0])
		if raw, _, err := m.block.Get(id); err == nil {
			page.SetFlags(raw, 0)
			return id, raw, nil
		}
	}
	return m.block.Allocate()
}

// Resolve walks the version chain starting at start to find the page
// version visible at snapshot ts, hopping forward through next_version or
// backward through previous_version as needed. This is the core MVCC
// lookup: any stale pointer into the chain resolves to the correct version
// without a separate "current version" table.
func (m *Manager) Resolve(start page.ID, ts uint64) (page.ID, *page.Raw, error) {
	cur := start
	for i := 0; ; i++ {
		if i > 10_000 {
			// A version chain this long indicates vacuum has fallen
			// far behind or a bug produced a cycle; fail loudly
			// rather than loop forever.
			return page.None, nil, &engine.PageNotFoundError{ID: uint64(start)}
		}
		raw, _, err := m.block.Get(cur)
		if err != nil {
			return page.None, nil, err
		}
		if page.IsVisibleAt(raw, ts) {
			return cur, raw, nil
		}
		if ts >= page.VisibleUntil(raw) && page.NextVersion(raw).Valid() {
			cur = page.NextVersion(raw)
			continue
		}
		if ts < page.VisibleFrom(raw) && page.PreviousVersion(raw).Valid() {
			cur = page.PreviousVersion(raw)
			continue
		}
		return page.None, nil, &engine.PageNotFoundError{ID: uint64(start)}
	}
}
