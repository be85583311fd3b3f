package page

import (
	"sync"
	"time"

	"github.com/nainya/xkv/pkg/engine"
)

// Kind distinguishes the three lock modes a transaction can request on a
// page.
type Kind int

const (
	Read Kind = iota
	Write
	Upgrade
)

// TxID identifies the transaction asking for a lock, purely for wait-for
// graph bookkeeping; pkg/txn supplies a monotonically increasing id.
type TxID uint64

// ManagedGuard releases a lock acquired through LockManager.Acquire when
// Release is called, removing it from both the manager's bookkeeping and
// the physical Lock word.
type ManagedGuard struct {
	mgr  *LockManager
	tx   TxID
	page ID
	kind Kind
}

// Release unlocks both the lock manager's bookkeeping and the physical
// page Lock. It is safe to call at most once.
func (g *ManagedGuard) Release() {
	g.mgr.release(g.tx, g.page, g.kind)
}

// LockManager layers wait-for-graph deadlock detection on top of the
// physical per-page Lock words in a Block: a request that would have to
// wait on a cycle of transactions fails immediately instead of blocking.
type LockManager struct {
	block *Block
	warn  func(page ID, waited time.Duration)

	mu      sync.Mutex
	holders map[ID]*holderSet      // page -> who holds it and how
	waitsOn map[TxID]map[TxID]bool // tx -> set of txs it is waiting on
	heldBy  map[TxID]map[ID]Kind   // tx -> pages it holds, and how
}

type holderSet struct {
	readers map[TxID]bool
	writer  TxID
	hasW    bool
}

// NewLockManager builds a LockManager over block. warn, if non-nil, is
// called when an Upgrade wait exceeds the upgrade warning threshold; it is
// normally wired to internal/telemetry.
func NewLockManager(block *Block, warn func(page ID, waited time.Duration)) *LockManager {
	return &LockManager{
		block:   block,
		warn:    warn,
		holders: make(map[ID]*holderSet),
		waitsOn: make(map[TxID]map[TxID]bool),
		heldBy:  make(map[TxID]map[ID]Kind),
	}
}

// Acquire requests a lock of the given kind on page for tx. It first
// checks whether granting the request, if it must block, would close a
// cycle in the wait-for graph; if so it returns an *engine.DeadlockError
// immediately instead of blocking. Otherwise it blocks on the physical
// Lock (which may itself time out per Config.LockWaitTimeout).
func (m *LockManager) Acquire(tx TxID, id ID, kind Kind, timeout time.Duration) (*ManagedGuard, error) {
	if err := m.checkAndRegisterWait(tx, id, kind); err != nil {
		return nil, err
	}

	lock, err := m.block.LockFor(id)
	if err != nil {
		m.clearWait(tx)
		return nil, err
	}

	switch kind {
	case Read:
		err = lock.LockRead(id, timeout)
	case Write:
		err = lock.LockWrite(id, timeout)
	case Upgrade:
		err = lock.Upgrade(id, timeout, func(waited time.Duration) {
			if m.warn != nil {
				m.warn(id, waited)
			}
		})
	}

	m.mu.Lock()
	m.clearWaitLocked(tx)
	if err == nil {
		m.addHolderLocked(tx, id, kind)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &ManagedGuard{mgr: m, tx: tx, page: id, kind: kind}, nil
}

func (m *LockManager) release(tx TxID, id ID, kind Kind) {
	m.mu.Lock()
	m.removeHolderLocked(tx, id, kind)
	m.mu.Unlock()

	lock, err := m.block.LockFor(id)
	if err != nil {
		return
	}
	switch kind {
	case Read:
		lock.UnlockRead()
	case Write, Upgrade:
		lock.UnlockWrite()
	}
}

// checkAndRegisterWait adds an edge from tx to every current conflicting
// holder of id, runs cycle detection, and either records the wait (so
// other transactions' checks can see it) or rejects the request outright.
func (m *LockManager) checkAndRegisterWait(tx TxID, id ID, kind Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	holders, ok := m.holders[id]
	if !ok {
		return nil
	}

	var conflicts []TxID
	switch kind {
	case Read:
		if holders.hasW && holders.writer != tx {
			conflicts = append(conflicts, holders.writer)
		}
	case Write, Upgrade:
		if holders.hasW && holders.writer != tx {
			conflicts = append(conflicts, holders.writer)
		}
		for r := range holders.readers {
			if r != tx {
				conflicts = append(conflicts, r)
			}
		}
	}
	if len(conflicts) == 0 {
		return nil
	}

	if m.waitsOn[tx] == nil {
		m.waitsOn[tx] = make(map[TxID]bool)
	}
	for _, c := range conflicts {
		m.waitsOn[tx][c] = true
	}

	if m.hasCycleLocked(tx) {
		for _, c := range conflicts {
			delete(m.waitsOn[tx], c)
		}
		return engine.NewDeadlockError(uint64(id))
	}
	return nil
}

func (m *LockManager) hasCycleLocked(start TxID) bool {
	visited := make(map[TxID]bool)
	var dfs func(TxID) bool
	dfs = func(tx TxID) bool {
		if tx == start && visited[tx] {
			return true
		}
		if visited[tx] {
			return false
		}
		visited[tx] = true
		for next := range m.waitsOn[tx] {
			if next == start {
				return true
			}
			if dfs(next) {
				return true
			}
		}
		return false
	}
	for next := range m.waitsOn[start] {
		if next == start || dfs(next) {
			return true
		}
	}
	return false
}

func (m *LockManager) clearWait(tx TxID) {
	m.mu.Lock()
	m.clearWaitLocked(tx)
	m.mu.Unlock()
}

func (m *LockManager) clearWaitLocked(tx TxID) {
	delete(m.waitsOn, tx)
}

func (m *LockManager) addHolderLocked(tx TxID, id ID, kind Kind) {
	h, ok := m.holders[id]
	if !ok {
		h = &holderSet{readers: make(map[TxID]bool)}
		m.holders[id] = h
	}
	switch kind {
	case Read:
		h.readers[tx] = true
	case Write, Upgrade:
		h.writer = tx
		h.hasW = true
		delete(h.readers, tx)
	}
	if m.heldBy[tx] == nil {
		m.heldBy[tx] = make(map[ID]Kind)
	}
	m.heldBy[tx][id] = kind
}

func (m *LockManager) removeHolderLocked(tx TxID, id ID, kind Kind) {
	h, ok := m.holders[id]
	if ok {
		switch kind {
		case Read:
			delete(h.readers, tx)
		case Write, Upgrade:
			if h.writer == tx {
				h.hasW = false
			}
		}
		if !h.hasW && len(h.readers) == 0 {
			delete(m.holders, id)
		}
	}
	delete(m.heldBy[tx], id)
}
