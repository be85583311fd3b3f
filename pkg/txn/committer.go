package txn

import (
	"sort"
	"time"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

// commitRequest and commitResponse carry one transaction's write set to
// the single committer goroutine, which drains a channel of these one at a
// time. No two transactions ever install versions concurrently, which is
// what makes the optimistic conflict check below race-free without a
// global lock held for the whole commit.
type commitRequest struct {
	tx       TxID
	writes   map[page.ID]*pendingWrite
	response chan commitResponse
}

type commitResponse struct {
	ts  uint64
	err error
}

// runCommitter is the body of the single committer goroutine started by
// NewManager. It never exits except via Manager.Close.
func (m *Manager) runCommitter() {
	for {
		select {
		case <-m.done:
			return
		case req := <-m.commits:
			start := time.Now()
			ts, err := m.doCommit(req)
			m.notifyCommit(req.tx, err, time.Since(start))
			req.response <- commitResponse{ts: ts, err: err}
		}
	}
}

// doCommit runs the conflict check and version install. Crucially, it
// overwrites each logical page's stable address *in place* with the
// transaction's new content: every interior/leaf pointer in the tree names
// a logical address once, at creation, and never again, so that address
// must always resolve to the live tip or every un-repointed parent/sibling
// reference would dangle the moment the page it names is superseded. The
// transaction's freshly allocated CoW page becomes the *historical*
// version, pushed onto the back of the chain via previous_version, instead
// of becoming the new tip itself.
//
// Write locks are acquired in a canonical order (lowest logical id first,
// avoiding commit-time lock-ordering deadlocks even though only one commit
// runs at a time, since readers can still hold read locks) before either
// the conflict check or the install runs.
func (m *Manager) doCommit(req *commitRequest) (uint64, error) {
	logicals := make([]page.ID, 0, len(req.writes))
	for logical := range req.writes {
		logicals = append(logicals, logical)
	}
	sort.Slice(logicals, func(i, j int) bool { return logicals[i] < logicals[j] })

	var guards []*page.ManagedGuard
	release := func() {
		for _, g := range guards {
			g.Release()
		}
	}

	for _, id := range logicals {
		g, err := m.locks.Acquire(req.tx, id, page.Write, m.cfg.LockWaitTimeout)
		if err != nil {
			release()
			return 0, err
		}
		guards = append(guards, g)
	}
	defer release()

	// First-committer-wins: a write/delete conflicts if the head it was
	// derived from is no longer the head seen at commit time, i.e. some
	// other transaction already installed a newer version in between.
	for _, logical := range logicals {
		w := req.writes[logical]
		if !w.base.Valid() {
			continue // brand-new page, nothing to conflict with
		}
		headRaw, err := m.rawFor(logical)
		if err != nil {
			return 0, err
		}
		if page.VisibleFrom(headRaw) != w.observedFrom {
			return 0, engine.NewCommitConflictError(uint64(logical))
		}
	}

	ts := m.clock.Add(1)

	for _, logical := range logicals {
		w := req.writes[logical]

		if w.deleted {
			headRaw, err := m.rawFor(logical)
			if err != nil {
				return 0, err
			}
			page.SetVisibleUntil(headRaw, ts)
			page.Seal(headRaw)
			continue
		}

		if !w.base.Valid() {
			// Brand-new logical page (Reserve/insert): logical == w.copy,
			// there is no predecessor to push into history.
			copyRaw, err := m.rawFor(w.copy)
			if err != nil {
				return 0, err
			}
			page.SetVisibleFrom(copyRaw, ts)
			page.Seal(copyRaw)
			if lock, err := m.lockFor(w.copy); err == nil {
				lock.MarkInitialized()
			}
			continue
		}

		headRaw, err := m.rawFor(logical)
		if err != nil {
			return 0, err
		}
		copyRaw, err := m.rawFor(w.copy)
		if err != nil {
			return 0, err
		}

		oldVisibleFrom := page.VisibleFrom(headRaw)
		oldPrevVersion := page.PreviousVersion(headRaw)

		*headRaw, *copyRaw = *copyRaw, *headRaw

		page.SetVisibleFrom(headRaw, ts)
		page.SetVisibleUntil(headRaw, page.Forever)
		page.SetNextVersion(headRaw, page.None)
		page.SetPreviousVersion(headRaw, w.copy)
		page.Seal(headRaw)

		page.SetVisibleFrom(copyRaw, oldVisibleFrom)
		page.SetVisibleUntil(copyRaw, ts)
		page.SetNextVersion(copyRaw, logical)
		page.SetPreviousVersion(copyRaw, oldPrevVersion)
		page.Seal(copyRaw)

		// The historical predecessor is not covered by the logical
		// page's write lock, and an old-snapshot reader may hold a read
		// guard on it right now, so its next_version relink takes the
		// page's own lock for the duration of the mutation.
		if oldPrevVersion.Valid() {
			if prevRaw, err := m.rawFor(oldPrevVersion); err == nil {
				if prevLock, err := m.lockFor(oldPrevVersion); err == nil {
					if lockErr := prevLock.LockWrite(oldPrevVersion, m.cfg.LockWaitTimeout); lockErr == nil {
						page.SetNextVersion(prevRaw, w.copy)
						page.Seal(prevRaw)
						prevLock.UnlockWrite()
					}
				}
			}
		}

		if lock, err := m.lockFor(w.copy); err == nil {
			lock.MarkInitialized()
		}
	}

	return ts, nil
}

func (m *Manager) rawFor(id page.ID) (*page.Raw, error) {
	raw, _, err := m.block.Get(id)
	return raw, err
}

func (m *Manager) lockFor(id page.ID) (*page.Lock, error) {
	return m.block.LockFor(id)
}
