// Package vacuum reclaims page versions that have been superseded and can
// no longer be observed by any active transaction, returning their
// physical slots to the freemap. A pausable background scheduler drives
// passes off either a page-allocation threshold or a timer (see
// scheduler.go).
package vacuum

import (
	"time"

	"github.com/nainya/xkv/pkg/page"
	"github.com/nainya/xkv/pkg/txn"
)

// Stats summarizes one vacuum pass, surfaced through internal/telemetry.
type Stats struct {
	Scanned   int
	Reclaimed int
}

// Reclaimer is implemented by anything that can tell vacuum which pages to
// examine, so a superseded version chain link can be walked and freed.
// pkg/btree.Tree implements this by listing every page id its block has
// handed out so far.
type Reclaimer interface {
	// AllocatedPages returns every physical page id the tree has ever
	// allocated, in no particular order. Vacuum walks each one's
	// version chain independently; pages with no superseded
	// predecessors are left untouched.
	AllocatedPages() []page.ID
}

// lockPatience bounds how long vacuum waits for any single page lock. A
// page that is busy right now is simply left for the next pass; the
// bounded wait also breaks any potential lock-order cycle with the
// committer, which takes its locks in a different order.
const lockPatience = 10 * time.Millisecond

// Run performs a single vacuum pass: every page whose visible_until is set
// (i.e. it is not the live head of its logical page, per page.IsHead) and
// before the oldest active snapshot is unlinked from its version
// chain and returned to the freemap.
//
// Reclaim eligibility depends only on a page's own visible_until, not on
// whether it happens to have a next_version link: the committer (see
// committer.go) always keeps the live tip physically at the logical
// address every interior/leaf pointer in the tree names, so a superseded
// version is either a historical page with a next_version pointing at
// whatever replaced it, or the terminal version of a deleted logical page
// with no next_version at all. Both must be reclaimable, or deletes would
// leak their page forever. Each reclaimed page's neighbours are relinked
// around it (prev.next = next, next.prev = prev) so the surviving chain
// stays contiguous; if removing a terminal (deleted) page leaves its own
// previous_version dangling, that ancestor's own visible_until is, by
// chain contiguity, no later than the page just reclaimed -- it
// independently qualifies on its own fields and is reclaimed the same pass
// (or the next one), not lost.
//
// Every mutation happens under the affected page's write lock, so a
// transaction holding a read guard on a historical version never observes
// a page being unlinked underneath it.
func Run(mgr *txn.Manager, reclaimer Reclaimer) Stats {
	minSnap, hasActive := mgr.MinActiveSnapshot()
	block := mgr.Block()
	free := mgr.Freemap()

	stats := Stats{}
	for _, id := range reclaimer.AllocatedPages() {
		stats.Scanned++
		raw, lock, err := block.Get(id)
		if err != nil || !lock.IsInitialized() {
			continue
		}
		if lock.LockWrite(id, lockPatience) != nil {
			continue
		}
		// Re-check eligibility under the lock; a commit may have landed
		// between the scan and the acquisition.
		if !lock.IsInitialized() || page.IsHead(raw) || (hasActive && page.VisibleUntil(raw) >= minSnap) {
			lock.UnlockWrite()
			continue
		}
		if !relinkNeighbours(block, raw) {
			lock.UnlockWrite()
			continue
		}
		page.SetFlags(raw, page.FlagFree)
		lock.MarkUninitialized()
		lock.UnlockWrite()
		free.Set(uint64(id))
		stats.Reclaimed++
	}
	return stats
}

// relinkNeighbours splices the page out of its version chain, taking each
// neighbour's write lock for the pointer update. Returns false if a
// neighbour was too contended to lock in time; the caller then skips the
// page and a later pass retries (the relink is idempotent).
func relinkNeighbours(block *page.Block, raw *page.Raw) bool {
	prev := page.PreviousVersion(raw)
	next := page.NextVersion(raw)

	if next.Valid() {
		nraw, nlock, err := block.Get(next)
		if err == nil {
			if nlock.LockWrite(next, lockPatience) != nil {
				return false
			}
			page.SetPreviousVersion(nraw, prev)
			page.Seal(nraw)
			nlock.UnlockWrite()
		}
	}
	if prev.Valid() {
		praw, plock, err := block.Get(prev)
		if err == nil {
			if plock.LockWrite(prev, lockPatience) != nil {
				return false
			}
			page.SetNextVersion(praw, next)
			page.Seal(praw)
			plock.UnlockWrite()
		}
	}
	return true
}
