package vacuum

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
	"github.com/nainya/xkv/pkg/txn"
)

// blockPages reports every page the substrate has handed out, the same
// contract pkg/btree.Tree implements for the real scheduler.
type blockPages struct {
	mgr *txn.Manager
}

func (p blockPages) AllocatedPages() []page.ID {
	n := p.mgr.Block().Allocated()
	ids := make([]page.ID, n)
	for i := range ids {
		ids[i] = page.ID(i)
	}
	return ids
}

func testManager(t *testing.T) *txn.Manager {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.BlockVirtualSize = 1 << 20
	cfg.VacuumInterval = 10 * time.Millisecond
	mgr := txn.NewManager(cfg, nil)
	t.Cleanup(mgr.Close)
	return mgr
}

// seedAndSupersede commits a page, then commits a second version of it, so
// exactly one superseded historical version exists afterwards.
func seedAndSupersede(t *testing.T, mgr *txn.Manager) page.ID {
	t.Helper()

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	copy(page.Payload(raw), []byte("v0"))
	_, err = seed.Commit()
	require.NoError(t, err)

	w := mgr.Begin()
	_, wraw, err := w.Write(id)
	require.NoError(t, err)
	copy(page.Payload(wraw), []byte("v1"))
	_, err = w.Commit()
	require.NoError(t, err)

	return id
}

func TestRunReclaimsSupersededVersions(t *testing.T) {
	mgr := testManager(t)
	id := seedAndSupersede(t, mgr)

	stats := Run(mgr, blockPages{mgr})
	require.Equal(t, 1, stats.Reclaimed)

	// The live head must still resolve and carry the newest content.
	rd := mgr.Begin()
	_, got, err := rd.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), page.Payload(&got)[:2])
	rd.Rollback()
}

func TestRunKeepsVersionsVisibleToActiveSnapshots(t *testing.T) {
	mgr := testManager(t)

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	copy(page.Payload(raw), []byte("v0"))
	_, err = seed.Commit()
	require.NoError(t, err)

	oldReader := mgr.Begin()

	w := mgr.Begin()
	_, wraw, err := w.Write(id)
	require.NoError(t, err)
	copy(page.Payload(wraw), []byte("v1"))
	_, err = w.Commit()
	require.NoError(t, err)

	stats := Run(mgr, blockPages{mgr})
	require.Equal(t, 0, stats.Reclaimed)

	_, got, err := oldReader.Read(id)
	require.NoError(t, err)
	require.Equal(t, []byte("v0"), page.Payload(&got)[:2])
	oldReader.Rollback()

	stats = Run(mgr, blockPages{mgr})
	require.Equal(t, 1, stats.Reclaimed)
}

func TestReclaimedSlotsAreReused(t *testing.T) {
	mgr := testManager(t)
	seedAndSupersede(t, mgr)

	allocatedBefore := mgr.Block().Allocated()
	stats := Run(mgr, blockPages{mgr})
	require.Equal(t, 1, stats.Reclaimed)

	// The next allocation must come out of the freemap, not grow the block.
	tx := mgr.Begin()
	_, _, err := tx.Reserve()
	require.NoError(t, err)
	require.Equal(t, allocatedBefore, mgr.Block().Allocated())
	tx.Rollback()
}

func TestSchedulerRunsPassesAndStops(t *testing.T) {
	mgr := testManager(t)
	seedAndSupersede(t, mgr)

	passes := make(chan Stats, 16)
	sched := NewScheduler(mgr, blockPages{mgr}, func(s Stats) {
		select {
		case passes <- s:
		default:
		}
	})
	sched.Start()
	defer sched.Stop()

	select {
	case <-passes:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never ran a pass")
	}

	sched.Pause()
	sched.Resume()
}
