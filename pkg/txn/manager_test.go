package txn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.BlockVirtualSize = 1 << 20
	mgr := NewManager(cfg, nil)
	t.Cleanup(mgr.Close)
	return mgr
}

func writePayload(raw *page.Raw, s string) {
	copy(page.Payload(raw), []byte(s))
}

func readPayload(raw *page.Raw, n int) string {
	return string(page.Payload(raw)[:n])
}

func TestCommitThenNewTransactionSeesWrite(t *testing.T) {
	mgr := testManager(t)

	tx0 := mgr.Begin()
	id, raw, err := tx0.Reserve()
	require.NoError(t, err)
	writePayload(raw, "hello")
	_, err = tx0.Commit()
	require.NoError(t, err)

	tx1 := mgr.Begin()
	_, got, err := tx1.Read(id)
	require.NoError(t, err)
	require.Equal(t, "hello", readPayload(&got, 5))
	_, err = tx1.Commit()
	require.NoError(t, err)
}

// TestConcurrentSnapshotsSeeTheirOwnVersion is the MVCC snapshot isolation
// scenario: a transaction that began before a write is committed must go on
// seeing the pre-write value, even though the committer overwrites the
// logical page's stable address in place and pushes the old content into
// history behind it.
func TestConcurrentSnapshotsSeeTheirOwnVersion(t *testing.T) {
	mgr := testManager(t)

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	writePayload(raw, "v0")
	_, err = seed.Commit()
	require.NoError(t, err)

	oldReader := mgr.Begin()

	writer := mgr.Begin()
	_, wraw, err := writer.Write(id)
	require.NoError(t, err)
	writePayload(wraw, "v1")
	_, err = writer.Commit()
	require.NoError(t, err)

	newReader := mgr.Begin()

	_, oldRaw, err := oldReader.Read(id)
	require.NoError(t, err)
	require.Equal(t, "v0", readPayload(&oldRaw, 2))

	_, newRaw, err := newReader.Read(id)
	require.NoError(t, err)
	require.Equal(t, "v1", readPayload(&newRaw, 2))

	_, err = oldReader.Commit()
	require.NoError(t, err)
	_, err = newReader.Commit()
	require.NoError(t, err)
}

func TestConflictingCommitReturnsCommitConflictError(t *testing.T) {
	mgr := testManager(t)

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	writePayload(raw, "v0")
	_, err = seed.Commit()
	require.NoError(t, err)

	txA := mgr.Begin()
	txB := mgr.Begin()

	_, araw, err := txA.Write(id)
	require.NoError(t, err)
	writePayload(araw, "vA")

	_, braw, err := txB.Write(id)
	require.NoError(t, err)
	writePayload(braw, "vB")

	_, err = txA.Commit()
	require.NoError(t, err)

	_, err = txB.Commit()
	require.Error(t, err)
	var conflict *engine.CommitConflictError
	require.True(t, errors.As(err, &conflict))
}

func TestRollbackFreesAllocatedPages(t *testing.T) {
	mgr := testManager(t)
	before := mgr.Block().Allocated()

	tx := mgr.Begin()
	id, raw, err := tx.Reserve()
	require.NoError(t, err)
	writePayload(raw, "scratch")
	tx.Rollback()

	require.True(t, mgr.Freemap().IsSet(uint64(id)))
	require.Equal(t, before+1, mgr.Block().Allocated())
}

func TestCommitWithNoWritesIsANoop(t *testing.T) {
	mgr := testManager(t)
	tx := mgr.Begin()
	ts, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, tx.Snapshot(), ts)
}
