package txn

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

func TestFailedCommitReturnsPagesToFreemap(t *testing.T) {
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

	// The loser's copy-on-write page must be recycled, not leaked.
	freed := 0
	for i := uint64(0); i < mgr.Block().Allocated(); i++ {
		if mgr.Freemap().IsSet(i) {
			freed++
		}
	}
	require.Equal(t, 1, freed)
}

func TestDoubleCommitAndCommitAfterRollbackAreRejected(t *testing.T) {
	mgr := testManager(t)

	tx := mgr.Begin()
	_, err := tx.Commit()
	require.NoError(t, err)
	_, err = tx.Commit()
	require.ErrorIs(t, err, engine.ErrTransactionFinalized)

	tx2 := mgr.Begin()
	tx2.Rollback()
	_, err = tx2.Commit()
	require.ErrorIs(t, err, engine.ErrTransactionFinalized)
}

func TestCommitObserverSeesOutcomes(t *testing.T) {
	mgr := testManager(t)

	type outcome struct {
		tx  TxID
		err error
	}
	outcomes := make(chan outcome, 8)
	mgr.SetCommitObserver(func(tx TxID, err error, elapsed time.Duration) {
		outcomes <- outcome{tx: tx, err: err}
	})

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	writePayload(raw, "v0")
	_, err = seed.Commit()
	require.NoError(t, err)

	first := <-outcomes
	require.Equal(t, seed.ID(), first.tx)
	require.NoError(t, first.err)

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

	second := <-outcomes
	require.NoError(t, second.err)
	third := <-outcomes
	var conflict *engine.CommitConflictError
	require.True(t, errors.As(third.err, &conflict))
}

func TestInsertAndInsertReserved(t *testing.T) {
	mgr := testManager(t)

	tx := mgr.Begin()
	a, err := tx.Insert([]byte("direct"))
	require.NoError(t, err)

	b, _, err := tx.Reserve()
	require.NoError(t, err)
	require.NoError(t, tx.InsertReserved(b, []byte("two-step")))

	// Filling a page that was never reserved in this transaction fails.
	require.Error(t, tx.InsertReserved(b+100, []byte("nope")))

	_, err = tx.Commit()
	require.NoError(t, err)

	rd := mgr.Begin()
	defer rd.Rollback()
	_, got, err := rd.Read(a)
	require.NoError(t, err)
	require.Equal(t, "direct", readPayload(&got, 6))
	_, got, err = rd.Read(b)
	require.NoError(t, err)
	require.Equal(t, "two-step", readPayload(&got, 8))
}

func TestDeleteMakesPageInvisibleToLaterSnapshots(t *testing.T) {
	mgr := testManager(t)

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	writePayload(raw, "v0")
	_, err = seed.Commit()
	require.NoError(t, err)

	before := mgr.Begin()

	del := mgr.Begin()
	require.NoError(t, del.Delete(id))
	_, err = del.Commit()
	require.NoError(t, err)

	// The older snapshot still sees the page; a new one does not.
	_, got, err := before.Read(id)
	require.NoError(t, err)
	require.Equal(t, "v0", readPayload(&got, 2))
	before.Rollback()

	after := mgr.Begin()
	defer after.Rollback()
	_, _, err = after.Read(id)
	var notFound *engine.PageNotFoundError
	require.True(t, errors.As(err, &notFound))
}

// TestAbandonedTransactionIsRolledBackByFinalizer drops a transaction
// without finishing it and forces garbage collection: the finalizer must
// perform a real rollback, returning the reserved page to the freemap and
// unregistering the snapshot so vacuum's low-water mark moves on.
func TestAbandonedTransactionIsRolledBackByFinalizer(t *testing.T) {
	mgr := testManager(t)

	warned := make(chan TxID, 1)
	SetAbandonedTxWarning(func(id TxID) {
		select {
		case warned <- id:
		default:
		}
	})
	defer SetAbandonedTxWarning(nil)

	var abandoned page.ID
	func() {
		tx := mgr.Begin()
		id, _, err := tx.Reserve()
		require.NoError(t, err)
		abandoned = id
		// Dropped without Commit or Rollback.
	}()

	deadline := time.Now().Add(10 * time.Second)
	for mgr.ActiveTransactions() != 0 || !mgr.Freemap().IsSet(uint64(abandoned)) {
		if time.Now().After(deadline) {
			t.Fatalf("finalizer never rolled back: active=%d freed=%v",
				mgr.ActiveTransactions(), mgr.Freemap().IsSet(uint64(abandoned)))
		}
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-warned:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned-transaction warning never fired")
	}
}

func TestReadVerifiesChecksumOfCommittedPages(t *testing.T) {
	mgr := testManager(t)

	seed := mgr.Begin()
	id, raw, err := seed.Reserve()
	require.NoError(t, err)
	writePayload(raw, "v0")
	_, err = seed.Commit()
	require.NoError(t, err)

	// Corrupt the committed page behind the engine's back.
	committed, _, err := mgr.Block().Get(id)
	require.NoError(t, err)
	committed[engine.PageSize-1] ^= 0xFF

	rd := mgr.Begin()
	defer rd.Rollback()
	_, _, err = rd.Read(id)
	var corruption *engine.CorruptionError
	require.True(t, errors.As(err, &corruption))
}
