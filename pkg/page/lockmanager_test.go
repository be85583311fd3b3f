package page

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
)

func testBlockWithPages(t *testing.T, n int) *Block {
	t.Helper()
	b := NewBlock(int64(n+1) * Size)
	for i := 0; i < n; i++ {
		_, _, err := b.Allocate()
		require.NoError(t, err)
	}
	return b
}

func TestLockManagerReadThenWriteSameTx(t *testing.T) {
	b := testBlockWithPages(t, 2)
	m := NewLockManager(b, nil)

	g1, err := m.Acquire(TxID(1), ID(0), Read, 0)
	require.NoError(t, err)
	g1.Release()

	g2, err := m.Acquire(TxID(1), ID(0), Write, 0)
	require.NoError(t, err)
	g2.Release()

	// Fully released: another transaction can write-lock immediately.
	g3, err := m.Acquire(TxID(2), ID(0), Write, time.Second)
	require.NoError(t, err)
	g3.Release()
}

func TestLockManagerDetectsWaitCycle(t *testing.T) {
	b := testBlockWithPages(t, 2)
	m := NewLockManager(b, nil)

	// tx1 holds page 0, tx2 holds page 1.
	g0, err := m.Acquire(TxID(1), ID(0), Write, 0)
	require.NoError(t, err)

	g1, err := m.Acquire(TxID(2), ID(1), Write, 0)
	require.NoError(t, err)

	// tx2 blocks waiting for page 0 (held by tx1)...
	tx2done := make(chan error, 1)
	go func() {
		g, err := m.Acquire(TxID(2), ID(0), Write, 5*time.Second)
		if g != nil {
			g.Release()
		}
		tx2done <- err
	}()

	// ...give the goroutine time to register its wait edge, then close
	// the cycle: tx1 asking for page 1 must fail fast, not block.
	time.Sleep(100 * time.Millisecond)
	_, err = m.Acquire(TxID(1), ID(1), Write, 5*time.Second)
	var deadlock *engine.DeadlockError
	require.True(t, errors.As(err, &deadlock))
	require.Equal(t, uint64(1), deadlock.ID)

	// Unblock tx2 by releasing what it was waiting on.
	g0.Release()
	g1.Release()
	require.NoError(t, <-tx2done)
}

func TestLockManagerConcurrentReadersShareAPage(t *testing.T) {
	b := testBlockWithPages(t, 1)
	m := NewLockManager(b, nil)

	g1, err := m.Acquire(TxID(1), ID(0), Read, 0)
	require.NoError(t, err)
	g2, err := m.Acquire(TxID(2), ID(0), Read, 0)
	require.NoError(t, err)

	g1.Release()
	g2.Release()
}
