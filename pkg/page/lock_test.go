package page

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
)

func TestLockReadExcludesWriter(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockRead(1, 0))

	err := l.LockWrite(1, 50*time.Millisecond)
	var timeout *engine.LockTimeoutError
	require.True(t, errors.As(err, &timeout))

	l.UnlockRead()
	require.NoError(t, l.LockWrite(1, 0))
	l.UnlockWrite()
}

func TestLockWriteExcludesReaders(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockWrite(1, 0))

	err := l.LockRead(1, 50*time.Millisecond)
	var timeout *engine.LockTimeoutError
	require.True(t, errors.As(err, &timeout))

	l.UnlockWrite()
	require.NoError(t, l.LockRead(1, 0))
	l.UnlockRead()
}

func TestLockAllowsMultipleReaders(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockRead(1, 0))
	require.NoError(t, l.LockRead(1, 0))
	require.NoError(t, l.LockRead(1, 0))
	l.UnlockRead()
	l.UnlockRead()
	l.UnlockRead()
	require.NoError(t, l.LockWrite(1, 0))
	l.UnlockWrite()
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockRead(1, 0)) // the upgrader's own read lock
	require.NoError(t, l.LockRead(1, 0)) // a second reader in the way

	go func() {
		time.Sleep(50 * time.Millisecond)
		l.UnlockRead()
	}()

	require.NoError(t, l.Upgrade(1, 2*time.Second, nil))
	l.UnlockWrite()

	// The word must be fully released: both read and write again.
	require.NoError(t, l.LockRead(1, 0))
	l.UnlockRead()
	require.NoError(t, l.LockWrite(1, 0))
	l.UnlockWrite()
}

func TestUpgradeTimesOutWhileContended(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockRead(1, 0))
	require.NoError(t, l.LockRead(1, 0))

	err := l.Upgrade(1, 50*time.Millisecond, nil)
	var timeout *engine.LockTimeoutError
	require.True(t, errors.As(err, &timeout))
}

func TestMarkInitializedToggles(t *testing.T) {
	l := NewLock()
	require.False(t, l.IsInitialized())
	l.MarkInitialized()
	require.True(t, l.IsInitialized())
	l.MarkInitialized() // idempotent
	require.True(t, l.IsInitialized())
	l.MarkUninitialized()
	require.False(t, l.IsInitialized())
}

func TestWriterWakesBlockedReader(t *testing.T) {
	l := NewLock()
	require.NoError(t, l.LockWrite(1, 0))

	acquired := make(chan error, 1)
	go func() {
		acquired <- l.LockRead(1, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	l.UnlockWrite()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader was never woken after writer released")
	}
}
