package btree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
)

func TestIteratorEmptyTree(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()

	it, err := tx.Seek(key(0))
	require.NoError(t, err)
	require.False(t, it.Valid())
}

func TestIteratorForwardScanIsAscending(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := tx.Seek(key(0))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.True(t, it.Valid())
		require.Equal(t, key(i), it.Key())
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), it.Value())
		if i < n-1 {
			require.True(t, it.Next())
		}
	}
	require.False(t, it.Next())
}

func TestIteratorBackwardScanIsDescending(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := tx.SeekLast()
	require.NoError(t, err)

	for i := n - 1; i >= 0; i-- {
		require.True(t, it.Valid())
		require.Equal(t, key(i), it.Key())
		if i > 0 {
			require.True(t, it.Prev())
		}
	}
	require.False(t, it.Prev())
}

func TestTreeIterStartsItsOwnTransaction(t *testing.T) {
	tree := testTree(t)
	w := tree.Begin()
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Insert(key(i), []byte("v")))
	}
	_, err := w.Commit()
	require.NoError(t, err)

	it, tx, err := tree.Iter()
	require.NoError(t, err)
	defer tx.Rollback()

	var got []int
	for ; it.Valid(); it.Next() {
		got = append(got, int(engine.DecodeUint64Key(it.Key())))
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestIteratorSeekMidRange(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()

	for _, i := range []int{1, 3, 5, 7, 9} {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}

	it, err := tx.Seek(key(4))
	require.NoError(t, err)
	require.True(t, it.Valid())
	require.Equal(t, key(5), it.Key())
}

func TestTxnScanRespectsBounds(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	for i := 0; i < 20; i++ {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}

	var got []int
	err := tx.Scan(key(5), key(10), func(k, v []byte) bool {
		got = append(got, int(engine.DecodeUint64Key(k)))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []int{5, 6, 7, 8, 9}, got)
}

func TestTxnScanReverseRespectsBounds(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	for i := 0; i < 20; i++ {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}

	var got []int
	err := tx.ScanReverse(key(5), key(10), func(k, v []byte) bool {
		got = append(got, int(engine.DecodeUint64Key(k)))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []int{10, 9, 8, 7, 6, 5}, got)
}

func TestTxnScanReverseEndBeyondLastKey(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	for i := 0; i < 10; i++ {
		require.NoError(t, tx.Insert(key(i), []byte("v")))
	}

	var got []int
	err := tx.ScanReverse(nil, key(100), func(k, v []byte) bool {
		got = append(got, int(engine.DecodeUint64Key(k)))
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}, got)
}

func TestTxnScanEarlyStop(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	for i := 0; i < 20; i++ {
		require.NoError(t, tx.Insert(key(i), []byte("v")))
	}

	count := 0
	err := tx.Scan(key(0), nil, func(k, v []byte) bool {
		count++
		return count < 3
	})
	require.NoError(t, err)
	require.Equal(t, 3, count)
}
