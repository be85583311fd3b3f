package btree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
)

// bigValue builds the 256-byte pattern value used by the grow scenario:
// the big-endian u16 complement of i, repeated 128 times.
func bigValue(i int) []byte {
	var pat [2]byte
	binary.BigEndian.PutUint16(pat[:], uint16(0xFFFF-i))
	return bytes.Repeat(pat[:], 128)
}

func TestHeaderPageRecordsKeySizeAndRoot(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	defer tx.Rollback()

	_, raw, err := tx.inner.Read(page.First)
	require.NoError(t, err)
	require.Equal(t, uint64(8), headerKeySize(&raw))

	root, err := tx.root()
	require.NoError(t, err)
	require.True(t, root.Valid())
	require.NotEqual(t, page.First, root)
}

func TestGrowToManyPagesAndIterateBothWays(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.KeySize = 8
	cfg.MaxValueSize = 512
	tree, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(tree.Close)

	n := 0
	for tree.Manager().Block().Allocated() < 1024 {
		tx := tree.Begin()
		for j := 0; j < 64; j++ {
			require.NoError(t, tx.Insert(key(n), bigValue(n)))
			n++
		}
		_, err := tx.Commit()
		require.NoError(t, err)
	}

	tx := tree.Begin()
	defer tx.Rollback()

	it, err := tx.Seek(key(0))
	require.NoError(t, err)
	i := 0
	for it.Valid() {
		require.Equal(t, key(i), it.Key())
		require.Equal(t, bigValue(i), it.Value())
		i++
		it.Next()
	}
	require.Equal(t, n, i)

	it, err = tx.SeekLast()
	require.NoError(t, err)
	for i = n - 1; it.Valid(); i-- {
		require.Equal(t, key(i), it.Key())
		it.Prev()
	}
	require.Equal(t, -1, i)

	report := tree.CheckInvariants(tx)
	require.True(t, report.OK(), "violations: %v", report.Violations)
}

func TestReverseInsertIteratesInOrder(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	require.NoError(t, tx.Insert(key(1), []byte{0}))
	require.NoError(t, tx.Insert(key(0), []byte{0}))
	_, err := tx.Commit()
	require.NoError(t, err)

	rd := tree.Begin()
	defer rd.Rollback()
	var keys []int
	require.NoError(t, rd.Scan(nil, nil, func(k, v []byte) bool {
		keys = append(keys, int(engine.DecodeUint64Key(k)))
		require.Equal(t, []byte{0}, v)
		return true
	}))
	require.Equal(t, []int{0, 1}, keys)
}

func TestOverrideYieldsSingleEntry(t *testing.T) {
	tree := testTree(t)
	tx := tree.Begin()
	require.NoError(t, tx.Insert(key(1), []byte{0}))
	require.NoError(t, tx.Insert(key(1), []byte{1}))
	_, err := tx.Commit()
	require.NoError(t, err)

	rd := tree.Begin()
	defer rd.Rollback()
	count := 0
	require.NoError(t, rd.Scan(nil, nil, func(k, v []byte) bool {
		count++
		require.Equal(t, key(1), k)
		require.Equal(t, []byte{1}, v)
		return true
	}))
	require.Equal(t, 1, count)
}

func TestDeleteRandomSubsetMatchesReferenceMap(t *testing.T) {
	tree := testTree(t)

	const n = 4096
	tx := tree.Begin()
	for i := 0; i < n; i++ {
		require.NoError(t, tx.Insert(key(i), []byte(fmt.Sprintf("v%d", i))))
	}
	_, err := tx.Commit()
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	deleted := map[int]bool{}
	del := tree.Begin()
	for i := 0; i < 1500; i++ {
		k := rng.Intn(n)
		if deleted[k] {
			continue
		}
		require.NoError(t, del.Delete(key(k)))
		deleted[k] = true
	}
	_, err = del.Commit()
	require.NoError(t, err)

	var expected []int
	for i := 0; i < n; i++ {
		if !deleted[i] {
			expected = append(expected, i)
		}
	}
	sort.Ints(expected)

	rd := tree.Begin()
	defer rd.Rollback()
	var got []int
	require.NoError(t, rd.Scan(nil, nil, func(k, v []byte) bool {
		got = append(got, int(engine.DecodeUint64Key(k)))
		return true
	}))
	require.Equal(t, expected, got)

	report := tree.CheckInvariants(rd)
	require.True(t, report.OK(), "violations: %v", report.Violations)
}

// A transaction that began before another's commit keeps reading the old
// state until it finishes.
func TestSnapshotIsolationAcrossTransactions(t *testing.T) {
	tree := testTree(t)

	txA := tree.Begin()
	_, err := txA.Get(key(1))
	require.ErrorIs(t, err, engine.ErrNotFound)

	txB := tree.Begin()
	require.NoError(t, txB.Insert(key(1), []byte{123}))
	_, err = txB.Commit()
	require.NoError(t, err)

	_, err = txA.Get(key(1))
	require.ErrorIs(t, err, engine.ErrNotFound)
	txA.Rollback()

	txC := tree.Begin()
	defer txC.Rollback()
	v, err := txC.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, []byte{123}, v)
}

// Of two transactions writing the same key, the later committer fails
// with the retryable deadlock/conflict error.
func TestConcurrentWritersFirstCommitterWins(t *testing.T) {
	tree := testTree(t)

	seed := tree.Begin()
	require.NoError(t, seed.Insert(key(1), []byte("v0")))
	_, err := seed.Commit()
	require.NoError(t, err)

	txA := tree.Begin()
	txB := tree.Begin()
	require.NoError(t, txA.Insert(key(1), []byte("vA")))
	require.NoError(t, txB.Insert(key(1), []byte("vB")))

	_, err = txA.Commit()
	require.NoError(t, err)

	_, err = txB.Commit()
	require.Error(t, err)
	var retryable *engine.DeadlockError
	require.True(t, errors.As(err, &retryable))

	rd := tree.Begin()
	defer rd.Rollback()
	v, err := rd.Get(key(1))
	require.NoError(t, err)
	require.Equal(t, []byte("vA"), v)
}

// Four workers issue insert/delete/commit/rollback batches concurrently;
// afterwards the tree must match a reference map built from the batches
// that actually committed, and the structural invariants must hold.
func TestMultiWorkerFuzzMatchesReferenceMap(t *testing.T) {
	tree := testTree(t)

	const (
		workers      = 4
		opsPerWorker = 240
		span         = 1000
	)

	type mutation struct {
		k   int
		v   []byte
		del bool
	}

	var mu sync.Mutex
	oracle := map[int][]byte{}

	retryable := func(err error) bool {
		var dl *engine.DeadlockError
		var to *engine.LockTimeoutError
		return errors.As(err, &dl) || errors.As(err, &to)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(100 + w)))
			base := w * span

			for done := 0; done < opsPerWorker; {
				batch := 1 + rng.Intn(6)
				muts := make([]mutation, 0, batch)
				for j := 0; j < batch; j++ {
					k := base + rng.Intn(span)
					if rng.Intn(4) == 0 {
						muts = append(muts, mutation{k: k, del: true})
					} else {
						muts = append(muts, mutation{k: k, v: []byte(fmt.Sprintf("w%d-%d", w, done+j))})
					}
				}
				done += batch

				tx := tree.Begin()
				failed := false
				for _, m := range muts {
					var err error
					if m.del {
						err = tx.Delete(key(m.k))
						if errors.Is(err, engine.ErrNotFound) {
							err = nil
						}
					} else {
						err = tx.Insert(key(m.k), m.v)
					}
					if err != nil {
						if !retryable(err) {
							t.Errorf("worker %d: unexpected error: %v", w, err)
						}
						failed = true
						break
					}
				}
				if failed || rng.Intn(8) == 0 {
					tx.Rollback()
					continue
				}
				if _, err := tx.Commit(); err != nil {
					if !retryable(err) {
						t.Errorf("worker %d: unexpected commit error: %v", w, err)
					}
					continue
				}
				mu.Lock()
				for _, m := range muts {
					if m.del {
						delete(oracle, m.k)
					} else {
						oracle[m.k] = m.v
					}
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	rd := tree.Begin()
	defer rd.Rollback()
	got := map[int][]byte{}
	var last int = -1
	require.NoError(t, rd.Scan(nil, nil, func(k, v []byte) bool {
		n := int(engine.DecodeUint64Key(k))
		require.Greater(t, n, last)
		last = n
		got[n] = append([]byte(nil), v...)
		return true
	}))
	require.Equal(t, oracle, got)

	report := tree.CheckInvariants(rd)
	require.True(t, report.OK(), "violations: %v", report.Violations)
}
