package btree

import (
	"bytes"

	"github.com/nainya/xkv/pkg/page"
)

// Iterator walks key/value pairs in order, forward or backward, by
// following the leaf doubly-linked list rather than re-descending from
// the root for every step.
type Iterator struct {
	tx      *Txn
	leafPtr page.ID
	leaf    *leafNode
	idx     int
	valid   bool
}

// Iter starts a fresh read-only transaction and returns an iterator
// positioned at the first key, together with that transaction; the caller
// finishes the transaction (normally Rollback) when done iterating.
func (t *Tree) Iter() (*Iterator, *Txn, error) {
	tx := t.Begin()
	leafPtr, leaf, err := tx.leftmostLeaf()
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	it := &Iterator{tx: tx, leafPtr: leafPtr, leaf: leaf, idx: 0}
	it.fixupForward()
	return it, tx, nil
}

// Seek positions the iterator at the first key >= key. If the tree is
// empty or key is past the last key, the iterator is left invalid.
func (tx *Txn) Seek(key []byte) (*Iterator, error) {
	_, leafPtr, leaf, err := tx.descend(key)
	if err != nil {
		return nil, err
	}
	idx, _ := leaf.find(key)
	it := &Iterator{tx: tx, leafPtr: leafPtr, leaf: leaf, idx: idx}
	it.fixupForward()
	return it, nil
}

// SeekLast positions the iterator at the last key in the tree.
func (tx *Txn) SeekLast() (*Iterator, error) {
	leafPtr, leaf, err := tx.rightmostLeaf()
	if err != nil {
		return nil, err
	}
	it := &Iterator{tx: tx, leafPtr: leafPtr, leaf: leaf, idx: len(leaf.entries) - 1}
	it.fixupBackward()
	return it, nil
}

func (tx *Txn) rightmostLeaf() (page.ID, *leafNode, error) {
	cur, err := tx.root()
	if err != nil {
		return page.None, nil, err
	}
	for {
		_, raw, err := tx.inner.Read(cur)
		if err != nil {
			return page.None, nil, err
		}
		if isLeafPage(&raw) {
			return cur, decodeLeaf(&raw, tx.tree.cfg.KeySize), nil
		}
		inter := decodeInterior(&raw, tx.tree.cfg.KeySize)
		cur = inter.children[len(inter.children)-1]
	}
}

// Valid reports whether the iterator is positioned at a key.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the key at the current position.
func (it *Iterator) Key() []byte { return it.leaf.entries[it.idx].key }

// Value returns the value at the current position.
func (it *Iterator) Value() []byte { return it.leaf.entries[it.idx].value }

// Next advances the iterator forward by one entry, crossing into the next
// leaf via the linked list when the current one is exhausted.
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	it.idx++
	it.fixupForward()
	return it.valid
}

// Prev moves the iterator backward by one entry.
func (it *Iterator) Prev() bool {
	if !it.valid {
		return false
	}
	it.idx--
	it.fixupBackward()
	return it.valid
}

func (it *Iterator) fixupForward() {
	for {
		if it.idx < len(it.leaf.entries) {
			it.valid = true
			return
		}
		if !it.leaf.nextLeaf.Valid() {
			it.valid = false
			return
		}
		_, raw, err := it.tx.inner.Read(it.leaf.nextLeaf)
		if err != nil {
			it.valid = false
			return
		}
		it.leafPtr = it.leaf.nextLeaf
		it.leaf = decodeLeaf(&raw, it.tx.tree.cfg.KeySize)
		it.idx = 0
	}
}

func (it *Iterator) fixupBackward() {
	for {
		if it.idx >= 0 && len(it.leaf.entries) > 0 {
			it.valid = true
			return
		}
		if !it.leaf.prevLeaf.Valid() {
			it.valid = false
			return
		}
		_, raw, err := it.tx.inner.Read(it.leaf.prevLeaf)
		if err != nil {
			it.valid = false
			return
		}
		it.leafPtr = it.leaf.prevLeaf
		it.leaf = decodeLeaf(&raw, it.tx.tree.cfg.KeySize)
		it.idx = len(it.leaf.entries) - 1
	}
}

// Scan calls fn for every key in [start, end) in ascending order, stopping
// early if fn returns false. A nil end means "no upper bound".
func (tx *Txn) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	it, err := tx.Seek(start)
	if err != nil {
		return err
	}
	for it.Valid() {
		if end != nil && bytes.Compare(it.Key(), end) >= 0 {
			return nil
		}
		if !fn(it.Key(), it.Value()) {
			return nil
		}
		it.Next()
	}
	return nil
}

// ScanReverse calls fn for every key in [start, end] in descending order,
// starting from end (or the last key, if end is nil) down to start (or the
// beginning, if start is nil).
func (tx *Txn) ScanReverse(start, end []byte, fn func(key, value []byte) bool) error {
	var it *Iterator
	var err error
	if end != nil {
		it, err = tx.Seek(end)
		if err != nil {
			return err
		}
		if !it.Valid() {
			// end is past the last key; start from the back.
			it, err = tx.SeekLast()
			if err != nil {
				return err
			}
		} else if bytes.Compare(it.Key(), end) > 0 {
			if !it.Prev() {
				return nil
			}
		}
	} else {
		it, err = tx.SeekLast()
		if err != nil {
			return err
		}
	}
	for it.Valid() {
		if start != nil && bytes.Compare(it.Key(), start) < 0 {
			return nil
		}
		if !fn(it.Key(), it.Value()) {
			return nil
		}
		it.Prev()
	}
	return nil
}
