package btree

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nainya/xkv/pkg/engine"
	"github.com/nainya/xkv/pkg/page"
	"github.com/nainya/xkv/pkg/txn"
)

// Tree is the public B+tree surface: Open builds one, Begin starts a
// transaction, and every key/value operation happens through that
// transaction.
//
// The root pointer lives in the header page (page.First), read and
// written through the same MVCC transactions as every node: a root split
// becomes visible to other transactions only when the commit that
// performed it installs the new header version, never in between.
type Tree struct {
	cfg engine.Config
	mgr *txn.Manager

	// writeMu serializes the structural-mutation phase of write
	// transactions: one mutator restructures at a time instead of a
	// writer/writer retry loop. Readers are unaffected: every Get runs
	// lock-free against its own MVCC snapshot. The commit pipeline's
	// optimistic version check (pkg/txn/committer.go) remains in force
	// as a second line of defense and is what a future multi-writer
	// extension would lean on.
	writeMu sync.Mutex

	splits atomic.Uint64
	merges atomic.Uint64
}

// Stats reports how many node splits and merges the tree has performed
// since Open, for telemetry.
func (t *Tree) Stats() (splits, merges uint64) {
	return t.splits.Load(), t.merges.Load()
}

// Header page payload layout: {u64 key size, u64 root page id}, both
// little-endian, zero-padded to the end of the page.
func encodeHeader(raw *page.Raw, keySize int, root page.ID) {
	payload := page.Payload(raw)
	for i := range payload {
		payload[i] = 0
	}
	binary.LittleEndian.PutUint64(payload[0:], uint64(keySize))
	binary.LittleEndian.PutUint64(payload[8:], uint64(root))
}

func headerKeySize(raw *page.Raw) uint64 {
	return binary.LittleEndian.Uint64(page.Payload(raw)[0:])
}

func headerRoot(raw *page.Raw) page.ID {
	return page.ID(binary.LittleEndian.Uint64(page.Payload(raw)[8:]))
}

// Open creates a new, empty tree backed by a freshly constructed
// transaction manager: a header page at page.First and an empty root leaf.
func Open(cfg engine.Config, warn txn.WarnFunc) (*Tree, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mgr := txn.NewManager(cfg, warn)
	t := &Tree{cfg: cfg, mgr: mgr}

	tx := mgr.Begin()
	headerID, headerRaw, err := tx.Reserve()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if headerID != page.First {
		tx.Rollback()
		return nil, fmt.Errorf("btree: header page landed at %d, want %d", headerID, page.First)
	}
	rootID, rootRaw, err := tx.Reserve()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	leaf := &leafNode{parent: page.None, prevLeaf: page.None, nextLeaf: page.None}
	leaf.encode(rootRaw, cfg.KeySize)
	encodeHeader(headerRaw, cfg.KeySize, rootID)
	if _, err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// Close stops the tree's background committer goroutine.
func (t *Tree) Close() {
	t.mgr.Close()
}

// Manager exposes the underlying transaction manager, used by pkg/vacuum
// and cmd/xkv.
func (t *Tree) Manager() *txn.Manager { return t.mgr }

// AllocatedPages implements vacuum.Reclaimer: since the page substrate
// never reuses an index once handed out by Allocate, every id in
// [0, Allocated()) has at some point held a version of some node in this
// tree.
func (t *Tree) AllocatedPages() []page.ID {
	n := t.mgr.Block().Allocated()
	ids := make([]page.ID, n)
	for i := range ids {
		ids[i] = page.ID(i)
	}
	return ids
}

// Txn wraps a pkg/txn.Transaction with tree-aware Get/Insert/Delete.
type Txn struct {
	tree  *Tree
	inner *txn.Transaction
}

// Begin starts a new transaction against the tree.
func (t *Tree) Begin() *Txn {
	return &Txn{tree: t, inner: t.mgr.Begin()}
}

// Commit finalizes the transaction.
func (tx *Txn) Commit() (uint64, error) { return tx.inner.Commit() }

// Rollback discards the transaction's writes.
func (tx *Txn) Rollback() { tx.inner.Rollback() }

// root reads the root page id out of the header page, under this
// transaction's snapshot (its own pending header write, if any, wins).
func (tx *Txn) root() (page.ID, error) {
	_, raw, err := tx.inner.Read(page.First)
	if err != nil {
		return page.None, err
	}
	return headerRoot(&raw), nil
}

// setRoot stages a new root page id in this transaction's copy of the
// header page; it becomes visible to others only at commit.
func (tx *Txn) setRoot(id page.ID) error {
	_, raw, err := tx.inner.Write(page.First)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(page.Payload(raw)[8:], uint64(id))
	return nil
}

type pathStep struct {
	ptr  page.ID
	node *interiorNode
}

// descend walks from the root to the leaf that would contain key,
// returning the chain of interior ancestors visited (for split/merge
// propagation) and the leaf itself.
func (tx *Txn) descend(key []byte) (path []pathStep, leafPtr page.ID, leaf *leafNode, err error) {
	cur, err := tx.root()
	if err != nil {
		return nil, page.None, nil, err
	}
	for {
		_, raw, rerr := tx.inner.Read(cur)
		if rerr != nil {
			return nil, page.None, nil, rerr
		}
		if isLeafPage(&raw) {
			return path, cur, decodeLeaf(&raw, tx.tree.cfg.KeySize), nil
		}
		inter := decodeInterior(&raw, tx.tree.cfg.KeySize)
		path = append(path, pathStep{ptr: cur, node: inter})
		idx := inter.childIndex(key)
		cur = inter.children[idx]
	}
}

// Get returns the value stored for key within this transaction's
// snapshot, or engine.ErrNotFound.
func (tx *Txn) Get(key []byte) ([]byte, error) {
	if len(key) != tx.tree.cfg.KeySize {
		return nil, engine.ErrInvalidKeyLength
	}
	_, _, leaf, err := tx.descend(key)
	if err != nil {
		return nil, err
	}
	idx, ok := leaf.find(key)
	if !ok {
		return nil, engine.ErrNotFound
	}
	return leaf.entries[idx].value, nil
}

// Insert adds or updates key to hold value.
func (tx *Txn) Insert(key, value []byte) error {
	cfg := tx.tree.cfg
	if len(key) != cfg.KeySize {
		return engine.ErrInvalidKeyLength
	}
	if len(value) > cfg.MaxValueSize {
		return engine.ErrInvalidValueLength
	}

	tx.tree.writeMu.Lock()
	defer tx.tree.writeMu.Unlock()

	path, leafPtr, leaf, err := tx.descend(key)
	if err != nil {
		return err
	}

	insertIdx, _ := leaf.find(key)
	wasFirst := insertIdx == 0

	leaf.insert(key, value)

	if leaf.usedBytes(cfg.KeySize) <= leafUsable() {
		_, raw, err := tx.inner.Write(leafPtr)
		if err != nil {
			return err
		}
		leaf.parent = currentParent(path)
		leaf.encode(raw, cfg.KeySize)
		if wasFirst && len(path) > 0 {
			if err := tx.updateLeftSeparator(path, leafPtr, leaf.entries[0].key); err != nil {
				return err
			}
		}
		return nil
	}

	return tx.splitLeaf(path, leafPtr, leaf)
}

// currentParent returns the page id a node at the bottom of path should
// record as its parent (page.None if path is empty, meaning the node is
// the root).
func currentParent(path []pathStep) page.ID {
	if len(path) == 0 {
		return page.None
	}
	return path[len(path)-1].ptr
}

// updateLeftSeparator walks up path and, for the first ancestor where the
// descended child was not its leftmost child, rewrites the separator key
// immediately to its left to newKey. Children that are the leftmost child
// of every ancestor up to the root have no separator to update.
func (tx *Txn) updateLeftSeparator(path []pathStep, leafPtr page.ID, newKey []byte) error {
	childPtr := leafPtr
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		idx := -1
		for j, c := range step.node.children {
			if c == childPtr {
				idx = j
				break
			}
		}
		if idx > 0 {
			step.node.keys[idx-1] = append([]byte(nil), newKey...)
			_, raw, err := tx.inner.Write(step.ptr)
			if err != nil {
				return err
			}
			step.node.parent = currentParent(path[:i])
			step.node.encode(raw, tx.tree.cfg.KeySize)
			return nil
		}
		childPtr = step.ptr
	}
	return nil
}

// splitLeaf splits an overfull leaf into two, promoting the right half's
// first key into the parent through insertIntoParent (cascading into
// splitInterior if the parent itself overflows).
func (tx *Txn) splitLeaf(path []pathStep, leafPtr page.ID, leaf *leafNode) error {
	cfg := tx.tree.cfg
	tx.tree.splits.Add(1)
	mid := splitPoint(leaf.entries, cfg.KeySize)
	rightEntries := append([]leafEntry(nil), leaf.entries[mid:]...)
	leaf.entries = leaf.entries[:mid]

	rightPtr, rightRaw, err := tx.inner.Reserve()
	if err != nil {
		return err
	}

	oldNext := leaf.nextLeaf
	leaf.nextLeaf = rightPtr

	right := &leafNode{
		parent:   currentParent(path),
		prevLeaf: leafPtr,
		nextLeaf: oldNext,
		entries:  rightEntries,
	}
	right.encode(rightRaw, cfg.KeySize)

	if oldNext.Valid() {
		_, oldNextRaw, err := tx.inner.Write(oldNext)
		if err != nil {
			return err
		}
		oldNextLeaf := decodeLeaf(oldNextRaw, cfg.KeySize)
		oldNextLeaf.prevLeaf = rightPtr
		oldNextLeaf.encode(oldNextRaw, cfg.KeySize)
	}

	_, leftRaw, err := tx.inner.Write(leafPtr)
	if err != nil {
		return err
	}
	leaf.parent = currentParent(path)
	leaf.encode(leftRaw, cfg.KeySize)

	separator := append([]byte(nil), rightEntries[0].key...)
	return tx.insertIntoParent(path, separator, rightPtr)
}

// insertIntoParent adds (separator, newChild) to the interior node at the
// top of path (or creates a new root if path is empty), splitting that
// interior node (and cascading further up) if it overflows.
func (tx *Txn) insertIntoParent(path []pathStep, separator []byte, newChild page.ID) error {
	cfg := tx.tree.cfg

	if len(path) == 0 {
		newRootPtr, newRootRaw, err := tx.inner.Reserve()
		if err != nil {
			return err
		}
		// With an empty path the node that split was the root itself.
		oldRoot, err := tx.root()
		if err != nil {
			return err
		}
		root := &interiorNode{
			parent:   page.None,
			keys:     [][]byte{separator},
			children: []page.ID{oldRoot, newChild},
		}
		root.encode(newRootRaw, cfg.KeySize)
		if err := reparentChildren(tx, []page.ID{oldRoot, newChild}, newRootPtr); err != nil {
			return err
		}
		return tx.setRoot(newRootPtr)
	}

	top := path[len(path)-1]
	top.node.insertChild(separator, newChild)

	if top.node.usedBytes(cfg.KeySize) <= interiorUsable() {
		_, raw, err := tx.inner.Write(top.ptr)
		if err != nil {
			return err
		}
		top.node.parent = currentParent(path[:len(path)-1])
		top.node.encode(raw, cfg.KeySize)
		return nil
	}

	return tx.splitInterior(path[:len(path)-1], top.ptr, top.node)
}

// splitInterior splits an overfull interior node, promoting the middle
// separator key (not duplicated, unlike a leaf split) into the parent.
func (tx *Txn) splitInterior(parentPath []pathStep, ptr page.ID, node *interiorNode) error {
	cfg := tx.tree.cfg
	tx.tree.splits.Add(1)
	mid := len(node.keys) / 2
	promoted := node.keys[mid]

	leftKeys := append([][]byte(nil), node.keys[:mid]...)
	leftChildren := append([]page.ID(nil), node.children[:mid+1]...)
	rightKeys := append([][]byte(nil), node.keys[mid+1:]...)
	rightChildren := append([]page.ID(nil), node.children[mid+1:]...)

	rightPtr, rightRaw, err := tx.inner.Reserve()
	if err != nil {
		return err
	}
	right := &interiorNode{parent: currentParent(parentPath), keys: rightKeys, children: rightChildren}
	right.encode(rightRaw, cfg.KeySize)
	if err := reparentChildren(tx, rightChildren, rightPtr); err != nil {
		return err
	}

	_, leftRaw, err := tx.inner.Write(ptr)
	if err != nil {
		return err
	}
	node.keys = leftKeys
	node.children = leftChildren
	node.parent = currentParent(parentPath)
	node.encode(leftRaw, cfg.KeySize)

	return tx.insertIntoParent(parentPath, promoted, rightPtr)
}

// Delete removes key, merging the leaf (and any ancestor interior nodes
// left underfull) with a sibling under the same parent, preferring the
// right sibling over the left.
func (tx *Txn) Delete(key []byte) error {
	cfg := tx.tree.cfg
	if len(key) != cfg.KeySize {
		return engine.ErrInvalidKeyLength
	}

	tx.tree.writeMu.Lock()
	defer tx.tree.writeMu.Unlock()

	path, leafPtr, leaf, err := tx.descend(key)
	if err != nil {
		return err
	}
	if !leaf.remove(key) {
		return engine.ErrNotFound
	}

	_, raw, err := tx.inner.Write(leafPtr)
	if err != nil {
		return err
	}
	leaf.parent = currentParent(path)
	leaf.encode(raw, cfg.KeySize)

	if !leaf.needsMerge(cfg.KeySize) || len(path) == 0 {
		return nil
	}
	return tx.mergeLeaf(path, leafPtr, leaf)
}

// mergeLeaf attempts to fold an underfull leaf into a sibling under the
// same parent, trying the right sibling first.
func (tx *Txn) mergeLeaf(path []pathStep, leafPtr page.ID, leaf *leafNode) error {
	cfg := tx.tree.cfg
	top := path[len(path)-1]
	idx := indexOfChild(top.node, leafPtr)
	if idx < 0 {
		return nil
	}

	if idx+1 < len(top.node.children) {
		rightPtr := top.node.children[idx+1]
		_, rightRaw, err := tx.inner.Read(rightPtr)
		if err != nil {
			return err
		}
		right := decodeLeaf(&rightRaw, cfg.KeySize)
		if combinedLeafFits(leaf, right, cfg.KeySize) {
			tx.tree.merges.Add(1)
			leaf.entries = append(leaf.entries, right.entries...)
			leaf.nextLeaf = right.nextLeaf
			_, leftRaw, err := tx.inner.Write(leafPtr)
			if err != nil {
				return err
			}
			leaf.encode(leftRaw, cfg.KeySize)

			if right.nextLeaf.Valid() {
				_, nn, err := tx.inner.Write(right.nextLeaf)
				if err != nil {
					return err
				}
				nl := decodeLeaf(nn, cfg.KeySize)
				nl.prevLeaf = leafPtr
				nl.encode(nn, cfg.KeySize)
			}

			if err := tx.inner.Delete(rightPtr); err != nil {
				return err
			}
			top.node.removeChildAt(idx + 1)
			return tx.rewriteOrMergeInterior(path[:len(path)-1], top.ptr, top.node)
		}
	}

	if idx > 0 {
		leftPtr := top.node.children[idx-1]
		_, leftRawVal, err := tx.inner.Read(leftPtr)
		if err != nil {
			return err
		}
		left := decodeLeaf(&leftRawVal, cfg.KeySize)
		if combinedLeafFits(left, leaf, cfg.KeySize) {
			tx.tree.merges.Add(1)
			left.entries = append(left.entries, leaf.entries...)
			left.nextLeaf = leaf.nextLeaf
			_, leftRaw, err := tx.inner.Write(leftPtr)
			if err != nil {
				return err
			}
			left.encode(leftRaw, cfg.KeySize)

			if leaf.nextLeaf.Valid() {
				_, nn, err := tx.inner.Write(leaf.nextLeaf)
				if err != nil {
					return err
				}
				nl := decodeLeaf(nn, cfg.KeySize)
				nl.prevLeaf = leftPtr
				nl.encode(nn, cfg.KeySize)
			}

			if err := tx.inner.Delete(leafPtr); err != nil {
				return err
			}
			top.node.removeChildAt(idx)
			return tx.rewriteOrMergeInterior(path[:len(path)-1], top.ptr, top.node)
		}
	}

	// Neither sibling has room to fully absorb this node. Borrow entries
	// from whichever sibling is present instead of leaving the node
	// underfull, equalizing the two byte loads: since combinedLeafFits
	// already failed above, the pair carries more than one page's worth
	// of bytes between them, so after balancing both sides sit within
	// one entry of half capacity.
	if idx+1 < len(top.node.children) {
		rightPtr := top.node.children[idx+1]
		_, rightRawVal, err := tx.inner.Read(rightPtr)
		if err != nil {
			return err
		}
		right := decodeLeaf(&rightRawVal, cfg.KeySize)
		for len(right.entries) > 1 &&
			leaf.usedBytes(cfg.KeySize) < right.usedBytes(cfg.KeySize) &&
			leaf.fits(cfg.KeySize, len(right.entries[0].value)) {
			leaf.entries = append(leaf.entries, right.entries[0])
			right.entries = right.entries[1:]
		}

		_, leftRaw, err := tx.inner.Write(leafPtr)
		if err != nil {
			return err
		}
		leaf.encode(leftRaw, cfg.KeySize)

		_, rightRaw, err := tx.inner.Write(rightPtr)
		if err != nil {
			return err
		}
		right.encode(rightRaw, cfg.KeySize)

		top.node.keys[idx] = append([]byte(nil), right.entries[0].key...)
		_, topRaw, err := tx.inner.Write(top.ptr)
		if err != nil {
			return err
		}
		top.node.parent = currentParent(path[:len(path)-1])
		top.node.encode(topRaw, cfg.KeySize)
		return nil
	}

	if idx > 0 {
		leftPtr := top.node.children[idx-1]
		_, leftRawVal, err := tx.inner.Read(leftPtr)
		if err != nil {
			return err
		}
		left := decodeLeaf(&leftRawVal, cfg.KeySize)
		for len(left.entries) > 1 &&
			leaf.usedBytes(cfg.KeySize) < left.usedBytes(cfg.KeySize) &&
			leaf.fits(cfg.KeySize, len(left.entries[len(left.entries)-1].value)) {
			last := len(left.entries) - 1
			leaf.entries = append([]leafEntry{left.entries[last]}, leaf.entries...)
			left.entries = left.entries[:last]
		}

		_, leftRaw, err := tx.inner.Write(leftPtr)
		if err != nil {
			return err
		}
		left.encode(leftRaw, cfg.KeySize)

		_, rightRaw, err := tx.inner.Write(leafPtr)
		if err != nil {
			return err
		}
		leaf.encode(rightRaw, cfg.KeySize)

		top.node.keys[idx-1] = append([]byte(nil), leaf.entries[0].key...)
		_, topRaw, err := tx.inner.Write(top.ptr)
		if err != nil {
			return err
		}
		top.node.parent = currentParent(path[:len(path)-1])
		top.node.encode(topRaw, cfg.KeySize)
		return nil
	}

	// No sibling at all: this leaf is the only child of its parent, which
	// only happens when the parent is a single-child root on its way to
	// collapsing (handled by the caller). Nothing to redistribute.
	_, raw, err := tx.inner.Write(top.ptr)
	if err != nil {
		return err
	}
	top.node.parent = currentParent(path[:len(path)-1])
	top.node.encode(raw, cfg.KeySize)
	return nil
}

func combinedLeafFits(a, b *leafNode, keySize int) bool {
	total := (len(a.entries)+len(b.entries))*keySize + (len(a.entries)+len(b.entries)+1)*2
	for _, e := range a.entries {
		total += len(e.value)
	}
	for _, e := range b.entries {
		total += len(e.value)
	}
	return total <= leafUsable()
}

// reparentChildren rewrites the stored parent pointer of every page in
// children to newParent, used whenever a split or merge moves a child
// subtree under a different interior node. descend never reads the field
// back (it always walks top-down from the root), but leaving it stale
// would make the on-page format lie about tree shape to anything that
// does, like the debug walk.
func reparentChildren(tx *Txn, children []page.ID, newParent page.ID) error {
	for _, c := range children {
		_, raw, err := tx.inner.Write(c)
		if err != nil {
			return err
		}
		setParent(page.Payload(raw), newParent)
	}
	return nil
}

func indexOfChild(n *interiorNode, child page.ID) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// rewriteOrMergeInterior persists an interior node that just lost a child
// and, if it is now underfull, merges it with a sibling the same way
// mergeLeaf does for leaves, pulling the separator key down from the
// parent as the joining key (interior merges are not duplicated, unlike
// leaf merges, since separator keys are pure routing information).
func (tx *Txn) rewriteOrMergeInterior(path []pathStep, ptr page.ID, node *interiorNode) error {
	cfg := tx.tree.cfg

	if len(node.children) == 1 {
		// Root collapse: this can only happen when path is empty,
		// i.e. node is the root itself.
		if len(path) == 0 {
			newRoot := node.children[0]
			if err := reparentChildren(tx, []page.ID{newRoot}, page.None); err != nil {
				return err
			}
			if err := tx.setRoot(newRoot); err != nil {
				return err
			}
			return tx.inner.Delete(ptr)
		}
	}

	_, raw, err := tx.inner.Write(ptr)
	if err != nil {
		return err
	}
	node.parent = currentParent(path)
	node.encode(raw, cfg.KeySize)

	if len(path) == 0 || !node.needsMerge(cfg.KeySize) {
		return nil
	}

	top := path[len(path)-1]
	idx := indexOfChild(top.node, ptr)
	if idx < 0 {
		return nil
	}

	if idx+1 < len(top.node.children) {
		rightPtr := top.node.children[idx+1]
		_, rightRawVal, err := tx.inner.Read(rightPtr)
		if err != nil {
			return err
		}
		right := decodeInterior(&rightRawVal, cfg.KeySize)
		separator := top.node.keys[idx]
		if combinedInteriorFits(node, right, cfg.KeySize) {
			tx.tree.merges.Add(1)
			node.keys = append(append(node.keys, separator), right.keys...)
			node.children = append(node.children, right.children...)
			_, leftRaw, err := tx.inner.Write(ptr)
			if err != nil {
				return err
			}
			node.encode(leftRaw, cfg.KeySize)
			if err := reparentChildren(tx, right.children, ptr); err != nil {
				return err
			}
			if err := tx.inner.Delete(rightPtr); err != nil {
				return err
			}
			top.node.removeChildAt(idx + 1)
			return tx.rewriteOrMergeInterior(path[:len(path)-1], top.ptr, top.node)
		}
	}

	if idx > 0 {
		leftPtr := top.node.children[idx-1]
		_, leftRawVal, err := tx.inner.Read(leftPtr)
		if err != nil {
			return err
		}
		left := decodeInterior(&leftRawVal, cfg.KeySize)
		separator := top.node.keys[idx-1]
		if combinedInteriorFits(left, node, cfg.KeySize) {
			tx.tree.merges.Add(1)
			left.keys = append(append(left.keys, separator), node.keys...)
			left.children = append(left.children, node.children...)
			_, leftRaw, err := tx.inner.Write(leftPtr)
			if err != nil {
				return err
			}
			left.encode(leftRaw, cfg.KeySize)
			if err := reparentChildren(tx, node.children, leftPtr); err != nil {
				return err
			}
			if err := tx.inner.Delete(ptr); err != nil {
				return err
			}
			top.node.removeChildAt(idx)
			return tx.rewriteOrMergeInterior(path[:len(path)-1], top.ptr, top.node)
		}
	}

	// Same reasoning as mergeLeaf's fallback: neither sibling can fully
	// absorb node, so borrow keys/children from whichever sibling exists
	// instead of leaving node underfull, equalizing the loads and
	// routing the borrowed separator through the parent the way a
	// rotation does.
	if idx+1 < len(top.node.children) {
		rightPtr := top.node.children[idx+1]
		_, rightRawVal, err := tx.inner.Read(rightPtr)
		if err != nil {
			return err
		}
		right := decodeInterior(&rightRawVal, cfg.KeySize)
		for len(right.children) > 1 &&
			node.usedBytes(cfg.KeySize) < right.usedBytes(cfg.KeySize) &&
			node.fits(cfg.KeySize) {
			node.keys = append(node.keys, top.node.keys[idx])
			node.children = append(node.children, right.children[0])
			top.node.keys[idx] = right.keys[0]
			right.keys = right.keys[1:]
			right.children = right.children[1:]
		}
		if err := reparentChildren(tx, node.children, ptr); err != nil {
			return err
		}

		_, leftRaw, err := tx.inner.Write(ptr)
		if err != nil {
			return err
		}
		node.encode(leftRaw, cfg.KeySize)

		_, rightRaw, err := tx.inner.Write(rightPtr)
		if err != nil {
			return err
		}
		right.encode(rightRaw, cfg.KeySize)

		_, topRaw, err := tx.inner.Write(top.ptr)
		if err != nil {
			return err
		}
		top.node.parent = currentParent(path[:len(path)-1])
		top.node.encode(topRaw, cfg.KeySize)
		return nil
	}

	if idx > 0 {
		leftPtr := top.node.children[idx-1]
		_, leftRawVal, err := tx.inner.Read(leftPtr)
		if err != nil {
			return err
		}
		left := decodeInterior(&leftRawVal, cfg.KeySize)
		for len(left.children) > 1 &&
			node.usedBytes(cfg.KeySize) < left.usedBytes(cfg.KeySize) &&
			node.fits(cfg.KeySize) {
			lastChild := len(left.children) - 1
			lastKey := len(left.keys) - 1
			node.keys = append([][]byte{top.node.keys[idx-1]}, node.keys...)
			node.children = append([]page.ID{left.children[lastChild]}, node.children...)
			top.node.keys[idx-1] = left.keys[lastKey]
			left.keys = left.keys[:lastKey]
			left.children = left.children[:lastChild]
		}
		if err := reparentChildren(tx, node.children, ptr); err != nil {
			return err
		}

		_, leftRaw, err := tx.inner.Write(leftPtr)
		if err != nil {
			return err
		}
		left.encode(leftRaw, cfg.KeySize)

		_, rightRaw, err := tx.inner.Write(ptr)
		if err != nil {
			return err
		}
		node.encode(rightRaw, cfg.KeySize)

		_, topRaw, err := tx.inner.Write(top.ptr)
		if err != nil {
			return err
		}
		top.node.parent = currentParent(path[:len(path)-1])
		top.node.encode(topRaw, cfg.KeySize)
		return nil
	}

	return nil
}

func combinedInteriorFits(a, b *interiorNode, keySize int) bool {
	total := (len(a.keys)+len(b.keys)+1)*keySize + (len(a.children)+len(b.children))*8
	return total <= interiorUsable()
}
