// Package btree implements the on-page B+tree: node encoding (leaf and
// interior variants sharing a common header), the search/insert/delete
// algorithms with cascading splits and sibling merges, a bidirectional
// leaf-linked iterator, and a debug invariant walk. Every node lives in
// one page.Raw's payload (see pkg/page.Payload) and is read/written
// through a pkg/txn.Transaction, which is what gives the tree its MVCC
// snapshot isolation.
package btree

import (
	"encoding/binary"

	"github.com/nainya/xkv/pkg/page"
)

// kind identifies which of the two node variants a page holds.
type kind uint32

const (
	kindLeaf     kind = 1
	kindInterior kind = 2
)

// Common node header, at the start of page.Payload:
//
//	offset 0  node type (4 bytes)
//	offset 4  reserved (4 bytes)
//	offset 8  parent page id (8 bytes)
const commonHeaderSize = 16

func nodeKind(payload []byte) kind {
	return kind(binary.LittleEndian.Uint32(payload[0:]))
}

func setNodeKind(payload []byte, k kind) {
	binary.LittleEndian.PutUint32(payload[0:], uint32(k))
}

func parentOf(payload []byte) page.ID {
	return page.ID(binary.LittleEndian.Uint64(payload[8:]))
}

func setParent(payload []byte, id page.ID) {
	binary.LittleEndian.PutUint64(payload[8:], uint64(id))
}

// isLeafPage reports whether the page at id currently holds a leaf or
// interior node; used by the iterator and debug walk, which must dispatch
// on a page's content rather than a fixed expectation.
func isLeafPage(raw *page.Raw) bool {
	return nodeKind(page.Payload(raw)) == kindLeaf
}
