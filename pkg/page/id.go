// Package page implements the physical page format, the per-page lock
// word, the page substrate (Block), the bitmap freemap, and the lock
// manager's wait-for-graph deadlock detection. Everything above the
// physical layer (versioning, transactions, the tree itself) lives in
// pkg/txn and pkg/btree.
package page

import "math"

// ID identifies a page within a Block. It is a plain index, not an offset;
// Block translates it into an address internally.
type ID uint64

// First is the id of the header page: the first slot a fresh store
// allocates, holding the tree header rather than a node.
const First ID = 0

// None is the sentinel ID meaning "no page", used for next/previous version
// and next/previous leaf links that terminate a chain.
const None ID = ID(math.MaxUint64)

// Valid reports whether id is a real page reference rather than None.
func (id ID) Valid() bool {
	return id != None
}
