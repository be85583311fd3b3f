package btree

import (
	"bytes"
	"fmt"

	"github.com/nainya/xkv/pkg/page"
)

// Violation describes a single structural invariant failure found by
// CheckInvariants, labelled with the rule it broke.
type Violation struct {
	Rule   string // "occupancy", "leaf-order", "key-bounds", or "balance"
	Page   page.ID
	Detail string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s at page %d: %s", v.Rule, v.Page, v.Detail)
}

// Report is the result of a full-tree walk.
type Report struct {
	Violations []Violation
}

// OK reports whether the walk found no violations.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// CheckInvariants walks the whole tree under tx's snapshot and checks the
// half-full rule, leaf-list ordering, separator-key bounds, and
// root-to-leaf path balance. It never panics on a broken tree -- it
// reports what it found, so callers like cmd/xkv's check subcommand and
// the property tests can assert on a structured result instead of a
// crash.
//
// The occupancy check allows one maximum-size entry of slack below half
// capacity: with variable-length values a rebalance cannot always land a
// node exactly on the byte boundary, only within one entry of it.
func (t *Tree) CheckInvariants(tx *Txn) Report {
	var r Report
	leafSlack := t.cfg.KeySize + 2 + t.cfg.MaxValueSize
	interiorSlack := t.cfg.KeySize + 8
	leafDepths := map[int]bool{}
	var walk func(ptr page.ID, depth int, lowKey, highKey []byte, isRoot bool)
	walk = func(ptr page.ID, depth int, lowKey, highKey []byte, isRoot bool) {
		_, raw, err := tx.inner.Read(ptr)
		if err != nil {
			r.Violations = append(r.Violations, Violation{Rule: "balance", Page: ptr, Detail: fmt.Sprintf("unreadable: %v", err)})
			return
		}
		if isLeafPage(&raw) {
			leaf := decodeLeaf(&raw, t.cfg.KeySize)
			leafDepths[depth] = true
			if !isRoot && leaf.usedBytes(t.cfg.KeySize) < leafUsable()/2-leafSlack {
				r.Violations = append(r.Violations, Violation{Rule: "occupancy", Page: ptr, Detail: "leaf under half capacity"})
			}
			for i := 1; i < len(leaf.entries); i++ {
				if bytes.Compare(leaf.entries[i-1].key, leaf.entries[i].key) >= 0 {
					r.Violations = append(r.Violations, Violation{Rule: "leaf-order", Page: ptr, Detail: "entries out of order"})
				}
			}
			for _, e := range leaf.entries {
				if lowKey != nil && bytes.Compare(e.key, lowKey) < 0 {
					r.Violations = append(r.Violations, Violation{Rule: "key-bounds", Page: ptr, Detail: "key below subtree lower bound"})
				}
				if highKey != nil && bytes.Compare(e.key, highKey) >= 0 {
					r.Violations = append(r.Violations, Violation{Rule: "key-bounds", Page: ptr, Detail: "key at or above subtree upper bound"})
				}
			}
			return
		}

		inter := decodeInterior(&raw, t.cfg.KeySize)
		if !isRoot && inter.usedBytes(t.cfg.KeySize) < interiorUsable()/2-interiorSlack {
			r.Violations = append(r.Violations, Violation{Rule: "occupancy", Page: ptr, Detail: "interior node under half capacity"})
		}
		if len(inter.children) != len(inter.keys)+1 {
			r.Violations = append(r.Violations, Violation{Rule: "key-bounds", Page: ptr, Detail: "children/keys count mismatch"})
		}
		for i, child := range inter.children {
			childLow, childHigh := lowKey, highKey
			if i > 0 {
				childLow = inter.keys[i-1]
			}
			if i < len(inter.keys) {
				childHigh = inter.keys[i]
			}
			walk(child, depth+1, childLow, childHigh, false)
		}
	}

	root, err := tx.root()
	if err != nil {
		r.Violations = append(r.Violations, Violation{Rule: "balance", Page: page.First, Detail: fmt.Sprintf("unreadable header: %v", err)})
		return r
	}
	walk(root, 0, nil, nil, true)

	if len(leafDepths) > 1 {
		r.Violations = append(r.Violations, Violation{Rule: "balance", Page: root, Detail: "leaves found at unequal depths"})
	}

	if err := checkLeafChain(tx, t.cfg.KeySize); err != nil {
		r.Violations = append(r.Violations, *err)
	}

	return r
}

// checkLeafChain walks the leaf linked list end to end and verifies it
// visits every leaf in strictly ascending key order with consistent
// prev/next back-pointers, catching a broken link that a pure top-down
// walk would never notice.
func checkLeafChain(tx *Txn, keySize int) *Violation {
	leafPtr, leaf, err := tx.leftmostLeaf()
	if err != nil {
		return &Violation{Rule: "leaf-order", Page: page.None, Detail: fmt.Sprintf("cannot find leftmost leaf: %v", err)}
	}

	var lastKey []byte
	prev := page.None
	for {
		if leaf.prevLeaf != prev {
			return &Violation{Rule: "leaf-order", Page: leafPtr, Detail: "prevLeaf does not match actual predecessor"}
		}
		for _, e := range leaf.entries {
			if lastKey != nil && bytes.Compare(lastKey, e.key) >= 0 {
				return &Violation{Rule: "leaf-order", Page: leafPtr, Detail: "leaf chain not strictly ascending"}
			}
			lastKey = e.key
		}
		if !leaf.nextLeaf.Valid() {
			return nil
		}
		_, raw, err := tx.inner.Read(leaf.nextLeaf)
		if err != nil {
			return &Violation{Rule: "leaf-order", Page: leaf.nextLeaf, Detail: fmt.Sprintf("unreadable: %v", err)}
		}
		prev = leafPtr
		leafPtr = leaf.nextLeaf
		leaf = decodeLeaf(&raw, keySize)
	}
}

func (tx *Txn) leftmostLeaf() (page.ID, *leafNode, error) {
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
		cur = inter.children[0]
	}
}
