package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/nainya/xkv/pkg/page"
)

// Interior sub-header, immediately after the common node header:
//
//	offset 0  key count (4 bytes)
//	offset 4  reserved (4 bytes)
const interiorSubHeaderSize = 8

const interiorEntriesOffset = commonHeaderSize + interiorSubHeaderSize

// interiorNode holds K separator keys and K+1 child pointers:
// children[i] holds everything < keys[i]; children[K] holds everything
// >= keys[K-1].
type interiorNode struct {
	parent   page.ID
	keys     [][]byte
	children []page.ID
}

func decodeInterior(raw *page.Raw, keySize int) *interiorNode {
	payload := page.Payload(raw)
	n := &interiorNode{parent: parentOf(payload)}
	count := binary.LittleEndian.Uint32(payload[commonHeaderSize:])

	keysPos := interiorEntriesOffset
	childrenPos := keysPos + int(count)*keySize

	n.keys = make([][]byte, count)
	for i := uint32(0); i < count; i++ {
		key := make([]byte, keySize)
		copy(key, payload[keysPos+int(i)*keySize:keysPos+int(i+1)*keySize])
		n.keys[i] = key
	}
	n.children = make([]page.ID, count+1)
	for i := uint32(0); i <= count; i++ {
		n.children[i] = page.ID(binary.LittleEndian.Uint64(payload[childrenPos+int(i)*8:]))
	}
	return n
}

func (n *interiorNode) encode(raw *page.Raw, keySize int) {
	payload := page.Payload(raw)
	for i := range payload {
		payload[i] = 0
	}
	setNodeKind(payload, kindInterior)
	setParent(payload, n.parent)
	binary.LittleEndian.PutUint32(payload[commonHeaderSize:], uint32(len(n.keys)))

	keysPos := interiorEntriesOffset
	childrenPos := keysPos + len(n.keys)*keySize
	for i, k := range n.keys {
		copy(payload[keysPos+i*keySize:], k)
	}
	for i, c := range n.children {
		binary.LittleEndian.PutUint64(payload[childrenPos+i*8:], uint64(c))
	}
}

func interiorUsable() int {
	return page.Size - page.HeaderSize - interiorEntriesOffset
}

func (n *interiorNode) usedBytes(keySize int) int {
	return len(n.keys)*keySize + len(n.children)*8
}

// fits reports whether one more (key, child) pair would still fit.
func (n *interiorNode) fits(keySize int) bool {
	return n.usedBytes(keySize)+keySize+8 <= interiorUsable()
}

func (n *interiorNode) needsMerge(keySize int) bool {
	return n.usedBytes(keySize) < interiorUsable()/2
}

// childIndex returns the index of the child subtree that would contain
// key: the last i such that keys[i-1] <= key, i.e. a standard B+tree
// descent using separator keys as lower bounds of children[1:].
func (n *interiorNode) childIndex(key []byte) int {
	i := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
	return i
}

// insertChild inserts a new separator key and the page id of the child to
// its right at the position implied by key order.
func (n *interiorNode) insertChild(key []byte, child page.ID) {
	idx := sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) >= 0
	})
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = append([]byte(nil), key...)

	n.children = append(n.children, page.None)
	copy(n.children[idx+2:], n.children[idx+1:])
	n.children[idx+1] = child
}

// removeChildAt removes children[i] and the separator key to its left
// (keys[i-1]), used when a right sibling has been merged into its left
// neighbour and the parent's pointer to the now-empty right sibling must
// go away.
func (n *interiorNode) removeChildAt(i int) {
	n.children = append(n.children[:i], n.children[i+1:]...)
	keyIdx := i - 1
	if keyIdx < 0 {
		keyIdx = 0
	}
	n.keys = append(n.keys[:keyIdx], n.keys[keyIdx+1:]...)
}
