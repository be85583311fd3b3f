package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/nainya/xkv/pkg/page"
)

// Leaf sub-header, immediately after the common node header:
//
//	offset 0  previous leaf page id (8 bytes)
//	offset 8  next leaf page id (8 bytes)
//	offset 16 entry count (4 bytes)
//	offset 20 reserved (4 bytes)
const leafSubHeaderSize = 24

// leafEntriesOffset is where the fixed-width key array begins.
const leafEntriesOffset = commonHeaderSize + leafSubHeaderSize

// leafEntry is the decoded, in-memory form of one leaf slot. Nodes are
// decoded into a slice of these, mutated with plain Go slice operations,
// and re-encoded wholesale: fixed key width plus variable value length
// means a full rebuild is no more expensive than in-place splicing would
// be, and is far easier to get right.
type leafEntry struct {
	key   []byte
	value []byte
}

type leafNode struct {
	parent   page.ID
	prevLeaf page.ID
	nextLeaf page.ID
	entries  []leafEntry
}

func decodeLeaf(raw *page.Raw, keySize int) *leafNode {
	payload := page.Payload(raw)
	n := &leafNode{
		parent:   parentOf(payload),
		prevLeaf: page.ID(binary.LittleEndian.Uint64(payload[commonHeaderSize:])),
		nextLeaf: page.ID(binary.LittleEndian.Uint64(payload[commonHeaderSize+8:])),
	}
	count := binary.LittleEndian.Uint32(payload[commonHeaderSize+16:])
	pos := leafEntriesOffset
	keysEnd := pos + int(count)*keySize
	offsets := keysEnd
	offsetsEnd := offsets + (int(count)+1)*2
	valuesBase := offsetsEnd

	n.entries = make([]leafEntry, count)
	for i := uint32(0); i < count; i++ {
		key := make([]byte, keySize)
		copy(key, payload[pos+int(i)*keySize:pos+int(i+1)*keySize])
		off0 := binary.LittleEndian.Uint16(payload[offsets+int(i)*2:])
		off1 := binary.LittleEndian.Uint16(payload[offsets+int(i+1)*2:])
		value := make([]byte, off1-off0)
		copy(value, payload[valuesBase+int(off0):valuesBase+int(off1)])
		n.entries[i] = leafEntry{key: key, value: value}
	}
	return n
}

func (n *leafNode) encode(raw *page.Raw, keySize int) {
	payload := page.Payload(raw)
	for i := range payload {
		payload[i] = 0
	}
	setNodeKind(payload, kindLeaf)
	setParent(payload, n.parent)
	binary.LittleEndian.PutUint64(payload[commonHeaderSize:], uint64(n.prevLeaf))
	binary.LittleEndian.PutUint64(payload[commonHeaderSize+8:], uint64(n.nextLeaf))
	binary.LittleEndian.PutUint32(payload[commonHeaderSize+16:], uint32(len(n.entries)))

	pos := leafEntriesOffset
	keysEnd := pos + len(n.entries)*keySize
	offsets := keysEnd
	offsetsEnd := offsets + (len(n.entries)+1)*2
	valuesBase := offsetsEnd

	running := uint16(0)
	binary.LittleEndian.PutUint16(payload[offsets:], running)
	for i, e := range n.entries {
		copy(payload[pos+i*keySize:], e.key)
		copy(payload[valuesBase+int(running):], e.value)
		running += uint16(len(e.value))
		binary.LittleEndian.PutUint16(payload[offsets+(i+1)*2:], running)
	}
}

// usedBytes returns the number of payload bytes this node's content
// currently occupies, used by fits/needsMerge.
func (n *leafNode) usedBytes(keySize int) int {
	total := (keySize+0)*len(n.entries) + (len(n.entries)+1)*2
	for _, e := range n.entries {
		total += len(e.value)
	}
	return total
}

func leafUsable() int {
	return page.Size - page.HeaderSize - leafEntriesOffset
}

// fits reports whether this node, plus one more entry of keySize and
// addedValueLen bytes, would still fit in a page.
func (n *leafNode) fits(keySize, addedValueLen int) bool {
	added := keySize + 2 + addedValueLen
	return n.usedBytes(keySize)+added <= leafUsable()
}

// needsMerge reports whether the node has fallen below half capacity and
// should be considered for a sibling merge.
func (n *leafNode) needsMerge(keySize int) bool {
	return n.usedBytes(keySize) < leafUsable()/2
}

// splitPoint returns how many entries stay on the left when an overfull
// leaf splits: enough to carry half the occupied bytes, clamped so both
// sides keep at least one entry. Splitting on bytes rather than entry
// count keeps either half within page capacity even when entry sizes are
// skewed.
func splitPoint(entries []leafEntry, keySize int) int {
	total := 0
	for _, e := range entries {
		total += keySize + 2 + len(e.value)
	}
	half := (total + 1) / 2
	acc := 0
	for i, e := range entries {
		if i == len(entries)-1 {
			return i
		}
		acc += keySize + 2 + len(e.value)
		if acc >= half {
			return i + 1
		}
	}
	return 1
}

// find returns the index of key, or the index it would be inserted at
// (ok=false) to keep entries sorted.
func (n *leafNode) find(key []byte) (idx int, ok bool) {
	idx = sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	if idx < len(n.entries) && bytes.Equal(n.entries[idx].key, key) {
		return idx, true
	}
	return idx, false
}

func (n *leafNode) insert(key, value []byte) {
	idx, ok := n.find(key)
	if ok {
		n.entries[idx].value = append([]byte(nil), value...)
		return
	}
	n.entries = append(n.entries, leafEntry{})
	copy(n.entries[idx+1:], n.entries[idx:])
	n.entries[idx] = leafEntry{key: append([]byte(nil), key...), value: append([]byte(nil), value...)}
}

func (n *leafNode) remove(key []byte) bool {
	idx, ok := n.find(key)
	if !ok {
		return false
	}
	n.entries = append(n.entries[:idx], n.entries[idx+1:]...)
	return true
}
