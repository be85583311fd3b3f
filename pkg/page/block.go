package page

import (
	"sync/atomic"

	"github.com/nainya/xkv/pkg/engine"
)

// Block is the page substrate: a fixed-capacity array of pages plus a
// parallel housekeeping array of per-page Locks. Both arrays are allocated
// upfront; allocation is a single atomic counter bump into the data
// region.
type Block struct {
	pages    []Raw
	locks    []Lock
	latest   atomic.Uint64
	capacity uint64
}

// NewBlock allocates a Block able to hold capacityBytes/Size pages.
func NewBlock(capacityBytes int64) *Block {
	capacity := uint64(capacityBytes) / Size
	if capacity == 0 {
		capacity = 1
	}
	b := &Block{
		pages:    make([]Raw, capacity),
		locks:    make([]Lock, capacity),
		capacity: capacity,
	}
	for i := range b.locks {
		// Lock carries an atomic word; initialize fields in place
		// rather than assigning a Lock value.
		b.locks[i].notifier = newNotifier()
	}
	return b
}

// Capacity returns the maximum number of pages this Block can hold.
func (b *Block) Capacity() uint64 {
	return b.capacity
}

// Allocated returns the number of pages handed out by Allocate so far, not
// accounting for pages later returned to the freemap.
func (b *Block) Allocated() uint64 {
	return min(b.latest.Load(), b.capacity)
}

// Allocate reserves the next page index and
// returns the index and a pointer to its (still content-uninitialized)
// page. The caller is expected to populate the payload and call
// Lock.MarkInitialized once it is safe to publish.
func (b *Block) Allocate() (ID, *Raw, error) {
	idx := b.latest.Add(1) - 1
	if idx >= b.capacity {
		return None, nil, engine.ErrOutOfSpace
	}
	return ID(idx), &b.pages[idx], nil
}

// Get returns a pointer to the raw bytes of page id, and its Lock. An id
// that was never allocated is reported as PageNotFound.
func (b *Block) Get(id ID) (*Raw, *Lock, error) {
	if !id.Valid() || uint64(id) >= b.Allocated() {
		return nil, nil, &engine.PageNotFoundError{ID: uint64(id)}
	}
	return &b.pages[id], &b.locks[id], nil
}

// LockFor returns the Lock for a page id without dereferencing its bytes,
// used by the lock manager when it only needs to manipulate lock state.
func (b *Block) LockFor(id ID) (*Lock, error) {
	if !id.Valid() || uint64(id) >= b.Allocated() {
		return nil, &engine.PageNotFoundError{ID: uint64(id)}
	}
	return &b.locks[id], nil
}
