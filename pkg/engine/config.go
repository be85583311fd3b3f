package engine

import (
	"fmt"
	"time"
)

// PageSize is fixed by the on-disk/in-memory page format; every page,
// versioned or not, leaf or interior, is exactly this many bytes.
const PageSize = 4096

// Config holds every tunable of the storage engine, exposed directly so
// that tests can shrink the block size and the CLI can surface the rest as
// flags (see cmd/xkv).
type Config struct {
	// KeySize is the fixed width, in bytes, of every key stored in the
	// tree.
	KeySize int

	// MaxValueSize bounds the size of any single value. Validate
	// guarantees two maximally-sized leaf entries can always share a
	// page, so a leaf split always has a landing spot; merges that
	// would not fit fall back to redistribution between siblings (see
	// pkg/btree).
	MaxValueSize int

	// BlockVirtualSize bounds how many pages the page substrate will
	// ever allocate. The backing arrays are allocated eagerly, so this
	// directly bounds real memory use.
	BlockVirtualSize int64

	// VacuumInterval is the maximum time the vacuum scheduler will sleep
	// before checking whether there is work to do, independent of the
	// page-allocation threshold (see pkg/vacuum).
	VacuumInterval time.Duration

	// VacuumPageThreshold is the number of pages allocated since the
	// last vacuum pass that will wake the scheduler early.
	VacuumPageThreshold int64

	// CommitChannelCapacity sizes the buffered channel the single
	// committer goroutine drains (see pkg/txn/committer.go).
	CommitChannelCapacity int

	// LockWaitTimeout bounds how long a lock request will block before
	// returning a LockTimeoutError. Zero means wait indefinitely.
	LockWaitTimeout time.Duration
}

// DefaultConfig returns sane defaults for tests and the CLI. The block
// virtual size is deliberately modest; production deployments that want
// the reference 4GiB ceiling can set BlockVirtualSize explicitly.
func DefaultConfig() Config {
	return Config{
		KeySize:               8,
		MaxValueSize:          1024,
		BlockVirtualSize:      64 << 20, // 64MiB of pages
		VacuumInterval:        10 * time.Second,
		VacuumPageThreshold:   256,
		CommitChannelCapacity: 64,
		LockWaitTimeout:       5 * time.Second,
	}
}

// Validate checks that every field is self-consistent and, in particular,
// that two maximally sized leaf entries fit together in one page, so a
// leaf split can always place its halves.
func (c Config) Validate() error {
	if c.KeySize <= 0 {
		return fmt.Errorf("engine: KeySize must be positive, got %d", c.KeySize)
	}
	if c.MaxValueSize <= 0 {
		return fmt.Errorf("engine: MaxValueSize must be positive, got %d", c.MaxValueSize)
	}
	if c.BlockVirtualSize < PageSize {
		return fmt.Errorf("engine: BlockVirtualSize must hold at least one page, got %d", c.BlockVirtualSize)
	}
	if c.CommitChannelCapacity <= 0 {
		return fmt.Errorf("engine: CommitChannelCapacity must be positive, got %d", c.CommitChannelCapacity)
	}
	if c.VacuumPageThreshold <= 0 {
		return fmt.Errorf("engine: VacuumPageThreshold must be positive, got %d", c.VacuumPageThreshold)
	}

	// Mirrors the leaf layout in pkg/btree: a 40-byte page header and a
	// 40-byte node header/sub-header leave 4016 payload bytes, and each
	// entry costs KeySize + a 2-byte value offset + the value, with one
	// extra 2-byte sentinel offset per leaf.
	const leafPayload = PageSize - 80
	maxEntrySize := c.KeySize + 2 + c.MaxValueSize
	if 2*maxEntrySize+2 > leafPayload {
		return fmt.Errorf(
			"engine: KeySize=%d and MaxValueSize=%d would make two maximal leaf entries (%d bytes each) unable to coexist in one %d-byte page; shrink MaxValueSize or KeySize",
			c.KeySize, c.MaxValueSize, maxEntrySize, PageSize,
		)
	}

	return nil
}
