package page

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/nainya/xkv/pkg/engine"
)

// Size is the fixed physical size of every page, matching engine.PageSize.
const Size = engine.PageSize

// Raw is the physical byte layout of one page:
//
//	offset 0   checksum (4 bytes, xxhash64 low 32 bits, zeroed while hashing)
//	offset 4   flags (2 bytes)
//	offset 6   reserved (2 bytes)
//	offset 8   visible_from (8 bytes)
//	offset 16  visible_until (8 bytes)
//	offset 24  next_version page id (8 bytes)
//	offset 32  previous_version page id (8 bytes)
//	offset 40  payload, interpreted by pkg/btree as a node
type Raw [Size]byte

const (
	offChecksum     = 0
	offFlags        = 4
	offVisibleFrom  = 8
	offVisibleUntil = 16
	offNextVersion  = 24
	offPrevVersion  = 32
	// HeaderSize is the number of bytes at the front of every page
	// reserved for the checksum/flags header and the versioned-page
	// header; everything from HeaderSize onward belongs to pkg/btree.
	HeaderSize = 40
)

// Flag bits stored at offFlags.
const (
	FlagFree uint16 = 1 << iota
)

// Payload returns the bytes available to the node encoding in pkg/btree.
func Payload(r *Raw) []byte {
	return r[HeaderSize:]
}

// Flags returns the page-level flag bits.
func Flags(r *Raw) uint16 {
	return binary.LittleEndian.Uint16(r[offFlags:])
}

// SetFlags sets the page-level flag bits.
func SetFlags(r *Raw, flags uint16) {
	binary.LittleEndian.PutUint16(r[offFlags:], flags)
}

// VisibleFrom returns the transaction timestamp from which this page
// version becomes visible.
func VisibleFrom(r *Raw) uint64 {
	return binary.LittleEndian.Uint64(r[offVisibleFrom:])
}

// SetVisibleFrom sets the visible_from timestamp.
func SetVisibleFrom(r *Raw, ts uint64) {
	binary.LittleEndian.PutUint64(r[offVisibleFrom:], ts)
}

// Forever is the visible_until sentinel for a page version that is still
// the current head of its logical page's chain.
const Forever = ^uint64(0)

// VisibleUntil returns the transaction timestamp at which this page version
// stops being visible, or Forever if it is still the latest version.
func VisibleUntil(r *Raw) uint64 {
	return binary.LittleEndian.Uint64(r[offVisibleUntil:])
}

// IsHead reports whether r is still the live, current version of its
// logical page (visible_until unset).
func IsHead(r *Raw) bool {
	return VisibleUntil(r) == Forever
}

// SetVisibleUntil sets the visible_until timestamp.
func SetVisibleUntil(r *Raw, ts uint64) {
	binary.LittleEndian.PutUint64(r[offVisibleUntil:], ts)
}

// IsVisibleAt reports whether this page version is visible to a reader
// holding snapshot timestamp ts.
func IsVisibleAt(r *Raw, ts uint64) bool {
	return VisibleFrom(r) <= ts && ts < VisibleUntil(r)
}

// NextVersion returns the page id of the next (newer) version in the chain,
// or None if this is the latest version.
func NextVersion(r *Raw) ID {
	return ID(binary.LittleEndian.Uint64(r[offNextVersion:]))
}

// SetNextVersion sets the next-version link.
func SetNextVersion(r *Raw, id ID) {
	binary.LittleEndian.PutUint64(r[offNextVersion:], uint64(id))
}

// PreviousVersion returns the page id of the previous (older) version in
// the chain, or None if this is the first version.
func PreviousVersion(r *Raw) ID {
	return ID(binary.LittleEndian.Uint64(r[offPrevVersion:]))
}

// SetPreviousVersion sets the previous-version link.
func SetPreviousVersion(r *Raw, id ID) {
	binary.LittleEndian.PutUint64(r[offPrevVersion:], uint64(id))
}

// InitVersionHeader resets the versioned-page header of a freshly allocated
// page to "visible from genesis, forever, no neighbours".
func InitVersionHeader(r *Raw) {
	SetVisibleFrom(r, 0)
	SetVisibleUntil(r, Forever)
	SetNextVersion(r, None)
	SetPreviousVersion(r, None)
}

// Seal computes the checksum over the page with the checksum field zeroed,
// and writes it back into the header.
func Seal(r *Raw) {
	binary.LittleEndian.PutUint32(r[offChecksum:], 0)
	sum := uint32(xxhash.Sum64(r[:]))
	binary.LittleEndian.PutUint32(r[offChecksum:], sum)
}

// Verify recomputes the checksum and compares it against the stored value,
// returning an *engine.CorruptionError on mismatch.
func Verify(id ID, r *Raw) error {
	want := binary.LittleEndian.Uint32(r[offChecksum:])
	var scratch Raw
	copy(scratch[:], r[:])
	binary.LittleEndian.PutUint32(scratch[offChecksum:], 0)
	got := uint32(xxhash.Sum64(scratch[:]))
	if want != got {
		return &engine.CorruptionError{ID: uint64(id), Want: want, Got: got}
	}
	return nil
}
