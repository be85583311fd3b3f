package engine

import "encoding/binary"

// EncodeUint64Key encodes v as a big-endian KeySize-byte key, so that
// byte-wise comparison of encoded keys matches numeric order. For width
// above 8 the extra leading bytes are left zero; for width below 8 only the
// low width bytes of v are kept.
func EncodeUint64Key(v uint64, width int) []byte {
	buf := make([]byte, width)
	if width >= 8 {
		binary.BigEndian.PutUint64(buf[width-8:], v)
	} else {
		// Narrow keys still need to sort correctly; shift the value
		// down so the low `width` bytes of a big-endian u64 hold it.
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], v)
		copy(buf, tmp[8-width:])
	}
	return buf
}

// DecodeUint64Key is the inverse of EncodeUint64Key.
func DecodeUint64Key(key []byte) uint64 {
	var tmp [8]byte
	if len(key) >= 8 {
		copy(tmp[:], key[len(key)-8:])
	} else {
		copy(tmp[8-len(key):], key)
	}
	return binary.BigEndian.Uint64(tmp[:])
}
