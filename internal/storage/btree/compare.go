package btree

import "bytes"

// Compare orders keys unsigned-lexicographically by byte value (spec §3).
// A nil key sorts before any non-nil key, including the empty slice.
func Compare(a, b []byte) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return bytes.Compare(a, b)
}
