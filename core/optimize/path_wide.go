package optimize

import "encoding/binary"

// comparePathWide compares equal-length strings eight bytes at a
// time instead of one byte at a time. It is the portable replacement
// for a platform-specific AVX2/NEON comparison routine: it gets most
// of the win (fewer loop iterations, fewer branches) without hand
// assembly, and produces identical results on every architecture.
func comparePathWide(a, b string) bool {
	n := len(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		if binary.LittleEndian.Uint64([]byte(a[i:i+8])) != binary.LittleEndian.Uint64([]byte(b[i:i+8])) {
			return false
		}
	}
	return a[i:] == b[i:]
}
