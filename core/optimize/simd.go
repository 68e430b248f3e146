// Package optimize holds small architecture-gated fast paths. The
// responder's error-page rewrite check (Responder.MakeResponse) runs
// ComparePathSIMD on every 400/403/404 response, comparing the
// request path with the canonical error page path word-wise instead
// of byte-by-byte when the path is long.
package optimize

import (
	"golang.org/x/sys/cpu"
)

// Wide-register capability detection, mirrored from the CPU feature
// flags used elsewhere in the corpus: gate the word-wise comparison
// path on whether the platform has a SIMD-capable register file at
// all, rather than unconditionally widening every comparison.
var (
	useAVX2 bool // x86_64 AVX2
	useNEON bool // ARM64 NEON
)

func init() {
	if cpu.ARM64.HasASIMD {
		useNEON = true
	}
	if cpu.X86.HasAVX2 {
		useAVX2 = true
	}
}

// ComparePathSIMD reports whether a and b are byte-identical. Short
// strings (the common case: most request paths and rewrite targets
// are a handful of bytes) go through the plain comparison; longer
// ones use the architecture's widened comparison helper.
func ComparePathSIMD(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) < 16 {
		return a == b
	}
	if useNEON {
		return comparePathWide(a, b)
	}
	if useAVX2 {
		return comparePathWide(a, b)
	}
	return a == b
}
