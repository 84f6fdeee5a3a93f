package feature

import "math/bits"

// EncodeCMP derives a CMP-domain feature for a comparison of x and y at
// instrumentation site pc (one of numSites sites). It folds an equality
// flag, the bit position of the XOR's most significant set bit, and a
// log2-magnitude bucket of |x-y| together with pc, so that distinct
// (pc,x,y) triples collide rarely while the same pair at a different pc
// produces a different feature. The exact bit layout is this repo's own
// resolution of an open question (see DESIGN.md); only the invariants are
// externally specified.
func EncodeCMP(pc uint32, numSites uint32, x, y uint64) Feature {
	xorv := x ^ y
	eq := uint64(0)
	if xorv == 0 {
		eq = 1
	}
	msb := uint64(bits.Len64(xorv)) // 0 when equal
	diff := x - y
	if y > x {
		diff = y - x
	}
	mag := uint64(log2Bucket(diff))

	// Mix pc into the low bits via a multiplicative hash so that the same
	// (x,y) at different pc lands in a different bucket with high
	// probability, then fold in eq/msb/mag.
	h := uint64(pc)*2654435761 + uint64(numSites)
	h ^= eq << 1
	h ^= msb << 8
	h ^= mag << 16
	h *= 0x9E3779B97F4A7C15
	return ConvertTo(CMP, h)
}
