package feature

// maxPCPairFeaturesPerInput caps the number of PCPair features synthesized
// for a single input, bounding the otherwise O(|PCs|^2) cost the design
// notes warn about. Not specified by the retrieved source; fixed here (see
// DESIGN.md Open Question decisions).
const maxPCPairFeaturesPerInput = 4096

// MaxPCPairFeaturesPerInput exposes the cap to callers outside this
// package; EnumeratePCPairs applies it itself.
func MaxPCPairFeaturesPerInput() int { return maxPCPairFeaturesPerInput }

// EncodePCPair produces a unique PCPair feature for the unordered pair
// (a,b) of PC indices, a<b, out of n total PCs: a*n + b - a*(a+1)/2.
// EncodePCPair panics if a>=b, matching the precondition that callers only
// enumerate i<j pairs.
func EncodePCPair(a, b, n uint32) Feature {
	if a >= b {
		panic("feature: EncodePCPair requires a < b")
	}
	idx := uint64(a)*uint64(n) + uint64(b) - uint64(a)*(uint64(a)+1)/2
	return ConvertTo(PCPair, idx)
}

// EnumeratePCPairs calls fn for every unordered pair (pcs[i], pcs[j]), i<j,
// among the given sorted, deduplicated PC indices, stopping early once
// maxPCPairFeaturesPerInput pairs have been produced.
func EnumeratePCPairs(pcs []uint32, n uint32, fn func(Feature)) {
	count := 0
	for i := 0; i < len(pcs); i++ {
		for j := i + 1; j < len(pcs); j++ {
			if count >= maxPCPairFeaturesPerInput {
				return
			}
			a, b := pcs[i], pcs[j]
			if a == b {
				continue
			}
			if a > b {
				a, b = b, a
			}
			fn(EncodePCPair(a, b, n))
			count++
		}
	}
}
