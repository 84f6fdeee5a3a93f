// Package featureset implements the lossy frequency-tracking hash table
// over the feature space (spec.md §4.5): a fixed-size, hashed, saturating
// counter table used to recognize novel features and to weigh corpus
// records by how rare their features are.
package featureset

import (
	"hash/crc32"
	"sync"

	"github.com/xtaci/centifuzz/feature"
)

// tableBits is log2 of the frequency table size: 2^28 bytes, matching the
// original engine's intentionally lossy, collision-tolerant table.
const tableBits = 28
const tableSize = 1 << tableBits
const tableMask = tableSize - 1

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// FeatureSet is owned by exactly one worker; no cross-thread sharing (see
// spec.md §5). It is not safe for concurrent use.
type FeatureSet struct {
	frequencyThreshold uint8
	frequency          []uint8
	numFeatures         uint64
	featuresPerDomain   [int(domainCount)]uint64
	pcIndexSet          map[uint32]struct{}

	// mu is not locked by any FeatureSet method (single-owner) and is
	// unexported, so only code in this package could use it.
	mu sync.Mutex
}

const domainCount = 6 // feature.Unknown .. feature.PCPair

// New constructs a FeatureSet with the given saturation threshold, which
// must be in [1,255] per spec.md §6.
func New(frequencyThreshold uint8) *FeatureSet {
	if frequencyThreshold == 0 {
		frequencyThreshold = 255
	}
	return &FeatureSet{
		frequencyThreshold: frequencyThreshold,
		frequency:          make([]uint8, tableSize),
		pcIndexSet:         make(map[uint32]struct{}),
	}
}

// idx folds a 64-bit feature into a table index via two rounds of CRC32,
// mirroring the original engine's use of a hardware CRC32 intrinsic to
// fold the high and low 32 bits together (see DESIGN.md: stdlib hash/crc32
// Castagnoli stands in for the ISA-specific intrinsic).
func idx(f feature.Feature) uint32 {
	lo := uint32(f)
	hi := uint32(f >> 32)
	h := crc32.Checksum([]byte{byte(hi), byte(hi >> 8), byte(hi >> 16), byte(hi >> 24)}, crcTable)
	h = crc32.Update(h, crcTable, []byte{byte(lo), byte(lo >> 8), byte(lo >> 16), byte(lo >> 24)})
	return h & tableMask
}

// Frequency returns the saturating observed frequency of f, capped at the
// configured threshold.
func (fs *FeatureSet) Frequency(f feature.Feature) uint8 {
	return fs.frequency[idx(f)]
}

// IsFrequent reports whether f has reached the saturation threshold.
func (fs *FeatureSet) IsFrequent(f feature.Feature) bool {
	return fs.frequency[idx(f)] >= fs.frequencyThreshold
}

// Size returns the approximate count of distinct observed features.
func (fs *FeatureSet) Size() uint64 { return fs.numFeatures }

// CountFeatures returns the approximate count of distinct observed
// features tagged with domain d.
func (fs *FeatureSet) CountFeatures(d feature.Domain) uint64 {
	return fs.featuresPerDomain[int(d)]
}

// PCIndexSet returns the exact set of PC indices observed via 8-bit
// counter features so far.
func (fs *FeatureSet) PCIndexSet() map[uint32]struct{} {
	return fs.pcIndexSet
}

// CountUnseenAndPruneFrequentFeatures compacts features in place,
// retaining only those below the saturation threshold, and returns how
// many of the input features had never been observed (frequency==0).
// Order is preserved.
func (fs *FeatureSet) CountUnseenAndPruneFrequentFeatures(features []feature.Feature) ([]feature.Feature, int) {
	unseen := 0
	out := features[:0]
	for _, f := range features {
		freq := fs.frequency[idx(f)]
		if freq == 0 {
			unseen++
		}
		if freq < fs.frequencyThreshold {
			out = append(out, f)
		}
	}
	return out, unseen
}

// IncrementFrequencies records one more observation of each feature in
// features: on first sight it bumps numFeatures/featuresPerDomain (and
// pcIndexSet for 8-bit counter features), then saturate-increments the
// per-feature bucket up to frequencyThreshold.
func (fs *FeatureSet) IncrementFrequencies(features []feature.Feature) {
	for _, f := range features {
		i := idx(f)
		if fs.frequency[i] == 0 {
			fs.numFeatures++
			d := feature.DomainOf(f)
			fs.featuresPerDomain[int(d)]++
			if d == feature.PC8bitCounters {
				fs.pcIndexSet[feature.CounterToPCIndex(f)] = struct{}{}
			}
		}
		if fs.frequency[i] < fs.frequencyThreshold {
			fs.frequency[i]++
		}
	}
}

// ComputeWeight computes the corpus weight contribution of features,
// assuming every feature in it has already been admitted (frequency>=1):
// sum over f of domainWeight(f) * (256/frequency(f)), where
// domainWeight(f) = numFeatures/featuresPerDomain[domain(f)].
func (fs *FeatureSet) ComputeWeight(features []feature.Feature) uint32 {
	var weight uint64
	for _, f := range features {
		d := feature.DomainOf(f)
		perDomain := fs.featuresPerDomain[int(d)]
		if perDomain == 0 {
			perDomain = 1
		}
		domainWeight := fs.numFeatures / perDomain
		if domainWeight == 0 {
			domainWeight = 1
		}
		freq := uint64(fs.frequency[idx(f)])
		if freq == 0 {
			freq = 1
		}
		weight += domainWeight * (256 / freq)
	}
	if weight > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(weight)
}
