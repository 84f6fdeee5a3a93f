// Package corpus implements the in-memory corpus, weighted sampling, and
// the coverage frontier (spec.md §4.6).
package corpus

import (
	"encoding/json"
	"io"
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/feature"
	"github.com/xtaci/centifuzz/featureset"
)

// Record is one corpus element: its raw bytes, features (which may be
// shrunk in place by pruning, never grown), and opaque CMP-argument data.
type Record struct {
	Bytes    []byte
	Features []feature.Feature
	CmpArgs  []byte
}

// WeightedDistribution maintains parallel weight/cumulative-weight arrays
// supporting proportional random sampling (spec.md §3).
type WeightedDistribution struct {
	weights    []uint32
	cumulative []uint32
	valid      bool
}

// AddWeight appends one more weight, keeping cumulative incremental.
func (w *WeightedDistribution) AddWeight(weight uint32) {
	w.weights = append(w.weights, weight)
	if len(w.cumulative) == 0 {
		w.cumulative = append(w.cumulative, weight)
	} else {
		w.cumulative = append(w.cumulative, w.cumulative[len(w.cumulative)-1]+weight)
	}
	w.valid = true
}

// PopBack removes and returns the last weight. Precondition: Size() > 0.
func (w *WeightedDistribution) PopBack() uint32 {
	last := w.weights[len(w.weights)-1]
	w.weights = w.weights[:len(w.weights)-1]
	w.cumulative = w.cumulative[:len(w.cumulative)-1]
	return last
}

// ChangeWeight sets the idx-th weight; RandomIndex must not be called
// again until Recompute runs.
func (w *WeightedDistribution) ChangeWeight(idx int, newWeight uint32) {
	w.weights[idx] = newWeight
	w.valid = false
}

// Recompute rebuilds the cumulative array after one or more ChangeWeight
// calls, restoring validity for RandomIndex.
func (w *WeightedDistribution) Recompute() {
	var sum uint32
	w.cumulative = make([]uint32, len(w.weights))
	for i, weight := range w.weights {
		sum += weight
		w.cumulative[i] = sum
	}
	w.valid = true
}

// Size returns the number of weights.
func (w *WeightedDistribution) Size() int { return len(w.weights) }

// Clear removes all weights.
func (w *WeightedDistribution) Clear() {
	w.weights = nil
	w.cumulative = nil
	w.valid = false
}

// RandomIndex returns the smallest i with r%total < cumulative[i].
// Precondition: Valid()==true and Size()>0.
func (w *WeightedDistribution) RandomIndex(r uint64) (int, error) {
	if len(w.weights) == 0 {
		return 0, errors.New("corpus: RandomIndex on empty distribution")
	}
	if !w.valid {
		return 0, errors.New("corpus: RandomIndex called with a stale distribution; call Recompute first")
	}
	total := w.cumulative[len(w.cumulative)-1]
	if total == 0 {
		return int(r % uint64(len(w.weights))), nil
	}
	target := uint32(r % uint64(total))
	i := sort.Search(len(w.cumulative), func(i int) bool { return w.cumulative[i] > target })
	return i, nil
}

// Valid reports whether the cumulative array reflects the current weights.
func (w *WeightedDistribution) Valid() bool { return w.valid }

// rng is the minimal source of randomness Prune needs; satisfied by
// *rand.Rand.
type rng interface {
	Uint64() uint64
}

// Corpus maintains the set of active records plus their weighted
// distribution; not safe for concurrent use (owned by one worker shard).
type Corpus struct {
	records    []Record
	dist       WeightedDistribution
	numPruned  int
}

// New returns an empty Corpus.
func New() *Corpus { return &Corpus{} }

// Add appends a record and its weight, computed from fs and boosted by how
// many of its 8-bit-counter features fall in the coverage frontier
// (spec.md §4.6): w = ComputeWeight(features) * (1 + |features ∩ frontier|).
func (c *Corpus) Add(bytes []byte, features []feature.Feature, cmpArgs []byte, fs *featureset.FeatureSet, frontier *Frontier) error {
	if len(bytes) == 0 {
		return errors.New("corpus: Add requires non-empty bytes")
	}
	if len(c.records) != c.dist.Size() {
		return errors.New("corpus: records/weights out of sync")
	}
	c.records = append(c.records, Record{Bytes: bytes, Features: features, CmpArgs: cmpArgs})
	c.dist.AddWeight(computeWeight(features, fs, frontier))
	return nil
}

func computeWeight(features []feature.Feature, fs *featureset.FeatureSet, frontier *Frontier) uint32 {
	weight := fs.ComputeWeight(features)
	inFrontier := 0
	if frontier != nil {
		for _, f := range features {
			if feature.DomainOf(f) != feature.PC8bitCounters {
				continue
			}
			if frontier.IsFrontier(feature.CounterToPCIndex(f)) {
				inFrontier++
			}
		}
	}
	return weight * uint32(inFrontier+1)
}

// NumActive returns the number of currently active (kept) records.
func (c *Corpus) NumActive() int { return len(c.records) }

// NumTotal returns the total number of records ever added, including
// those later pruned.
func (c *Corpus) NumTotal() int { return c.numPruned + len(c.records) }

// MaxAvgSize returns the max and average input size among active records.
func (c *Corpus) MaxAvgSize() (max, avg int) {
	if len(c.records) == 0 {
		return 0, 0
	}
	var total int
	for _, r := range c.records {
		if len(r.Bytes) > max {
			max = len(r.Bytes)
		}
		total += len(r.Bytes)
	}
	return max, total / len(c.records)
}

// Get returns the idx-th active record's bytes; idx < NumActive().
func (c *Corpus) Get(idx int) []byte { return c.records[idx].Bytes }

// Record returns the idx-th active record in full.
func (c *Corpus) Record(idx int) Record { return c.records[idx] }

// WeightedRandom returns a random active record's bytes, sampled
// proportional to its weight.
func (c *Corpus) WeightedRandom(r uint64) ([]byte, error) {
	idx, err := c.dist.RandomIndex(r)
	if err != nil {
		return nil, err
	}
	return c.records[idx].Bytes, nil
}

// UniformRandom returns a uniformly random active record's bytes.
func (c *Corpus) UniformRandom(r uint64) []byte {
	return c.records[r%uint64(len(c.records))].Bytes
}

// Prune shrinks each record's feature vector to its still-informative
// subset, recomputes weights, and removes zero-weight records plus
// (if still over target) additional inverse-weighted-random records,
// leaving the corpus non-empty, per spec.md §4.6.
func (c *Corpus) Prune(fs *featureset.FeatureSet, frontier *Frontier, maxCorpusSize int, r *rand.Rand) (int, error) {
	if maxCorpusSize <= 0 {
		return 0, errors.New("corpus: Prune requires max_corpus_size > 0")
	}
	if len(c.records) < 2 {
		return 0, nil
	}

	numZeroWeights := 0
	for i := range c.records {
		c.records[i].Features, _ = fs.CountUnseenAndPruneFrequentFeatures(c.records[i].Features)
		w := computeWeight(c.records[i].Features, fs, frontier)
		c.dist.ChangeWeight(i, w)
		if w == 0 {
			numZeroWeights++
		}
	}

	target := len(c.records) - numZeroWeights
	if target < 1 {
		target = 1
	}
	if target > maxCorpusSize {
		target = maxCorpusSize
	}

	removed := 0
	keep := make([]bool, len(c.records))
	for i := range keep {
		keep[i] = true
	}
	// First drop every zero-weight record.
	remaining := len(c.records)
	for i, rec := range c.records {
		_ = rec
		if c.dist.weights[i] == 0 && remaining > 1 {
			keep[i] = false
			remaining--
			removed++
		}
	}
	// If still over target, drop additional records by inverse-weighted
	// random sampling among the still-kept set (low weight -> more likely
	// to be dropped).
	for remaining > target {
		idx := c.pickInverseWeighted(keep, r)
		if idx < 0 {
			break
		}
		keep[idx] = false
		remaining--
		removed++
	}

	newRecords := make([]Record, 0, remaining)
	newWeights := make([]uint32, 0, remaining)
	for i, k := range keep {
		if k {
			newRecords = append(newRecords, c.records[i])
			newWeights = append(newWeights, c.dist.weights[i])
		}
	}
	c.records = newRecords
	c.numPruned += removed
	c.dist.weights = newWeights
	c.dist.Recompute()
	return removed, nil
}

// pickInverseWeighted samples an index (among still-kept=true entries)
// with probability proportional to (maxWeight+1-weight), so lighter
// records are more likely to be dropped; returns -1 if nothing is kept.
func (c *Corpus) pickInverseWeighted(keep []bool, r *rand.Rand) int {
	var maxW uint32
	for i, k := range keep {
		if k && c.dist.weights[i] > maxW {
			maxW = c.dist.weights[i]
		}
	}
	var total uint64
	for i, k := range keep {
		if k {
			total += uint64(maxW + 1 - c.dist.weights[i])
		}
	}
	if total == 0 {
		return -1
	}
	target := uint64(r.Int63()) % total
	var cum uint64
	for i, k := range keep {
		if !k {
			continue
		}
		cum += uint64(maxW + 1 - c.dist.weights[i])
		if target < cum {
			return i
		}
	}
	return -1
}

type statsRecord struct {
	Size        int      `json:"size"`
	Frequencies []uint64 `json:"frequencies"`
}

type statsDoc struct {
	CorpusStats []statsRecord `json:"corpus_stats"`
}

// PrintStats writes the stable corpus-stats JSON schema of spec.md §4.6 to
// w: {"corpus_stats":[{"size":...,"frequencies":[...]},...]}.
func (c *Corpus) PrintStats(w io.Writer, fs *featureset.FeatureSet) error {
	doc := statsDoc{CorpusStats: make([]statsRecord, len(c.records))}
	for i, rec := range c.records {
		freqs := make([]uint64, len(rec.Features))
		for j, f := range rec.Features {
			freqs[j] = uint64(fs.Frequency(f))
		}
		doc.CorpusStats[i] = statsRecord{Size: len(rec.Bytes), Frequencies: freqs}
	}
	enc := json.NewEncoder(w)
	return enc.Encode(doc)
}
