// Package analyze implements corpus-diffing and crash minimization:
// AnalyzeCorpora reports which PCs one corpus covers that another doesn't,
// and MinimizeCrash repeatedly mutates a crashing input towards a smaller
// one that still crashes.
package analyze

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/corpus"
	"github.com/xtaci/centifuzz/engine"
	"github.com/xtaci/centifuzz/feature"
)

// Report is the result of diffing corpus b against corpus a: which PCs b
// covers that a doesn't, and which of b's records are responsible.
type Report struct {
	ASize  int
	BSize  int
	NumAPCs int
	BOnlyPCs       []uint32
	BSharedIndices []int
	BUniqueIndices []int

	// Descriptions holds one symbolized line per newly observed b-only PC,
	// in the order CoverageLogger first saw it (dedup'd, per the original
	// engine's CoverageLogger sink).
	Descriptions []string
}

// CoverageLogger dedups repeated PC observations into at most one
// description each, the Go analogue of the original engine's
// CoverageLogger.
type CoverageLogger struct {
	symbolize func(pcIndex uint32) string
	seen      map[uint32]bool
}

// NewCoverageLogger constructs a CoverageLogger that renders a PC index
// into a human-readable line via symbolize (typically "file:line" lookup
// against a binary's symbol table; nil means no better than the raw PC
// index).
func NewCoverageLogger(symbolize func(pcIndex uint32) string) *CoverageLogger {
	if symbolize == nil {
		symbolize = func(pc uint32) string { return hexPC(pc) }
	}
	return &CoverageLogger{symbolize: symbolize, seen: make(map[uint32]bool)}
}

// ObserveAndDescribeIfNew returns symbolize(pc) the first time pc is
// observed, and "" on every subsequent call for the same pc.
func (c *CoverageLogger) ObserveAndDescribeIfNew(pc uint32) string {
	if c.seen[pc] {
		return ""
	}
	c.seen[pc] = true
	return c.symbolize(pc)
}

func hexPC(pc uint32) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[pc&0xf]
		pc >>= 4
	}
	return "0x" + string(buf)
}

// AnalyzeCorpora computes which PC8bitCounters-domain PCs b covers that a
// doesn't, bucketing b's records into those that contributed such a PC
// ("unique") and those that didn't ("shared"), and symbolizing each b-only
// PC exactly once via symbolize.
func AnalyzeCorpora(symbolize func(pcIndex uint32) string, a, b []corpus.Record) Report {
	aPCs := make(map[uint32]struct{})
	for _, rec := range a {
		for _, f := range rec.Features {
			if feature.DomainOf(f) != feature.PC8bitCounters {
				continue
			}
			aPCs[feature.CounterToPCIndex(f)] = struct{}{}
		}
	}

	bOnlyPCsSet := make(map[uint32]struct{})
	var bUnique, bShared []int
	for i, rec := range b {
		hasBOnly := false
		for _, f := range rec.Features {
			if feature.DomainOf(f) != feature.PC8bitCounters {
				continue
			}
			pc := feature.CounterToPCIndex(f)
			if _, ok := aPCs[pc]; ok {
				continue
			}
			bOnlyPCsSet[pc] = struct{}{}
			hasBOnly = true
		}
		if hasBOnly {
			bUnique = append(bUnique, i)
		} else {
			bShared = append(bShared, i)
		}
	}

	bOnlyPCs := make([]uint32, 0, len(bOnlyPCsSet))
	for pc := range bOnlyPCsSet {
		bOnlyPCs = append(bOnlyPCs, pc)
	}

	logger := NewCoverageLogger(symbolize)
	var descriptions []string
	for _, pc := range bOnlyPCs {
		if d := logger.ObserveAndDescribeIfNew(pc); d != "" {
			descriptions = append(descriptions, d)
		}
	}

	return Report{
		ASize:          len(a),
		BSize:          len(b),
		NumAPCs:        len(aPCs),
		BOnlyPCs:       bOnlyPCs,
		BSharedIndices: bShared,
		BUniqueIndices: bUnique,
		Descriptions:   descriptions,
	}
}

// crasherQueue tracks the set of known-crashing inputs and where
// reproducers for newly found ones get written, mirroring the original
// engine's MinimizerWorkQueue.
type crasherQueue struct {
	crashDir string
	crashers [][]byte
}

func (q *crasherQueue) smallest() []byte {
	return q.crashers[len(q.crashers)-1]
}

// MinimizeCrash repeatedly mutates crashyInput (which must itself crash
// binary) via mutate, keeping only mutants smaller than the smallest known
// crasher, and re-executes them through cb; whenever a mutant also
// crashes it replaces the current smallest and its reproducer is saved to
// crashDir. Runs numRuns/batchSize batches and returns the smallest
// crasher found, or an error if crashyInput didn't crash to begin with or
// if no smaller crasher was found (crashyInput is returned with the
// latter error).
func MinimizeCrash(cb *engine.Callbacks, mutate engine.MutateSource, binary string, crashyInput []byte, crashDir string, numRuns, batchSize int) ([]byte, error) {
	br, code, err := cb.Execute(binary, [][]byte{crashyInput}, false)
	if err != nil {
		return nil, err
	}
	if code == 0 && br.NumOutputsRead == 1 {
		return nil, errors.New("analyze: the given input did not crash")
	}

	if err := os.MkdirAll(crashDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "analyze: mkdir %s", crashDir)
	}
	q := &crasherQueue{crashDir: crashDir, crashers: [][]byte{crashyInput}}

	if batchSize <= 0 {
		batchSize = 1
	}
	numBatches := numRuns / batchSize
	for i := 0; i < numBatches; i++ {
		mutants := mutate.MutateMany(q.crashers, batchSize, true)
		smaller := make([][]byte, 0, len(mutants))
		limit := len(q.smallest())
		for _, m := range mutants {
			if len(m) < limit {
				smaller = append(smaller, m)
			}
		}
		if len(smaller) == 0 {
			continue
		}

		br, code, err := cb.Execute(binary, smaller, true)
		if err != nil {
			return q.smallest(), err
		}
		if code == 0 && br.NumOutputsRead == len(smaller) {
			continue
		}
		idx := br.NumOutputsRead
		if idx >= len(smaller) {
			idx = len(smaller) - 1
		}
		newCrasher := smaller[idx]
		q.crashers = append(q.crashers, newCrasher)
		if err := saveReproducer(crashDir, newCrasher); err != nil {
			return newCrasher, err
		}
	}

	if len(q.crashers) == 1 {
		return crashyInput, errors.New("analyze: no smaller crashing input found")
	}
	return q.smallest(), nil
}

func saveReproducer(dir string, input []byte) error {
	sum := sha1.Sum(input)
	path := filepath.Join(dir, hex.EncodeToString(sum[:]))
	return os.WriteFile(path, input, 0644)
}
