package corpus

import (
	"math/rand"
	"testing"

	"github.com/xtaci/centifuzz/feature"
	"github.com/xtaci/centifuzz/featureset"
)

func TestWeightedDistributionRatio(t *testing.T) {
	var w WeightedDistribution
	w.AddWeight(10)
	w.AddWeight(100)
	w.AddWeight(1)
	w.Recompute()

	r := rand.New(rand.NewSource(1))
	var freq [3]int
	const trials = 10000
	for i := 0; i < trials; i++ {
		idx, err := w.RandomIndex(uint64(r.Int63()))
		if err != nil {
			t.Fatalf("RandomIndex: %v", err)
		}
		freq[idx]++
	}
	if !(9*freq[2] < freq[0] && freq[0] < freq[1]/9) {
		t.Fatalf("unexpected sampling distribution: %v", freq)
	}
}

func TestRandomIndexInvalidAfterChangeWeight(t *testing.T) {
	var w WeightedDistribution
	w.AddWeight(1)
	w.AddWeight(2)
	w.ChangeWeight(0, 5)
	if _, err := w.RandomIndex(0); err == nil {
		t.Fatalf("expected RandomIndex to fail before Recompute")
	}
	w.Recompute()
	if _, err := w.RandomIndex(0); err != nil {
		t.Fatalf("RandomIndex after Recompute: %v", err)
	}
}

func TestPruneKeepsCorpusNonEmptyAndBounded(t *testing.T) {
	fs := featureset.New(100)
	c := New()
	for i := 0; i < 10; i++ {
		fv := []feature.Feature{feature.ConvertTo(feature.DataFlow, uint64(i))}
		fs.IncrementFrequencies(fv)
		if err := c.Add([]byte{byte(i)}, fv, nil, fs, nil); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r := rand.New(rand.NewSource(2))
	if _, err := c.Prune(fs, nil, 5, r); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if c.NumActive() < 1 || c.NumActive() > 5 {
		t.Fatalf("NumActive()=%d, want in [1,5]", c.NumActive())
	}
}

func TestFrontierPartialCoverage(t *testing.T) {
	table := PCTable{
		{PC: 0x1000, Flags: FuncEntryFlag}, // fn A: fully covered
		{PC: 0x1004, Flags: 0},
		{PC: 0x2000, Flags: FuncEntryFlag}, // fn B: partially covered
		{PC: 0x2004, Flags: 0},
		{PC: 0x2008, Flags: 0},
		{PC: 0x3000, Flags: FuncEntryFlag}, // fn C: uncovered
	}
	c := New()
	fs := featureset.New(100)
	fv := []feature.Feature{
		feature.QuantizeCounter(0, 1),
		feature.QuantizeCounter(1, 1),
		feature.QuantizeCounter(2, 1), // one of three PCs in fn B
	}
	fs.IncrementFrequencies(fv)
	if err := c.Add([]byte{1}, fv, nil, fs, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	fr := NewFrontier(table)
	numPartial := fr.Compute(c)
	if numPartial != 1 {
		t.Fatalf("numPartial=%d, want 1", numPartial)
	}
	if fr.IsFrontier(0) || fr.IsFrontier(1) {
		t.Fatalf("fully covered function should not be in frontier")
	}
	if fr.IsFrontier(5) {
		t.Fatalf("fully uncovered function should not be in frontier")
	}
	if !fr.IsFrontier(2) || !fr.IsFrontier(3) || !fr.IsFrontier(4) {
		t.Fatalf("partially covered function should be entirely in frontier")
	}
}
