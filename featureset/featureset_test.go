package featureset

import (
	"testing"

	"github.com/xtaci/centifuzz/feature"
)

func TestIncrementThenPruneRetainsOnlyRare(t *testing.T) {
	fs := New(3)
	v := []feature.Feature{
		feature.ConvertTo(feature.Unknown, 1),
		feature.ConvertTo(feature.Unknown, 2),
	}
	fs.IncrementFrequencies(v)
	fs.IncrementFrequencies(v)
	fs.IncrementFrequencies(v) // now at threshold (3), frequent

	pruned, unseen := fs.CountUnseenAndPruneFrequentFeatures(append([]feature.Feature{}, v...))
	if unseen != 0 {
		t.Fatalf("expected 0 unseen after 3 increments, got %d", unseen)
	}
	if len(pruned) != 0 {
		t.Fatalf("expected frequent features pruned away, got %v", pruned)
	}
}

func TestUnseenCountOnFirstSight(t *testing.T) {
	fs := New(255)
	v := []feature.Feature{
		feature.ConvertTo(feature.Unknown, 10),
		feature.ConvertTo(feature.Unknown, 11),
	}
	pruned, unseen := fs.CountUnseenAndPruneFrequentFeatures(append([]feature.Feature{}, v...))
	if unseen != 2 {
		t.Fatalf("expected 2 unseen, got %d", unseen)
	}
	if len(pruned) != 2 {
		t.Fatalf("expected both retained below threshold, got %v", pruned)
	}
}

func TestComputeWeightMonotonicityWithFrequency(t *testing.T) {
	fs := New(255)
	f := feature.ConvertTo(feature.Unknown, 42)
	fs.IncrementFrequencies([]feature.Feature{f})
	w1 := fs.ComputeWeight([]feature.Feature{f})
	fs.IncrementFrequencies([]feature.Feature{f})
	w2 := fs.ComputeWeight([]feature.Feature{f})
	if w2 > w1 {
		t.Fatalf("increasing frequency must never increase weight: %d -> %d", w1, w2)
	}
}

func TestComputeWeightRarerDomainWeighsMore(t *testing.T) {
	fs := New(255)
	common := feature.ConvertTo(feature.PC8bitCounters, 1)
	rare := feature.ConvertTo(feature.BoundedPath, 1)
	// Make PC8bitCounters far more common than BoundedPath.
	for i := uint64(0); i < 50; i++ {
		fs.IncrementFrequencies([]feature.Feature{feature.ConvertTo(feature.PC8bitCounters, i)})
	}
	fs.IncrementFrequencies([]feature.Feature{rare})
	wCommon := fs.ComputeWeight([]feature.Feature{common})
	wRare := fs.ComputeWeight([]feature.Feature{rare})
	if wRare <= wCommon {
		t.Fatalf("feature from rarer domain should weigh more: rare=%d common=%d", wRare, wCommon)
	}
}

func TestPCIndexSetTracksCounterFeatures(t *testing.T) {
	fs := New(255)
	f := feature.QuantizeCounter(7, 1)
	fs.IncrementFrequencies([]feature.Feature{f})
	if _, ok := fs.PCIndexSet()[7]; !ok {
		t.Fatalf("expected PC index 7 tracked after counter feature observed")
	}
}
