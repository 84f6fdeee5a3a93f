package analyze

import (
	"path/filepath"
	"testing"

	"github.com/xtaci/centifuzz/corpus"
	"github.com/xtaci/centifuzz/engine"
	"github.com/xtaci/centifuzz/env"
	"github.com/xtaci/centifuzz/feature"
	"github.com/xtaci/centifuzz/mutator"
)

func TestAnalyzeCorporaFindsUniqueAndSharedRecords(t *testing.T) {
	a := []corpus.Record{
		{Bytes: []byte("a0"), Features: []feature.Feature{feature.QuantizeCounter(1, 1)}},
	}
	b := []corpus.Record{
		{Bytes: []byte("b0"), Features: []feature.Feature{feature.QuantizeCounter(1, 1)}},         // shared: PC 1 already in a
		{Bytes: []byte("b1"), Features: []feature.Feature{feature.QuantizeCounter(2, 1)}},         // unique: PC 2 is new
		{Bytes: []byte("b2"), Features: []feature.Feature{feature.QuantizeCounter(2, 1), feature.QuantizeCounter(1, 1)}}, // unique too
	}

	report := AnalyzeCorpora(nil, a, b)

	if report.ASize != 1 || report.BSize != 3 {
		t.Fatalf("sizes = %d/%d, want 1/3", report.ASize, report.BSize)
	}
	if len(report.BOnlyPCs) != 1 || report.BOnlyPCs[0] != 2 {
		t.Fatalf("BOnlyPCs = %v, want [2]", report.BOnlyPCs)
	}
	if len(report.BSharedIndices) != 1 || report.BSharedIndices[0] != 0 {
		t.Fatalf("BSharedIndices = %v, want [0]", report.BSharedIndices)
	}
	if len(report.BUniqueIndices) != 2 {
		t.Fatalf("BUniqueIndices = %v, want 2 entries", report.BUniqueIndices)
	}
	if len(report.Descriptions) != 1 {
		t.Fatalf("Descriptions = %v, want exactly 1 (deduped)", report.Descriptions)
	}
}

func TestMinimizeCrashResultNotLongerThanOriginal(t *testing.T) {
	e := env.Default()
	e.Binary = "false" // always exits non-zero, regardless of input
	e.Workdir = t.TempDir()
	e.ForkServer = false
	e.ShmemSizeMb = 1
	e.TimeoutSeconds = 5
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := e.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	cb, err := engine.NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	original := []byte("abcdefghijklmnop")
	crashDir := filepath.Join(e.Workdir, "crashes")
	result, err := MinimizeCrash(cb, mutator.New(1), e.Binary, original, crashDir, 20, 5)
	if err != nil {
		t.Fatalf("MinimizeCrash: %v", err)
	}
	if len(result) > len(original) {
		t.Fatalf("result longer than original: %d > %d", len(result), len(original))
	}
}

func TestCoverageLoggerDedupsRepeatedPCs(t *testing.T) {
	logger := NewCoverageLogger(func(pc uint32) string { return "pc" })
	if got := logger.ObserveAndDescribeIfNew(7); got == "" {
		t.Fatalf("expected a description on first observation")
	}
	if got := logger.ObserveAndDescribeIfNew(7); got != "" {
		t.Fatalf("expected empty description on repeated observation, got %q", got)
	}
}
