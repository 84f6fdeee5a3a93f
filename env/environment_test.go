package env

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestEnvironment(t *testing.T) *Environment {
	t.Helper()
	e := Default()
	e.Workdir = t.TempDir()
	binPath := filepath.Join(t.TempDir(), "target")
	if err := os.WriteFile(binPath, []byte("fake binary"), 0755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	e.Binary = binPath
	e.TotalShards = 1
	e.NumThreads = 1
	if err := e.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return e
}

func TestFinalizeDerivesBinaryNameAndHash(t *testing.T) {
	e := newTestEnvironment(t)
	if e.BinaryName != "target" {
		t.Fatalf("got BinaryName %q want %q", e.BinaryName, "target")
	}
	if len(e.BinaryHash) != 40 {
		t.Fatalf("expected 40-char sha1 hex, got %q", e.BinaryHash)
	}
}

func TestFinalizeRejectsBadShardCounts(t *testing.T) {
	e := Default()
	e.Binary = "/bin/true"
	e.TotalShards = 2
	e.NumThreads = 4
	if err := e.Finalize(); err == nil {
		t.Fatalf("expected error when total_shards < num_threads")
	}
}

func TestFinalizeRejectsBadFrequencyThreshold(t *testing.T) {
	e := Default()
	e.Binary = "/bin/true"
	e.TotalShards = 1
	e.NumThreads = 1
	e.FeatureFrequencyThreshold = 0
	if err := e.Finalize(); err == nil {
		t.Fatalf("expected error for out-of-range frequency threshold")
	}
	e.FeatureFrequencyThreshold = 256
	if err := e.Finalize(); err == nil {
		t.Fatalf("expected error for out-of-range frequency threshold")
	}
}

func TestShardPathsAreZeroPaddedToSixDigits(t *testing.T) {
	e := newTestEnvironment(t)
	got := e.MakeCorpusPath(7)
	want := filepath.Join(e.Workdir, "corpus.000007")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	featuresPath := e.MakeFeaturesPath(7)
	wantFeatures := filepath.Join(e.MakeCoverageDirPath(), "features.000007")
	if featuresPath != wantFeatures {
		t.Fatalf("got %q want %q", featuresPath, wantFeatures)
	}
}

func TestCoverageReportPathAnnotation(t *testing.T) {
	e := newTestEnvironment(t)
	bare := e.MakeCoverageReportPath("")
	tagged := e.MakeCoverageReportPath("initial")
	if filepath.Ext(bare) != ".txt" {
		t.Fatalf("got %q", bare)
	}
	if tagged == bare {
		t.Fatalf("annotated path should differ from bare path")
	}
	wantSuffix := ".initial.txt"
	if tagged[len(tagged)-len(wantSuffix):] != wantSuffix {
		t.Fatalf("got %q want suffix %q", tagged, wantSuffix)
	}
}

func TestUpdateForExperimentAssignsDistinctCombinations(t *testing.T) {
	base := func(shard int) *Environment {
		e := Default()
		e.Binary = "/bin/true"
		e.NumThreads = 4
		e.TotalShards = 4
		e.MyShardIndex = shard
		e.Experiment = "use_cmp_features=0,1:path_level=0,10"
		return e
	}

	seen := map[string]bool{}
	for shard := 0; shard < 4; shard++ {
		e := base(shard)
		if err := e.Finalize(); err != nil {
			t.Fatalf("shard %d: finalize: %v", shard, err)
		}
		if e.LoadOtherShardFrequency != 0 {
			t.Fatalf("shard %d: experiment mode must disable cross-shard loading", shard)
		}
		key := e.ExperimentName
		if seen[key] {
			t.Fatalf("shard %d: duplicate experiment name %q", shard, key)
		}
		seen[key] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct combinations, got %d", len(seen))
	}
}

func TestUpdateForExperimentRejectsIndivisibleThreadCount(t *testing.T) {
	e := Default()
	e.Binary = "/bin/true"
	e.NumThreads = 3
	e.TotalShards = 3
	e.Experiment = "path_level=0,10" // 2 combinations, 3 threads: not divisible.
	if err := e.Finalize(); err == nil {
		t.Fatalf("expected error for non-divisible thread count")
	}
}

func TestSetFlagKnownAndUnknown(t *testing.T) {
	e := Default()
	if err := e.SetFlag("batch_size", "42"); err != nil {
		t.Fatalf("set batch_size: %v", err)
	}
	if e.BatchSize != 42 {
		t.Fatalf("got BatchSize %d want 42", e.BatchSize)
	}
	if err := e.SetFlag("use_cmp_features", "0"); err != nil {
		t.Fatalf("set use_cmp_features: %v", err)
	}
	if e.UseCMPFeatures {
		t.Fatalf("expected UseCMPFeatures to be false")
	}
	if err := e.SetFlag("not_a_real_flag", "1"); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
	if err := e.SetFlag("batch_size", "not-an-int"); err == nil {
		t.Fatalf("expected error for malformed int value")
	}
}

func TestShardForFilenameIsStableAndInRange(t *testing.T) {
	total := 20
	for _, name := range []string{"a", "abc", "some-long-filename.bin"} {
		idx1 := ShardForFilename(name, total)
		idx2 := ShardForFilename(name, total)
		if idx1 != idx2 {
			t.Fatalf("%q: shard hash not stable: %d vs %d", name, idx1, idx2)
		}
		if idx1 < 0 || idx1 >= total {
			t.Fatalf("%q: shard index %d out of range [0,%d)", name, idx1, total)
		}
	}
}

func TestDistillingInThisShard(t *testing.T) {
	e := Default()
	e.DistillShards = 2
	e.MyShardIndex = 0
	if !e.DistillingInThisShard() {
		t.Fatalf("shard 0 should distill when DistillShards=2")
	}
	e.MyShardIndex = 2
	if e.DistillingInThisShard() {
		t.Fatalf("shard 2 should not distill when DistillShards=2")
	}
}
