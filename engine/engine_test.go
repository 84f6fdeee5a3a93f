package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xtaci/centifuzz/env"
)

func newTestEnv(t *testing.T) *env.Environment {
	t.Helper()
	e := env.Default()
	e.Binary = "true"
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
	return e
}

func TestRunBatchAgainstNonInstrumentedBinaryReportsCrash(t *testing.T) {
	e := newTestEnv(t)
	cb, err := NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	eng := New(e, cb, nil)

	// "true" never talks the runner protocol, so the outputs region stays
	// empty: RunBatch should treat this as a non-fatal crash (ExitOnCrash
	// is false) and report zero gained coverage.
	gained, err := eng.RunBatch([][]byte{[]byte("abc")}, nil, nil, nil)
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if gained {
		t.Fatalf("expected no gained coverage from a non-instrumented binary")
	}
	if eng.numCrashReports != 1 {
		t.Fatalf("numCrashReports=%d, want 1", eng.numCrashReports)
	}

	entries, err := os.ReadDir(e.MakeCrashReproducerDirPath())
	if err != nil {
		t.Fatalf("ReadDir crashes: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one crash reproducer, got %d", len(entries))
	}
}

func TestRunBatchExitOnCrash(t *testing.T) {
	e := newTestEnv(t)
	e.ExitOnCrash = true
	cb, err := NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	eng := New(e, cb, nil)
	if _, err := eng.RunBatch([][]byte{[]byte("abc")}, nil, nil, nil); err == nil {
		t.Fatalf("expected an error when exit_on_crash is set and the batch fails")
	}
}

func TestLoadShardMissingFilesIsEmptyNotError(t *testing.T) {
	e := newTestEnv(t)
	cb, err := NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	eng := New(e, cb, nil)
	n, err := eng.LoadShard(e.MakeCorpusPath(0), e.MakeFeaturesPath(0))
	if err != nil {
		t.Fatalf("LoadShard: %v", err)
	}
	if n != 0 {
		t.Fatalf("n=%d, want 0", n)
	}
}

func TestGenerateAllReportsAndStatsWritesFiles(t *testing.T) {
	e := newTestEnv(t)
	e.GenerateCorpusStats = true
	cb, err := NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	eng := New(e, cb, nil)
	if err := eng.GenerateAllReportsAndStats("test"); err != nil {
		t.Fatalf("GenerateAllReportsAndStats: %v", err)
	}
	if _, err := os.Stat(e.MakeCoverageReportPath("test")); err != nil {
		t.Fatalf("coverage report not written: %v", err)
	}
	if _, err := os.Stat(e.MakeCorpusStatsPath("test")); err != nil {
		t.Fatalf("corpus stats not written: %v", err)
	}
}

func TestSaveAndExportCorpusLocalDir(t *testing.T) {
	e := newTestEnv(t)
	cb, err := NewCallbacks(e)
	if err != nil {
		t.Fatalf("NewCallbacks: %v", err)
	}
	defer cb.Close()

	eng := New(e, cb, nil)
	if err := eng.corpus.Add([]byte("hello"), nil, nil, eng.fs, nil); err != nil {
		t.Fatalf("corpus.Add: %v", err)
	}
	if err := eng.corpus.Add([]byte("world"), nil, nil, eng.fs, nil); err != nil {
		t.Fatalf("corpus.Add: %v", err)
	}

	dir := filepath.Join(e.Workdir, "localcorpus")
	n, err := eng.SaveCorpusToLocalDir(dir)
	if err != nil {
		t.Fatalf("SaveCorpusToLocalDir: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}

	e2 := newTestEnv(t)
	e2.TotalShards = 1
	got, err := ExportCorpusFromLocalDir(e2, dir)
	if err != nil {
		t.Fatalf("ExportCorpusFromLocalDir: %v", err)
	}
	if got != 2 {
		t.Fatalf("got=%d, want 2", got)
	}
}
