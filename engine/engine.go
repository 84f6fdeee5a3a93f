package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/blobfile"
	"github.com/xtaci/centifuzz/corpus"
	"github.com/xtaci/centifuzz/env"
	"github.com/xtaci/centifuzz/feature"
	"github.com/xtaci/centifuzz/featureset"
	"github.com/xtaci/centifuzz/mutator"
	"github.com/xtaci/centifuzz/protocol"
)

// earlyExitCode holds the process-wide early-exit request (spec.md §5,
// "Cancellation"): -1 means "no request", any other value is the exit code
// every shard's loop should observe and stop at the next iteration
// boundary. The process's SIGINT handler and Callbacks (on a child that
// was terminated by SIGINT) both route through RequestEarlyExit rather
// than calling os.Exit directly, so every shard goroutine gets a chance to
// flush final telemetry first.
var earlyExitCode int32 = -1

// RequestEarlyExit records code as the process-wide early-exit request.
// Only the first call has effect; later calls are no-ops, matching the
// original engine's "first reason wins" semantics.
func RequestEarlyExit(code int) {
	atomic.CompareAndSwapInt32(&earlyExitCode, -1, int32(code))
}

// EarlyExitRequested reports whether RequestEarlyExit has been called, and
// with which code.
func EarlyExitRequested() (bool, int) {
	v := atomic.LoadInt32(&earlyExitCode)
	if v < 0 {
		return false, 0
	}
	return true, int(v)
}

// ResetEarlyExitForTesting clears the early-exit request; it exists only so
// package tests can run independent scenarios in one process.
func ResetEarlyExitForTesting() {
	atomic.StoreInt32(&earlyExitCode, -1)
}

// Engine is the per-shard fuzzing loop: it owns the corpus, feature set,
// and frontier for one shard, and drives LoadShard/RunBatch/FuzzingLoop
// against one or more target binaries through Callbacks.
type Engine struct {
	Env       *env.Environment
	Callbacks *Callbacks
	Mutate    MutateSource

	fs       *featureset.FeatureSet
	corpus   *corpus.Corpus
	frontier *corpus.Frontier
	pcTable  corpus.PCTable

	rng     *rand.Rand
	beginAt time.Time
	numRuns int

	numFrontierFuncs int
	numCrashReports  int
}

// New constructs an Engine for one shard. pcTable may be nil if the target
// wasn't built with PC-table dumping support; use_coverage_frontier is then
// silently disabled.
func New(e *env.Environment, cb *Callbacks, pcTable corpus.PCTable) *Engine {
	seed := e.Seed
	if seed == 0 {
		seed = 1
	}
	eng := &Engine{
		Env:      e,
		Callbacks: cb,
		fs:       featureset.New(uint8(e.FeatureFrequencyThreshold)),
		corpus:   corpus.New(),
		rng:      rand.New(rand.NewSource(int64(seed))),
		beginAt:  time.Now(),
		pcTable:  pcTable,
	}
	if e.UseCoverageFrontier && pcTable != nil {
		eng.frontier = corpus.NewFrontier(pcTable)
	}
	eng.Mutate = internalMutateSource{m: mutator.New(seed)}
	return eng
}

// AddDictionaryEntries feeds entries into this engine's internal mutator's
// dictionary. A no-op if Mutate has been replaced with an external
// MutateSource (e.g. MutateViaExternalBinary over C7+C8), since there is no
// internal dictionary to feed in that case.
func (e *Engine) AddDictionaryEntries(entries [][]byte) {
	internal, ok := e.Mutate.(internalMutateSource)
	if !ok {
		return
	}
	for _, entry := range entries {
		internal.m.AddToDictionary(entry)
	}
}

// Records returns every active record currently held in this shard's
// in-memory corpus, for callers (AnalyzeCorpora, save/export tooling) that
// need the full {bytes, features} pair rather than just the raw bytes
// SaveCorpusToLocalDir writes.
func (e *Engine) Records() []corpus.Record {
	n := e.corpus.NumActive()
	out := make([]corpus.Record, n)
	for i := 0; i < n; i++ {
		out[i] = e.corpus.Record(i)
	}
	return out
}

// Log prints one status line, the Go analogue of the original engine's
// periodic progress line.
func (e *Engine) Log(logType string) {
	elapsed := time.Since(e.beginAt).Seconds()
	var execPerSec float64
	if elapsed > 0 {
		execPerSec = float64(e.numRuns) / elapsed
	}
	max, avg := e.corpus.MaxAvgSize()
	log.Printf("%s[%d] %s: ft: %d cnt: %d df: %d cmp: %d path: %d pair: %d corp: %d/%d fr: %d max/avg: %d/%d exec/s: %.0f",
		e.Env.ExperimentName, e.numRuns, logType,
		e.fs.Size(),
		e.fs.CountFeatures(feature.PC8bitCounters),
		e.fs.CountFeatures(feature.DataFlow),
		e.fs.CountFeatures(feature.CMP),
		e.fs.CountFeatures(feature.BoundedPath),
		e.fs.CountFeatures(feature.PCPair),
		e.corpus.NumActive(), e.corpus.NumTotal(),
		e.numFrontierFuncs, max, avg, execPerSec)
}

// StatsLogHeader names the columns StatsRow returns, for wiring into
// statlog.Start.
var StatsLogHeader = []string{"num_runs", "num_features", "counters", "dataflow", "cmp", "path", "pcpair", "corpus_active", "corpus_total", "frontier_funcs", "max_size", "avg_size"}

// StatsRow returns one statlog row reflecting this shard's current state,
// in StatsLogHeader's column order.
func (e *Engine) StatsRow() []string {
	max, avg := e.corpus.MaxAvgSize()
	return []string{
		fmt.Sprint(e.numRuns),
		fmt.Sprint(e.fs.Size()),
		fmt.Sprint(e.fs.CountFeatures(feature.PC8bitCounters)),
		fmt.Sprint(e.fs.CountFeatures(feature.DataFlow)),
		fmt.Sprint(e.fs.CountFeatures(feature.CMP)),
		fmt.Sprint(e.fs.CountFeatures(feature.BoundedPath)),
		fmt.Sprint(e.fs.CountFeatures(feature.PCPair)),
		fmt.Sprint(e.corpus.NumActive()),
		fmt.Sprint(e.corpus.NumTotal()),
		fmt.Sprint(e.numFrontierFuncs),
		fmt.Sprint(max),
		fmt.Sprint(avg),
	}
}

// recomputeFrontier refreshes the coverage frontier (if enabled) and the
// cached count Log reports.
func (e *Engine) recomputeFrontier() {
	if e.frontier == nil {
		return
	}
	e.numFrontierFuncs = e.frontier.Compute(e.corpus)
}

// RunBatch executes inputs against the primary and extra binaries, admits
// any input with newly observed features into the corpus, and appends
// admitted inputs/features to corpusFile/featuresFile (either may be nil).
// unconditionalFeaturesFile, if non-nil, receives every input's feature
// record regardless of novelty. Returns whether any input in the batch
// gained new coverage.
func (e *Engine) RunBatch(inputs [][]byte, corpusFile, featuresFile, unconditionalFeaturesFile *blobfile.Appender) (bool, error) {
	br, code, err := e.Callbacks.Execute(e.Env.Binary, inputs, false)
	if err != nil {
		return false, err
	}
	if code != 0 || br.NumOutputsRead != len(inputs) {
		e.reportCrash(e.Env.Binary, inputs, br)
		if e.Env.ExitOnCrash {
			return false, errors.New("engine: exit_on_crash triggered")
		}
	}
	for _, extra := range e.Env.ExtraBinaries {
		extraBr, extraCode, eerr := e.Callbacks.Execute(extra, inputs, true)
		if eerr != nil {
			return false, eerr
		}
		if extraCode != 0 || extraBr.NumOutputsRead != len(inputs) {
			e.reportCrash(extra, inputs, extraBr)
		}
	}

	e.numRuns += len(inputs)
	gainedCoverage := false
	for i := 0; i < br.NumOutputsRead && i < len(inputs); i++ {
		input := inputs[i]
		fv := br.Results[i].Features

		if unconditionalFeaturesFile != nil {
			if err := unconditionalFeaturesFile.Append(blobfile.PackFeaturesAndHash(input, featuresToU64(fv))); err != nil {
				return gainedCoverage, err
			}
		}

		fv, unseen := e.fs.CountUnseenAndPruneFrequentFeatures(fv)
		if unseen == 0 {
			continue
		}
		if e.Env.UsePCPairFeatures {
			e.addPCPairFeatures(&fv)
		}

		e.fs.IncrementFrequencies(fv)
		gainedCoverage = true
		if len(fv) == 0 {
			continue
		}
		if err := e.corpus.Add(input, fv, nil, e.fs, e.frontier); err != nil {
			return gainedCoverage, err
		}
		if corpusFile != nil {
			if err := corpusFile.Append(input); err != nil {
				return gainedCoverage, err
			}
		}
		if featuresFile != nil {
			if err := featuresFile.Append(blobfile.PackFeaturesAndHash(input, featuresToU64(fv))); err != nil {
				return gainedCoverage, err
			}
		}
	}
	return gainedCoverage, nil
}

// addPCPairFeatures synthesizes PCPair features for the 8-bit-counter PCs
// present in *fv, skipping any pair already seen (nonzero frequency).
func (e *Engine) addPCPairFeatures(fv *[]feature.Feature) {
	if len(e.pcTable) == 0 {
		return
	}
	var pcs []uint32
	for _, f := range *fv {
		if feature.DomainOf(f) == feature.PC8bitCounters {
			pcs = append(pcs, feature.CounterToPCIndex(f))
		}
	}
	feature.EnumeratePCPairs(pcs, uint32(len(e.pcTable)), func(pair feature.Feature) {
		if e.fs.Frequency(pair) != 0 {
			return
		}
		*fv = append(*fv, pair)
	})
}

func featuresToU64(fv []feature.Feature) []uint64 {
	out := make([]uint64, len(fv))
	for i, f := range fv {
		out[i] = uint64(f)
	}
	return out
}

// reportCrash identifies which input in the batch most likely caused the
// failure and saves a compressed reproducer for it. It first tries the
// input at br.NumOutputsRead (the one that was executing when the batch
// stopped producing output); if that's out of range, it falls back to
// re-executing each input singly until one fails.
func (e *Engine) reportCrash(binary string, inputs [][]byte, br *protocol.BatchResult) {
	e.numCrashReports++
	if e.Env.MaxNumCrashReports > 0 && e.numCrashReports > e.Env.MaxNumCrashReports {
		return
	}

	var culprit []byte
	if br != nil && br.NumOutputsRead < len(inputs) {
		culprit = inputs[br.NumOutputsRead]
	}
	if culprit == nil {
		for _, in := range inputs {
			_, code, err := e.Callbacks.Execute(binary, [][]byte{in}, true)
			if err != nil || code != 0 {
				culprit = in
				break
			}
		}
	}
	if culprit == nil {
		log.Printf("engine: %s crashed but no culprit input could be isolated", binary)
		return
	}
	path, err := e.saveCrashReproducer(culprit)
	if err != nil {
		log.Printf("engine: failed to save crash reproducer: %v", err)
		return
	}
	log.Printf("engine: %s crashed; reproducer saved to %s", binary, path)
}

// saveCrashReproducer snappy-compresses input and writes it under the
// crash-reproducer directory, named by its sha1 hash.
func (e *Engine) saveCrashReproducer(input []byte) (string, error) {
	dir := e.Env.MakeCrashReproducerDirPath()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "engine: mkdir %s", dir)
	}
	sum := sha1.Sum(input)
	path := filepath.Join(dir, hex.EncodeToString(sum[:]))
	if err := ioutil.WriteFile(path, snappy.Encode(nil, input), 0644); err != nil {
		return "", errors.Wrapf(err, "engine: write %s", path)
	}
	return path, nil
}

// LoadShard reads corpusPath and featuresPath (either may not exist yet,
// treated as empty), matches corpus inputs against their recorded feature
// vectors by hash, and admits every one with still-novel features into
// the corpus. An input whose features file entry is missing or doesn't
// match gets an empty feature vector, which adds nothing unseen, so that
// input is skipped; inputs are not re-executed to recompute features.
func (e *Engine) LoadShard(corpusPath, featuresPath string) (int, error) {
	cr := blobfile.NewReader()
	if err := cr.Open(corpusPath); err != nil {
		return 0, errors.Wrapf(err, "engine: open corpus shard %s", corpusPath)
	}
	defer cr.Close()

	fr := blobfile.NewReader()
	if err := fr.Open(featuresPath); err != nil {
		return 0, errors.Wrapf(err, "engine: open features shard %s", featuresPath)
	}
	defer fr.Close()

	featuresByHash := make(map[string][]feature.Feature, fr.NumBlobs())
	for {
		blob, err := fr.Read()
		if err == blobfile.ErrEndOfStream {
			break
		}
		if err != nil {
			return 0, err
		}
		raw, hash, err := blobfile.UnpackFeaturesAndHash(blob)
		if err != nil {
			continue
		}
		fv := make([]feature.Feature, len(raw))
		for i, u := range raw {
			fv[i] = feature.Feature(u)
		}
		featuresByHash[string(hash)] = fv
	}

	loaded := 0
	for {
		input, err := cr.Read()
		if err == blobfile.ErrEndOfStream {
			break
		}
		if err != nil {
			return loaded, err
		}
		if len(input) == 0 {
			continue
		}
		sum := sha1.Sum(input)
		hash := []byte(hexHash(sum))
		fv := featuresByHash[string(hash)]
		fv, unseen := e.fs.CountUnseenAndPruneFrequentFeatures(append([]feature.Feature{}, fv...))
		if unseen == 0 {
			continue
		}
		e.fs.IncrementFrequencies(fv)
		if err := e.corpus.Add(input, fv, nil, e.fs, e.frontier); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func hexHash(sum [20]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range sum {
		out[2*i] = hextable[b>>4]
		out[2*i+1] = hextable[b&0xf]
	}
	return string(out)
}

// MergeFromOtherCorpus loads every corpus/features shard pair in this
// engine's workdir belonging to the other shard indexes in idxs, folding their inputs into
// this engine's corpus the same way LoadShard does for its own shard.
func (e *Engine) MergeFromOtherCorpus(idxs []int) (int, error) {
	merged := 0
	for _, idx := range idxs {
		if exit, _ := EarlyExitRequested(); exit {
			break
		}
		if idx == e.Env.MyShardIndex {
			continue
		}
		n, err := e.LoadShard(e.Env.MakeCorpusPath(idx), e.Env.MakeFeaturesPath(idx))
		if err != nil {
			return merged, err
		}
		merged += n
	}
	return merged, nil
}

// GenerateCoverageReport writes a plain-text coverage summary (one PC
// index per covered line) to the shard's coverage-report path.
func (e *Engine) GenerateCoverageReport(annotation string) error {
	if !e.Env.GeneratingCoverageReportInThisShard() {
		return nil
	}
	path := e.Env.MakeCoverageReportPath(annotation)
	pcs := e.fs.PCIndexSet()
	lines := make([]string, 0, len(pcs))
	for pc := range pcs {
		lines = append(lines, pcIndexLine(pc))
	}
	return writeLines(path, lines)
}

func pcIndexLine(pc uint32) string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hextable[pc&0xf]
		pc >>= 4
	}
	return "0x" + string(buf)
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "engine: create %s", path)
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.WriteString(l + "\n"); err != nil {
			return err
		}
	}
	return nil
}

// GenerateCorpusStats writes the corpus-stats JSON document for this
// shard, per corpus.Corpus.PrintStats.
func (e *Engine) GenerateCorpusStats(annotation string) error {
	if !e.Env.GeneratingCorpusStatsInThisShard() {
		return nil
	}
	path := e.Env.MakeCorpusStatsPath(annotation)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "engine: create %s", path)
	}
	defer f.Close()
	return e.corpus.PrintStats(f, e.fs)
}

// GenerateAllReportsAndStats writes both the coverage report and corpus
// stats (each a no-op unless this shard is responsible for them).
func (e *Engine) GenerateAllReportsAndStats(annotation string) error {
	if err := e.GenerateCoverageReport(annotation); err != nil {
		return err
	}
	return e.GenerateCorpusStats(annotation)
}

// SaveCorpusToLocalDir writes every active corpus input to dir, one file
// per input, named by its sha1 hash.
func (e *Engine) SaveCorpusToLocalDir(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrapf(err, "engine: mkdir %s", dir)
	}
	n := e.corpus.NumActive()
	for i := 0; i < n; i++ {
		bytes := e.corpus.Get(i)
		sum := sha1.Sum(bytes)
		path := filepath.Join(dir, hex.EncodeToString(sum[:]))
		if err := ioutil.WriteFile(path, bytes, 0644); err != nil {
			return i, errors.Wrapf(err, "engine: write %s", path)
		}
	}
	return n, nil
}

// ExportCorpusFromLocalDir reads every regular file under dir and appends
// it to the corpus shard file its name's hash maps to, via
// env.ShardForFilename, skipping files whose content hash is already in
// that shard's corpus file, then returns the count exported to this shard
// specifically.
func ExportCorpusFromLocalDir(e *env.Environment, dir string) (int, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "engine: read dir %s", dir)
	}
	appenders := make(map[int]*blobfile.Appender)
	present := make(map[int]map[string]bool)
	defer func() {
		for _, a := range appenders {
			a.Close()
		}
	}()
	exportedHere := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		shard := env.ShardForFilename(entry.Name(), e.TotalShards)
		a, ok := appenders[shard]
		if !ok {
			seen := make(map[string]bool)
			r := blobfile.NewReader()
			if err := r.Open(e.MakeCorpusPath(shard)); err != nil {
				return exportedHere, err
			}
			for blob, rerr := r.Read(); rerr == nil; blob, rerr = r.Read() {
				seen[hexHash(sha1.Sum(blob))] = true
			}
			r.Close()
			present[shard] = seen
			a = blobfile.NewAppender()
			if err := a.Open(e.MakeCorpusPath(shard)); err != nil {
				return exportedHere, err
			}
			appenders[shard] = a
		}
		data, err := ioutil.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return exportedHere, errors.Wrapf(err, "engine: read %s", entry.Name())
		}
		hash := hexHash(sha1.Sum(data))
		if present[shard][hash] {
			continue
		}
		present[shard][hash] = true
		if err := a.Append(data); err != nil {
			return exportedHere, err
		}
		if shard == e.MyShardIndex {
			exportedHere++
		}
	}
	return exportedHere, nil
}

// FuzzingLoop runs the shard's main fuzzing cycle: warm up the target,
// load this shard's (and possibly every other shard's) prior corpus,
// seed a dummy input if the corpus is still empty, distill if configured,
// dump initial telemetry, then repeatedly mutate, execute, and record
// coverage in batch-size chunks until numRuns executions have completed,
// pruning and re-syncing with other shards periodically.
func (e *Engine) FuzzingLoop(numRuns int) error {
	log.SetPrefix("centifuzz: ")

	if err := e.Env.EnsureDirs(); err != nil {
		return err
	}

	if _, err := e.Callbacks.Execute(e.Env.Binary, [][]byte{e.Callbacks.DummyValidInput()}, true); err != nil {
		log.Printf("engine: dummy warm-up run failed: %v", err)
	}

	corpusPath := e.Env.MakeCorpusPath(e.Env.MyShardIndex)
	featuresPath := e.Env.MakeFeaturesPath(e.Env.MyShardIndex)
	if _, err := e.LoadShard(corpusPath, featuresPath); err != nil {
		log.Printf("engine: loading own shard: %v", err)
	}
	if e.Env.FullSync {
		idxs := e.Env.SortedShardIndexes()
		e.rng.Shuffle(len(idxs), func(i, j int) { idxs[i], idxs[j] = idxs[j], idxs[i] })
		if n, err := e.MergeFromOtherCorpus(idxs); err != nil {
			log.Printf("engine: full sync: %v", err)
		} else if n > 0 {
			log.Printf("engine: full sync merged %d inputs from other shards", n)
		}
	}

	corpusFile := blobfile.NewAppender()
	if err := corpusFile.Open(corpusPath); err != nil {
		return err
	}
	defer corpusFile.Close()
	featuresFile := blobfile.NewAppender()
	if err := featuresFile.Open(featuresPath); err != nil {
		return err
	}
	defer featuresFile.Close()

	if e.corpus.NumActive() == 0 {
		dummy := e.Callbacks.DummyValidInput()
		if _, err := e.RunBatch([][]byte{dummy}, corpusFile, featuresFile, nil); err != nil {
			return err
		}
	}

	if e.Env.DistillingInThisShard() {
		if err := e.distill(); err != nil {
			log.Printf("engine: distill: %v", err)
		}
	}

	e.recomputeFrontier()
	if err := e.GenerateAllReportsAndStats("initial"); err != nil {
		log.Printf("engine: initial telemetry: %v", err)
	}
	e.Log("begin")

	batch := e.Env.BatchSize
	if batch <= 0 {
		batch = 1
	}
	for e.numRuns < numRuns {
		if exit, code := EarlyExitRequested(); exit {
			log.Printf("engine: early exit requested (code %d), stopping shard %d", code, e.Env.MyShardIndex)
			break
		}
		thisBatch := batch
		if remaining := numRuns - e.numRuns; remaining < thisBatch {
			thisBatch = remaining
		}

		seeds := e.pickSeeds(thisBatch)
		mutants := e.Mutate.MutateMany(seeds, thisBatch, e.Env.CrossoverLevel > 0)

		gained, err := e.RunBatch(mutants, corpusFile, featuresFile, nil)
		if err != nil {
			return err
		}
		if gained {
			e.recomputeFrontier()
		}

		if isPowerOfTwo(e.numRuns) {
			e.Log("pulse")
		}

		if e.Env.LoadOtherShardFrequency > 0 && e.numRuns%(e.Env.LoadOtherShardFrequency*batch) == 0 {
			if _, err := e.MergeFromOtherCorpus(e.Env.SortedShardIndexes()); err != nil {
				log.Printf("engine: periodic shard sync: %v", err)
			}
		}
		if e.Env.PruneFrequency > 0 && e.numRuns%e.Env.PruneFrequency == 0 {
			if _, err := e.corpus.Prune(e.fs, e.frontier, e.Env.MaxCorpusSize, e.rng); err != nil {
				log.Printf("engine: prune: %v", err)
			}
		}
	}

	if err := e.GenerateAllReportsAndStats("latest"); err != nil {
		log.Printf("engine: final telemetry: %v", err)
	}
	e.Log("end")
	return nil
}

// pickSeeds returns n seed inputs drawn from the corpus, weighted by
// coverage rarity when configured, uniformly otherwise.
func (e *Engine) pickSeeds(n int) [][]byte {
	if e.corpus.NumActive() == 0 {
		return [][]byte{e.Callbacks.DummyValidInput()}
	}
	seeds := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		r := e.rng.Uint64()
		var bytes []byte
		if e.Env.UseCorpusWeights {
			var err error
			bytes, err = e.corpus.WeightedRandom(r)
			if err != nil {
				bytes = e.corpus.UniformRandom(r)
			}
		} else {
			bytes = e.corpus.UniformRandom(r)
		}
		seeds = append(seeds, bytes)
	}
	return seeds
}

// distill re-executes its own shard's existing inputs one at a time in
// file order against a fresh, separate feature set, keeping only those
// that still add novel coverage, and appends the survivors to the
// distilled-corpus file. The engine's own feature set and corpus are left
// unchanged.
func (e *Engine) distill() error {
	cr := blobfile.NewReader()
	if err := cr.Open(e.Env.MakeCorpusPath(e.Env.MyShardIndex)); err != nil {
		return err
	}
	defer cr.Close()

	distilledFS := featureset.New(uint8(e.Env.FeatureFrequencyThreshold))
	out := blobfile.NewAppender()
	if err := out.Open(e.Env.MakeDistilledPath()); err != nil {
		return err
	}
	defer out.Close()

	kept := 0
	for {
		input, err := cr.Read()
		if err == blobfile.ErrEndOfStream {
			break
		}
		if err != nil {
			return err
		}
		br, _, err := e.Callbacks.Execute(e.Env.Binary, [][]byte{input}, false)
		if err != nil || br.NumOutputsRead == 0 {
			continue
		}
		fv, unseen := distilledFS.CountUnseenAndPruneFrequentFeatures(br.Results[0].Features)
		if unseen == 0 {
			continue
		}
		distilledFS.IncrementFrequencies(fv)
		if err := out.Append(input); err != nil {
			return err
		}
		kept++
	}
	log.Printf("engine: distilled %d inputs for shard %d", kept, e.Env.MyShardIndex)
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
