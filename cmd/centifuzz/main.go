// The MIT License (MIT)
//
// # Copyright (c) 2023 the centifuzz authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command centifuzz drives the fuzzing loop (spec.md §4.10): it wires one
// Environment per worker shard from CLI flags (optionally overridden by a
// JSON config file) and runs each shard's FuzzingLoop concurrently, the Go
// analogue of the original engine's one-process-per-shard-or-thread model.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xtaci/centifuzz/corpus"
	"github.com/xtaci/centifuzz/engine"
	"github.com/xtaci/centifuzz/env"
	"github.com/xtaci/centifuzz/mutator"
	"github.com/xtaci/centifuzz/statlog"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "centifuzz"
	app.Usage = "distributed coverage-guided fuzzing engine"
	app.Version = VERSION
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "binary", Usage: "instrumented target binary to fuzz"},
		cli.StringFlag{Name: "coverage_binary", Usage: "binary to derive the PC table from (defaults to binary)"},
		cli.StringFlag{Name: "extra_binaries", Usage: "comma-separated extra binaries run alongside binary, coverage ignored"},
		cli.StringFlag{Name: "workdir", Usage: "directory holding shard files, crashes, and reports"},
		cli.StringFlag{Name: "merge_from", Usage: "workdir to merge newly admitted inputs from"},
		cli.IntFlag{Name: "total_shards", Value: 1, Usage: "total number of shards across the whole run"},
		cli.IntFlag{Name: "first_shard_index", Value: 0, Usage: "shard index this process' first thread owns"},
		cli.IntFlag{Name: "num_threads", Value: 1, Usage: "number of shards this process runs concurrently"},
		cli.IntFlag{Name: "j", Value: 0, Usage: "shorthand: sets total_shards, num_threads equal and first_shard_index to 0"},
		cli.IntFlag{Name: "num_runs", Value: 0, Usage: "number of executions to run per shard before stopping"},
		cli.IntFlag{Name: "batch_size", Value: 100},
		cli.IntFlag{Name: "mutate_batch_size", Value: 100},
		cli.IntFlag{Name: "load_other_shard_frequency", Value: 10},
		cli.IntFlag{Name: "address_space_limit_mb", Value: 0},
		cli.IntFlag{Name: "rss_limit_mb", Value: 0},
		cli.IntFlag{Name: "timeout", Value: 60, Usage: "per-batch timeout in seconds"},
		cli.IntFlag{Name: "max_corpus_size", Value: 100000},
		cli.IntFlag{Name: "prune_frequency", Value: 100000},
		cli.IntFlag{Name: "feature_frequency_threshold", Value: 100},
		cli.BoolTFlag{Name: "use_pc_features"},
		cli.BoolTFlag{Name: "use_counter_features"},
		cli.BoolTFlag{Name: "use_cmp_features"},
		cli.BoolTFlag{Name: "use_dataflow_features"},
		cli.IntFlag{Name: "path_level", Value: 0},
		cli.BoolFlag{Name: "use_pcpair_features"},
		cli.BoolFlag{Name: "use_corpus_weights"},
		cli.BoolFlag{Name: "use_coverage_frontier"},
		cli.IntFlag{Name: "crossover_level", Value: 50},
		cli.BoolFlag{Name: "use_auto_dictionary"},
		cli.StringFlag{Name: "corpus_dir", Usage: "comma-separated local directories mirroring admitted inputs"},
		cli.StringFlag{Name: "save_corpus_to_local_dir", Usage: "write the loaded corpus to this directory and exit"},
		cli.StringFlag{Name: "export_corpus_from_local_dir", Usage: "import a flat directory of inputs and exit"},
		cli.StringFlag{Name: "dictionary", Usage: "comma-separated dictionary files (native packed-blob or AFL text)"},
		cli.StringFlag{Name: "symbolizer_path", Usage: "llvm-symbolizer binary for coverage report symbolization"},
		cli.StringFlag{Name: "input_filter", Usage: "external binary: stdin input, exit 0 to accept"},
		cli.StringFlag{Name: "function_filter", Usage: "restrict admitted features to functions in this file"},
		cli.BoolTFlag{Name: "fork_server"},
		cli.BoolFlag{Name: "full_sync"},
		cli.IntFlag{Name: "distill_shards", Value: 0, Usage: "number of leading shards that distill their corpus"},
		cli.BoolFlag{Name: "exit_on_crash"},
		cli.IntFlag{Name: "num_crash_reports", Value: 2},
		cli.IntFlag{Name: "shmem_size_mb", Value: 256},
		cli.StringFlag{Name: "experiment", Usage: "flag1=v1,v2:flag2=v1,v2 cartesian-product override per thread"},
		cli.Int64Flag{Name: "seed", Value: 0},
		cli.BoolFlag{Name: "require_pc_table", Usage: "fail startup if the PC table can't be dumped"},
		cli.BoolFlag{Name: "generate_corpus_stats"},
		cli.IntFlag{Name: "stats_log_interval_seconds", Value: 0, Usage: "periodic CSV stats logger interval; 0 disables it"},
		cli.StringFlag{Name: "mutator_binary", Usage: "external custom-mutator binary invoked over C7/C8 instead of the built-in mutator"},
		cli.StringFlag{Name: "log", Usage: "redirect status lines to this file instead of stderr"},
		cli.StringFlag{Name: "c", Usage: "JSON config file merged over flag defaults"},
	}

	app.Action = run
	if err := app.Run(os.Args); err != nil {
		checkError(err)
	}
}

func run(c *cli.Context) error {
	e := env.Default()
	e.Binary = c.String("binary")
	e.CoverageBinary = c.String("coverage_binary")
	if e.CoverageBinary == "" {
		e.CoverageBinary = e.Binary
	}
	e.ExtraBinaries = splitNonEmpty(c.String("extra_binaries"))
	e.Workdir = c.String("workdir")
	e.MergeFrom = c.String("merge_from")
	e.TotalShards = c.Int("total_shards")
	e.MyShardIndex = c.Int("first_shard_index")
	e.NumThreads = c.Int("num_threads")
	if j := c.Int("j"); j > 0 {
		e.TotalShards, e.NumThreads, e.MyShardIndex = j, j, 0
	}
	e.NumRuns = c.Int("num_runs")
	e.BatchSize = c.Int("batch_size")
	e.MutateBatchSize = c.Int("mutate_batch_size")
	e.LoadOtherShardFrequency = c.Int("load_other_shard_frequency")
	e.AddressSpaceLimitMb = c.Int("address_space_limit_mb")
	e.RSSLimitMb = c.Int("rss_limit_mb")
	e.TimeoutSeconds = c.Int("timeout")
	e.MaxCorpusSize = c.Int("max_corpus_size")
	e.PruneFrequency = c.Int("prune_frequency")
	e.FeatureFrequencyThreshold = c.Int("feature_frequency_threshold")
	e.UsePCFeatures = c.BoolT("use_pc_features")
	e.UseCounterFeatures = c.BoolT("use_counter_features")
	e.UseCMPFeatures = c.BoolT("use_cmp_features")
	e.UseDataflowFeatures = c.BoolT("use_dataflow_features")
	e.PathLevel = c.Int("path_level")
	e.UsePCPairFeatures = c.Bool("use_pcpair_features")
	e.UseCorpusWeights = c.Bool("use_corpus_weights")
	e.UseCoverageFrontier = c.Bool("use_coverage_frontier")
	e.CrossoverLevel = c.Int("crossover_level")
	e.UseAutoDictionary = c.Bool("use_auto_dictionary")
	e.CorpusDir = splitNonEmpty(c.String("corpus_dir"))
	e.SaveCorpusToLocalDir = c.String("save_corpus_to_local_dir")
	e.ExportCorpusFromLocalDir = c.String("export_corpus_from_local_dir")
	e.Dictionary = splitNonEmpty(c.String("dictionary"))
	e.SymbolizerPath = c.String("symbolizer_path")
	e.InputFilter = c.String("input_filter")
	e.FunctionFilter = c.String("function_filter")
	e.ForkServer = c.BoolT("fork_server")
	e.FullSync = c.Bool("full_sync")
	e.DistillShards = c.Int("distill_shards")
	e.ExitOnCrash = c.Bool("exit_on_crash")
	e.MaxNumCrashReports = c.Int("num_crash_reports")
	e.ShmemSizeMb = c.Int("shmem_size_mb")
	e.Experiment = c.String("experiment")
	e.Seed = uint64(c.Int64("seed"))
	e.RequirePCTable = c.Bool("require_pc_table")
	e.GenerateCorpusStats = c.Bool("generate_corpus_stats")
	e.StatsLogIntervalSeconds = c.Int("stats_log_interval_seconds")

	if path := c.String("c"); path != "" {
		if err := parseJSONConfig(e, path); err != nil {
			return errors.Wrap(err, "centifuzz: -c")
		}
	}

	if err := e.Finalize(); err != nil {
		color.Red("centifuzz: config error: %v", err)
		return err
	}
	if err := e.EnsureDirs(); err != nil {
		return err
	}

	if logPath := c.String("log"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return errors.Wrap(err, "centifuzz: -log")
		}
		defer f.Close()
		log.SetOutput(f)
	}

	log.Println("version:", VERSION)
	log.Println("workdir:", e.Workdir)
	log.Println("binary:", e.Binary, "coverage_binary:", e.CoverageBinary)

	if e.SaveCorpusToLocalDir != "" || e.ExportCorpusFromLocalDir != "" {
		return runOneShotDirOps(e)
	}

	pcTable, err := loadPCTable(e)
	if err != nil {
		if e.RequirePCTable {
			return errors.Wrap(err, "centifuzz: require_pc_table")
		}
		log.Printf("centifuzz: pc table unavailable, coverage frontier disabled: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Println("centifuzz: SIGINT received")
		engine.RequestEarlyExit(1)
	}()

	var wg sync.WaitGroup
	errs := make([]error, e.NumThreads)
	for i := 0; i < e.NumThreads; i++ {
		threadEnv := *e
		threadEnv.MyShardIndex = e.MyShardIndex + i
		wg.Add(1)
		go func(i int, te env.Environment) {
			defer wg.Done()
			errs[i] = runShard(&te, pcTable, c.String("mutator_binary"))
		}(i, threadEnv)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	if exit, code := engine.EarlyExitRequested(); exit && code != 0 {
		os.Exit(code)
	}
	return nil
}

func runShard(e *env.Environment, pcTable corpus.PCTable, mutatorBinary string) error {
	if err := e.Finalize(); err != nil {
		return err
	}
	cb, err := engine.NewCallbacks(e)
	if err != nil {
		return errors.Wrapf(err, "centifuzz: shard %d: callbacks", e.MyShardIndex)
	}
	defer cb.Close()

	eng := engine.New(e, cb, pcTable)
	if mutatorBinary != "" {
		eng.Mutate = engine.NewExternalMutateSource(cb, mutatorBinary, e.Seed+1)
	}

	for _, path := range e.Dictionary {
		entries, derr := mutator.LoadDictionaryFile(path)
		if derr != nil {
			log.Printf("centifuzz: shard %d: dictionary %s: %v", e.MyShardIndex, path, derr)
			continue
		}
		eng.AddDictionaryEntries(entries)
	}

	statsLog := statlogStart(e, eng)
	defer statsLog.Stop()

	if e.MergeFrom != "" {
		mergeEnv := *e
		mergeEnv.Workdir = e.MergeFrom
		n, merr := eng.LoadShard(mergeEnv.MakeCorpusPath(e.MyShardIndex), mergeEnv.MakeFeaturesPath(e.MyShardIndex))
		if merr != nil {
			log.Printf("centifuzz: shard %d: merge_from: %v", e.MyShardIndex, merr)
		} else if n > 0 {
			log.Printf("centifuzz: shard %d: merge_from loaded %d inputs", e.MyShardIndex, n)
		}
	}

	return eng.FuzzingLoop(e.NumRuns)
}

// runOneShotDirOps services save_corpus_to_local_dir / export_corpus_from_local_dir:
// both run once against every shard in the workdir and exit without
// entering FuzzingLoop, matching the original engine's flag-driven
// one-shot utility behavior.
func runOneShotDirOps(e *env.Environment) error {
	if e.SaveCorpusToLocalDir != "" {
		for idx := 0; idx < e.TotalShards; idx++ {
			shardEnv := *e
			shardEnv.MyShardIndex = idx
			shardEng := engine.New(&shardEnv, nil, nil)
			if _, lerr := shardEng.LoadShard(shardEnv.MakeCorpusPath(idx), shardEnv.MakeFeaturesPath(idx)); lerr != nil {
				log.Printf("centifuzz: save_corpus_to_local_dir: shard %d: %v", idx, lerr)
				continue
			}
			if _, serr := shardEng.SaveCorpusToLocalDir(e.SaveCorpusToLocalDir); serr != nil {
				return serr
			}
		}
		return nil
	}

	n, err := engine.ExportCorpusFromLocalDir(e, e.ExportCorpusFromLocalDir)
	if err != nil {
		return err
	}
	log.Printf("centifuzz: export_corpus_from_local_dir: %d inputs exported to shard %d", n, e.MyShardIndex)
	return nil
}

// loadPCTable invokes coverage_binary --dump_pc_table and parses its stdout
// as a packed {pc,flags} stream (spec.md §3, §6). A binary that doesn't
// understand the flag, or that isn't runnable at all, yields a nil table.
func loadPCTable(e *env.Environment) (corpus.PCTable, error) {
	if e.CoverageBinary == "" {
		return nil, errors.New("no coverage_binary configured")
	}
	cmd := exec.Command(e.CoverageBinary, "--dump_pc_table")
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "run %s --dump_pc_table", e.CoverageBinary)
	}
	return corpus.ParsePCTable(out)
}

func statlogStart(e *env.Environment, eng *engine.Engine) *statlog.Logger {
	path := ""
	if e.StatsLogIntervalSeconds > 0 {
		path = e.MakeStatsLogPath()
	}
	return statlog.Start(path, time.Duration(e.StatsLogIntervalSeconds)*time.Second, engine.StatsLogHeader, eng.StatsRow)
}

func parseJSONConfig(e *env.Environment, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(e)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(-1)
	}
}
