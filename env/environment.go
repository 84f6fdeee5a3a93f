// Package env derives all shard file paths and holds the fuzzing
// configuration (spec.md §4.11, §6): the CLI surface lands here, flag
// overrides from an `--experiment` string are resolved here, and every
// workdir-relative path the engine touches is computed here so the layout
// in spec.md §6 is produced by exactly one place in the code.
package env

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// digitsInShardIndex is the zero-padding width of a shard index in every
// derived path, matching the original engine's kDigitsInShardIndex.
const digitsInShardIndex = 6

// Environment holds the fuzzing configuration for one worker shard. It is
// built once at startup (from CLI flags, optionally overridden by a JSON
// config file, and by --experiment) and not changed afterward except by
// UpdateForExperiment.
type Environment struct {
	Binary         string
	CoverageBinary string
	ExtraBinaries  []string
	Workdir        string
	MergeFrom      string

	NumRuns                 int
	TotalShards              int
	MyShardIndex             int
	NumThreads               int
	MaxLen                   int
	BatchSize                int
	MutateBatchSize          int
	LoadOtherShardFrequency  int
	Seed                     uint64
	PruneFrequency           int
	AddressSpaceLimitMb      int
	RSSLimitMb               int
	TimeoutSeconds           int
	ForkServer               bool
	FullSync                 bool
	UseCorpusWeights         bool
	UseCoverageFrontier      bool
	MaxCorpusSize            int
	CrossoverLevel           int
	UsePCFeatures            bool
	PathLevel                int
	UseCMPFeatures           bool
	UseDataflowFeatures      bool
	UseCounterFeatures       bool
	UsePCPairFeatures        bool
	UseAutoDictionary        bool
	FeatureFrequencyThreshold int
	RequirePCTable           bool
	GenerateCorpusStats      bool
	DistillShards            int

	SaveCorpusToLocalDir      string
	ExportCorpusFromLocalDir  string
	CorpusDir                 []string
	SymbolizerPath            string
	InputFilter               string
	Dictionary                []string
	FunctionFilter            string
	ForEachBlob               string
	Experiment                string
	ExitOnCrash               bool
	MaxNumCrashReports        int
	ShmemSizeMb               int

	// StatsLogIntervalSeconds enables the periodic CSV stats logger when
	// positive; 0 disables it.
	StatsLogIntervalSeconds int

	ExperimentName string // set by UpdateForExperiment

	// BinaryName and BinaryHash are derived once from CoverageBinary and
	// never overridden.
	BinaryName string
	BinaryHash string
}

// Default returns an Environment populated with the original engine's
// defaults for every field the CLI surface doesn't require the caller to
// set explicitly.
func Default() *Environment {
	return &Environment{
		NumRuns:                   0,
		TotalShards:               1,
		NumThreads:                1,
		BatchSize:                 100,
		MutateBatchSize:           100,
		LoadOtherShardFrequency:   10,
		PruneFrequency:            100000,
		TimeoutSeconds:            60,
		ForkServer:                true,
		MaxCorpusSize:             100000,
		CrossoverLevel:            50,
		UsePCFeatures:             true,
		PathLevel:                 0,
		UseCMPFeatures:            true,
		UseDataflowFeatures:       true,
		UseCounterFeatures:        true,
		FeatureFrequencyThreshold: 100,
		MaxNumCrashReports:        2,
		ShmemSizeMb:               1 << 8,
	}
}

// Finalize computes BinaryName/BinaryHash from CoverageBinary and validates
// the config-error preconditions spec.md §7 requires to be fatal at
// startup.
func (e *Environment) Finalize() error {
	if e.CoverageBinary == "" {
		e.CoverageBinary = e.Binary
	}
	e.BinaryName = filepath.Base(e.CoverageBinary)
	hash, err := hashOfFile(e.CoverageBinary)
	if err != nil {
		// A missing/unreadable coverage binary is reported, but hashing is
		// only used for path derivation, so fall back to a hash of the path
		// string itself rather than failing Finalize outright; the command
		// layer will fail loudly when it actually tries to exec the binary.
		e.BinaryHash = hashOfBytes([]byte(e.CoverageBinary))
	} else {
		e.BinaryHash = hash
	}
	if e.TotalShards < e.NumThreads {
		return errors.Errorf("env: total_shards (%d) < num_threads (%d)", e.TotalShards, e.NumThreads)
	}
	if e.FeatureFrequencyThreshold < 1 || e.FeatureFrequencyThreshold > 255 {
		return errors.Errorf("env: feature_frequency_threshold must be in [1,255], got %d", e.FeatureFrequencyThreshold)
	}
	if e.Experiment != "" {
		if err := e.UpdateForExperiment(); err != nil {
			return errors.Wrap(err, "env: --experiment")
		}
	}
	return nil
}

func hashOfFile(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	return hashOfBytes(data), nil
}

func hashOfBytes(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MakeCoverageDirPath returns workdir/<binary_name>-<binary_hash>.
func (e *Environment) MakeCoverageDirPath() string {
	return filepath.Join(e.Workdir, e.BinaryName+"-"+e.BinaryHash)
}

// MakeCrashReproducerDirPath returns workdir/crashes.
func (e *Environment) MakeCrashReproducerDirPath() string {
	return filepath.Join(e.Workdir, "crashes")
}

// MakeCorpusPath returns the corpus shard path for shardIndex.
func (e *Environment) MakeCorpusPath(shardIndex int) string {
	return filepath.Join(e.Workdir, fmt.Sprintf("corpus.%0*d", digitsInShardIndex, shardIndex))
}

// MakeFeaturesPath returns the features shard path for shardIndex.
func (e *Environment) MakeFeaturesPath(shardIndex int) string {
	return filepath.Join(e.MakeCoverageDirPath(), fmt.Sprintf("features.%0*d", digitsInShardIndex, shardIndex))
}

// MakeDistilledPath returns the distilled-corpus path for MyShardIndex.
func (e *Environment) MakeDistilledPath() string {
	return filepath.Join(e.Workdir, fmt.Sprintf("distilled-%s.%0*d", e.BinaryName, digitsInShardIndex, e.MyShardIndex))
}

// normalizeAnnotation returns "" for an empty annotation, or "."+annotation
// otherwise; annotation must not itself start with a dot.
func normalizeAnnotation(annotation string) string {
	if annotation == "" {
		return ""
	}
	if annotation[0] == '.' {
		panic("env: annotation must not start with a dot")
	}
	return "." + annotation
}

// MakeCoverageReportPath returns the coverage-report path for MyShardIndex,
// tagged with annotation (e.g. "initial" or "latest").
func (e *Environment) MakeCoverageReportPath(annotation string) string {
	return filepath.Join(e.Workdir, fmt.Sprintf("coverage-report-%s.%0*d%s.txt",
		e.BinaryName, digitsInShardIndex, e.MyShardIndex, normalizeAnnotation(annotation)))
}

// MakeCorpusStatsPath returns the corpus-stats path for MyShardIndex,
// tagged with annotation.
func (e *Environment) MakeCorpusStatsPath(annotation string) string {
	return filepath.Join(e.Workdir, fmt.Sprintf("corpus-stats-%s.%0*d%s.json",
		e.BinaryName, digitsInShardIndex, e.MyShardIndex, normalizeAnnotation(annotation)))
}

// MakeStatsLogPath returns the path template for the periodic stats CSV
// logger; the filename component is a time.Format layout the logger
// itself expands at write time, so this is deliberately not a concrete
// path yet.
func (e *Environment) MakeStatsLogPath() string {
	return filepath.Join(e.Workdir, fmt.Sprintf("stats-%s-2006-01-02.csv", e.BinaryName))
}

// DistillingInThisShard reports whether MyShardIndex is within the first
// DistillShards shards.
func (e *Environment) DistillingInThisShard() bool {
	return e.MyShardIndex < e.DistillShards
}

// GeneratingCoverageReportInThisShard reports whether this is shard 0.
func (e *Environment) GeneratingCoverageReportInThisShard() bool {
	return e.MyShardIndex == 0
}

// GeneratingCorpusStatsInThisShard reports whether corpus stats should be
// generated in this shard.
func (e *Environment) GeneratingCorpusStatsInThisShard() bool {
	return e.GenerateCorpusStats && e.MyShardIndex == 0
}

// experiment holds one `flag=v1,v2,...` clause of an --experiment string.
type experiment struct {
	flagName   string
	flagValues []string
}

// UpdateForExperiment parses e.Experiment ("flag1=v1,v2,...:flag2=...") and
// assigns this shard's combination of flag values, per spec.md §4.11. It
// requires NumThreads % (product of value-counts) == 0 and disables
// cross-shard loading, matching the original engine's UpdateForExperiment.
func (e *Environment) UpdateForExperiment() error {
	if e.Experiment == "" {
		return nil
	}
	var experiments []experiment
	for _, clause := range strings.Split(e.Experiment, ":") {
		if clause == "" {
			continue
		}
		kv := strings.SplitN(clause, "=", 2)
		if len(kv) != 2 {
			return errors.Errorf("env: malformed experiment clause %q", clause)
		}
		experiments = append(experiments, experiment{flagName: kv[0], flagValues: strings.Split(kv[1], ",")})
	}

	numCombinations := 1
	for _, exp := range experiments {
		if len(exp.flagValues) == 0 {
			return errors.Errorf("env: experiment flag %q has no values", exp.flagName)
		}
		numCombinations *= len(exp.flagValues)
	}
	if numCombinations == 0 {
		return errors.New("env: experiment has zero combinations")
	}
	if e.NumThreads%numCombinations != 0 {
		return errors.Errorf("env: num_threads (%d) not a multiple of experiment combinations (%d)", e.NumThreads, numCombinations)
	}
	if e.MyShardIndex >= e.NumThreads {
		return errors.Errorf("env: my_shard_index (%d) >= num_threads (%d)", e.MyShardIndex, e.NumThreads)
	}

	myCombination := e.MyShardIndex % numCombinations
	// Reverse the clause order so combinations enumerate in the natural
	// (first-flag-varies-slowest) order, matching the original.
	reversed := make([]experiment, len(experiments))
	for i, exp := range experiments {
		reversed[len(experiments)-1-i] = exp
	}
	var name string
	for _, exp := range reversed {
		idx := myCombination % len(exp.flagValues)
		if err := e.SetFlag(exp.flagName, exp.flagValues[idx]); err != nil {
			return errors.Wrapf(err, "env: experiment flag %q", exp.flagName)
		}
		myCombination /= len(exp.flagValues)
		name = strconv.Itoa(idx) + name
	}
	e.ExperimentName = "E" + name
	e.LoadOtherShardFrequency = 0
	return nil
}

// SetFlag assigns value (as parsed from a flag string) to the named field,
// covering the subset of flags the --experiment mechanism varies
// (UpdateForExperiment is its caller). Unknown names or malformed values are a
// config error, fatal at startup per spec.md §7.
func (e *Environment) SetFlag(name, value string) error {
	asBool := func() (bool, error) {
		switch value {
		case "0", "false":
			return false, nil
		case "1", "true":
			return true, nil
		default:
			return false, errors.Errorf("env: flag %q: not a bool: %q", name, value)
		}
	}
	asInt := func() (int, error) {
		v, err := strconv.Atoi(value)
		if err != nil {
			return 0, errors.Wrapf(err, "env: flag %q: not an int", name)
		}
		return v, nil
	}
	switch name {
	case "batch_size":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.BatchSize = v
	case "mutate_batch_size":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.MutateBatchSize = v
	case "path_level":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.PathLevel = v
	case "crossover_level":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.CrossoverLevel = v
	case "use_pc_features":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UsePCFeatures = v
	case "use_counter_features":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseCounterFeatures = v
	case "use_cmp_features":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseCMPFeatures = v
	case "use_dataflow_features":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseDataflowFeatures = v
	case "use_pcpair_features":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UsePCPairFeatures = v
	case "use_corpus_weights":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseCorpusWeights = v
	case "use_coverage_frontier":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseCoverageFrontier = v
	case "use_auto_dictionary":
		v, err := asBool()
		if err != nil {
			return err
		}
		e.UseAutoDictionary = v
	case "max_corpus_size":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.MaxCorpusSize = v
	case "prune_frequency":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.PruneFrequency = v
	case "timeout":
		v, err := asInt()
		if err != nil {
			return err
		}
		e.TimeoutSeconds = v
	default:
		return errors.Errorf("env: unsupported experiment flag %q", name)
	}
	return nil
}

// shardHash maps filename to a shard index in [0,totalShards) via sha1,
// used by ExportCorpusFromLocalDir (spec.md §4.10).
func shardHash(filename string, totalShards int) int {
	sum := sha1.Sum([]byte(filename))
	var v uint32
	for _, b := range sum[:4] {
		v = v<<8 | uint32(b)
	}
	return int(v) % totalShards
}

// ShardForFilename exposes shardHash for the engine's
// ExportCorpusFromLocalDir.
func ShardForFilename(filename string, totalShards int) int {
	return shardHash(filename, totalShards)
}

// EnsureDirs creates the workdir, coverage dir, and crash-reproducer dir.
func (e *Environment) EnsureDirs() error {
	for _, d := range []string{e.Workdir, e.MakeCoverageDirPath(), e.MakeCrashReproducerDirPath()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return errors.Wrapf(err, "env: mkdir %s", d)
		}
	}
	return nil
}

// SortedShardIndexes returns [0, TotalShards) in ascending order. The
// engine's full-sync pass shuffles it before use; its periodic shard sync
// uses it in this order.
func (e *Environment) SortedShardIndexes() []int {
	idxs := make([]int, e.TotalShards)
	for i := range idxs {
		idxs[i] = i
	}
	sort.Ints(idxs)
	return idxs
}
