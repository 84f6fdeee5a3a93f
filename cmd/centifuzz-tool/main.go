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

// Command centifuzz-tool hosts the two C12 offline utilities: "analyze"
// diffs PC coverage between two workdirs' corpora, and "minimize" shrinks a
// single crashing input. Both load shard state the same way the engine's
// LoadShard does, without running a fuzzing loop.
package main

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/xtaci/centifuzz/analyze"
	"github.com/xtaci/centifuzz/corpus"
	"github.com/xtaci/centifuzz/engine"
	"github.com/xtaci/centifuzz/env"
	"github.com/xtaci/centifuzz/mutator"
)

var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "centifuzz-tool"
	app.Usage = "offline corpus analysis and crash minimization"
	app.Version = VERSION
	app.Commands = []cli.Command{
		{
			Name:  "analyze",
			Usage: "report PCs workdir B covers that workdir A doesn't",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "binary", Usage: "binary the coverage/hash paths are derived from (same for both workdirs)"},
				cli.StringFlag{Name: "workdir_a", Usage: "baseline workdir"},
				cli.StringFlag{Name: "workdir_b", Usage: "candidate workdir"},
				cli.IntFlag{Name: "total_shards_a", Value: 1},
				cli.IntFlag{Name: "total_shards_b", Value: 1},
				cli.StringFlag{Name: "symbolizer_path", Usage: "llvm-symbolizer binary; omitted means raw hex PC indices"},
			},
			Action: runAnalyze,
		},
		{
			Name:  "minimize",
			Usage: "shrink a crashing input while it keeps crashing",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "binary", Usage: "target binary the input crashes"},
				cli.StringFlag{Name: "input", Usage: "path to the crashing input"},
				cli.StringFlag{Name: "workdir", Usage: "workdir whose crashes/ directory receives shrunk reproducers"},
				cli.IntFlag{Name: "num_runs", Value: 10000},
				cli.IntFlag{Name: "batch_size", Value: 100},
				cli.Int64Flag{Name: "seed", Value: 1},
				cli.IntFlag{Name: "shmem_size_mb", Value: 256},
				cli.IntFlag{Name: "timeout", Value: 60},
				cli.BoolTFlag{Name: "fork_server"},
			},
			Action: runMinimize,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

func runAnalyze(c *cli.Context) error {
	e := env.Default()
	e.Binary = c.String("binary")
	e.CoverageBinary = e.Binary
	if err := e.Finalize(); err != nil {
		return err
	}

	eA := *e
	eA.Workdir = c.String("workdir_a")
	eA.TotalShards = c.Int("total_shards_a")
	recordsA, err := loadAllShardRecords(&eA)
	if err != nil {
		return errors.Wrap(err, "centifuzz-tool: load workdir_a")
	}

	eB := *e
	eB.Workdir = c.String("workdir_b")
	eB.TotalShards = c.Int("total_shards_b")
	recordsB, err := loadAllShardRecords(&eB)
	if err != nil {
		return errors.Wrap(err, "centifuzz-tool: load workdir_b")
	}

	symbolize := symbolizerFor(c.String("symbolizer_path"), e.CoverageBinary)
	report := analyze.AnalyzeCorpora(symbolize, recordsA, recordsB)

	log.Printf("A: %d inputs, %d PCs. B: %d inputs (%d unique, %d shared), %d B-only PCs",
		report.ASize, report.NumAPCs, report.BSize, len(report.BUniqueIndices), len(report.BSharedIndices), len(report.BOnlyPCs))
	for _, d := range report.Descriptions {
		fmt.Println(d)
	}
	return nil
}

// loadAllShardRecords loads every shard under e.Workdir into one
// in-memory corpus and returns its records, the way AnalyzeCorpora wants
// them (full {bytes,features} pairs, not just raw bytes).
func loadAllShardRecords(e *env.Environment) ([]corpus.Record, error) {
	eng := engine.New(e, nil, nil)
	for idx := 0; idx < e.TotalShards; idx++ {
		if _, err := eng.LoadShard(e.MakeCorpusPath(idx), e.MakeFeaturesPath(idx)); err != nil {
			log.Printf("centifuzz-tool: shard %d: %v", idx, err)
		}
	}
	return eng.Records(), nil
}

// symbolizerFor returns a symbolize func that shells out to an
// llvm-symbolizer-compatible binary (one address per invocation) when path
// is set, or nil (falling back to analyze.NewCoverageLogger's raw-hex
// default) when it isn't. llvm-symbolizer invocation is an external
// collaborator per spec.md §1, consumed only through this interface.
func symbolizerFor(path, binary string) func(uint32) string {
	if path == "" {
		return nil
	}
	return func(pc uint32) string {
		cmd := exec.Command(path, "-e", binary, "0x"+strconv.FormatUint(uint64(pc), 16))
		out, err := cmd.Output()
		if err != nil {
			return fmt.Sprintf("0x%x (symbolize failed: %v)", pc, err)
		}
		scanner := bufio.NewScanner(strings.NewReader(string(out)))
		if scanner.Scan() {
			return fmt.Sprintf("0x%x %s", pc, scanner.Text())
		}
		return fmt.Sprintf("0x%x", pc)
	}
}

func runMinimize(c *cli.Context) error {
	e := env.Default()
	e.Binary = c.String("binary")
	e.CoverageBinary = e.Binary
	e.Workdir = c.String("workdir")
	e.ShmemSizeMb = c.Int("shmem_size_mb")
	e.TimeoutSeconds = c.Int("timeout")
	e.ForkServer = c.BoolT("fork_server")
	e.Seed = uint64(c.Int64("seed"))
	if err := e.Finalize(); err != nil {
		return err
	}

	input, err := ioutil.ReadFile(c.String("input"))
	if err != nil {
		return errors.Wrap(err, "centifuzz-tool: read input")
	}

	cb, err := engine.NewCallbacks(e)
	if err != nil {
		return err
	}
	defer cb.Close()

	crashDir := e.MakeCrashReproducerDirPath()
	smallest, err := analyze.MinimizeCrash(cb, mutator.New(e.Seed), e.Binary, input, crashDir, c.Int("num_runs"), c.Int("batch_size"))
	if err != nil {
		return err
	}
	log.Printf("centifuzz-tool: minimized %d bytes -> %d bytes", len(input), len(smallest))
	fmt.Println(string(smallest))
	return nil
}
