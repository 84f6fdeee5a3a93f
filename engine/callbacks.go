// Package engine implements the fuzzing engine's shard loop (spec.md
// §4.10): loading/merging shard state, executing batches against the
// target binary over the C7/C8 command+protocol machinery, admitting new
// coverage into the corpus, periodic telemetry, and crash reporting.
package engine

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/blobseq"
	"github.com/xtaci/centifuzz/command"
	"github.com/xtaci/centifuzz/env"
	"github.com/xtaci/centifuzz/mutator"
	"github.com/xtaci/centifuzz/protocol"
	"github.com/xtaci/centifuzz/runner"
)

// MutateSource produces mutants from a set of seed inputs. Both the
// built-in mutator and an external MutateViaExternalBinary implementation
// satisfy this one interface, so the engine never branches on which kind
// of mutator it holds (see DESIGN.md's Open Question resolution).
type MutateSource interface {
	MutateMany(inputs [][]byte, n int, allowCrossover bool) [][]byte
}

// internalMutateSource adapts *mutator.Mutator to MutateSource.
type internalMutateSource struct{ m *mutator.Mutator }

func (s internalMutateSource) MutateMany(inputs [][]byte, n int, allowCrossover bool) [][]byte {
	return s.m.MutateMany(inputs, n, allowCrossover)
}

// ExternalMutateSource implements MutateSource by delegating to an
// external custom-mutator binary over the C7 command runner and the C8
// mutation-request framing, unifying what the original engine split across
// two near-identical MutateViaExternalBinary code paths (DESIGN.md's Open
// Question resolution): the engine only ever sees one MutateSource, whether
// it is this one or the internal mutator.
type ExternalMutateSource struct {
	Callbacks *Callbacks
	Binary    string

	// fallback is used when the external mutator binary fails or declines
	// to produce mutants, so a single external-mutator fault doesn't stall
	// the batch loop.
	fallback *mutator.Mutator
}

// NewExternalMutateSource constructs an ExternalMutateSource bound to cb,
// invoking binary as the custom mutator.
func NewExternalMutateSource(cb *Callbacks, binary string, fallbackSeed uint64) *ExternalMutateSource {
	return &ExternalMutateSource{Callbacks: cb, Binary: binary, fallback: mutator.New(fallbackSeed)}
}

// MutateMany requests n mutants from the external binary; on any error or
// an empty result it falls back to the internal mutator rather than
// stalling the batch.
func (s *ExternalMutateSource) MutateMany(inputs [][]byte, n int, allowCrossover bool) [][]byte {
	mutants, err := s.Callbacks.ExecuteMutation(s.Binary, inputs, n)
	if err != nil || len(mutants) == 0 {
		return s.fallback.MutateMany(inputs, n, allowCrossover)
	}
	return mutants
}

// Callbacks executes batches of inputs against target binaries over one
// shared pair of shared-memory regions (reused across calls via Reset, not
// recreated per batch), using the fork server when available. Mirrors
// spec.md §4.7/§4.8's CentipedeCallbacks::Execute.
type Callbacks struct {
	Env     *env.Environment
	tempDir string
	cmds    map[string]*command.Command

	shmemBase string
	inSeq     *blobseq.BlobSequence
	outSeq    *blobseq.BlobSequence
}

// NewCallbacks constructs a Callbacks bound to e, creating the one pair of
// shared-memory regions every command launched from it will share.
func NewCallbacks(e *env.Environment) (*Callbacks, error) {
	c := &Callbacks{
		Env:       e,
		tempDir:   filepath.Join(os.TempDir(), fmt.Sprintf("centifuzz-%d-%d", os.Getpid(), e.MyShardIndex)),
		cmds:      make(map[string]*command.Command),
		shmemBase: fmt.Sprintf("centifuzz-%d-%d", os.Getpid(), e.MyShardIndex),
	}
	bytes := e.ShmemSizeMb << 20
	inSeq, err := blobseq.New(c.shmemBase+".inputs", bytes)
	if err != nil {
		return nil, errors.Wrap(err, "engine: create inputs region")
	}
	outSeq, err := blobseq.New(c.shmemBase+".outputs", bytes)
	if err != nil {
		inSeq.Unlink()
		inSeq.Release()
		return nil, errors.Wrap(err, "engine: create outputs region")
	}
	c.inSeq, c.outSeq = inSeq, outSeq
	return c, nil
}

// Close releases and unlinks the shared-memory regions and any open fork
// servers.
func (c *Callbacks) Close() error {
	for _, cmd := range c.cmds {
		cmd.Close()
	}
	c.inSeq.Unlink()
	c.inSeq.Release()
	c.outSeq.Unlink()
	c.outSeq.Release()
	return nil
}

// runnerFlags renders the CENTIPEDE_RUNNER_FLAGS value for one binary,
// disabling coverage collection for extra_binaries the same way the
// original engine does (they still execute, but their feature output is
// not trusted).
func (c *Callbacks) runnerFlags(disableCoverage bool) string {
	e := c.Env
	flags := runner.Flags{
		Shmem:               c.shmemBase,
		TimeoutInSeconds:    e.TimeoutSeconds,
		AddressSpaceLimitMb: e.AddressSpaceLimitMb,
		RSSLimitMb:          e.RSSLimitMb,
		PathLevel:           e.PathLevel,
		CrossoverLevel:      e.CrossoverLevel,
		UseAutoDictionary:   e.UseAutoDictionary,
		UsePathFeatures:     e.PathLevel > 0,
	}
	if !disableCoverage {
		flags.UsePCFeatures = e.UsePCFeatures
		flags.UseCounterFeatures = e.UseCounterFeatures
		flags.UseCMPFeatures = e.UseCMPFeatures
		flags.UseDataflowFeatures = e.UseDataflowFeatures
	}
	return flags.String()
}

// commandFor returns (creating and fork-server-starting, once) the
// Command wrapping binary.
func (c *Callbacks) commandFor(binary string, disableCoverage bool) (*command.Command, error) {
	if cmd, ok := c.cmds[binary]; ok {
		return cmd, nil
	}
	cmd := &command.Command{
		Path:    binary,
		Env:     []string{"CENTIPEDE_RUNNER_FLAGS=" + c.runnerFlags(disableCoverage)},
		Timeout: timeoutDuration(c.Env.TimeoutSeconds) + 5*time.Second,
	}
	if c.Env.ForkServer {
		prefix := fmt.Sprintf("fork_%x", crc32Hash(binary))
		if _, err := cmd.StartForkServer(c.tempDir, prefix); err != nil {
			return nil, errors.Wrapf(err, "engine: start fork server for %s", binary)
		}
	}
	c.cmds[binary] = cmd
	return cmd, nil
}

// Execute runs binary once over inputs via the shared inputs/outputs
// regions, returning the parsed batch result and the process exit code.
func (c *Callbacks) Execute(binary string, inputs [][]byte, disableCoverage bool) (*protocol.BatchResult, int, error) {
	cmd, err := c.commandFor(binary, disableCoverage)
	if err != nil {
		return nil, -1, err
	}

	c.inSeq.Reset()
	c.outSeq.Reset()
	if err := protocol.WriteExecutionRequest(c.inSeq, inputs); err != nil {
		return nil, -1, errors.Wrap(err, "engine: write execution request")
	}

	code, err := cmd.Execute()
	if err == command.ErrSignalInterrupt {
		RequestEarlyExit(1)
	} else if err != nil {
		return nil, code, errors.Wrapf(err, "engine: execute %s", binary)
	}

	br := protocol.NewBatchResult(len(inputs))
	if rerr := br.Read(c.outSeq); rerr != nil {
		// A crashed target may leave a partial or empty outputs region;
		// that is expected, not a read failure worth surfacing further.
		return br, code, nil
	}
	return br, code, nil
}

// ExecuteMutation sends a mutation request for inputs to binary over the
// shared inputs/outputs regions and reads back up to numMutants plain data
// blobs, per spec.md §4.8's "Mutation request" framing.
func (c *Callbacks) ExecuteMutation(binary string, inputs [][]byte, numMutants int) ([][]byte, error) {
	cmd, err := c.commandFor(binary, true)
	if err != nil {
		return nil, err
	}

	c.inSeq.Reset()
	c.outSeq.Reset()
	if err := protocol.WriteMutationRequest(c.inSeq, inputs, numMutants); err != nil {
		return nil, errors.Wrap(err, "engine: write mutation request")
	}

	if _, err := cmd.Execute(); err == command.ErrSignalInterrupt {
		RequestEarlyExit(1)
	} else if err != nil {
		return nil, errors.Wrapf(err, "engine: execute external mutator %s", binary)
	}

	mutants, err := protocol.ReadMutants(c.outSeq, numMutants)
	if err != nil {
		return nil, err
	}
	return mutants, nil
}

// Mutate produces n mutants from inputs using src (the engine's
// configured MutateSource).
func (c *Callbacks) Mutate(src MutateSource, inputs [][]byte, n int) [][]byte {
	allowCrossover := c.Env.CrossoverLevel > 0
	return src.MutateMany(inputs, n, allowCrossover)
}

// DummyValidInput returns a small benign non-empty input used to warm up
// the target binary before fuzzing proper begins (spec.md §4.10).
func (c *Callbacks) DummyValidInput() []byte { return []byte{0} }

func timeoutDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func crc32Hash(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}
