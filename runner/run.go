package runner

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/blobseq"
	"github.com/xtaci/centifuzz/protocol"
)

// TestOneInput is the harness function an instrumented target binary
// provides: it runs input through the fuzzed code path and returns -1 to
// reject the input outright (treated like a crash's absence of features),
// or 0 otherwise. Any panic is recovered by RunBatch and treated as a
// crash: the batch loop stops and reports the input that caused it.
type TestOneInput func(input []byte) int

// Runner drives one batch of executions against a fork-server-free,
// in-process target: it opens the inputs/outputs shared-memory regions
// named by Flags.Shmem, reads an execution request, and streams results
// back, matching spec.md §4.9's runner main loop.
type Runner struct {
	State *State
	Test  TestOneInput
}

// NewRunner constructs a Runner around state and the target's
// test-one-input function.
func NewRunner(state *State, test TestOneInput) *Runner {
	return &Runner{State: state, Test: test}
}

// shmemNames derives the inputs/outputs shared-memory object names from
// the base name carried in CENTIPEDE_RUNNER_FLAGS's shmem= value.
func shmemNames(base string) (inputs, outputs string) {
	return base + ".inputs", base + ".outputs"
}

// RunMain is the entry point an instrumented target's main() calls when
// launched by the engine: it parses CENTIPEDE_RUNNER_FLAGS from env,
// derives the inputs/outputs region names from the shmem= flag, and runs
// RunBatch against them. Returns the process exit code the target's
// main() should use.
func RunMain(rawFlags string, numPCs uint32, test TestOneInput) int {
	flags := ParseFlags(rawFlags)
	if flags.Shmem == "" {
		return 1
	}
	state := NewState(flags, numPCs)
	r := NewRunner(state, test)
	inputsName, outputsName := shmemNames(flags.Shmem)
	if _, err := r.RunBatch(inputsName, outputsName); err != nil {
		return 1
	}
	return 0
}

// RunBatch executes every input the engine placed in the inputs region
// and writes [InputBegin,Features,Stats,InputEnd] tuples for each to the
// outputs region, per spec.md §4.8. It returns the number of inputs
// successfully executed before a crash (if any) aborted the batch; a
// crash is reported via the (possibly nil) returned error, which the
// caller (the runner's main binary) turns into a non-zero process exit so
// the engine's Command.Execute sees the failure.
func (r *Runner) RunBatch(inputsSeqName, outputsSeqName string) (int, error) {
	in, err := blobseq.Open(inputsSeqName)
	if err != nil {
		return 0, errors.Wrap(err, "runner: open inputs region")
	}
	defer in.Release()
	out, err := blobseq.Open(outputsSeqName)
	if err != nil {
		return 0, errors.Wrap(err, "runner: open outputs region")
	}
	defer out.Release()

	inputs, err := readInputs(in)
	if err != nil {
		return 0, errors.Wrap(err, "runner: read inputs region")
	}

	handle := r.State.RegisterThread()
	defer r.State.UnregisterThread(handle)

	for i, input := range inputs {
		if err := r.runOne(handle, input, out); err != nil {
			return i, err
		}
	}
	return len(inputs), nil
}

// readInputs parses an ExecutionRequest (or MutationRequest, whose inputs
// are read identically; mutation itself happens before this point in the
// mutate binary) off seq into its constituent input byte slices.
func readInputs(seq *blobseq.BlobSequence) ([][]byte, error) {
	var inputs [][]byte
	for {
		b, ok, err := seq.Read()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		switch b.Tag {
		case protocol.TagExecutionRequest, protocol.TagMutationRequest, protocol.TagNumInputs, protocol.TagNumMutants:
			continue
		case protocol.TagInputBegin:
			inputs = append(inputs, b.Data)
		default:
			return nil, errors.Errorf("runner: unexpected tag %d in request", b.Tag)
		}
	}
	return inputs, nil
}

// runOne executes one input end-to-end: reset per-input state, run the
// watchdog-guarded test function, collect features, and write the result
// tuple. A panic from Test is recovered and reported as an error, which
// RunBatch's caller turns into a crash signal the same way a real process
// crash would be (spec.md §4.9, "Crash semantics").
func (r *Runner) runOne(handle ThreadHandle, input []byte, out *blobseq.BlobSequence) (err error) {
	r.State.Reset()
	r.State.ResetThread(handle)

	wd := newWatchdog(r.State.Flags.TimeoutInSeconds, r.State.Flags.RSSLimitMb, r.State.Flags.FailureDescriptionPath)
	wd.Start()
	defer wd.Stop()

	r.State.incExecDepth()
	prepStart := time.Now()

	defer func() {
		r.State.decExecDepth()
		if p := recover(); p != nil {
			err = errors.Errorf("runner: test_one_input panicked: %v", p)
		}
	}()

	prepUsec := uint64(time.Since(prepStart).Microseconds())
	execStart := time.Now()
	rc := r.Test(input)
	execUsec := uint64(time.Since(execStart).Microseconds())

	postStart := time.Now()
	if ok, werr := protocol.WriteInputBegin(out); werr != nil || !ok {
		return writeErr(ok, werr)
	}

	if rc == 0 {
		fv := r.State.collectFeatures()
		if ok, werr := protocol.WriteOneFeatureVec(out, fv); werr != nil || !ok {
			return writeErr(ok, werr)
		}
	}

	postUsec := uint64(time.Since(postStart).Microseconds())
	stats := protocol.Stats{
		PrepUsec:  prepUsec,
		ExecUsec:  execUsec,
		PostUsec:  postUsec,
		PeakRSSMb: uint64(currentRSSMb()),
	}
	if ok, werr := protocol.WriteStats(out, stats); werr != nil || !ok {
		return writeErr(ok, werr)
	}
	if ok, werr := protocol.WriteInputEnd(out); werr != nil || !ok {
		return writeErr(ok, werr)
	}
	return nil
}

func writeErr(ok bool, err error) error {
	if err != nil {
		return errors.Wrap(err, "runner: write output blob")
	}
	if !ok {
		return errors.New("runner: outputs shared-memory region is full")
	}
	return nil
}
