package protocol

import (
	"fmt"
	"testing"

	"github.com/xtaci/centifuzz/blobseq"
	"github.com/xtaci/centifuzz/feature"
)

func newSeq(t *testing.T, size int) *blobseq.BlobSequence {
	t.Helper()
	name := fmt.Sprintf("centifuzz-proto-test-%s-%p", t.Name(), t)
	s, err := blobseq.New(name, size)
	if err != nil {
		t.Fatalf("new blobseq: %v", err)
	}
	t.Cleanup(func() {
		s.Unlink()
		s.Release()
	})
	return s
}

func TestExecutionRequestRoundTrip(t *testing.T) {
	seq := newSeq(t, 1<<16)
	inputs := [][]byte{{1, 2, 3}, {}, {4, 5}}
	if err := WriteExecutionRequest(seq, inputs); err != nil {
		t.Fatalf("write request: %v", err)
	}
	seq.Reset()

	tagBlob, ok, err := seq.Read()
	if err != nil || !ok || tagBlob.Tag != TagExecutionRequest {
		t.Fatalf("expected execution request tag, got %+v ok=%v err=%v", tagBlob, ok, err)
	}
	countBlob, ok, err := seq.Read()
	if err != nil || !ok || countBlob.Tag != TagNumInputs {
		t.Fatalf("expected num_inputs tag, got %+v", countBlob)
	}
	for i, want := range inputs {
		b, ok, err := seq.Read()
		if err != nil || !ok {
			t.Fatalf("input %d: ok=%v err=%v", i, ok, err)
		}
		if string(b.Data) != string(want) {
			t.Fatalf("input %d: got %v want %v", i, b.Data, want)
		}
	}
}

func TestBatchResultParsesOrderedTuples(t *testing.T) {
	seq := newSeq(t, 1<<16)

	write := func(features []feature.Feature, stats Stats) {
		if ok, err := WriteInputBegin(seq); err != nil || !ok {
			t.Fatalf("write InputBegin: ok=%v err=%v", ok, err)
		}
		if ok, err := WriteOneFeatureVec(seq, features); err != nil || !ok {
			t.Fatalf("write features: ok=%v err=%v", ok, err)
		}
		if ok, err := WriteStats(seq, stats); err != nil || !ok {
			t.Fatalf("write stats: ok=%v err=%v", ok, err)
		}
		if ok, err := WriteInputEnd(seq); err != nil || !ok {
			t.Fatalf("write InputEnd: ok=%v err=%v", ok, err)
		}
	}

	write([]feature.Feature{1, 2, 3}, Stats{PrepUsec: 1, ExecUsec: 2, PostUsec: 3, PeakRSSMb: 4})
	// Second input: crash / rejected, no features blob at all.
	if ok, err := WriteInputBegin(seq); err != nil || !ok {
		t.Fatalf("write InputBegin: ok=%v err=%v", ok, err)
	}
	if ok, err := WriteInputEnd(seq); err != nil || !ok {
		t.Fatalf("write InputEnd: ok=%v err=%v", ok, err)
	}

	seq.Reset()
	br := NewBatchResult(2)
	if err := br.Read(seq); err != nil {
		t.Fatalf("read batch result: %v", err)
	}
	if br.NumOutputsRead != 2 {
		t.Fatalf("got NumOutputsRead=%d want 2", br.NumOutputsRead)
	}
	if len(br.Results[0].Features) != 3 {
		t.Fatalf("first result features: got %v", br.Results[0].Features)
	}
	if br.Results[0].Stats.PeakRSSMb != 4 {
		t.Fatalf("first result stats: got %+v", br.Results[0].Stats)
	}
	if len(br.Results[1].Features) != 0 {
		t.Fatalf("second (crashed) result should have no features, got %v", br.Results[1].Features)
	}
}

func TestBatchResultMissingOutputsLeavesEmptyFeatures(t *testing.T) {
	seq := newSeq(t, 1<<16)
	if ok, err := WriteInputBegin(seq); err != nil || !ok {
		t.Fatalf("write InputBegin: ok=%v err=%v", ok, err)
	}
	if ok, err := WriteOneFeatureVec(seq, []feature.Feature{42}); err != nil || !ok {
		t.Fatalf("write features: ok=%v err=%v", ok, err)
	}
	if ok, err := WriteInputEnd(seq); err != nil || !ok {
		t.Fatalf("write InputEnd: ok=%v err=%v", ok, err)
	}
	seq.Reset()

	br := NewBatchResult(3) // requested 3, runner only produced 1 (crashed early).
	if err := br.Read(seq); err != nil {
		t.Fatalf("read batch result: %v", err)
	}
	if br.NumOutputsRead != 1 {
		t.Fatalf("got NumOutputsRead=%d want 1", br.NumOutputsRead)
	}
	for i := 1; i < 3; i++ {
		if len(br.Results[i].Features) != 0 {
			t.Fatalf("result %d should be empty, got %v", i, br.Results[i].Features)
		}
	}
}

func TestMutationRequestAndReadMutants(t *testing.T) {
	seq := newSeq(t, 1<<16)
	inputs := [][]byte{{1}, {2, 2}}
	if err := WriteMutationRequest(seq, inputs, 5); err != nil {
		t.Fatalf("write mutation request: %v", err)
	}
	seq.Reset()

	tagBlob, _, _ := seq.Read()
	if tagBlob.Tag != TagMutationRequest {
		t.Fatalf("got tag %d want %d", tagBlob.Tag, TagMutationRequest)
	}
	numMutantsBlob, _, _ := seq.Read()
	if numMutantsBlob.Tag != TagNumMutants {
		t.Fatalf("got tag %d want %d", numMutantsBlob.Tag, TagNumMutants)
	}
	numInputsBlob, _, _ := seq.Read()
	if numInputsBlob.Tag != TagNumInputs {
		t.Fatalf("got tag %d want %d", numInputsBlob.Tag, TagNumInputs)
	}
	for range inputs {
		if _, ok, err := seq.Read(); err != nil || !ok {
			t.Fatalf("expected an input blob: ok=%v err=%v", ok, err)
		}
	}

	// Now exercise ReadMutants against a freshly written response sequence.
	respSeq := newSeq(t, 1<<16)
	mutants := [][]byte{{9, 9}, {8}, {}}
	for _, m := range mutants {
		if ok, err := respSeq.Write(blobseq.Blob{Tag: TagInputBegin, Data: m}); err != nil || !ok {
			t.Fatalf("write mutant: ok=%v err=%v", ok, err)
		}
	}
	respSeq.Reset()
	got, err := ReadMutants(respSeq, len(mutants))
	if err != nil {
		t.Fatalf("read mutants: %v", err)
	}
	if len(got) != len(mutants) {
		t.Fatalf("got %d mutants want %d", len(got), len(mutants))
	}
	for i := range mutants {
		if string(got[i]) != string(mutants[i]) {
			t.Fatalf("mutant %d: got %v want %v", i, got[i], mutants[i])
		}
	}
}
