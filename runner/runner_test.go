package runner

import (
	"testing"

	"github.com/xtaci/centifuzz/blobseq"
	"github.com/xtaci/centifuzz/feature"
	"github.com/xtaci/centifuzz/protocol"
)

func TestConcurrentBitSetSetAndIterate(t *testing.T) {
	var bs ConcurrentBitSet
	bs.Set(0)
	bs.Set(63)
	bs.Set(64)
	bs.Set(bitSetSize - 1)
	var got []uint32
	bs.ForEachNonZero(func(i uint32) { got = append(got, i) })
	want := []uint32{0, 63, 64, bitSetSize - 1}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	bs.Clear()
	n := 0
	bs.ForEachNonZero(func(uint32) { n++ })
	if n != 0 {
		t.Fatalf("after Clear: %d bits still set", n)
	}
}

func TestCounterArraySaturates(t *testing.T) {
	var c CounterArray
	for i := 0; i < 300; i++ {
		c.Increment(5)
	}
	if c.counters[5] != 255 {
		t.Fatalf("counter = %d, want 255", c.counters[5])
	}
}

func TestThreadArenaHandleInvalidatedAfterUnregister(t *testing.T) {
	a := newThreadArena()
	h := a.register()
	if ok := a.with(h, func(ts *threadState) { ts.pushPC(1) }); !ok {
		t.Fatalf("with() on live handle returned false")
	}
	a.unregister(h)
	if ok := a.with(h, func(*threadState) {}); ok {
		t.Fatalf("with() on stale handle returned true")
	}
	h2 := a.register()
	if uint32(h2) != uint32(h) {
		t.Fatalf("expected slot reuse: h=%d h2=%d", uint32(h), uint32(h2))
	}
	if h2 == h {
		t.Fatalf("expected a fresh generation after reuse")
	}
}

func TestStateCollectFeaturesPrefersCountersOverPCFeatures(t *testing.T) {
	flags := Flags{UsePCFeatures: true, UseCounterFeatures: true}
	s := NewState(flags, 4)
	s.counters.Increment(2)
	s.pcBitSet.Set(2)
	fv := s.collectFeatures()
	if len(fv) != 1 {
		t.Fatalf("len(fv)=%d, want 1", len(fv))
	}
	if feature.DomainOf(fv[0]) != feature.PC8bitCounters {
		t.Fatalf("domain = %v, want PC8bitCounters", feature.DomainOf(fv[0]))
	}
	if feature.CounterToPCIndex(fv[0]) != 2 {
		t.Fatalf("pc index = %d, want 2", feature.CounterToPCIndex(fv[0]))
	}
}

func TestRunBatchRoundTrip(t *testing.T) {
	const name = "centifuzz_runner_test"
	inSeq, err := blobseq.New(name+".inputs", 4096)
	if err != nil {
		t.Fatalf("blobseq.New inputs: %v", err)
	}
	defer inSeq.Unlink()
	defer inSeq.Release()
	outSeq, err := blobseq.New(name+".outputs", 4096)
	if err != nil {
		t.Fatalf("blobseq.New outputs: %v", err)
	}
	defer outSeq.Unlink()
	defer outSeq.Release()

	if err := protocol.WriteExecutionRequest(inSeq, [][]byte{[]byte("ab"), []byte("xyz")}); err != nil {
		t.Fatalf("WriteExecutionRequest: %v", err)
	}
	inSeq.Reset()

	state := NewState(Flags{UsePCFeatures: true}, 8)
	r := NewRunner(state, func(input []byte) int {
		for i, b := range input {
			state.OnPCGuard(0, uint32(i)+uint32(b)%8)
		}
		return 0
	})
	n, err := r.RunBatch(name+".inputs", name+".outputs")
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}

	outSeq.Reset()
	br := protocol.NewBatchResult(2)
	if err := br.Read(outSeq); err != nil {
		t.Fatalf("BatchResult.Read: %v", err)
	}
	if br.NumOutputsRead != 2 {
		t.Fatalf("NumOutputsRead=%d, want 2", br.NumOutputsRead)
	}
}
