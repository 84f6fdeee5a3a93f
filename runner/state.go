package runner

import (
	"sync/atomic"

	"github.com/xtaci/centifuzz/feature"
)

// State is the process-wide runtime an instrumented target binary links
// against. It owns the feature-collecting bitsets/counters and the
// thread-state arena; exactly one State is constructed per process, at
// startup, from the parsed CENTIPEDE_RUNNER_FLAGS.
type State struct {
	Flags Flags

	arena *threadArena

	counters   CounterArray
	dataFlow   ConcurrentBitSet
	cmp        ConcurrentBitSet
	path       ConcurrentBitSet
	pcBitSet   ConcurrentBitSet

	numPCs uint32

	execDepth int64 // number of test_one_input calls in flight, for diagnostics
}

// NewState constructs a State from already-parsed flags. numPCs is the
// number of instrumented PC indices the target binary was built with
// (typically supplied by the build's instrumentation map); it bounds
// PCPair synthesis.
func NewState(flags Flags, numPCs uint32) *State {
	return &State{Flags: flags, arena: newThreadArena(), numPCs: numPCs}
}

// RegisterThread allocates a ThreadHandle for a new logical execution
// thread (normally one per goroutine the harness runs test_one_input on).
func (s *State) RegisterThread() ThreadHandle {
	return s.arena.register()
}

// UnregisterThread releases h back to the arena.
func (s *State) UnregisterThread(h ThreadHandle) {
	s.arena.unregister(h)
}

// OnPCGuard records a control-flow edge visit at pcIndex: it bumps the
// 8-bit counter, sets the PC-coverage bit, and (if path features are
// enabled) folds pcIndex into h's bounded-path ring, recording the
// resulting path hash into the path bitset.
func (s *State) OnPCGuard(h ThreadHandle, pcIndex uint32) {
	if s.Flags.UseCounterFeatures || s.Flags.UsePCFeatures {
		s.counters.Increment(pcIndex)
		s.pcBitSet.Set(pcIndex)
	}
	if s.Flags.UsePathFeatures {
		s.arena.with(h, func(ts *threadState) {
			ts.pushPC(pcIndex)
			s.path.Set(uint32(ts.pathHash() % bitSetSize))
		})
	}
}

// OnDataFlow records that instrumentation site idx observed a use of a
// value it previously defined, the raw signal for DataFlow features.
func (s *State) OnDataFlow(idx uint32) {
	if !s.Flags.UseDataflowFeatures {
		return
	}
	s.dataFlow.Set(idx % bitSetSize)
}

// OnCMP records a comparison instrumentation callback at instrumentation
// site pc comparing x and y.
func (s *State) OnCMP(pc uint32, x, y uint64) {
	if !s.Flags.UseCMPFeatures {
		return
	}
	f := feature.EncodeCMP(pc, s.numPCs, x, y)
	s.cmp.Set(uint32(uint64(f) % bitSetSize))
}

// Reset clears all accumulated feature state between inputs. Thread-local
// ring buffers are reset lazily, at the next RegisterThread-scoped use, by
// the harness calling ResetThread.
func (s *State) Reset() {
	s.counters.Clear()
	s.dataFlow.Clear()
	s.cmp.Clear()
	s.path.Clear()
	s.pcBitSet.Clear()
}

// ResetThread clears h's per-thread ring-buffer state; RunBatch calls it
// once before each input.
func (s *State) ResetThread(h ThreadHandle) {
	s.arena.with(h, func(ts *threadState) { ts.reset() })
}

// incExecDepth/decExecDepth let the watchdog detect a test_one_input call
// that is still running past its deadline.
func (s *State) incExecDepth() { atomic.AddInt64(&s.execDepth, 1) }
func (s *State) decExecDepth() { atomic.AddInt64(&s.execDepth, -1) }

// collectFeatures drains every bitset/counter the active flags enabled
// into a single feature vector, honoring the precedence that
// use_counter_features, when set, takes the full-resolution 8-bit-counter
// signal and use_pc_features alone (without use_counter_features) degrades
// it to plain PC-visited bits — this repo's resolution of the Open
// Question on how the two flags interact when both or neither are set
// (see DESIGN.md).
func (s *State) collectFeatures() []feature.Feature {
	var out []feature.Feature
	switch {
	case s.Flags.UseCounterFeatures:
		s.counters.ForEachNonZero(func(idx uint32, v uint8) {
			out = append(out, feature.QuantizeCounter(idx, v))
		})
	case s.Flags.UsePCFeatures:
		s.pcBitSet.ForEachNonZero(func(i uint32) {
			out = append(out, feature.QuantizeCounter(i, 1))
		})
	}
	if s.Flags.UseDataflowFeatures {
		s.dataFlow.ForEachNonZero(func(i uint32) {
			out = append(out, feature.ConvertTo(feature.DataFlow, uint64(i)))
		})
	}
	if s.Flags.UseCMPFeatures {
		s.cmp.ForEachNonZero(func(i uint32) {
			out = append(out, feature.ConvertTo(feature.CMP, uint64(i)))
		})
	}
	if s.Flags.UsePathFeatures {
		s.path.ForEachNonZero(func(i uint32) {
			out = append(out, feature.ConvertTo(feature.BoundedPath, uint64(i)))
		})
	}
	if s.Flags.UsePCFeatures && s.numPCs > 1 {
		var pcs []uint32
		s.pcBitSet.ForEachNonZero(func(i uint32) { pcs = append(pcs, i) })
		feature.EnumeratePCPairs(pcs, s.numPCs, func(f feature.Feature) {
			out = append(out, f)
		})
	}
	return out
}
