// Package protocol frames the runner-engine execution/mutation requests
// and assembles per-batch execution results over a blobseq.BlobSequence
// (spec.md §4.8).
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/blobseq"
	"github.com/xtaci/centifuzz/feature"
)

// Tags for blobs exchanged over the inputs/outputs shared-memory regions.
// Tag 0 is reserved invalid by blobseq itself.
const (
	TagInvalid uint64 = iota
	TagFeatures
	TagInputBegin
	TagInputEnd
	TagStats
	TagExecutionRequest
	TagMutationRequest
	TagNumInputs
	TagNumMutants
)

// Stats is the fixed-size per-input timing/resource record (spec.md §4.8).
type Stats struct {
	PrepUsec   uint64
	ExecUsec   uint64
	PostUsec   uint64
	PeakRSSMb  uint64
}

const statsSize = 32

func (s Stats) marshal() []byte {
	buf := make([]byte, statsSize)
	binary.LittleEndian.PutUint64(buf[0:], s.PrepUsec)
	binary.LittleEndian.PutUint64(buf[8:], s.ExecUsec)
	binary.LittleEndian.PutUint64(buf[16:], s.PostUsec)
	binary.LittleEndian.PutUint64(buf[24:], s.PeakRSSMb)
	return buf
}

func unmarshalStats(b []byte) (Stats, error) {
	if len(b) != statsSize {
		return Stats{}, errors.Errorf("protocol: stats blob has %d bytes, want %d", len(b), statsSize)
	}
	return Stats{
		PrepUsec:  binary.LittleEndian.Uint64(b[0:]),
		ExecUsec:  binary.LittleEndian.Uint64(b[8:]),
		PostUsec:  binary.LittleEndian.Uint64(b[16:]),
		PeakRSSMb: binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

// ExecutionResult holds the features and stats the runner produced for one
// input. An empty Features vector means the input was rejected (-1 return
// from test_one_input) or its execution crashed before post-processing.
type ExecutionResult struct {
	Features []feature.Feature
	Stats    Stats
}

// WriteOneFeatureVec writes a feature vector as a single Features blob.
// Called by the runner side, at most once per executed input.
func WriteOneFeatureVec(seq *blobseq.BlobSequence, features []feature.Feature) (bool, error) {
	buf := make([]byte, len(features)*8)
	for i, f := range features {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(f))
	}
	return seq.Write(blobseq.Blob{Tag: TagFeatures, Data: buf})
}

// WriteInputBegin writes the InputBegin marker.
func WriteInputBegin(seq *blobseq.BlobSequence) (bool, error) {
	return seq.Write(blobseq.Blob{Tag: TagInputBegin, Data: nil})
}

// WriteInputEnd writes the InputEnd marker.
func WriteInputEnd(seq *blobseq.BlobSequence) (bool, error) {
	return seq.Write(blobseq.Blob{Tag: TagInputEnd, Data: nil})
}

// WriteStats writes one Stats record.
func WriteStats(seq *blobseq.BlobSequence, stats Stats) (bool, error) {
	return seq.Write(blobseq.Blob{Tag: TagStats, Data: stats.marshal()})
}

// BatchResult accumulates the runner's per-input tuples
// [InputBegin, {Features,Stats}*, InputEnd] read off the outputs
// blobseq, matching spec.md §4.8's parser invariants.
type BatchResult struct {
	Results        []ExecutionResult
	NumOutputsRead int
}

// NewBatchResult allocates a BatchResult sized for n expected inputs.
func NewBatchResult(n int) *BatchResult {
	return &BatchResult{Results: make([]ExecutionResult, n)}
}

// Read consumes every blob from seq, assembling tuples into br.Results.
// Any feature array missing for an input leaves that input's Features
// empty, per spec.md §4.8 (treated by the engine as crash-related).
func (br *BatchResult) Read(seq *blobseq.BlobSequence) error {
	numBegins, numEnds := 0, 0
	expected := len(br.Results)
	var current *ExecutionResult
	for {
		b, ok, err := seq.Read()
		if err != nil {
			return errors.Wrap(err, "protocol: read batch result")
		}
		if !ok {
			break
		}
		switch b.Tag {
		case TagInputBegin:
			if numBegins != numEnds {
				return errors.New("protocol: InputBegin seen while a tuple was already open")
			}
			numBegins++
			if numBegins > expected {
				return errors.New("protocol: more InputBegin tuples than expected")
			}
			current = &br.Results[numEnds]
		case TagInputEnd:
			numEnds++
			if numEnds != numBegins {
				return errors.New("protocol: InputEnd without a matching InputBegin")
			}
			current = nil
		case TagStats:
			if current == nil {
				return errors.New("protocol: Stats blob outside InputBegin/InputEnd")
			}
			stats, err := unmarshalStats(b.Data)
			if err != nil {
				return err
			}
			current.Stats = stats
		case TagFeatures:
			if current == nil {
				return errors.New("protocol: Features blob outside InputBegin/InputEnd")
			}
			if len(b.Data)%8 != 0 {
				return errors.New("protocol: features blob not a whole number of u64 words")
			}
			fs := make([]feature.Feature, len(b.Data)/8)
			for i := range fs {
				fs[i] = feature.Feature(binary.LittleEndian.Uint64(b.Data[i*8:]))
			}
			current.Features = fs
		default:
			return errors.Errorf("protocol: unexpected tag %d", b.Tag)
		}
	}
	for i := numEnds; i < expected; i++ {
		if len(br.Results[i].Features) != 0 {
			return errors.New("protocol: missing-output result unexpectedly has features")
		}
	}
	br.NumOutputsRead = numEnds
	return nil
}

// WriteExecutionRequest frames an execution request: a tag blob, a
// num_inputs blob, then one data blob per input.
func WriteExecutionRequest(seq *blobseq.BlobSequence, inputs [][]byte) error {
	if ok, err := seq.Write(blobseq.Blob{Tag: TagExecutionRequest}); err != nil || !ok {
		return writeErr(ok, err, "execution request tag")
	}
	if err := writeCount(seq, TagNumInputs, len(inputs)); err != nil {
		return err
	}
	for i, in := range inputs {
		if ok, err := seq.Write(blobseq.Blob{Tag: TagInputBegin, Data: in}); err != nil || !ok {
			return writeErr(ok, err, "execution request input %d", i)
		}
	}
	return nil
}

// WriteMutationRequest frames a mutation request: a tag blob, a
// num_mutants blob, a num_inputs blob, then one data blob per input.
func WriteMutationRequest(seq *blobseq.BlobSequence, inputs [][]byte, numMutants int) error {
	if ok, err := seq.Write(blobseq.Blob{Tag: TagMutationRequest}); err != nil || !ok {
		return writeErr(ok, err, "mutation request tag")
	}
	if err := writeCount(seq, TagNumMutants, numMutants); err != nil {
		return err
	}
	if err := writeCount(seq, TagNumInputs, len(inputs)); err != nil {
		return err
	}
	for i, in := range inputs {
		if ok, err := seq.Write(blobseq.Blob{Tag: TagInputBegin, Data: in}); err != nil || !ok {
			return writeErr(ok, err, "mutation request input %d", i)
		}
	}
	return nil
}

// ReadMutants reads up to numMutants plain data blobs (tagged InputBegin)
// off seq, the output framing an external mutator binary writes for a
// mutation request: one data blob per mutant, in order, with no
// begin/end/stats wrapper (unlike an execution result's per-input tuple).
func ReadMutants(seq *blobseq.BlobSequence, numMutants int) ([][]byte, error) {
	mutants := make([][]byte, 0, numMutants)
	for i := 0; i < numMutants; i++ {
		b, ok, err := seq.Read()
		if err != nil {
			return mutants, errors.Wrap(err, "protocol: read mutants")
		}
		if !ok {
			break
		}
		if b.Tag != TagInputBegin {
			return mutants, errors.Errorf("protocol: unexpected tag %d reading mutants", b.Tag)
		}
		mutants = append(mutants, b.Data)
	}
	return mutants, nil
}

func writeCount(seq *blobseq.BlobSequence, tag uint64, n int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(n))
	ok, err := seq.Write(blobseq.Blob{Tag: tag, Data: buf[:]})
	return writeErr(ok, err, "count blob (tag %d)", tag)
}

func writeErr(ok bool, err error, format string, args ...interface{}) error {
	if err != nil {
		return errors.Wrapf(err, "protocol: "+format, args...)
	}
	if !ok {
		return errors.Errorf("protocol: shared-memory region too small for "+format, args...)
	}
	return nil
}
