package corpus

import (
	"encoding/binary"
	"io/ioutil"

	"github.com/pkg/errors"
	"github.com/xtaci/centifuzz/feature"
)

// FuncEntryFlag marks a PCTableEntry as the first PC of a function,
// per spec.md §3's "PC table and control-flow table".
const FuncEntryFlag uint64 = 1 << 0

// PCTableEntry is one entry of the external PC table produced by the
// instrumented binary's --dump_pc_table mode.
type PCTableEntry struct {
	PC    uint64
	Flags uint64
}

// PCTable is the ordered sequence of PCTableEntry the instrumented binary
// reports; entries between consecutive FuncEntryFlag markers belong to the
// same function.
type PCTable []PCTableEntry

// IterateFunctions calls fn(begin, end) for each function's [begin,end)
// index range within the table.
func (t PCTable) IterateFunctions(fn func(begin, end int)) {
	begin := -1
	for i, e := range t {
		if e.Flags&FuncEntryFlag != 0 {
			if begin >= 0 {
				fn(begin, i)
			}
			begin = i
		}
	}
	if begin >= 0 {
		fn(begin, len(t))
	}
}

// ReadPCTableFile parses the packed `{u64 pc, u64 flags}` stream produced
// by the instrumented binary's --dump_pc_table mode (spec.md §3, §6). A
// missing path is not an error: callers treat a nil table as "PC table
// unavailable", which silently disables use_coverage_frontier.
func ReadPCTableFile(path string) (PCTable, error) {
	if path == "" {
		return nil, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "corpus: read pc table %s", path)
	}
	return ParsePCTable(data)
}

// ParsePCTable decodes the packed `{u64 pc, u64 flags}` stream whether it
// came from a file or directly from the instrumented binary's
// --dump_pc_table stdout.
func ParsePCTable(data []byte) (PCTable, error) {
	if len(data)%16 != 0 {
		return nil, errors.Errorf("corpus: pc table has size %d, not a multiple of 16", len(data))
	}
	table := make(PCTable, len(data)/16)
	for i := range table {
		table[i] = PCTableEntry{
			PC:    binary.LittleEndian.Uint64(data[i*16 : i*16+8]),
			Flags: binary.LittleEndian.Uint64(data[i*16+8 : i*16+16]),
		}
	}
	return table, nil
}

// Frontier is a boolean vector over PC indices; a PC is in the frontier
// iff its enclosing function is partially covered (spec.md §3, §4.6).
type Frontier struct {
	covered  []bool
	table    PCTable
}

// NewFrontier constructs a Frontier sized to table.
func NewFrontier(table PCTable) *Frontier {
	return &Frontier{covered: make([]bool, len(table)), table: table}
}

// IsFrontier reports whether pcIndex is currently a frontier PC.
func (f *Frontier) IsFrontier(pcIndex uint32) bool {
	if int(pcIndex) >= len(f.covered) {
		return false
	}
	return f.covered[pcIndex]
}

// Compute rebuilds the frontier from the corpus's current features:
// 1. mark every PC index touched by an 8-bit-counter feature as covered;
// 2. for each function, if fully covered or fully uncovered, clear its
//    entries; otherwise mark its entries as frontier.
// Returns the number of partially covered functions.
func (f *Frontier) Compute(c *Corpus) int {
	for i := range f.covered {
		f.covered[i] = false
	}
	for _, rec := range c.records {
		for _, ft := range rec.Features {
			if feature.DomainOf(ft) != feature.PC8bitCounters {
				continue
			}
			idx := feature.CounterToPCIndex(ft)
			if int(idx) < len(f.covered) {
				f.covered[idx] = true
			}
		}
	}

	numPartial := 0
	f.table.IterateFunctions(func(begin, end int) {
		covCount := 0
		for i := begin; i < end; i++ {
			if f.covered[i] {
				covCount++
			}
		}
		size := end - begin
		if covCount == 0 || covCount == size {
			for i := begin; i < end; i++ {
				f.covered[i] = false
			}
			return
		}
		for i := begin; i < end; i++ {
			f.covered[i] = true
		}
		numPartial++
	})
	return numPartial
}
