// Package mutator implements a stateful byte-array mutator with a
// dictionary and crossover, per spec.md §4.3.
//
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
package mutator

import "math/rand"

// maxRetries bounds how many times a family/primitive is retried when the
// chosen one declines (e.g. erase on a 1-byte input), mirroring the
// original's ApplyOneOf retry-up-to-10 discipline.
const maxRetries = 10

// maxInsertBytes bounds insert_bytes to 1..20 new bytes per spec.md §4.3.
const maxInsertBytes = 20

// Mutator is a stateful byte-array mutator parameterized by a seed and an
// in-memory dictionary. Not safe for concurrent use.
type Mutator struct {
	rng        *rand.Rand
	dictionary [][]byte
}

// New constructs a Mutator seeded with seed.
func New(seed uint64) *Mutator {
	return &Mutator{rng: rand.New(rand.NewSource(int64(seed)))}
}

// AddToDictionary adds entry to the in-memory dictionary used by
// OverwriteFromDictionary/InsertFromDictionary.
func (m *Mutator) AddToDictionary(entry []byte) {
	if len(entry) == 0 {
		return
	}
	cp := make([]byte, len(entry))
	copy(cp, entry)
	m.dictionary = append(m.dictionary, cp)
}

type family int

const (
	familySameSize family = iota
	familyIncrease
	familyDecrease
)

// Mutate mutates data in place, returning the (possibly same-length,
// possibly resized) result and whether a mutation actually occurred. Every
// mutator invocation leaves data non-empty.
func (m *Mutator) Mutate(data []byte) ([]byte, bool) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		fam := family(m.rng.Intn(3))
		out, ok := m.applyFamily(fam, data)
		if ok {
			return out, true
		}
	}
	return data, false
}

func (m *Mutator) applyFamily(fam family, data []byte) ([]byte, bool) {
	switch fam {
	case familySameSize:
		return m.mutateSameSize(data)
	case familyIncrease:
		return m.mutateIncreaseSize(data)
	default:
		return m.mutateDecreaseSize(data)
	}
}

func (m *Mutator) mutateSameSize(data []byte) ([]byte, bool) {
	switch m.rng.Intn(4) {
	case 0:
		return m.FlipBit(data)
	case 1:
		return m.SwapBytes(data)
	case 2:
		return m.ChangeByte(data)
	default:
		return m.OverwriteFromDictionary(data)
	}
}

func (m *Mutator) mutateIncreaseSize(data []byte) ([]byte, bool) {
	switch m.rng.Intn(2) {
	case 0:
		return m.InsertBytes(data)
	default:
		return m.InsertFromDictionary(data)
	}
}

func (m *Mutator) mutateDecreaseSize(data []byte) ([]byte, bool) {
	return m.EraseBytes(data)
}

// FlipBit flips a single random bit of data.
func (m *Mutator) FlipBit(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	bitPos := m.rng.Intn(len(data) * 8)
	data[bitPos/8] ^= 1 << uint(bitPos%8)
	return data, true
}

// SwapBytes swaps two random byte positions of data.
func (m *Mutator) SwapBytes(data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return data, false
	}
	i := m.rng.Intn(len(data))
	j := m.rng.Intn(len(data))
	if i == j {
		j = (j + 1) % len(data)
	}
	data[i], data[j] = data[j], data[i]
	return data, true
}

// ChangeByte overwrites a random byte of data with a uniform random byte.
func (m *Mutator) ChangeByte(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}
	i := m.rng.Intn(len(data))
	nv := byte(m.rng.Intn(256))
	if nv == data[i] {
		nv++
	}
	data[i] = nv
	return data, true
}

// OverwriteFromDictionary overwrites a random slice of data with a
// dictionary entry that fits; declines if the dictionary is empty or no
// entry fits within len(data).
func (m *Mutator) OverwriteFromDictionary(data []byte) ([]byte, bool) {
	entry := m.pickFittingDictEntry(len(data))
	if entry == nil {
		return data, false
	}
	maxStart := len(data) - len(entry)
	start := 0
	if maxStart > 0 {
		start = m.rng.Intn(maxStart + 1)
	}
	copy(data[start:start+len(entry)], entry)
	return data, true
}

// InsertBytes inserts 1..20 random bytes at a random position (including
// the end) of data.
func (m *Mutator) InsertBytes(data []byte) ([]byte, bool) {
	n := 1 + m.rng.Intn(maxInsertBytes)
	pos := m.rng.Intn(len(data) + 1)
	var ins [maxInsertBytes]byte
	for i := 0; i < n; i++ {
		ins[i] = byte(m.rng.Intn(256))
	}
	out := make([]byte, 0, len(data)+n)
	out = append(out, data[:pos]...)
	out = append(out, ins[:n]...)
	out = append(out, data[pos:]...)
	return out, true
}

// InsertFromDictionary inserts a dictionary entry at a random position of
// data; declines if the dictionary is empty.
func (m *Mutator) InsertFromDictionary(data []byte) ([]byte, bool) {
	if len(m.dictionary) == 0 {
		return data, false
	}
	entry := m.dictionary[m.rng.Intn(len(m.dictionary))]
	pos := m.rng.Intn(len(data) + 1)
	out := make([]byte, 0, len(data)+len(entry))
	out = append(out, data[:pos]...)
	out = append(out, entry...)
	out = append(out, data[pos:]...)
	return out, true
}

// EraseBytes erases 1..floor(n/2) bytes of data; declines if len(data)<=1.
func (m *Mutator) EraseBytes(data []byte) ([]byte, bool) {
	n := len(data)
	if n <= 1 {
		return data, false
	}
	maxErase := n / 2
	if maxErase < 1 {
		maxErase = 1
	}
	eraseLen := 1 + m.rng.Intn(maxErase)
	start := m.rng.Intn(n - eraseLen + 1)
	out := make([]byte, 0, n-eraseLen)
	out = append(out, data[:start]...)
	out = append(out, data[start+eraseLen:]...)
	return out, true
}

func (m *Mutator) pickFittingDictEntry(maxLen int) []byte {
	if len(m.dictionary) == 0 {
		return nil
	}
	candidates := make([][]byte, 0, len(m.dictionary))
	for _, e := range m.dictionary {
		if len(e) <= maxLen {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[m.rng.Intn(len(candidates))]
}

// MutateMany produces n mutants from inputs: for each mutant, picks a
// random seed input, and with probability 1/2 (when allowCrossover) does
// a crossover with another random input, otherwise applies Mutate.
func (m *Mutator) MutateMany(inputs [][]byte, n int, allowCrossover bool) [][]byte {
	if len(inputs) == 0 {
		return nil
	}
	mutants := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		seed := inputs[m.rng.Intn(len(inputs))]
		data := append([]byte{}, seed...)
		if allowCrossover && len(inputs) > 1 && m.rng.Intn(2) == 0 {
			other := inputs[m.rng.Intn(len(inputs))]
			data, _ = m.CrossOver(data, other)
		} else {
			data, _ = m.Mutate(data)
		}
		mutants = append(mutants, data)
	}
	return mutants
}

// CrossOverInsert inserts a random slice of other into data at a random
// position.
func (m *Mutator) CrossOverInsert(data, other []byte) ([]byte, bool) {
	if len(other) == 0 {
		return data, false
	}
	k := 1 + m.rng.Intn(len(other))
	f := m.rng.Intn(len(other) - k + 1)
	pos := m.rng.Intn(len(data) + 1)
	out := make([]byte, 0, len(data)+k)
	out = append(out, data[:pos]...)
	out = append(out, other[f:f+k]...)
	out = append(out, data[pos:]...)
	return out, true
}

// CrossOverOverwrite overwrites a slice of data (at most half its length)
// with a slice of other.
func (m *Mutator) CrossOverOverwrite(data, other []byte) ([]byte, bool) {
	if len(data) == 0 || len(other) == 0 {
		return data, false
	}
	maxLen := len(data) / 2
	if maxLen < 1 {
		maxLen = 1
	}
	k := 1 + m.rng.Intn(maxLen)
	if k > len(other) {
		k = len(other)
	}
	pos := m.rng.Intn(len(data) - k + 1)
	fOther := m.rng.Intn(len(other) - k + 1)
	copy(data[pos:pos+k], other[fOther:fOther+k])
	return data, true
}

// CrossOver performs CrossOverInsert or CrossOverOverwrite with equal
// probability.
func (m *Mutator) CrossOver(data, other []byte) ([]byte, bool) {
	if m.rng.Intn(2) == 0 {
		return m.CrossOverInsert(data, other)
	}
	return m.CrossOverOverwrite(data, other)
}
