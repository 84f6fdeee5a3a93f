package feature

import "testing"

func TestDomainRoundTrip(t *testing.T) {
	cases := []struct {
		d     Domain
		local uint64
	}{
		{Unknown, 0},
		{PC8bitCounters, 12345},
		{DataFlow, 1},
		{CMP, 0xdeadbeef},
		{BoundedPath, 7},
		{PCPair, 999999},
	}
	for _, c := range cases {
		f := ConvertTo(c.d, c.local)
		if got := DomainOf(f); got != c.d {
			t.Fatalf("DomainOf(ConvertTo(%v,%d)) = %v, want %v", c.d, c.local, got, c.d)
		}
		if got := ConvertFrom(c.d, f); got != c.local {
			t.Fatalf("ConvertFrom round-trip = %d, want %d", got, c.local)
		}
	}
}

func TestQuantizeCounterRoundTrip(t *testing.T) {
	for idx := uint32(0); idx < 100; idx++ {
		for v := 1; v <= 255; v++ {
			f := QuantizeCounter(idx, uint8(v))
			if got := CounterToPCIndex(f); got != idx {
				t.Fatalf("CounterToPCIndex(QuantizeCounter(%d,%d)) = %d, want %d", idx, v, got, idx)
			}
		}
	}
}

func TestQuantizeBucketMonotonic(t *testing.T) {
	prev := -1
	for v := 1; v <= 255; v++ {
		b := quantizeBucket(uint8(v))
		if b < prev {
			t.Fatalf("bucket decreased at v=%d: %d -> %d", v, prev, b)
		}
		prev = b
	}
}

func TestEncodePCPairUniqueAndOrdered(t *testing.T) {
	const n = 10
	seen := map[Feature]struct{}{}
	for a := uint32(0); a < n; a++ {
		for b := a + 1; b < n; b++ {
			f := EncodePCPair(a, b, n)
			if _, ok := seen[f]; ok {
				t.Fatalf("collision for pair (%d,%d)", a, b)
			}
			seen[f] = struct{}{}
			if DomainOf(f) != PCPair {
				t.Fatalf("EncodePCPair produced wrong domain")
			}
		}
	}
}

func TestEncodePCPairRequiresOrder(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for a >= b")
		}
	}()
	EncodePCPair(5, 5, 10)
}

func TestEnumeratePCPairsCap(t *testing.T) {
	pcs := make([]uint32, 200)
	for i := range pcs {
		pcs[i] = uint32(i)
	}
	count := 0
	EnumeratePCPairs(pcs, 200, func(Feature) { count++ })
	if count > maxPCPairFeaturesPerInput {
		t.Fatalf("EnumeratePCPairs exceeded cap: %d > %d", count, maxPCPairFeaturesPerInput)
	}
}

func TestEncodeCMPDistinguishesPC(t *testing.T) {
	f1 := EncodeCMP(1, 100, 10, 20)
	f2 := EncodeCMP(2, 100, 10, 20)
	if f1 == f2 {
		t.Fatalf("EncodeCMP collided across distinct pc for the same pair")
	}
}

func TestHashedRingBufferResetAndDistinctness(t *testing.T) {
	r := NewHashedRingBuffer(4)
	r.Push(1)
	r.Push(2)
	h1 := r.Hash()
	r.Push(3)
	h2 := r.Hash()
	if h1 == h2 {
		t.Fatalf("hash did not change after pushing a new PC")
	}
	r.Reset()
	if r.Hash() != 0 {
		t.Fatalf("Reset did not clear hash")
	}
}

func TestImportanceOrdering(t *testing.T) {
	if Importance(PC8bitCounters) <= Importance(DataFlow) {
		t.Fatalf("PC8bitCounters should outweigh DataFlow")
	}
	if Importance(DataFlow) <= Importance(BoundedPath) {
		t.Fatalf("DataFlow should outweigh BoundedPath")
	}
}
