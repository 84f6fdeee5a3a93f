package feature

import "math/bits"

// counterBuckets is the number of log2 bands an 8-bit counter value is
// quantized into: {1},{2},{3},{4..7},{8..15},{16..31},{32..63},{64..127,128..255}
// collapsed to 8 buckets total per the original engine's quantization table.
const counterBuckets = 8

// QuantizeCounter maps a raw edge-counter value v in [1,255] observed at PC
// index idx into a PC8bitCounters domain-local value 8*idx + bucket(v).
// Callers must skip v==0 (unexecuted edges carry no feature).
func QuantizeCounter(idx uint32, v uint8) Feature {
	return ConvertTo(PC8bitCounters, uint64(idx)*counterBuckets+uint64(quantizeBucket(v)))
}

// quantizeBucket buckets v into one of 8 log2 bands, matching AFL/libFuzzer
// style counter quantization: 1,2,3,4-7,8-15,16-31,32-63,64-255.
func quantizeBucket(v uint8) int {
	switch {
	case v == 0:
		return 0 // undefined per spec; callers must not call with v==0.
	case v == 1:
		return 0
	case v == 2:
		return 1
	case v == 3:
		return 2
	case v <= 7:
		return 3
	case v <= 15:
		return 4
	case v <= 31:
		return 5
	case v <= 63:
		return 6
	default:
		return 7
	}
}

// CounterToPCIndex inverts the PC component of a PC8bitCounters feature
// produced by QuantizeCounter, satisfying the round-trip invariant
// CounterToPCIndex(QuantizeCounter(idx, v)) == idx for all v in [1,255].
func CounterToPCIndex(f Feature) uint32 {
	local := ConvertFrom(PC8bitCounters, f)
	return uint32(local / counterBuckets)
}

// log2Bucket returns floor(log2(x)) clamped to [0,63], used by the CMP
// encoding's magnitude bucket.
func log2Bucket(x uint64) int {
	if x == 0 {
		return 0
	}
	return bits.Len64(x) - 1
}
