// Package blobfile implements the append-only, self-framed packed-blob
// file format used for shard storage (spec.md §3, §4.2): each record is
// wrapped in a magic-delimited, sha1-guarded frame so that a reader can
// tolerate a torn tail write from a concurrent appender.
package blobfile

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

const (
	magicLen = 11
	hashLen  = 40 // ASCII hex sha1, matching the original engine's kHashLen.
)

var (
	magicBegin = []byte("-Centipede-")
	magicEnd   = []byte("-edepitneC-")
)

// hashOf returns the lowercase ASCII-hex sha1 digest of data, matching the
// kHashLen=40 frame field.
func hashOf(data []byte) []byte {
	sum := sha1.Sum(data)
	const hextable = "0123456789abcdef"
	out := make([]byte, hashLen)
	for i, b := range sum {
		out[2*i] = hextable[b>>4]
		out[2*i+1] = hextable[b&0xf]
	}
	return out
}

// pack frames one payload as MAGIC_BEGIN | sha1(payload) | size(8B LE) |
// payload | MAGIC_END.
func pack(payload []byte) []byte {
	out := make([]byte, 0, magicLen*2+hashLen+8+len(payload))
	out = append(out, magicBegin...)
	out = append(out, hashOf(payload)...)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(payload)))
	out = append(out, sizeBuf[:]...)
	out = append(out, payload...)
	out = append(out, magicEnd...)
	return out
}

// unpackAll scans packed tolerantly for every well-formed frame, skipping
// over any partial or corrupt one it encounters (a torn tail write from a
// concurrent single appender, or genuine corruption), per spec.md §3/§4.2.
func unpackAll(packed []byte) [][]byte {
	var blobs [][]byte
	pos := 0
	for {
		begin := bytes.Index(packed[pos:], magicBegin)
		if begin < 0 {
			return blobs
		}
		pos += begin + magicLen
		if len(packed)-pos < hashLen {
			return blobs
		}
		hash := packed[pos : pos+hashLen]
		pos += hashLen
		if len(packed)-pos < 8 {
			return blobs
		}
		size := binary.LittleEndian.Uint64(packed[pos : pos+8])
		pos += 8
		if uint64(len(packed)-pos) < size {
			return blobs
		}
		payload := packed[pos : pos+int(size)]
		pos += int(size)
		if len(packed)-pos < magicLen {
			return blobs
		}
		end := packed[pos : pos+magicLen]
		if !bytes.Equal(end, magicEnd) {
			// Resync on the next MAGIC_BEGIN rather than advancing past end;
			// pos is left where it is so the search above re-scans from here.
			continue
		}
		pos += magicLen
		if !bytes.Equal(hash, hashOf(payload)) {
			continue
		}
		blobs = append(blobs, payload)
	}
}

// Reader loads an entire packed-blob file once and serves its well-formed
// blobs by cursor. Precondition failures (open-when-closed, open-twice,
// read-when-not-open) are distinguishable error values.
type Reader struct {
	open   bool
	closed bool
	blobs  [][]byte
	next   int
}

// NewReader constructs an unopened Reader.
func NewReader() *Reader { return &Reader{} }

// Open loads path in full and enumerates its blobs tolerantly. A missing
// file is treated as an empty shard (spec.md §7), not an error.
func (r *Reader) Open(path string) error {
	if r.closed {
		return errors.New("blobfile: reader already closed")
	}
	if r.open {
		return errors.New("blobfile: reader already open")
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.open = true
			return nil
		}
		return errors.Wrapf(err, "blobfile: open %s", path)
	}
	r.blobs = unpackAll(raw)
	r.open = true
	return nil
}

// ErrEndOfStream is returned by Read once the last blob has been consumed;
// distinct from an I/O error per spec.md §4.2.
var ErrEndOfStream = errors.New("blobfile: no more blobs")

// Read returns the next blob in file order.
func (r *Reader) Read() ([]byte, error) {
	if r.closed {
		return nil, errors.New("blobfile: reader already closed")
	}
	if !r.open {
		return nil, errors.New("blobfile: reader was not open")
	}
	if r.next >= len(r.blobs) {
		return nil, ErrEndOfStream
	}
	b := r.blobs[r.next]
	r.next++
	return b, nil
}

// NumBlobs returns the count of well-formed blobs found on Open.
func (r *Reader) NumBlobs() int { return len(r.blobs) }

// Close closes the reader.
func (r *Reader) Close() error {
	if r.closed {
		return errors.New("blobfile: reader already closed")
	}
	if !r.open {
		return errors.New("blobfile: reader was not open")
	}
	r.closed = true
	return nil
}

// Appender appends framed blobs to a file, one at a time, under the
// single-appender discipline (spec.md §5): multiple readers may
// concurrently observe the file, but at most one Appender may write to it.
type Appender struct {
	open   bool
	closed bool
	f      *os.File
}

// NewAppender constructs an unopened Appender.
func NewAppender() *Appender { return &Appender{} }

// Open opens (creating if needed) path for appending.
func (a *Appender) Open(path string) error {
	if a.closed {
		return errors.New("blobfile: appender already closed")
	}
	if a.open {
		return errors.New("blobfile: appender already open")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "blobfile: open %s", path)
	}
	a.f = f
	a.open = true
	return nil
}

// Append frames payload and appends it to the file.
func (a *Appender) Append(payload []byte) error {
	if a.closed {
		return errors.New("blobfile: appender already closed")
	}
	if !a.open {
		return errors.New("blobfile: appender was not open")
	}
	_, err := a.f.Write(pack(payload))
	if err != nil {
		return errors.Wrap(err, "blobfile: append")
	}
	return nil
}

// Close closes the appender.
func (a *Appender) Close() error {
	if a.closed {
		return errors.New("blobfile: appender already closed")
	}
	if !a.open {
		return errors.New("blobfile: appender was not open")
	}
	a.closed = true
	return a.f.Close()
}

// PackFeaturesAndHash concatenates the little-endian u64 feature array
// with the 40-byte ASCII sha1 of input, matching the features-blob format
// of spec.md §3/§6.
func PackFeaturesAndHash(input []byte, features []uint64) []byte {
	out := make([]byte, len(features)*8+hashLen)
	for i, f := range features {
		binary.LittleEndian.PutUint64(out[i*8:], f)
	}
	copy(out[len(features)*8:], hashOf(input))
	return out
}

// UnpackFeaturesAndHash reverses PackFeaturesAndHash, splitting the
// trailing 40-byte hash off the little-endian u64 feature array. It
// returns an error if blob is shorter than hashLen or its feature region
// is not a whole number of 8-byte words.
func UnpackFeaturesAndHash(blob []byte) (features []uint64, hash []byte, err error) {
	if len(blob) < hashLen {
		return nil, nil, errors.New("blobfile: features blob shorter than hash")
	}
	featureBytes := blob[:len(blob)-hashLen]
	if len(featureBytes)%8 != 0 {
		return nil, nil, errors.New("blobfile: features blob not a whole number of u64 words")
	}
	features = make([]uint64, len(featureBytes)/8)
	for i := range features {
		features[i] = binary.LittleEndian.Uint64(featureBytes[i*8:])
	}
	hash = append([]byte{}, blob[len(featureBytes):]...)
	return features, hash, nil
}
