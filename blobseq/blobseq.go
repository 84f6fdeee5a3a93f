// Package blobseq implements a framed, single-producer/single-consumer
// sequence of blobs over a POSIX shared-memory region (spec.md §4.1).
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
package blobseq

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// headerSize is the byte size of one blob's {tag,size} header.
const headerSize = 16

// Blob is one framed record in the sequence. A Blob with Tag==0 is
// invalid/sentinel; readers stop there.
type Blob struct {
	Tag  uint64
	Data []byte
}

// invalid reports whether b is the zero/sentinel blob.
func (b Blob) invalid() bool { return b.Tag == 0 }

// BlobSequence is a named, fixed-size shared-memory region carrying an
// ordered sequence of framed blobs. Exactly one producer and one consumer
// use a given region per request/response cycle (spec.md §5); it is not
// otherwise safe for concurrent use.
type BlobSequence struct {
	path string
	fd   int
	data []byte
	size int

	offset             int
	hadReadsAfterReset  bool
	hadWritesAfterReset bool
}

// shmPath resolves a shared-memory object name to a filesystem path under
// /dev/shm, matching the POSIX shm_open(name, ...) convention.
func shmPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// New creates, truncates to size, and mmaps a new shared-memory blob
// sequence named name. size must be >= 8. The caller is the owner and
// should call Unlink when the region is no longer needed by any process.
func New(name string, size int) (*BlobSequence, error) {
	if size < 8 {
		return nil, errors.Errorf("blobseq: size must be >= 8, got %d", size)
	}
	path := shmPath(name)
	fd, err := unix.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "blobseq: open %s", path)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "blobseq: truncate %s", path)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "blobseq: mmap %s", path)
	}
	return &BlobSequence{path: path, fd: fd, data: data, size: size}, nil
}

// Open opens an existing shared-memory blob sequence named name; its size
// is taken from stat.
func Open(name string) (*BlobSequence, error) {
	path := shmPath(name)
	fd, err := unix.Open(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "blobseq: open %s", path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "blobseq: fstat %s", path)
	}
	size := int(st.Size)
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "blobseq: mmap %s", path)
	}
	return &BlobSequence{path: path, fd: fd, data: data, size: size}, nil
}

// Write appends blob to the sequence, returning false iff the remaining
// region cannot hold tag+size+bytes (a recoverable signal that the region
// is too small, not an error). On success the next 16 bytes are
// overwritten with an invalid sentinel so the tail stays self-terminating.
// Reads after writes (before Reset) are forbidden.
func (s *BlobSequence) Write(b Blob) (bool, error) {
	if s.hadReadsAfterReset {
		return false, errors.New("blobseq: write after read before reset")
	}
	need := headerSize + len(b.Data)
	if s.offset+need > s.size {
		return false, nil
	}
	if b.Tag == 0 {
		return false, errors.New("blobseq: tag 0 is reserved as the invalid sentinel")
	}
	binary.LittleEndian.PutUint64(s.data[s.offset:], b.Tag)
	binary.LittleEndian.PutUint64(s.data[s.offset+8:], uint64(len(b.Data)))
	copy(s.data[s.offset+headerSize:], b.Data)
	s.offset += need
	if s.offset+headerSize <= s.size {
		binary.LittleEndian.PutUint64(s.data[s.offset:], 0)
		binary.LittleEndian.PutUint64(s.data[s.offset+8:], 0)
	}
	s.hadWritesAfterReset = true
	return true, nil
}

// Read returns the next blob, or ok==false at end of the sequence or on
// an invalid tag. Writes after reads (before Reset) are forbidden.
func (s *BlobSequence) Read() (Blob, bool, error) {
	if s.hadWritesAfterReset {
		return Blob{}, false, errors.New("blobseq: read after write before reset")
	}
	if s.offset+headerSize > s.size {
		return Blob{}, false, nil
	}
	tag := binary.LittleEndian.Uint64(s.data[s.offset:])
	size := binary.LittleEndian.Uint64(s.data[s.offset+8:])
	if tag == 0 && size == 0 {
		return Blob{}, false, nil
	}
	if tag == 0 {
		return Blob{}, false, errors.New("blobseq: corrupt header, tag 0 with nonzero size")
	}
	if s.offset+headerSize+int(size) > s.size {
		return Blob{}, false, errors.New("blobseq: blob size overruns region")
	}
	data := make([]byte, size)
	copy(data, s.data[s.offset+headerSize:s.offset+headerSize+int(size)])
	s.offset += headerSize + int(size)
	s.hadReadsAfterReset = true
	return Blob{Tag: tag, Data: data}, true, nil
}

// Reset rewinds the internal cursor; it does not zero memory.
func (s *BlobSequence) Reset() {
	s.offset = 0
	s.hadReadsAfterReset = false
	s.hadWritesAfterReset = false
}

// Release idempotently unmaps the region. It does not unlink the
// underlying shared-memory object; call Unlink for that (normally done by
// whichever side called New).
func (s *BlobSequence) Release() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	unix.Close(s.fd)
	return err
}

// Unlink removes the underlying shared-memory object. Only the owner
// (the side that called New) should call this, once all consumers are
// done with the region.
func (s *BlobSequence) Unlink() error {
	return unix.Unlink(s.path)
}

// Name exposes the shared-memory path for diagnostics.
func (s *BlobSequence) Name() string { return fmt.Sprintf("%s (%d bytes)", s.path, s.size) }
