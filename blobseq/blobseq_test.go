package blobseq

import (
	"fmt"
	"testing"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("centifuzz-test-%s-%p", t.Name(), t)
}

func TestWriteReadRoundTrip(t *testing.T) {
	name := uniqueName(t)
	s, err := New(name, 4096)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Unlink()
	defer s.Release()

	blobs := []Blob{
		{Tag: 1, Data: []byte{1, 2, 3}},
		{Tag: 2, Data: []byte{}},
		{Tag: 3, Data: []byte("hello world")},
	}
	for _, b := range blobs {
		ok, err := s.Write(b)
		if err != nil {
			t.Fatalf("write: %v", err)
		}
		if !ok {
			t.Fatalf("write declined unexpectedly for tag %d", b.Tag)
		}
	}
	s.Reset()
	for i, want := range blobs {
		got, ok, err := s.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("read %d: unexpected end of sequence", i)
		}
		if got.Tag != want.Tag || string(got.Data) != string(want.Data) {
			t.Fatalf("read %d: got %+v want %+v", i, got, want)
		}
	}
	_, ok, err := s.Read()
	if err != nil {
		t.Fatalf("trailing read: %v", err)
	}
	if ok {
		t.Fatalf("expected end of sequence after last blob")
	}
}

func TestWriteOverflowReturnsFalse(t *testing.T) {
	name := uniqueName(t)
	// Small enough that one header-sized blob fits but a second does not.
	s, err := New(name, headerSize+4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Unlink()
	defer s.Release()

	ok, err := s.Write(Blob{Tag: 1, Data: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !ok {
		t.Fatalf("first write should fit")
	}
	ok, err = s.Write(Blob{Tag: 2, Data: []byte{5}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok {
		t.Fatalf("second write should overflow and return false")
	}
}

func TestTagZeroIsInvalid(t *testing.T) {
	name := uniqueName(t)
	s, err := New(name, 4096)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Unlink()
	defer s.Release()

	if _, err := s.Write(Blob{Tag: 0, Data: []byte{1}}); err == nil {
		t.Fatalf("expected tag-0 write to be rejected")
	}
}

func TestOpenExistingRegion(t *testing.T) {
	name := uniqueName(t)
	owner, err := New(name, 4096)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer owner.Unlink()
	defer owner.Release()

	if ok, err := owner.Write(Blob{Tag: 7, Data: []byte("payload")}); err != nil || !ok {
		t.Fatalf("write: ok=%v err=%v", ok, err)
	}
	owner.Reset()

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Release()

	got, ok, err := reader.Read()
	if err != nil || !ok {
		t.Fatalf("read: ok=%v err=%v", ok, err)
	}
	if got.Tag != 7 || string(got.Data) != "payload" {
		t.Fatalf("got %+v", got)
	}
}

func TestResetClearsCrossDirectionGuards(t *testing.T) {
	name := uniqueName(t)
	s, err := New(name, 4096)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Unlink()
	defer s.Release()

	if _, err := s.Write(Blob{Tag: 1, Data: []byte{9}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Reset()
	if _, _, err := s.Read(); err != nil {
		t.Fatalf("read after reset: %v", err)
	}
	if !s.hadReadsAfterReset {
		t.Fatalf("expected read-after-reset guard to be armed")
	}
	s.Reset()
	if s.hadReadsAfterReset || s.hadWritesAfterReset {
		t.Fatalf("reset should clear both guards")
	}
}
