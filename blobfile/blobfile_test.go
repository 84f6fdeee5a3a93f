package blobfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.000000")

	blobs := [][]byte{{1, 2, 3}, {4, 5, 6, 7}, {}, {9}}
	a := NewAppender()
	if err := a.Open(path); err != nil {
		t.Fatalf("open appender: %v", err)
	}
	for _, b := range blobs {
		if err := a.Append(b); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close appender: %v", err)
	}

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open reader: %v", err)
	}
	for i, want := range blobs {
		got, err := r.Read()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("blob %d: got %v want %v", i, got, want)
		}
	}
	if _, err := r.Read(); err != ErrEndOfStream {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestMissingFileIsEmptyShard(t *testing.T) {
	r := NewReader()
	if err := r.Open(filepath.Join(t.TempDir(), "does-not-exist")); err != nil {
		t.Fatalf("open missing file should not error: %v", err)
	}
	if _, err := r.Read(); err != ErrEndOfStream {
		t.Fatalf("expected ErrEndOfStream on empty shard, got %v", err)
	}
}

func TestTruncatedTailFrameIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.000000")

	a := NewAppender()
	if err := a.Open(path); err != nil {
		t.Fatalf("open appender: %v", err)
	}
	if err := a.Append([]byte("first")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Append([]byte("second")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close appender: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	// Truncate mid-way through the second (last) frame.
	truncated := raw[:len(raw)-3]
	if err := os.WriteFile(path, truncated, 0644); err != nil {
		t.Fatalf("write truncated file: %v", err)
	}

	r := NewReader()
	if err := r.Open(path); err != nil {
		t.Fatalf("open reader: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if string(got) != "first" {
		t.Fatalf("got %q want %q", got, "first")
	}
	if _, err := r.Read(); err != ErrEndOfStream {
		t.Fatalf("expected second (torn) frame to be skipped, got %v", err)
	}
}

func TestPreconditionFailures(t *testing.T) {
	r := NewReader()
	if _, err := r.Read(); err == nil {
		t.Fatalf("read-when-not-open should fail")
	}
	if err := r.Open(filepath.Join(t.TempDir(), "x")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Open(filepath.Join(t.TempDir(), "x")); err == nil {
		t.Fatalf("open-twice should fail")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err == nil {
		t.Fatalf("close-twice should fail")
	}

	a := NewAppender()
	if err := a.Append([]byte("x")); err == nil {
		t.Fatalf("append-when-not-open should fail")
	}
}

func TestFeaturesBlobPackUnpack(t *testing.T) {
	input := []byte("hello")
	features := []uint64{1, 2, 0xdeadbeef}
	blob := PackFeaturesAndHash(input, features)
	got, hash, err := UnpackFeaturesAndHash(blob)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if len(got) != len(features) {
		t.Fatalf("got %v want %v", got, features)
	}
	for i := range got {
		if got[i] != features[i] {
			t.Fatalf("feature %d: got %d want %d", i, got[i], features[i])
		}
	}
	if string(hash) != string(hashOf(input)) {
		t.Fatalf("hash mismatch")
	}
}
