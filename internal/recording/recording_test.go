package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDisabledRecorderIsNoop(t *testing.T) {
	r, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Enabled() {
		t.Fatal("expected an empty dir to disable recording")
	}
	if err := r.Write("uuid-1", []byte("audio")); err != nil {
		t.Fatalf("Write on disabled recorder should be a no-op, got %v", err)
	}
}

func TestWriteAppendsPerParticipant(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !r.Enabled() {
		t.Fatal("expected recording to be enabled")
	}

	if err := r.Write("uuid-1", []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Write("uuid-1", []byte("def")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "uuid-1.pcm"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("got %q, want abcdef", data)
	}
}

func TestSessionNameFormat(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	if got := SessionName(ts); got != "2026-07-31T120000Z" {
		t.Fatalf("got %q", got)
	}
}
