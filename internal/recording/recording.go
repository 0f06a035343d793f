// Package recording optionally archives a session's voice traffic to disk
// as raw PCM capture files, one per participant UUID, for later playback
// or moderation review. It is disabled unless a directory is configured.
package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder appends incoming voice payloads to per-UUID files under dir.
type Recorder struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// New returns a Recorder rooted at dir, creating it if necessary. If dir is
// empty, recording is disabled and Write becomes a no-op.
func New(dir string) (*Recorder, error) {
	if dir == "" {
		return &Recorder{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create dir: %w", err)
	}
	return &Recorder{dir: dir, files: make(map[string]*os.File)}, nil
}

// Enabled reports whether this Recorder actually writes to disk.
func (r *Recorder) Enabled() bool {
	return r.dir != ""
}

// Write appends audio for the given participant UUID to its capture file,
// opening it lazily on first use. Errors are returned for the caller to log;
// a write failure never aborts the voice relay itself.
func (r *Recorder) Write(uuid string, audio []byte) error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[uuid]
	if !ok {
		path := filepath.Join(r.dir, fmt.Sprintf("%s.pcm", uuid))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("recording: open %s: %w", path, err)
		}
		r.files[uuid] = f
	}
	if _, err := f.Write(audio); err != nil {
		return fmt.Errorf("recording: write %s: %w", uuid, err)
	}
	return nil
}

// Close flushes and closes every open capture file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for uuid, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("recording: close %s: %w", uuid, err)
		}
		delete(r.files, uuid)
	}
	return firstErr
}

// SessionName returns a timestamped subdirectory name suitable for grouping
// one server run's captures, e.g. "2026-07-31T120000Z".
func SessionName(t time.Time) string {
	return t.UTC().Format("2006-01-02T150405Z")
}
