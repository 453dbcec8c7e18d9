package replay

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSource(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}

	path := filepath.Join(t.TempDir(), "capture.bin")
	if err := os.WriteFile(path, payload, 0644); err != nil {
		t.Fatalf("writing capture: %v", err)
	}

	src, err := NewFileSource(path, 128, 0)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	// Reads are clamped to the configured size even with a larger buffer.
	buf := make([]byte, 1024)
	n, err := src.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 128 {
		t.Errorf("first read = %d bytes, want 128", n)
	}

	rest, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("reading remainder: %v", err)
	}
	if got := append(buf[:n], rest...); !bytes.Equal(got, payload) {
		t.Errorf("replayed %d bytes, want %d matching the capture", len(got), len(payload))
	}
}

func TestFileSourcePacing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.bin")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xAA}, 64), 0644); err != nil {
		t.Fatalf("writing capture: %v", err)
	}

	const delay = 20 * time.Millisecond
	src, err := NewFileSource(path, 16, delay)
	if err != nil {
		t.Fatalf("NewFileSource: %v", err)
	}
	defer src.Close()

	start := time.Now()
	buf := make([]byte, 16)
	for i := 0; i < 4; i++ {
		if _, err := src.Read(buf); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 4*delay {
		t.Errorf("4 paced reads took %v, want at least %v", elapsed, 4*delay)
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	if _, err := NewFileSource(filepath.Join(t.TempDir(), "nope.bin"), 16, 0); err == nil {
		t.Fatal("expected error opening missing capture")
	}
}
