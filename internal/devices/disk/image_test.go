//go:build unix

package disk

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateSize(t *testing.T) {
	for _, tt := range []struct {
		size uint64
		ok   bool
	}{
		{0, false},
		{511, false},
		{512, true},
		{1000, false},
		{1 << 20, true},
	} {
		if err := ValidateSize(tt.size); (err == nil) != tt.ok {
			t.Errorf("ValidateSize(%d) = %v, want ok=%t", tt.size, err, tt.ok)
		}
	}
}

func TestRoundUp(t *testing.T) {
	for in, want := range map[uint64]uint64{0: 512, 1: 512, 512: 512, 513: 1024, 4096: 4096} {
		if got := RoundUp(in); got != want {
			t.Errorf("RoundUp(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestOpenImageWritesReachFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	image, err := OpenImage(path)
	if err != nil {
		t.Fatalf("OpenImage: %v", err)
	}
	if image.Size() != 1024 {
		t.Fatalf("Size() = %d, want 1024", image.Size())
	}

	if _, err := image.WriteAt([]byte("sector one"), 512); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := image.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := image.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := image.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data[512:522], []byte("sector one")) {
		t.Fatalf("file contents = %q", data[512:522])
	}
}

func TestOpenImageRejectsBadSizes(t *testing.T) {
	dir := t.TempDir()
	for name, size := range map[string]int{"empty.img": 0, "odd.img": 700} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if image, err := OpenImage(path); err == nil {
			image.Close()
			t.Errorf("OpenImage(%s) succeeded", name)
		}
	}

	if _, err := OpenImage(filepath.Join(dir, "missing.img")); err == nil {
		t.Errorf("OpenImage of missing file succeeded")
	}
	if _, err := OpenImage(dir); err == nil {
		t.Errorf("OpenImage of a directory succeeded")
	}
}

func TestMemoryImageBounds(t *testing.T) {
	image, err := NewMemoryImage(make([]byte, 512))
	if err != nil {
		t.Fatalf("NewMemoryImage: %v", err)
	}
	if _, err := image.ReadAt(make([]byte, 8), 508); err == nil {
		t.Errorf("read past end succeeded")
	}
	if _, err := image.WriteAt(make([]byte, 8), -1); err == nil {
		t.Errorf("write at negative offset succeeded")
	}
	if _, err := NewMemoryImage(make([]byte, 100)); err == nil {
		t.Errorf("NewMemoryImage accepted 100 bytes")
	}
}
