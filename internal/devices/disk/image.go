package disk

import (
	"fmt"
	"io"

	"github.com/tinyrange/minihv/internal/portio"
)

// Image is the backing store behind the controller. Its size is a non-zero
// multiple of the sector size and never changes.
type Image interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	Size() uint64
	Sync() error
}

// ValidateSize reports whether size can back a disk.
func ValidateSize(size uint64) error {
	if size == 0 {
		return fmt.Errorf("disk: image is empty")
	}
	if size%portio.SectorSize != 0 {
		return fmt.Errorf("disk: image size %d is not a multiple of %d", size, portio.SectorSize)
	}
	return nil
}

// RoundUp rounds size up to a whole number of sectors, with a minimum of one.
func RoundUp(size uint64) uint64 {
	if size == 0 {
		return portio.SectorSize
	}
	return (size + portio.SectorSize - 1) / portio.SectorSize * portio.SectorSize
}

// byteImage serves reads and writes from an in-memory slice. The slice is
// either a heap buffer or a shared file mapping.
type byteImage struct {
	data []byte
}

func (b *byteImage) Size() uint64 { return uint64(len(b.data)) }

func (b *byteImage) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > uint64(len(b.data)) || uint64(len(p)) > uint64(len(b.data))-uint64(off) {
		return 0, fmt.Errorf("disk: read [%d, %d) outside image of %d bytes", off, off+int64(len(p)), len(b.data))
	}
	return copy(p, b.data[off:]), nil
}

func (b *byteImage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) > uint64(len(b.data)) || uint64(len(p)) > uint64(len(b.data))-uint64(off) {
		return 0, fmt.Errorf("disk: write [%d, %d) outside image of %d bytes", off, off+int64(len(p)), len(b.data))
	}
	return copy(b.data[off:], p), nil
}

// MemoryImage is a disk held entirely in host memory.
type MemoryImage struct {
	byteImage
}

// NewMemoryImage wraps data without copying it.
func NewMemoryImage(data []byte) (*MemoryImage, error) {
	if err := ValidateSize(uint64(len(data))); err != nil {
		return nil, err
	}
	return &MemoryImage{byteImage{data: data}}, nil
}

// Bytes returns the backing buffer.
func (m *MemoryImage) Bytes() []byte { return m.data }

func (m *MemoryImage) Sync() error  { return nil }
func (m *MemoryImage) Close() error { return nil }

var (
	_ Image = &MemoryImage{}
)
