package hv

import (
	"encoding/binary"
	"fmt"
)

// GuestMemory is a bounds-checked view of guest physical memory. Every
// accessor validates the full range before touching the buffer.
type GuestMemory struct {
	base uint64
	mem  []byte
}

func NewGuestMemory(base uint64, mem []byte) *GuestMemory {
	return &GuestMemory{base: base, mem: mem}
}

func (m *GuestMemory) Base() uint64 { return m.base }
func (m *GuestMemory) Size() uint64 { return uint64(len(m.mem)) }

// Contains reports whether [gpa, gpa+n) lies entirely inside guest memory.
func (m *GuestMemory) Contains(gpa, n uint64) bool {
	if gpa < m.base {
		return false
	}
	off := gpa - m.base
	size := uint64(len(m.mem))
	return off <= size && n <= size-off
}

// Slice returns the host bytes backing [gpa, gpa+n).
func (m *GuestMemory) Slice(gpa, n uint64) ([]byte, error) {
	if !m.Contains(gpa, n) {
		return nil, fmt.Errorf("%w: [0x%x, 0x%x) outside [0x%x, 0x%x)",
			ErrOutOfBounds, gpa, gpa+n, m.base, m.base+uint64(len(m.mem)))
	}
	off := gpa - m.base
	return m.mem[off : off+n : off+n], nil
}

func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, off)
	}
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", ErrOutOfBounds, off)
	}
	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Copy moves n bytes inside guest memory; the ranges may overlap.
func (m *GuestMemory) Copy(dst, src, n uint64) error {
	from, err := m.Slice(src, n)
	if err != nil {
		return err
	}
	to, err := m.Slice(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (m *GuestMemory) Uint32(gpa uint64) (uint32, error) {
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *GuestMemory) PutUint32(gpa uint64, v uint32) error {
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *GuestMemory) Uint64(gpa uint64) (uint64, error) {
	b, err := m.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *GuestMemory) PutUint64(gpa uint64, v uint64) error {
	b, err := m.Slice(gpa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}
