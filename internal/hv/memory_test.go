package hv

import (
	"errors"
	"testing"
)

func TestGuestMemoryBounds(t *testing.T) {
	mem := NewGuestMemory(0, make([]byte, 0x1000))

	for _, tt := range []struct {
		gpa, n uint64
		ok     bool
	}{
		{0, 0x1000, true},
		{0xff8, 8, true},
		{0x1000, 0, true},
		{0xff9, 8, false},
		{0x1000, 1, false},
		{^uint64(0), 2, false},
		{8, ^uint64(0), false},
	} {
		if got := mem.Contains(tt.gpa, tt.n); got != tt.ok {
			t.Errorf("Contains(0x%x, 0x%x) = %t, want %t", tt.gpa, tt.n, got, tt.ok)
		}
		_, err := mem.Slice(tt.gpa, tt.n)
		if tt.ok && err != nil {
			t.Errorf("Slice(0x%x, 0x%x): %v", tt.gpa, tt.n, err)
		}
		if !tt.ok && !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Slice(0x%x, 0x%x) error = %v, want ErrOutOfBounds", tt.gpa, tt.n, err)
		}
	}
}

func TestGuestMemoryNonZeroBase(t *testing.T) {
	mem := NewGuestMemory(0x10000, make([]byte, 0x100))

	if mem.Contains(0, 1) {
		t.Fatalf("address below base reported as contained")
	}
	if err := mem.PutUint32(0x10010, 0xdeadbeef); err != nil {
		t.Fatalf("PutUint32: %v", err)
	}
	v, err := mem.Uint32(0x10010)
	if err != nil {
		t.Fatalf("Uint32: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("Uint32 = 0x%x, want 0xdeadbeef", v)
	}
}

func TestGuestMemoryCopy(t *testing.T) {
	buf := make([]byte, 64)
	mem := NewGuestMemory(0, buf)
	copy(buf, "hello")

	if err := mem.Copy(32, 0, 5); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if string(buf[32:37]) != "hello" {
		t.Fatalf("copied bytes = %q", buf[32:37])
	}
	if err := mem.Copy(60, 0, 8); !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("Copy past end error = %v, want ErrOutOfBounds", err)
	}
}

func TestAddressSpaceFixedRegions(t *testing.T) {
	as := NewAddressSpace(ArchitectureX86_64, 0, 0x200000)

	if _, err := as.RegisterFixed("mmio", 0x200000, 0x400000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}
	if _, err := as.RegisterFixed("overlap-ram", 0x1ff000, 0x2000); err == nil {
		t.Fatalf("region overlapping RAM accepted")
	}
	if _, err := as.RegisterFixed("overlap-mmio", 0x500000, 0x200000); err == nil {
		t.Fatalf("region overlapping mmio accepted")
	}
	if _, err := as.RegisterFixed("empty", 0x800000, 0); err == nil {
		t.Fatalf("zero-size region accepted")
	}

	region, ok := as.Lookup(0x5fffff)
	if !ok || region.Name != "mmio" {
		t.Fatalf("Lookup(0x5fffff) = %+v, %t", region, ok)
	}
	if _, ok := as.Lookup(0x600000); ok {
		t.Fatalf("Lookup past end of mmio succeeded")
	}
	if got := len(as.FixedRegions()); got != 1 {
		t.Fatalf("FixedRegions() has %d entries, want 1", got)
	}
}
