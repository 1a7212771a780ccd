package driver

import "testing"

func TestHeapAlloc(t *testing.T) {
	h := NewHeap(DefaultHeapStart+1, DefaultHeapStart+0x100)

	a, err := h.Alloc(16, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a != DefaultHeapStart+16 {
		t.Fatalf("first allocation at 0x%x, want 0x%x", a, DefaultHeapStart+16)
	}

	b, err := h.Alloc(3, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if b != a+16 || h.Next() != b+3 {
		t.Fatalf("second allocation at 0x%x, next 0x%x", b, h.Next())
	}

	if _, err := h.Alloc(0x1000, 0); err == nil {
		t.Fatalf("allocation past the limit succeeded")
	}
	if _, err := h.Alloc(1, 3); err == nil {
		t.Fatalf("non power of two alignment accepted")
	}
}
