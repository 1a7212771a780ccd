package driver

import (
	"fmt"
)

// DefaultHeapStart is where the guest runtime starts its heap.
const DefaultHeapStart = 1 << 20

// Heap is a bump allocator over guest physical addresses. Nothing is ever
// freed.
type Heap struct {
	next  uint64
	limit uint64
}

// NewHeap returns a heap handing out addresses in [start, limit).
func NewHeap(start, limit uint64) *Heap {
	return &Heap{next: start, limit: limit}
}

// Alloc reserves size bytes aligned to align, which must be a power of two
// or zero.
func (h *Heap) Alloc(size, align uint64) (uint64, error) {
	if align != 0 && align&(align-1) != 0 {
		return 0, fmt.Errorf("driver: alignment %d is not a power of two", align)
	}

	addr := h.next
	if align > 1 {
		addr = (addr + align - 1) &^ (align - 1)
	}
	if addr < h.next || addr+size < addr || addr+size > h.limit {
		return 0, fmt.Errorf("driver: heap exhausted allocating %d bytes at 0x%x (limit 0x%x)", size, addr, h.limit)
	}
	h.next = addr + size
	return addr, nil
}

// Next returns the address the next unaligned allocation would start at.
func (h *Heap) Next() uint64 { return h.next }
