package amd64

import (
	"github.com/tinyrange/minihv/internal/asm"
)

// OutImm8 writes value to port through dx and al.
func OutImm8(port uint16, value uint8) asm.Fragment {
	return asm.Group{
		MovImmediate(Reg32(RDX), int64(port)),
		MovImmediate(Reg8(RAX), int64(value)),
		OutDXAL(),
	}
}

// OutImm32 writes value to port through dx and eax.
func OutImm32(port uint16, value uint32) asm.Fragment {
	return asm.Group{
		MovImmediate(Reg32(RDX), int64(port)),
		MovImmediate(Reg32(RAX), int64(value)),
		OutDXEAX(),
	}
}

// StoreImm32 writes value to the absolute address addr, clobbering rdx and
// eax.
func StoreImm32(addr uint64, value uint32) asm.Fragment {
	return asm.Group{
		MovImmediate(Reg64(RDX), int64(addr)),
		MovImmediate(Reg32(RAX), int64(value)),
		MovToMemory(Mem(Reg64(RDX)), Reg32(RAX)),
	}
}

// StoreImm8 writes value to the absolute address addr, clobbering rdx.
func StoreImm8(addr uint64, value uint8) asm.Fragment {
	return asm.Group{
		MovImmediate(Reg64(RDX), int64(addr)),
		MovStoreImm8(Mem(Reg64(RDX)), value),
	}
}
