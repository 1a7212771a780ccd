package amd64

import (
	"github.com/tinyrange/minihv/internal/asm"
)

// encoded defers encoding until emission so operand errors surface from
// EmitProgram.
func encoded(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		bytes, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(bytes)
		return nil
	})
}

func fixed(bytes []byte) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		ctx.EmitBytes(bytes)
		return nil
	})
}

func MovImmediate(dst Reg, value int64) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

func MovReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegReg(dst, src) })
}

func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemReg(mem, src) })
}

func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovRegMem(dst, mem) })
}

func MovZX8(dst Reg, mem Memory) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovZXRegMem(dst, mem, size8) })
}

func MovStoreImm8(mem Memory, value byte) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeMovMemImm8(mem, value) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegImm(reg, value) })
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAddRegReg(dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeSubRegReg(dst, src) })
}

func AndRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeAndRegImm(reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegImm(reg, value) })
}

func CmpRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeCmpRegReg(dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeXorRegRegSized(dst, src) })
}

func TestRegReg(dst, src Reg) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeTestRegRegSized(dst, src) })
}

func ShrRegImm(reg Reg, count uint8) asm.Fragment {
	return encoded(func() ([]byte, error) { return encodeShrRegImm(reg, count) })
}

func Hlt() asm.Fragment { return fixed(encodeHlt()) }

// OutDXAL writes al to the port in dx.
func OutDXAL() asm.Fragment { return fixed(encodeOutDXAL()) }

// OutDXEAX writes eax to the port in dx.
func OutDXEAX() asm.Fragment { return fixed(encodeOutDXEAX()) }

// InALDX reads the port in dx into al.
func InALDX() asm.Fragment { return fixed(encodeInALDX()) }
