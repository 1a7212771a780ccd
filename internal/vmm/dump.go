package vmm

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/minihv/internal/hv"
)

// maxInstructionLen is the architectural limit for one x86 instruction.
const maxInstructionLen = 15

// Disassemble decodes the 64-bit instruction at rip in Intel syntax. Bytes
// that do not decode are reported as such.
func Disassemble(mem *hv.GuestMemory, rip uint64) string {
	if !mem.Contains(rip, 1) {
		return fmt.Sprintf("<rip 0x%x outside guest memory>", rip)
	}

	n := min(uint64(maxInstructionLen), mem.Base()+mem.Size()-rip)
	code, err := mem.Slice(rip, n)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("<%v: % x>", err, code[:min(len(code), 8)])
	}
	return x86asm.IntelSyntax(inst, rip, nil)
}

// DumpRegisters writes one "name: value" line per general register in dump
// order. Registers missing from regs are skipped.
func DumpRegisters(w io.Writer, regs map[hv.Register]hv.RegisterValue) error {
	for _, reg := range hv.GeneralRegisters {
		v, ok := regs[reg].(hv.Register64)
		if !ok {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %x\n", reg, uint64(v)); err != nil {
			return err
		}
	}
	return nil
}

// DumpExit writes the failing exit, the instruction that caused it and the
// register file.
func DumpExit(w io.Writer, e *ExitError) error {
	if _, err := fmt.Fprintf(w, "exit: %s\n", e.Exit.String()); err != nil {
		return err
	}
	if e.Err != nil {
		if _, err := fmt.Fprintf(w, "cause: %v\n", e.Err); err != nil {
			return err
		}
	}
	if e.Region != "" {
		if _, err := fmt.Fprintf(w, "region: %s\n", e.Region); err != nil {
			return err
		}
	}
	if e.Instruction != "" {
		if _, err := fmt.Fprintf(w, "instruction: %s\n", e.Instruction); err != nil {
			return err
		}
	}
	return DumpRegisters(w, e.Registers)
}
