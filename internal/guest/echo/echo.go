// Package echo builds a small guest that writes a message to the disk through
// the in-guest driver, reads it back and prints the copy on the console.
package echo

import (
	"fmt"
	"math"

	"github.com/tinyrange/minihv/internal/asm"
	"github.com/tinyrange/minihv/internal/asm/amd64"
	"github.com/tinyrange/minihv/internal/guest/driver"
	"github.com/tinyrange/minihv/internal/portio"
)

// MaxMessage keeps the message, its read-back buffer and the driver code
// below the page tables at 0x2000.
const MaxMessage = 1024

type Config struct {
	Message []byte
	// Offset is the disk byte offset the message is written at.
	Offset uint64
	// MMIOBase switches the driver's device access to the alias window when
	// non-zero.
	MMIOBase uint64
	// HeapStart and MemorySize place the driver's status record and staging
	// sector. HeapStart defaults to driver.DefaultHeapStart.
	HeapStart  uint64
	MemorySize uint64
}

// Build assembles the guest at address 0. On success it halts with rax set to
// the message length after printing the read-back copy and a newline. On
// failure it halts with the driver's result in rax and nothing printed.
func Build(cfg Config) (asm.Program, error) {
	if len(cfg.Message) == 0 || len(cfg.Message) > MaxMessage {
		return asm.Program{}, fmt.Errorf("echo: message length %d outside 1..%d", len(cfg.Message), MaxMessage)
	}
	if cfg.Offset > math.MaxInt64 {
		return asm.Program{}, fmt.Errorf("echo: offset %d too large", cfg.Offset)
	}

	if cfg.HeapStart == 0 {
		cfg.HeapStart = driver.DefaultHeapStart
	}

	routines, err := driver.NewRoutines(driver.NewHeap(cfg.HeapStart, cfg.MemorySize), cfg.MMIOBase)
	if err != nil {
		return asm.Program{}, err
	}

	var (
		rax = amd64.Reg64(amd64.RAX)
		rbx = amd64.Reg64(amd64.RBX)
		rcx = amd64.Reg64(amd64.RCX)
		n   = int32(len(cfg.Message))
	)

	transfer := func(cmd portio.Command, buf asm.Label) asm.Fragment {
		return asm.Group{
			amd64.MovImmediate(amd64.Reg32(amd64.RDI), int64(cmd)),
			amd64.MovImmediate(amd64.Reg64(amd64.RSI), int64(cfg.Offset)),
			amd64.LoadLabelAddress(amd64.Reg64(amd64.R9), buf),
			amd64.MovImmediate(amd64.Reg32(amd64.R10), int64(n)),
			amd64.Call(driver.LabelTransfer),
			amd64.CmpRegImm(rax, n),
			amd64.JumpIfNotEqual("echo_failed"),
		}
	}

	prog, err := amd64.EmitProgram(asm.Group{
		amd64.Call(driver.LabelSetup),
		amd64.TestRegReg(rax, rax),
		amd64.JumpIfNotZero("echo_failed"),

		transfer(portio.CommandWrite, "echo_message"),
		transfer(portio.CommandRead, "echo_readback"),

		amd64.LoadLabelAddress(rcx, "echo_readback"),
		amd64.XorRegReg(rbx, rbx),
		asm.MarkLabel("echo_print"),
		amd64.CmpRegImm(rbx, n),
		amd64.JumpIfAboveOrEqual("echo_printed"),
		amd64.MovZX8(amd64.Reg32(amd64.RAX), amd64.MemIndex(rcx, rbx, 1)),
		amd64.MovImmediate(amd64.Reg32(amd64.RDX), int64(portio.SerialPort)),
		amd64.OutDXAL(),
		amd64.AddRegImm(rbx, 1),
		amd64.Jump("echo_print"),
		asm.MarkLabel("echo_printed"),
		amd64.OutImm8(portio.SerialPort, '\n'),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(n)),

		asm.MarkLabel("echo_failed"),
		amd64.Hlt(),

		routines.Fragment(),

		asm.MarkLabel("echo_message"),
		asm.Bytes(cfg.Message),
		asm.MarkLabel("echo_readback"),
		asm.Bytes(make([]byte, len(cfg.Message))),
	})
	if err != nil {
		return asm.Program{}, err
	}
	if prog.End() > cfg.HeapStart {
		return asm.Program{}, fmt.Errorf("echo: guest ends at 0x%x, past the heap at 0x%x", prog.End(), cfg.HeapStart)
	}
	return prog, nil
}
