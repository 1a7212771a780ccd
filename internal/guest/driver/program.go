package driver

import (
	"fmt"

	"github.com/tinyrange/minihv/internal/asm"
	"github.com/tinyrange/minihv/internal/asm/amd64"
	"github.com/tinyrange/minihv/internal/portio"
)

// Entry points of the assembled driver.
//
//	disk_setup:    -> rax = 0 or -errno
//	disk_sector:   rdi = command, rsi = sector, r8 = DMA address -> rax = 0 or -errno
//	disk_transfer: rdi = command (READ/WRITE), rsi = disk offset, r9 = buffer,
//	               r10 = length -> rax = bytes moved or -errno
//
// All general registers except rsp are clobbered. Buffers are not checked; a
// buffer outside guest memory faults the guest instead of returning EFAULT.
const (
	LabelSetup    asm.Label = "disk_setup"
	LabelSector   asm.Label = "disk_sector"
	LabelTransfer asm.Label = "disk_transfer"

	labelReady asm.Label = "disk_ready"
)

// Routines is the disk driver as guest code. Status and Staging are the
// addresses of the status record and the staging sector. When MMIOBase is
// non-zero port output is issued as stores into the alias window instead of
// out instructions.
type Routines struct {
	Status   uint64
	Staging  uint64
	MMIOBase uint64
}

// NewRoutines allocates the status record and staging sector from heap the
// same way New does.
func NewRoutines(heap *Heap, mmioBase uint64) (Routines, error) {
	status, err := heap.Alloc(portio.StatusRecordSize, 16)
	if err != nil {
		return Routines{}, err
	}
	staging, err := heap.Alloc(portio.SectorSize, 16)
	if err != nil {
		return Routines{}, err
	}
	if staging+portio.SectorSize > 1<<32 {
		return Routines{}, fmt.Errorf("driver: staging sector at 0x%x is not DMA addressable", staging)
	}
	return Routines{Status: status, Staging: staging, MMIOBase: mmioBase}, nil
}

// out sends al or eax to port.
func (r Routines) out(port uint16, wide bool) asm.Fragment {
	src := amd64.Reg8(amd64.RAX)
	if wide {
		src = amd64.Reg32(amd64.RAX)
	}
	if r.MMIOBase != 0 {
		addr := r.MMIOBase + uint64(port)*portio.MMIOStride
		return asm.Group{
			amd64.MovImmediate(amd64.Reg64(amd64.RDX), int64(addr)),
			amd64.MovToMemory(amd64.Mem(amd64.Reg64(amd64.RDX)), src),
		}
	}
	out := amd64.OutDXAL()
	if wide {
		out = amd64.OutDXEAX()
	}
	return asm.Group{
		amd64.MovImmediate(amd64.Reg32(amd64.RDX), int64(port)),
		out,
	}
}

// checkStatus returns 0 in rax when the last command succeeded, running
// onSuccess first, and -errno otherwise.
func (r Routines) checkStatus(fail asm.Label, onSuccess ...asm.Fragment) asm.Fragment {
	rax, rbx, rcx := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RBX), amd64.Reg64(amd64.RCX)
	return asm.Group{
		amd64.MovImmediate(rbx, int64(r.Status)),
		amd64.MovFromMemory(amd64.Reg32(amd64.RAX), amd64.Mem(rbx).WithDisp(portio.StatusErrorOffset)),
		amd64.TestRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
		amd64.JumpIfNotZero(fail),
		asm.Group(onSuccess),
		amd64.XorRegReg(rax, rax),
		amd64.Ret(),
		asm.MarkLabel(fail),
		amd64.MovReg(amd64.Reg32(amd64.RCX), amd64.Reg32(amd64.RAX)),
		amd64.XorRegReg(rax, rax),
		amd64.SubRegReg(rax, rcx),
		amd64.Ret(),
	}
}

func (r Routines) setup() asm.Fragment {
	rbx, rcx := amd64.Reg64(amd64.RBX), amd64.Reg64(amd64.RCX)
	return asm.Group{
		asm.MarkLabel(LabelSetup),
		amd64.MovImmediate(rbx, int64(r.Status)),
		amd64.MovImmediate(amd64.Reg32(amd64.RCX), 1),
		amd64.MovToMemory(amd64.Mem(rbx).WithDisp(portio.StatusErrorOffset), amd64.Reg32(amd64.RCX)),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(r.Status)),
		r.out(portio.DiskDMAAddrPort, true),
		amd64.MovImmediate(amd64.Reg32(amd64.RAX), int64(portio.CommandSetup)),
		r.out(portio.DiskCommandPort, false),
		r.checkStatus("disk_setup_failed",
			amd64.LoadLabelAddress(rcx, labelReady),
			amd64.MovStoreImm8(amd64.Mem(rcx), 1),
		),
	}
}

func (r Routines) sector() asm.Fragment {
	return asm.Group{
		asm.MarkLabel(LabelSector),
		amd64.MovReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RSI)),
		r.out(portio.DiskSectorPort, true),
		amd64.MovReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.R8)),
		r.out(portio.DiskDMAAddrPort, true),
		amd64.MovReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RDI)),
		r.out(portio.DiskCommandPort, false),
		r.checkStatus("disk_sector_failed"),
	}
}

// transfer walks the request one sector at a time. Partial sectors are read
// into the staging sector first and, for writes, written back whole.
func (r Routines) transfer() asm.Fragment {
	var (
		rax = amd64.Reg64(amd64.RAX)
		rbx = amd64.Reg64(amd64.RBX)
		rcx = amd64.Reg64(amd64.RCX)
		rdi = amd64.Reg64(amd64.RDI)
		rsi = amd64.Reg64(amd64.RSI)
		rbp = amd64.Reg64(amd64.RBP)
		r8  = amd64.Reg64(amd64.R8)
		r9  = amd64.Reg64(amd64.R9)
		r10 = amd64.Reg64(amd64.R10)
		r11 = amd64.Reg64(amd64.R11)

		cmd    = amd64.Reg64(amd64.R12)
		offset = amd64.Reg64(amd64.R13)
		buf    = amd64.Reg64(amd64.R14)
		left   = amd64.Reg64(amd64.R15)
		done   = rbp
		inSect = r10
		chunk  = r11
	)

	return asm.Group{
		asm.MarkLabel(LabelTransfer),
		amd64.MovReg(cmd, rdi),
		amd64.MovReg(offset, rsi),
		amd64.MovReg(buf, r9),
		amd64.MovReg(left, r10),
		amd64.XorRegReg(done, done),

		amd64.LoadLabelAddress(rcx, labelReady),
		amd64.MovZX8(amd64.Reg32(amd64.RAX), amd64.Mem(rcx)),
		amd64.TestRegReg(amd64.Reg32(amd64.RAX), amd64.Reg32(amd64.RAX)),
		amd64.JumpIfZero("disk_transfer_not_ready"),

		// offset < size && length <= size - offset
		amd64.MovImmediate(rbx, int64(r.Status)),
		amd64.MovFromMemory(rcx, amd64.Mem(rbx).WithDisp(portio.StatusSizeOffset)),
		amd64.CmpRegReg(offset, rcx),
		amd64.JumpIfAboveOrEqual("disk_transfer_einval"),
		amd64.SubRegReg(rcx, offset),
		amd64.CmpRegReg(left, rcx),
		amd64.JumpIfAbove("disk_transfer_einval"),

		asm.MarkLabel("disk_transfer_loop"),
		amd64.TestRegReg(left, left),
		amd64.JumpIfZero("disk_transfer_done"),

		amd64.MovReg(inSect, offset),
		amd64.AndRegImm(inSect, portio.SectorSize-1),
		amd64.MovImmediate(amd64.Reg32(amd64.R11), portio.SectorSize),
		amd64.SubRegReg(chunk, inSect),
		amd64.CmpRegReg(chunk, left),
		amd64.JumpIfBelowOrEqual("disk_transfer_sized"),
		amd64.MovReg(chunk, left),
		asm.MarkLabel("disk_transfer_sized"),

		amd64.MovReg(rsi, offset),
		amd64.ShrRegImm(rsi, 9),

		amd64.TestRegReg(inSect, inSect),
		amd64.JumpIfNotZero("disk_transfer_partial"),
		amd64.CmpRegImm(chunk, portio.SectorSize),
		amd64.JumpIfNotEqual("disk_transfer_partial"),
		amd64.MovReg(rdi, cmd),
		amd64.MovReg(r8, buf),
		amd64.Call(LabelSector),
		amd64.TestRegReg(rax, rax),
		amd64.JumpIfNotZero("disk_transfer_failed"),
		amd64.Jump("disk_transfer_advance"),

		asm.MarkLabel("disk_transfer_partial"),
		amd64.MovImmediate(amd64.Reg32(amd64.RDI), int64(portio.CommandRead)),
		amd64.MovImmediate(r8, int64(r.Staging)),
		amd64.Call(LabelSector),
		amd64.TestRegReg(rax, rax),
		amd64.JumpIfNotZero("disk_transfer_failed"),

		// rdi = destination, rcx = source
		amd64.MovImmediate(rbx, int64(r.Staging)),
		amd64.AddRegReg(rbx, inSect),
		amd64.CmpRegImm(cmd, int32(portio.CommandRead)),
		amd64.JumpIfNotEqual("disk_transfer_copy_in"),
		amd64.MovReg(rdi, buf),
		amd64.MovReg(rcx, rbx),
		amd64.Jump("disk_transfer_copy"),
		asm.MarkLabel("disk_transfer_copy_in"),
		amd64.MovReg(rdi, rbx),
		amd64.MovReg(rcx, buf),

		asm.MarkLabel("disk_transfer_copy"),
		amd64.XorRegReg(rax, rax),
		asm.MarkLabel("disk_transfer_copy_loop"),
		amd64.CmpRegReg(rax, chunk),
		amd64.JumpIfAboveOrEqual("disk_transfer_copied"),
		amd64.MovZX8(amd64.Reg32(amd64.RDX), amd64.MemIndex(rcx, rax, 1)),
		amd64.MovToMemory(amd64.MemIndex(rdi, rax, 1), amd64.Reg8(amd64.RDX)),
		amd64.AddRegImm(rax, 1),
		amd64.Jump("disk_transfer_copy_loop"),
		asm.MarkLabel("disk_transfer_copied"),

		amd64.CmpRegImm(cmd, int32(portio.CommandRead)),
		amd64.JumpIfEqual("disk_transfer_advance"),
		amd64.MovImmediate(amd64.Reg32(amd64.RDI), int64(portio.CommandWrite)),
		amd64.MovImmediate(r8, int64(r.Staging)),
		amd64.Call(LabelSector),
		amd64.TestRegReg(rax, rax),
		amd64.JumpIfNotZero("disk_transfer_failed"),

		asm.MarkLabel("disk_transfer_advance"),
		amd64.AddRegReg(offset, chunk),
		amd64.AddRegReg(buf, chunk),
		amd64.AddRegReg(done, chunk),
		amd64.SubRegReg(left, chunk),
		amd64.Jump("disk_transfer_loop"),

		asm.MarkLabel("disk_transfer_done"),
		amd64.MovReg(rax, done),
		amd64.Ret(),

		asm.MarkLabel("disk_transfer_einval"),
		amd64.MovImmediate(rax, -int64(portio.EINVAL)),
		amd64.Ret(),

		asm.MarkLabel("disk_transfer_not_ready"),
		amd64.MovImmediate(rax, -1),
		asm.MarkLabel("disk_transfer_failed"),
		amd64.Ret(),
	}
}

// Fragment returns the three entry points followed by the driver's private
// state. It is meant to be placed after the guest's own code, never on the
// fall-through path.
func (r Routines) Fragment() asm.Fragment {
	return asm.Group{
		r.setup(),
		r.sector(),
		r.transfer(),
		asm.MarkLabel(labelReady),
		asm.Bytes(make([]byte, 8)),
	}
}
