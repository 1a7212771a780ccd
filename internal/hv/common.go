package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrVersionMismatch       = errors.New("hypervisor API version mismatch")
	ErrProtocolViolation     = errors.New("device protocol violation")
	ErrUnhandledExit         = errors.New("unhandled VM exit")
	ErrOutOfBounds           = errors.New("guest physical address out of bounds")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags
)

// GeneralRegisters lists the registers reported in a register dump, in
// dump order.
var GeneralRegisters = []Register{
	RegisterAMD64Rax,
	RegisterAMD64Rbx,
	RegisterAMD64Rcx,
	RegisterAMD64Rdx,
	RegisterAMD64Rsi,
	RegisterAMD64Rdi,
	RegisterAMD64Rsp,
	RegisterAMD64Rbp,
	RegisterAMD64R8,
	RegisterAMD64R9,
	RegisterAMD64R10,
	RegisterAMD64R11,
	RegisterAMD64R12,
	RegisterAMD64R13,
	RegisterAMD64R14,
	RegisterAMD64R15,
	RegisterAMD64Rip,
	RegisterAMD64Rflags,
}

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// NewRegisterSnapshot returns a request map for every general register.
func NewRegisterSnapshot() map[Register]RegisterValue {
	regs := make(map[Register]RegisterValue, len(GeneralRegisters))
	for _, reg := range GeneralRegisters {
		regs[reg] = Register64(0)
	}
	return regs
}

// Segment is a flat x86 segment descriptor as loaded into a hidden segment
// register.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
}

// SpecialRegisters is the control and segment state needed to enter long
// mode directly.
type SpecialRegisters struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	CS                 Segment
	DS, ES, FS, GS, SS Segment
}

type ExitKind int

const (
	ExitOther ExitKind = iota
	ExitHalt
	ExitPortIO
	ExitMMIO
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "halt"
	case ExitPortIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	default:
		return "other"
	}
}

// Exit describes why the virtual CPU stopped. Data aliases the shared exit
// page and is only valid until the next call to Run.
type Exit struct {
	Kind   ExitKind
	Reason string

	Write bool

	// Port I/O.
	Port  uint16
	Size  uint8
	Count uint32

	// MMIO.
	Addr uint64

	Data []byte
}

func (e *Exit) String() string {
	switch e.Kind {
	case ExitPortIO:
		return fmt.Sprintf("%s port=0x%x size=%d count=%d write=%t", e.Reason, e.Port, e.Size, e.Count, e.Write)
	case ExitMMIO:
		return fmt.Sprintf("%s addr=0x%x len=%d write=%t", e.Reason, e.Addr, len(e.Data), e.Write)
	default:
		return e.Reason
	}
}

type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	// Run resumes the guest and blocks until the next exit.
	Run(ctx context.Context) (*Exit, error)
}

type VirtualCPUAmd64 interface {
	VirtualCPU

	SetSpecialRegisters(sregs SpecialRegisters) error
}

type Device interface {
	Init(mem *GuestMemory) error
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	Memory() *GuestMemory
	MemorySize() uint64
	MemoryBase() uint64

	AddressSpace() *AddressSpace

	// VirtualCPUCall runs f on the goroutine that owns the vCPU.
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	CPUCount() int
	MemorySize() uint64
	MemoryBase() uint64
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	NumCPUs  int
	MemSize  uint64
	MemBase  uint64
	VMLoader VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) CPUCount() int          { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64     { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64     { return c.MemBase }
func (c SimpleVMConfig) Callbacks() VMCallbacks { return c }
func (c SimpleVMConfig) Loader() VMLoader       { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
