//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/minihv/internal/hv"
	"golang.org/x/sys/unix"
)

func registerField(regs *kvmRegs, reg hv.Register) (*uint64, bool) {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax, true
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx, true
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx, true
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx, true
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi, true
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi, true
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp, true
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp, true
	case hv.RegisterAMD64R8:
		return &regs.R8, true
	case hv.RegisterAMD64R9:
		return &regs.R9, true
	case hv.RegisterAMD64R10:
		return &regs.R10, true
	case hv.RegisterAMD64R11:
		return &regs.R11, true
	case hv.RegisterAMD64R12:
		return &regs.R12, true
	case hv.RegisterAMD64R13:
		return &regs.R13, true
	case hv.RegisterAMD64R14:
		return &regs.R14, true
	case hv.RegisterAMD64R15:
		return &regs.R15, true
	case hv.RegisterAMD64Rip:
		return &regs.Rip, true
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags, true
	default:
		return nil, false
	}
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg, value := range regs {
		field, ok := registerField(&current, reg)
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		r64, ok := value.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: register %v: unsupported value type %T", reg, value)
		}
		*field = uint64(r64)
	}

	if err := setRegisters(v.fd, &current); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		field, ok := registerField(&current, reg)
		if !ok {
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
		regs[reg] = hv.Register64(*field)
	}
	return nil
}

func toKVMSegment(s hv.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  s.Present,
		Dpl:      s.DPL,
		Db:       s.DB,
		S:        s.S,
		L:        s.L,
		G:        s.G,
	}
}

// SetSpecialRegisters loads control registers and segments. State not
// described by hv.SpecialRegisters (GDT, IDT, TR) keeps its reset value.
func (v *virtualCPU) SetSpecialRegisters(s hv.SpecialRegisters) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get special registers: %w", err)
	}

	sregs.Cr0 = s.CR0
	sregs.Cr3 = s.CR3
	sregs.Cr4 = s.CR4
	sregs.Efer = s.EFER

	sregs.Cs = toKVMSegment(s.CS)
	sregs.Ds = toKVMSegment(s.DS)
	sregs.Es = toKVMSegment(s.ES)
	sregs.Fs = toKVMSegment(s.FS)
	sregs.Gs = toKVMSegment(s.GS)
	sregs.Ss = toKVMSegment(s.SS)

	if err := setSRegs(v.fd, &sregs); err != nil {
		return fmt.Errorf("kvm: set special registers: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)

// Run enters the guest once. Cancellation is only observed when KVM_RUN is
// interrupted by a signal; callers check ctx between exits.
func (v *virtualCPU) Run(ctx context.Context) (*hv.Exit, error) {
	run := v.runData()
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), kvmRun, 0)
		if errors.Is(err, unix.EINTR) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}
		break
	}

	reason := kvmExitReason(run.exit_reason)
	exit := &hv.Exit{Reason: reason.String()}

	switch reason {
	case kvmExitHlt:
		exit.Kind = hv.ExitHalt
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))

		n := uint64(io.size) * uint64(io.count)
		if io.dataOffset+n > uint64(len(v.run)) {
			return nil, fmt.Errorf("kvm: vCPU %d I/O data [0x%x, 0x%x) outside kvm_run", v.id, io.dataOffset, io.dataOffset+n)
		}

		exit.Kind = hv.ExitPortIO
		exit.Write = io.direction == kvmExitIoOut
		exit.Port = io.port
		exit.Size = io.size
		exit.Count = io.count
		exit.Data = v.run[io.dataOffset : io.dataOffset+n]
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		n := min(mmio.len, uint32(len(mmio.data)))

		exit.Kind = hv.ExitMMIO
		exit.Write = mmio.isWrite != 0
		exit.Addr = mmio.physAddr
		exit.Data = mmio.data[:n]
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = fmt.Sprintf("%s: %s", reason, ie.Suberror)
	case kvmExitFailEntry:
		fe := (*kvmFailEntry)(unsafe.Pointer(&run.anon0[0]))
		exit.Reason = fmt.Sprintf("%s: hardware reason 0x%x", reason, fe.hardwareEntryFailureReason)
	}

	return exit, nil
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}
	return nil
}

func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting supported CPUID: %w", err)
	}

	if err := setVCPUID(vcpu.fd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU CPUID: %w", err)
	}
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
