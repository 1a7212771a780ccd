//go:build linux

package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/minihv/internal/hv"
	"golang.org/x/sys/unix"
)

const devicePath = "/dev/kvm"

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int { return v.id }

// start pins the goroutine to one OS thread for the lifetime of the vCPU.
func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	hv    *hypervisor
	vmFd  int
	vcpus map[int]*virtualCPU

	memMu      sync.RWMutex
	memory     []byte
	memoryBase uint64
	guestMem   *hv.GuestMemory

	addressSpace *hv.AddressSpace
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64             { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64             { return uint64(len(v.memory)) }
func (v *virtualMachine) Hypervisor() hv.Hypervisor      { return v.hv }
func (v *virtualMachine) Memory() *hv.GuestMemory        { return v.guestMem }
func (v *virtualMachine) AddressSpace() *hv.AddressSpace { return v.addressSpace }

func (v *virtualMachine) ReadAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	if v.guestMem == nil {
		return 0, fmt.Errorf("kvm: read from closed VM")
	}
	return v.guestMem.ReadAt(p, off)
}

func (v *virtualMachine) WriteAt(p []byte, off int64) (int, error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()

	if v.guestMem == nil {
		return 0, fmt.Errorf("kvm: write to closed VM")
	}
	return v.guestMem.WriteAt(p, off)
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, ok := v.vcpus[id]
	if !ok {
		return fmt.Errorf("kvm: no vCPU %d found", id)
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

// Close implements hv.VirtualMachine.
func (v *virtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.guestMem = nil
	v.memMu.Unlock()

	var errs []error

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
		if err := unix.Munmap(vcpu.run); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap vCPU %d run: %w", vcpu.id, err))
		}
		if err := unix.Close(vcpu.fd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close vCPU %d fd: %w", vcpu.id, err))
		}
	}

	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap memory: %w", err))
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
		}
		v.vmFd = -1
	}

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("kvm: close %s: %w", devicePath, err)
	}
	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
//
// Guest RAM is a single anonymous mapping installed as memory slot 0. Every
// guest physical address outside it traps to the host as MMIO.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (_ hv.VirtualMachine, retErr error) {
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: only 1 vCPU supported, got %d", config.CPUCount())
	}
	if config.MemorySize() == 0 || config.MemorySize()%uint64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("kvm: memory size 0x%x must be a non-zero multiple of the page size", config.MemorySize())
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:    h,
		vmFd:  vmFd,
		vcpus: make(map[int]*virtualCPU),
	}
	defer func() {
		if retErr != nil {
			if err := vm.Close(); err != nil {
				slog.Error("kvm: cleanup after failed VM creation", "error", err)
			}
		}
	}()

	if err := h.archVMInit(vm); err != nil {
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return nil, fmt.Errorf("VM callback OnCreateVM: %w", err)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(config.MemorySize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}

	vm.memory = mem
	vm.memoryBase = config.MemoryBase()
	vm.guestMem = hv.NewGuestMemory(vm.memoryBase, mem)
	vm.addressSpace = hv.NewAddressSpace(h.Architecture(), config.MemoryBase(), config.MemorySize())

	if err := setUserMemoryRegion(vm.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          0,
		Flags:         0,
		GuestPhysAddr: config.MemoryBase(),
		MemorySize:    config.MemorySize(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}
	if uintptr(mmapSize) < unsafe.Sizeof(kvmRunData{}) {
		return nil, fmt.Errorf("kvm: kvm_run mmap size %d is smaller than kvm_run", mmapSize)
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU 0: %w", err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		closeAfterFailure(vcpuFd, "vCPU 0")
		return nil, fmt.Errorf("kvm: mmap vCPU 0 kvm_run: %w", err)
	}

	vcpu := &virtualCPU{
		vm:       vm,
		id:       0,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}
	vm.vcpus[0] = vcpu

	go vcpu.start()

	if err := vm.VirtualCPUCall(0, func(hv.VirtualCPU) error {
		return h.archVCPUInit(vcpu)
	}); err != nil {
		return nil, fmt.Errorf("kvm: initialize vCPU 0: %w", err)
	}

	if err := vm.VirtualCPUCall(0, config.Callbacks().OnCreateVCPU); err != nil {
		return nil, fmt.Errorf("VM callback OnCreateVCPU 0: %w", err)
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return nil, fmt.Errorf("load VM: %w", err)
		}
	}

	slog.Debug("kvm: created VM",
		"memory_base", fmt.Sprintf("0x%x", vm.memoryBase),
		"memory_size", fmt.Sprintf("0x%x", len(mem)),
		"run_size", mmapSize)

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

// closeAfterFailure releases fd on a setup path that is already returning an
// error, so a failed close is only logged.
func closeAfterFailure(fd int, what string) {
	if err := unix.Close(fd); err != nil {
		slog.Error("kvm: close after failed setup", "file", what, "error", err)
	}
}

// Open opens /dev/kvm and checks the API version. A missing device reports
// hv.ErrHypervisorUnsupported and a version other than 12 reports
// hv.ErrVersionMismatch.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open(devicePath, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("%w: open %s: %w", hv.ErrHypervisorUnsupported, devicePath, err)
		}
		return nil, fmt.Errorf("open %s: %w", devicePath, err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		closeAfterFailure(fd, devicePath)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		closeAfterFailure(fd, devicePath)
		return nil, fmt.Errorf("%w: got %d, want %d", hv.ErrVersionMismatch, version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
