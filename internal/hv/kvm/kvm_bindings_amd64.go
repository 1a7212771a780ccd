//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"
)

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetRegs, uintptr(unsafe.Pointer(regs)))
	return err
}

func getSRegs(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSRegs(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
	return err
}

func setTSSAddr(vmFd int, addr uint64) error {
	_, err := ioctlWithRetry(uintptr(vmFd), kvmSetTssAddr, uintptr(addr))
	return err
}

const maxCPUIDEntries = 255

// cpuidTable owns the backing buffer for a kvm_cpuid2 header followed by
// its entries.
type cpuidTable struct {
	buf []byte
}

func (c *cpuidTable) header() *kvmCPUID2 {
	return (*kvmCPUID2)(unsafe.Pointer(&c.buf[0]))
}

func getSupportedCpuId(hvFd int) (*cpuidTable, error) {
	size := unsafe.Sizeof(kvmCPUID2{}) + unsafe.Sizeof(kvmCPUIDEntry2{})*maxCPUIDEntries
	table := &cpuidTable{buf: make([]byte, size)}
	table.header().Nr = maxCPUIDEntries

	if _, err := ioctlWithRetry(uintptr(hvFd), kvmGetSupportedCpuid, uintptr(unsafe.Pointer(table.header()))); err != nil {
		return nil, fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}
	return table, nil
}

func setVCPUID(vcpuFd int, table *cpuidTable) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), kvmSetCpuid2, uintptr(unsafe.Pointer(table.header())))
	return err
}
