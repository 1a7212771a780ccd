//go:build linux

package kvm

import (
	"errors"
	"testing"

	"github.com/tinyrange/minihv/internal/hv"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	created := false
	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
		CreateVCPU: func(vcpu hv.VirtualCPU) error {
			created = true
			if vcpu.ID() != 0 {
				t.Errorf("vCPU has ID %d, want 0", vcpu.ID())
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if !created {
		t.Errorf("OnCreateVCPU callback not invoked")
	}
	if vm.MemorySize() != 0x200000 {
		t.Errorf("MemorySize() = 0x%x, want 0x200000", vm.MemorySize())
	}

	if _, err := vm.WriteAt([]byte("hi"), 0x1000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := vm.ReadAt(buf, 0x1000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(buf) != "hi" {
		t.Errorf("ReadAt = %q, want %q", buf, "hi")
	}
	if _, err := vm.ReadAt(buf, 0x200000); !errors.Is(err, hv.ErrOutOfBounds) {
		t.Errorf("ReadAt past RAM error = %v, want ErrOutOfBounds", err)
	}

	if err := vm.Close(); err != nil {
		t.Fatalf("Close KVM virtual machine: %v", err)
	}
}

func TestNewVirtualMachineRejectsMultiCPU(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	if _, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 2,
		MemSize: 0x200000,
	}); err == nil {
		t.Fatalf("NewVirtualMachine with 2 vCPUs succeeded")
	}
}

func TestExitReasonString(t *testing.T) {
	if got := kvmExitHlt.String(); got != "KVM_EXIT_HLT" {
		t.Errorf("kvmExitHlt = %q", got)
	}
	if got := kvmExitReason(99).String(); got != "KVM_EXIT_???(99)" {
		t.Errorf("unknown reason = %q", got)
	}
}
