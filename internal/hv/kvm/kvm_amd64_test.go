//go:build linux && amd64

package kvm

import (
	"context"
	"fmt"
	"testing"

	"github.com/tinyrange/minihv/internal/asm"
	"github.com/tinyrange/minihv/internal/asm/amd64"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/longmode"
)

var outThenHalt = amd64.MustEmit(asm.Group{
	amd64.OutImm8(0x10, 'A'),
	amd64.StoreImm8(0x200080, 'A'),
	amd64.Hlt(),
})

func newLongModeVM(t *testing.T, code []byte) (hv.VirtualMachine, func()) {
	t.Helper()

	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	plan, err := longmode.Build(longmode.DefaultConfig(0x200000))
	if err != nil {
		kvm.Close()
		t.Fatalf("Build page tables: %v", err)
	}

	vm, err := kvm.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: 0x200000,
		MemBase: 0,
		CreateVM: func(vm hv.VirtualMachine) error {
			return nil
		},
		CreateVCPU: func(vcpu hv.VirtualCPU) error {
			x86, ok := vcpu.(hv.VirtualCPUAmd64)
			if !ok {
				return fmt.Errorf("vCPU %T does not implement VirtualCPUAmd64", vcpu)
			}
			if err := x86.SetSpecialRegisters(plan.Special); err != nil {
				return err
			}
			return vcpu.SetRegisters(plan.Registers())
		},
	})
	if err != nil {
		kvm.Close()
		t.Fatalf("Create KVM virtual machine: %v", err)
	}

	if err := plan.Apply(vm.Memory()); err != nil {
		t.Fatalf("Apply page tables: %v", err)
	}
	if _, err := vm.WriteAt(code, 0); err != nil {
		t.Fatalf("Write guest code: %v", err)
	}

	return vm, func() {
		vm.Close()
		kvm.Close()
	}
}

func TestRunLongModeExits(t *testing.T) {
	vm, cleanup := newLongModeVM(t, outThenHalt.Bytes())
	defer cleanup()

	var exits []hv.Exit
	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		for i := 0; i < 3; i++ {
			exit, err := vcpu.Run(context.Background())
			if err != nil {
				return err
			}
			copied := *exit
			copied.Data = append([]byte(nil), exit.Data...)
			exits = append(exits, copied)
			if exit.Kind == hv.ExitHalt {
				break
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(exits) != 3 {
		t.Fatalf("got %d exits, want 3: %+v", len(exits), exits)
	}

	io := exits[0]
	if io.Kind != hv.ExitPortIO || !io.Write || io.Port != 0x10 || io.Size != 1 || io.Count != 1 {
		t.Errorf("first exit = %s, want 1-byte write to port 0x10", &io)
	}
	if string(io.Data) != "A" {
		t.Errorf("port data = %q, want %q", io.Data, "A")
	}

	mmio := exits[1]
	if mmio.Kind != hv.ExitMMIO || !mmio.Write || mmio.Addr != 0x200080 || len(mmio.Data) != 1 {
		t.Errorf("second exit = %s, want 1-byte MMIO write at 0x200080", &mmio)
	}

	if exits[2].Kind != hv.ExitHalt {
		t.Errorf("third exit = %s, want halt", &exits[2])
	}
}

func TestRegistersRoundTrip(t *testing.T) {
	vm, cleanup := newLongModeVM(t, amd64.MustEmit(amd64.Hlt()).Bytes())
	defer cleanup()

	err := vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
			hv.RegisterAMD64Rbx: hv.Register64(0x1234),
		}); err != nil {
			return err
		}

		regs := hv.NewRegisterSnapshot()
		if err := vcpu.GetRegisters(regs); err != nil {
			return err
		}
		if got := regs[hv.RegisterAMD64Rbx].(hv.Register64); got != 0x1234 {
			t.Errorf("rbx = 0x%x, want 0x1234", got)
		}
		if got := regs[hv.RegisterAMD64Rsp].(hv.Register64); got != 0x200000 {
			t.Errorf("rsp = 0x%x, want 0x200000", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("VirtualCPUCall: %v", err)
	}
}
