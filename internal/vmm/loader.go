package vmm

import (
	"fmt"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/longmode"
)

// FlatLoader places a flat binary at guest physical 0 next to the long mode
// page tables and reserves the MMIO alias window in the address space.
type FlatLoader struct {
	Plan   *longmode.Plan
	Image  []byte
	Window chipset.AliasWindow
}

// Check validates the image against the memory layout without touching a VM.
func (l *FlatLoader) Check(memSize uint64) error {
	if len(l.Image) == 0 {
		return fmt.Errorf("vmm: guest image is empty")
	}
	size := uint64(len(l.Image))
	if size > memSize {
		return fmt.Errorf("vmm: guest image (%d bytes) is larger than guest memory (%d bytes)", size, memSize)
	}
	if l.Plan.Overlaps(0, size) {
		return fmt.Errorf("vmm: guest image (%d bytes) overlaps the page tables at 0x%x", size, l.Plan.TableBase)
	}
	return nil
}

// Load implements hv.VMLoader.
func (l *FlatLoader) Load(vm hv.VirtualMachine) error {
	space := vm.AddressSpace()
	if space.RAMBase() != 0 {
		return fmt.Errorf("vmm: flat guest needs RAM at 0, not 0x%x", space.RAMBase())
	}
	if err := l.Check(space.RAMSize()); err != nil {
		return err
	}

	if _, err := space.RegisterFixed("mmio-alias", l.Window.Base, l.Window.Size); err != nil {
		return fmt.Errorf("vmm: reserve MMIO alias window: %w", err)
	}
	if err := l.Plan.Apply(vm.Memory()); err != nil {
		return err
	}
	if _, err := vm.WriteAt(l.Image, 0); err != nil {
		return fmt.Errorf("vmm: write guest image: %w", err)
	}
	return nil
}

// ConfigureVCPU loads the long mode register state planned by l.
func (l *FlatLoader) ConfigureVCPU(vcpu hv.VirtualCPU) error {
	amd64, ok := vcpu.(hv.VirtualCPUAmd64)
	if !ok {
		return fmt.Errorf("vmm: vCPU %T cannot enter long mode", vcpu)
	}
	if err := amd64.SetSpecialRegisters(l.Plan.Special); err != nil {
		return fmt.Errorf("vmm: set special registers: %w", err)
	}
	if err := vcpu.SetRegisters(l.Plan.Registers()); err != nil {
		return fmt.Errorf("vmm: set initial registers: %w", err)
	}
	return nil
}

var (
	_ hv.VMLoader = &FlatLoader{}
)
