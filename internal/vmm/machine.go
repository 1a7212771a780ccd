package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/devices/disk"
	"github.com/tinyrange/minihv/internal/devices/serial"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/longmode"
	"github.com/tinyrange/minihv/internal/portio"
)

const DefaultMemorySize = 2 << 20

type MachineConfig struct {
	// MemorySize defaults to DefaultMemorySize.
	MemorySize uint64
	// MMIOBase defaults to portio.MMIOBase.
	MMIOBase uint64
	// PageTableBase defaults to longmode.DefaultTableBase.
	PageTableBase uint64

	Guest   []byte
	Disk    disk.Image
	Console io.Writer
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.MMIOBase == 0 {
		c.MMIOBase = portio.MMIOBase
	}
	if c.PageTableBase == 0 {
		c.PageTableBase = longmode.DefaultTableBase
	}
	return c
}

// Machine is one VM with the serial console and the disk controller wired to
// its exit loop.
type Machine struct {
	vm         hv.VirtualMachine
	chipset    *chipset.Chipset
	dispatcher *Dispatcher

	serial *serial.Serial
	disk   *disk.Controller
}

// NewMachine creates the VM on h and loads the guest. Nothing runs until
// Run is called.
func NewMachine(h hv.Hypervisor, cfg MachineConfig) (*Machine, error) {
	cfg = cfg.withDefaults()
	if cfg.Disk == nil {
		return nil, fmt.Errorf("vmm: no disk image")
	}

	plan, err := longmode.Build(longmode.Config{
		IdentitySize: roundUp(cfg.MemorySize, longmode.HugePageSize),
		MMIOBase:     cfg.MMIOBase,
		TableBase:    cfg.PageTableBase,
		StackTop:     cfg.MemorySize,
		Entry:        0,
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: build address space: %w", err)
	}

	window := chipset.DefaultAliasWindow()
	window.Base = cfg.MMIOBase

	loader := &FlatLoader{Plan: plan, Image: cfg.Guest, Window: window}
	if err := loader.Check(cfg.MemorySize); err != nil {
		return nil, err
	}

	m := &Machine{
		serial: serial.NewDefault(cfg.Console),
		disk:   disk.NewController(cfg.Disk),
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("serial", m.serial); err != nil {
		return nil, fmt.Errorf("vmm: register serial: %w", err)
	}
	if err := b.RegisterDevice("disk", m.disk); err != nil {
		return nil, fmt.Errorf("vmm: register disk: %w", err)
	}
	if m.chipset, err = b.Build(); err != nil {
		return nil, fmt.Errorf("vmm: build chipset: %w", err)
	}

	m.vm, err = h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs:    1,
		MemSize:    cfg.MemorySize,
		MemBase:    0,
		VMLoader:   loader,
		CreateVCPU: loader.ConfigureVCPU,
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: create virtual machine: %w", err)
	}

	if err := m.chipset.Init(m.vm.Memory()); err != nil {
		m.vm.Close()
		return nil, err
	}
	if err := m.chipset.Start(); err != nil {
		m.vm.Close()
		return nil, err
	}

	m.dispatcher = NewDispatcher(m.chipset, window, m.vm.Memory())
	space := m.vm.AddressSpace()
	m.dispatcher.SetAddressSpace(space)

	slog.Debug("vmm: machine ready",
		"ramEnd", fmt.Sprintf("0x%x", space.RAMEnd()),
		"regions", space.FixedRegions(),
		"guest", len(cfg.Guest),
		"disk", cfg.Disk.Size(),
		"ports", m.chipset.Ports())
	return m, nil
}

// Run executes the guest until it halts. A failing exit is returned as an
// *ExitError.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	var result *Result
	err := m.vm.VirtualCPUCall(0, func(vcpu hv.VirtualCPU) error {
		var err error
		result, err = m.dispatcher.Run(ctx, vcpu)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Machine) VirtualMachine() hv.VirtualMachine { return m.vm }
func (m *Machine) Disk() *disk.Controller           { return m.disk }
func (m *Machine) Serial() *serial.Serial           { return m.serial }
func (m *Machine) Dispatcher() *Dispatcher          { return m.dispatcher }

// Close stops the devices, flushing the disk, and destroys the VM. The disk
// image itself stays open.
func (m *Machine) Close() error {
	return errors.Join(m.chipset.Stop(), m.vm.Close())
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
