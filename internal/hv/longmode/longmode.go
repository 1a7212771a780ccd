// Package longmode builds identity-mapped x86-64 page tables and the control
// register state needed to start a vCPU directly in 64-bit mode.
//
// The builder is a pure function of the memory layout: it produces bytes and
// register values and never touches a hypervisor.
package longmode

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/minihv/internal/hv"
)

// CR0 bits
const (
	CR0_PE = 1
	CR0_MP = (1 << 1)
	CR0_EM = (1 << 2)
	CR0_TS = (1 << 3)
	CR0_ET = (1 << 4)
	CR0_NE = (1 << 5)
	CR0_WP = (1 << 16)
	CR0_AM = (1 << 18)
	CR0_NW = (1 << 29)
	CR0_CD = (1 << 30)
	CR0_PG = (1 << 31)
)

// CR4 bits
const (
	CR4_PSE = (1 << 4)
	CR4_PAE = (1 << 5)
	CR4_PGE = (1 << 7)
)

// EFER bits
const (
	EFER_SCE = 1
	EFER_LME = (1 << 8)
	EFER_LMA = (1 << 10)
	EFER_NXE = (1 << 11)
)

// Page table entry bits.
const (
	PTE_P   = 1 << 0 // present
	PTE_RW  = 1 << 1 // writable
	PTE_US  = 1 << 2 // user
	PTE_PWT = 1 << 3 // write-through
	PTE_PCD = 1 << 4 // cache disable
	PTE_PS  = 1 << 7 // page-size (2MiB when set in PDE)
)

const (
	RFLAGS_RESERVED = 1 << 1
)

const (
	PageSize     = 0x1000
	HugePageSize = 0x200000
	tableEntries = 512

	// One page directory covers 1GiB with 2MiB pages.
	directorySpan = tableEntries * HugePageSize

	// TablesSize is the size of the PML4, PDPT and PD pages together.
	TablesSize = 3 * PageSize
)

const (
	CodeSelector uint16 = 1 << 3
	DataSelector uint16 = 2 << 3
)

const (
	DefaultIdentitySize uint64 = 2 << 20
	DefaultTableBase    uint64 = 0x2000
	DefaultStackTop     uint64 = 2 << 20
)

// Config describes the guest physical layout to map.
type Config struct {
	// IdentitySize is the size of the identity-mapped RAM starting at 0.
	IdentitySize uint64
	// MMIOBase is the start of the 2MiB uncached window.
	MMIOBase uint64
	// TableBase is where the PML4, PDPT and PD are placed, in that order.
	TableBase uint64
	// StackTop is the initial RSP.
	StackTop uint64
	// Entry is the initial RIP.
	Entry uint64
}

// DefaultConfig returns the layout used by the flat guest images: 2MiB of
// RAM, MMIO right above it and the tables at 0x2000.
func DefaultConfig(mmioBase uint64) Config {
	return Config{
		IdentitySize: DefaultIdentitySize,
		MMIOBase:     mmioBase,
		TableBase:    DefaultTableBase,
		StackTop:     DefaultStackTop,
		Entry:        0,
	}
}

// Plan is the output of Build.
type Plan struct {
	TableBase uint64
	// Tables holds the PML4, PDPT and PD pages back to back.
	Tables []byte

	Special hv.SpecialRegisters

	Rip    uint64
	Rsp    uint64
	Rflags uint64
}

func (c Config) validate() error {
	if c.IdentitySize < HugePageSize || c.IdentitySize%HugePageSize != 0 {
		return fmt.Errorf("longmode: identity size 0x%x must be a non-zero multiple of 0x%x", c.IdentitySize, HugePageSize)
	}
	if c.IdentitySize > directorySpan {
		return fmt.Errorf("longmode: identity size 0x%x exceeds the 0x%x covered by one page directory", c.IdentitySize, directorySpan)
	}
	if c.MMIOBase%HugePageSize != 0 {
		return fmt.Errorf("longmode: MMIO base 0x%x is not 2MiB aligned", c.MMIOBase)
	}
	if c.MMIOBase < c.IdentitySize {
		return fmt.Errorf("longmode: MMIO base 0x%x lies inside identity region [0, 0x%x)", c.MMIOBase, c.IdentitySize)
	}
	if c.MMIOBase+HugePageSize > directorySpan {
		return fmt.Errorf("longmode: MMIO window at 0x%x is outside the first 1GiB", c.MMIOBase)
	}
	if c.TableBase%PageSize != 0 {
		return fmt.Errorf("longmode: table base 0x%x is not page aligned", c.TableBase)
	}
	if c.TableBase+TablesSize > c.IdentitySize {
		return fmt.Errorf("longmode: tables at 0x%x do not fit in identity region", c.TableBase)
	}
	if c.StackTop > c.IdentitySize {
		return fmt.Errorf("longmode: stack top 0x%x is outside identity region", c.StackTop)
	}
	return nil
}

// Build constructs the page tables and register state for cfg.
func Build(cfg Config) (*Plan, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	pml4Addr := cfg.TableBase
	pdptAddr := cfg.TableBase + PageSize
	pdAddr := cfg.TableBase + 2*PageSize

	tables := make([]byte, TablesSize)
	pml4 := tables[0:PageSize]
	pdpt := tables[PageSize : 2*PageSize]
	pd := tables[2*PageSize : 3*PageSize]

	putEntry(pml4, 0, pdptAddr|PTE_P|PTE_RW|PTE_US)
	putEntry(pdpt, 0, pdAddr|PTE_P|PTE_RW|PTE_US)

	for phys := uint64(0); phys < cfg.IdentitySize; phys += HugePageSize {
		putEntry(pd, int(phys/HugePageSize), phys|PTE_P|PTE_RW|PTE_US|PTE_PS)
	}

	// MMIO must never be cached.
	putEntry(pd, int(cfg.MMIOBase/HugePageSize),
		cfg.MMIOBase|PTE_P|PTE_RW|PTE_US|PTE_PWT|PTE_PCD|PTE_PS)

	code := hv.Segment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: CodeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		DPL:      0,
		DB:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.DB = 1
	data.Selector = DataSelector

	return &Plan{
		TableBase: cfg.TableBase,
		Tables:    tables,
		Special: hv.SpecialRegisters{
			CR0:  CR0_PE | CR0_MP | CR0_ET | CR0_NE | CR0_WP | CR0_AM | CR0_PG,
			CR3:  pml4Addr,
			CR4:  CR4_PAE,
			EFER: EFER_LME | EFER_LMA,
			CS:   code,
			DS:   data,
			ES:   data,
			FS:   data,
			GS:   data,
			SS:   data,
		},
		Rip:    cfg.Entry,
		Rsp:    cfg.StackTop,
		Rflags: RFLAGS_RESERVED,
	}, nil
}

func putEntry(table []byte, index int, value uint64) {
	binary.LittleEndian.PutUint64(table[index*8:], value)
}

// Entry returns entry index of table level (0 = PML4, 1 = PDPT, 2 = PD).
func (p *Plan) Entry(level, index int) uint64 {
	off := level*PageSize + index*8
	return binary.LittleEndian.Uint64(p.Tables[off : off+8])
}

// Apply writes the page tables into guest memory.
func (p *Plan) Apply(mem *hv.GuestMemory) error {
	if _, err := mem.WriteAt(p.Tables, int64(p.TableBase)); err != nil {
		return fmt.Errorf("longmode: write page tables: %w", err)
	}
	return nil
}

// Registers returns the initial general register state. All registers not
// named here start at zero.
func (p *Plan) Registers() map[hv.Register]hv.RegisterValue {
	regs := make(map[hv.Register]hv.RegisterValue, len(hv.GeneralRegisters))
	for _, reg := range hv.GeneralRegisters {
		regs[reg] = hv.Register64(0)
	}
	regs[hv.RegisterAMD64Rflags] = hv.Register64(p.Rflags)
	regs[hv.RegisterAMD64Rip] = hv.Register64(p.Rip)
	regs[hv.RegisterAMD64Rsp] = hv.Register64(p.Rsp)
	return regs
}

// Overlaps reports whether [base, base+size) touches the page tables.
func (p *Plan) Overlaps(base, size uint64) bool {
	end := p.TableBase + uint64(len(p.Tables))
	return size > 0 && base < end && p.TableBase < base+size
}
