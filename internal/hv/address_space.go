package hv

import (
	"fmt"
	"sync"
)

// Region is a named range of guest physical addresses.
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether [addr, addr+n) lies inside the region.
func (r Region) Contains(addr, n uint64) bool {
	return addr >= r.Base && addr-r.Base <= r.Size && n <= r.Size-(addr-r.Base)
}

// AddressSpace tracks the guest physical layout of a VM: one contiguous RAM
// range plus fixed regions that must not be backed by RAM so that accesses
// to them trap to the host.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	fixedRegions []Region
}

// NewAddressSpace creates a physical layout with RAM at
// [ramBase, ramBase+ramSize).
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// RegisterFixed registers a pre-determined trapping region.
// Returns error if the region overlaps with RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) (Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return Region{}, fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	if regionEnd < base {
		return Region{}, fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && regionEnd > a.ramBase {
		return Region{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	for _, existing := range a.fixedRegions {
		if base < existing.End() && existing.Base < regionEnd {
			return Region{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, existing.Name, existing.Base, existing.End())
		}
	}

	region := Region{
		Name: name,
		Base: base,
		Size: size,
	}
	a.fixedRegions = append(a.fixedRegions, region)

	return region, nil
}

// FixedRegions returns a copy of all fixed regions.
func (a *AddressSpace) FixedRegions() []Region {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Region, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// Lookup returns the fixed region containing addr.
func (a *AddressSpace) Lookup(addr uint64) (Region, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, region := range a.fixedRegions {
		if region.Contains(addr, 1) {
			return region, true
		}
	}
	return Region{}, false
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}
