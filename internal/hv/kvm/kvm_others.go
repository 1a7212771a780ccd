//go:build linux && !amd64

package kvm

import (
	"context"
	"fmt"

	"github.com/tinyrange/minihv/internal/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (v *virtualCPU) Run(ctx context.Context) (*hv.Exit, error) {
	return nil, fmt.Errorf("kvm: Run not supported on this architecture")
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return fmt.Errorf("%w: only x86_64 guests are supported", hv.ErrHypervisorUnsupported)
}

func (h *hypervisor) archVCPUInit(vcpu *virtualCPU) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
