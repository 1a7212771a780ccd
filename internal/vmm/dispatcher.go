// Package vmm drives a virtual CPU: it resumes the guest, classifies every
// exit and routes port and MMIO accesses to the chipset.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/hv"
)

// Stats counts serviced exits by kind.
type Stats struct {
	Halts  uint64
	PortIO uint64
	MMIO   uint64
	Other  uint64
}

func (s *Stats) count(kind hv.ExitKind) {
	switch kind {
	case hv.ExitHalt:
		s.Halts++
	case hv.ExitPortIO:
		s.PortIO++
	case hv.ExitMMIO:
		s.MMIO++
	default:
		s.Other++
	}
}

// Result is the outcome of a run that ended in HLT.
type Result struct {
	Registers map[hv.Register]hv.RegisterValue
	Stats     Stats
}

// Register returns the value of reg in the final snapshot.
func (r *Result) Register(reg hv.Register) uint64 {
	if v, ok := r.Registers[reg].(hv.Register64); ok {
		return uint64(v)
	}
	return 0
}

// ExitError reports an exit the machine could not service. It matches
// hv.ErrUnhandledExit and whatever the device or adapter returned.
type ExitError struct {
	Exit        hv.Exit
	Registers   map[hv.Register]hv.RegisterValue
	Instruction string
	// Region names the trapping region an MMIO exit fell into, or
	// "unmapped". Empty for other exits.
	Region string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("unhandled exit: %s", e.Exit.String())
	if e.Region != "" {
		msg += fmt.Sprintf(" in %s", e.Region)
	}
	if e.Instruction != "" {
		msg += fmt.Sprintf(" at %q", e.Instruction)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExitError) Unwrap() []error {
	if e.Err == nil {
		return []error{hv.ErrUnhandledExit}
	}
	return []error{hv.ErrUnhandledExit, e.Err}
}

// Dispatcher owns the exit loop for one virtual CPU.
type Dispatcher struct {
	chipset *chipset.Chipset
	window  chipset.AliasWindow
	mem     *hv.GuestMemory
	space   *hv.AddressSpace

	stats Stats
}

// NewDispatcher returns a dispatcher delivering accesses to cs. mem is used
// to decode the faulting instruction of an unhandled exit and may be nil.
func NewDispatcher(cs *chipset.Chipset, window chipset.AliasWindow, mem *hv.GuestMemory) *Dispatcher {
	return &Dispatcher{chipset: cs, window: window, mem: mem}
}

// SetAddressSpace lets unhandled MMIO exits be attributed to a region.
func (d *Dispatcher) SetAddressSpace(space *hv.AddressSpace) { d.space = space }

func (d *Dispatcher) Stats() Stats { return d.stats }

// Window returns the MMIO alias window.
func (d *Dispatcher) Window() chipset.AliasWindow { return d.window }

// Run resumes vcpu until it halts or an exit cannot be serviced. It must be
// called on the goroutine owning vcpu. Cancellation of ctx is noticed
// between exits.
func (d *Dispatcher) Run(ctx context.Context, vcpu hv.VirtualCPU) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		exit, err := vcpu.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("vmm: run vCPU %d: %w", vcpu.ID(), err)
		}
		d.stats.count(exit.Kind)
		slog.Debug("vmm: exit", "vcpu", vcpu.ID(), "exit", exit.String())

		if exit.Kind == hv.ExitHalt {
			regs := hv.NewRegisterSnapshot()
			if err := vcpu.GetRegisters(regs); err != nil {
				return nil, fmt.Errorf("vmm: read registers after halt: %w", err)
			}
			return &Result{Registers: regs, Stats: d.stats}, nil
		}

		if err := d.Handle(exit); err != nil {
			return nil, d.unhandled(vcpu, exit, err)
		}
	}
}

// Handle services a single port I/O or MMIO exit. Any other exit, and any
// access the chipset refuses, is an error.
func (d *Dispatcher) Handle(exit *hv.Exit) error {
	var (
		access chipset.Access
		err    error
	)
	switch exit.Kind {
	case hv.ExitPortIO:
		access, err = chipset.PortAccess(exit)
	case hv.ExitMMIO:
		access, err = d.window.Translate(exit)
	default:
		return fmt.Errorf("vmm: %s exit not supported", exit.Reason)
	}
	if err != nil {
		return err
	}
	return d.chipset.Dispatch(access)
}

func (d *Dispatcher) unhandled(vcpu hv.VirtualCPU, exit *hv.Exit, cause error) error {
	e := &ExitError{Exit: *exit, Err: cause}
	e.Exit.Data = append([]byte(nil), exit.Data...)
	if exit.Kind == hv.ExitMMIO && d.space != nil {
		e.Region = "unmapped"
		if region, ok := d.space.Lookup(exit.Addr); ok {
			e.Region = region.Name
		}
	}

	regs := hv.NewRegisterSnapshot()
	if err := vcpu.GetRegisters(regs); err != nil {
		slog.Error("vmm: read registers for unhandled exit", "error", err)
	} else {
		e.Registers = regs
		if rip, ok := regs[hv.RegisterAMD64Rip].(hv.Register64); ok && d.mem != nil {
			e.Instruction = Disassemble(d.mem, uint64(rip))
		}
	}

	slog.Debug("vmm: unhandled exit", "exit", exit.String(), "error", cause,
		"protocolViolation", errors.Is(cause, hv.ErrProtocolViolation))
	return e
}
