package chipset

import (
	"fmt"

	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

// Access is one port access, whichever way the guest issued it.
type Access struct {
	Port  uint16
	Width uint8
	Count uint32
	Write bool
	// Data holds Width*Count bytes and aliases the exit page.
	Data []byte
}

func (a Access) String() string {
	dir := "in"
	if a.Write {
		dir = "out"
	}
	return fmt.Sprintf("%s port=0x%x width=%d count=%d", dir, a.Port, a.Width, a.Count)
}

// PortAccess converts a port I/O exit.
func PortAccess(exit *hv.Exit) (Access, error) {
	if exit.Kind != hv.ExitPortIO {
		return Access{}, fmt.Errorf("chipset: %s exit is not port I/O", exit.Kind)
	}
	if exit.Size == 0 || exit.Count == 0 {
		return Access{}, fmt.Errorf("chipset: %w: empty port access %s", hv.ErrProtocolViolation, exit)
	}
	if uint64(len(exit.Data)) != uint64(exit.Size)*uint64(exit.Count) {
		return Access{}, fmt.Errorf("chipset: port access %s carries %d bytes", exit, len(exit.Data))
	}
	return Access{
		Port:  exit.Port,
		Width: exit.Size,
		Count: exit.Count,
		Write: exit.Write,
		Data:  exit.Data,
	}, nil
}

// AliasWindow maps MMIO writes onto ports: a store to Base+port*Stride is an
// output to port with the store's width.
type AliasWindow struct {
	Base     uint64
	Size     uint64
	Stride   uint64
	MaxWidth int
}

// DefaultAliasWindow returns the 4MiB window at portio.MMIOBase.
func DefaultAliasWindow() AliasWindow {
	return AliasWindow{
		Base:     portio.MMIOBase,
		Size:     portio.MMIOSize,
		Stride:   portio.MMIOStride,
		MaxWidth: portio.MaxMMIOAccess,
	}
}

func (w AliasWindow) Contains(addr uint64) bool {
	return addr >= w.Base && addr-w.Base < w.Size
}

// Translate converts an MMIO exit. Reads, accesses outside the window, bad
// widths and ports beyond 16 bits are protocol violations.
func (w AliasWindow) Translate(exit *hv.Exit) (Access, error) {
	if exit.Kind != hv.ExitMMIO {
		return Access{}, fmt.Errorf("chipset: %s exit is not MMIO", exit.Kind)
	}
	if !exit.Write {
		return Access{}, fmt.Errorf("chipset: %w: MMIO read at 0x%x", hv.ErrProtocolViolation, exit.Addr)
	}
	if !w.Contains(exit.Addr) {
		return Access{}, fmt.Errorf("chipset: %w: MMIO write at 0x%x outside [0x%x, 0x%x)",
			hv.ErrProtocolViolation, exit.Addr, w.Base, w.Base+w.Size)
	}
	if len(exit.Data) == 0 || len(exit.Data) > w.MaxWidth {
		return Access{}, fmt.Errorf("chipset: %w: MMIO write at 0x%x has length %d",
			hv.ErrProtocolViolation, exit.Addr, len(exit.Data))
	}

	port := (exit.Addr - w.Base) / w.Stride
	if port > 0xffff {
		return Access{}, fmt.Errorf("chipset: %w: MMIO write at 0x%x maps to port 0x%x",
			hv.ErrProtocolViolation, exit.Addr, port)
	}

	return Access{
		Port:  uint16(port),
		Width: uint8(len(exit.Data)),
		Count: 1,
		Write: true,
		Data:  exit.Data,
	}, nil
}

// Address returns the alias address for port.
func (w AliasWindow) Address(port uint16) uint64 {
	return w.Base + uint64(port)*w.Stride
}
