// Package serial implements the output-only console port. Every byte the
// guest writes is forwarded unchanged to a host writer.
package serial

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

type Stats struct {
	TxBytes     uint64
	Writes      uint64
	WriteErrors uint64
}

type Serial struct {
	mu sync.Mutex

	port  uint16
	out   io.Writer
	stats Stats
}

// New returns a console on port that writes to out. A nil out discards.
func New(port uint16, out io.Writer) *Serial {
	if out == nil {
		out = io.Discard
	}
	return &Serial{port: port, out: out}
}

// NewDefault returns a console on portio.SerialPort.
func NewDefault(out io.Writer) *Serial {
	return New(portio.SerialPort, out)
}

// Init implements hv.Device.
func (s *Serial) Init(mem *hv.GuestMemory) error {
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (s *Serial) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (s *Serial) Stop() error {
	if f, ok := s.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Reset implements chipset.ChangeDeviceState.
func (s *Serial) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats = Stats{}
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (s *Serial) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{s.port},
		Handler: s,
	}
}

func (s *Serial) ReadIOPort(port uint16, width uint8, data []byte) error {
	return fmt.Errorf("serial: %w: read from output-only port 0x%x", hv.ErrProtocolViolation, port)
}

// WriteIOPort forwards data in guest order. A failing host writer is logged
// and never stops the guest.
func (s *Serial) WriteIOPort(port uint16, width uint8, data []byte) error {
	if port != s.port {
		return fmt.Errorf("serial: %w: write to foreign port 0x%x", hv.ErrProtocolViolation, port)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.out.Write(data)
	s.stats.Writes++
	s.stats.TxBytes += uint64(n)
	if err != nil {
		s.stats.WriteErrors++
		slog.Error("serial: write to host", "port", port, "bytes", len(data), "written", n, "error", err)
	}
	return nil
}

// Stats returns current statistics.
func (s *Serial) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

var (
	_ hv.Device                 = &Serial{}
	_ chipset.ChipsetDevice     = &Serial{}
	_ chipset.PortIOHandler     = &Serial{}
	_ chipset.ChangeDeviceState = &Serial{}
)
