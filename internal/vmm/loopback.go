package vmm

import (
	"encoding/binary"

	"github.com/tinyrange/minihv/internal/guest/driver"
	"github.com/tinyrange/minihv/internal/hv"
)

// PortBus feeds guest port output to a dispatcher as port I/O exits, the way
// an OUT instruction would arrive from the hypervisor.
type PortBus struct {
	Dispatcher *Dispatcher
}

func (b PortBus) Out8(port uint16, v uint8) error {
	return b.out(port, []byte{v})
}

func (b PortBus) Out32(port uint16, v uint32) error {
	return b.out(port, binary.LittleEndian.AppendUint32(nil, v))
}

func (b PortBus) out(port uint16, data []byte) error {
	return b.Dispatcher.Handle(&hv.Exit{
		Kind:   hv.ExitPortIO,
		Reason: "loopback",
		Write:  true,
		Port:   port,
		Size:   uint8(len(data)),
		Count:  1,
		Data:   data,
	})
}

// MMIOBus feeds guest port output to a dispatcher as stores into the MMIO
// alias window.
type MMIOBus struct {
	Dispatcher *Dispatcher
}

func (b MMIOBus) Out8(port uint16, v uint8) error {
	return b.store(port, []byte{v})
}

func (b MMIOBus) Out32(port uint16, v uint32) error {
	return b.store(port, binary.LittleEndian.AppendUint32(nil, v))
}

func (b MMIOBus) store(port uint16, data []byte) error {
	return b.Dispatcher.Handle(&hv.Exit{
		Kind:   hv.ExitMMIO,
		Reason: "loopback",
		Write:  true,
		Addr:   b.Dispatcher.Window().Address(port),
		Data:   data,
	})
}

var (
	_ driver.Bus = PortBus{}
	_ driver.Bus = MMIOBus{}
)
