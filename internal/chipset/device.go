package chipset

import (
	"github.com/tinyrange/minihv/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports. data holds
// width*count bytes in guest order.
type PortIOHandler interface {
	ReadIOPort(port uint16, width uint8, data []byte) error
	WriteIOPort(port uint16, width uint8, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is the unified interface all chipset devices must implement.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsPortIO() *PortIOIntercept
}
