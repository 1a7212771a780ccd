package chipset

import (
	"fmt"
)

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	owners  map[uint16]string
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
		pio:     make(map[uint16]PortIOHandler),
		owners:  make(map[uint16]string),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts. Nothing
// is registered if any of the device's ports is already taken.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	intercept := dev.SupportsPortIO()
	if intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		seen := make(map[uint16]bool, len(intercept.Ports))
		for _, port := range intercept.Ports {
			if owner, exists := b.owners[port]; exists {
				return fmt.Errorf("device %q: PIO port 0x%x already registered by %q", name, port, owner)
			}
			if seen[port] {
				return fmt.Errorf("device %q: PIO port 0x%x listed twice", name, port)
			}
			seen[port] = true
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
			b.owners[port] = name
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}
	if len(b.pio) == 0 {
		return nil, fmt.Errorf("chipset has no I/O ports")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]PortIOHandler, len(b.pio))
	for port, handler := range b.pio {
		pio[port] = handler
	}

	return &Chipset{
		devices: devices,
		pio:     pio,
	}, nil
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
}
