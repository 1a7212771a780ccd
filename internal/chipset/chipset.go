package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/minihv/internal/hv"
)

// Init hands guest memory to every registered device.
func (c *Chipset) Init(mem *hv.GuestMemory) error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(mem); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Dispatch routes a normalized access to the device owning its port.
func (c *Chipset) Dispatch(a Access) error {
	handler, ok := c.pio[a.Port]
	if !ok {
		return fmt.Errorf("chipset: %w: no handler for I/O port 0x%04x", hv.ErrProtocolViolation, a.Port)
	}
	if a.Write {
		return handler.WriteIOPort(a.Port, a.Width, a.Data)
	}
	return handler.ReadIOPort(a.Port, a.Width, a.Data)
}

// Ports returns the registered ports in ascending order.
func (c *Chipset) Ports() []uint16 {
	ports := make([]uint16, 0, len(c.pio))
	for port := range c.pio {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
