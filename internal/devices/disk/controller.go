// Package disk implements the sector-addressed disk controller and the raw
// images that back it.
//
// The controller exposes three write-only registers:
//
//	0x20  sector index       (4 bytes)
//	0x21  DMA guest address  (4 bytes)
//	0x22  command            (1 byte: READ=0, WRITE=1, SETUP=2)
//
// SETUP publishes a status record at the DMA address. READ and WRITE move
// exactly one sector and report failures through that record.
package disk

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

type Stats struct {
	Setups uint64
	Reads  uint64
	Writes uint64
	Errors uint64
}

type Controller struct {
	image Image
	mem   *hv.GuestMemory

	sector  uint32
	dmaAddr uint32

	statusAddr uint64
	hasStatus  bool

	stats Stats
}

// NewController returns a controller serving image. Guest memory is attached
// by Init.
func NewController(image Image) *Controller {
	return &Controller{image: image}
}

// Init implements hv.Device.
func (c *Controller) Init(mem *hv.GuestMemory) error {
	if mem == nil {
		return fmt.Errorf("disk: guest memory is nil")
	}
	if err := ValidateSize(c.image.Size()); err != nil {
		return err
	}
	c.mem = mem
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (c *Controller) Start() error {
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (c *Controller) Stop() error {
	return c.image.Sync()
}

// Reset implements chipset.ChangeDeviceState. The status record location is
// forgotten, so the guest has to SETUP again.
func (c *Controller) Reset() error {
	c.sector = 0
	c.dmaAddr = 0
	c.statusAddr = 0
	c.hasStatus = false
	c.stats = Stats{}
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *Controller) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{
		Ports:   []uint16{portio.DiskSectorPort, portio.DiskDMAAddrPort, portio.DiskCommandPort},
		Handler: c,
	}
}

func (c *Controller) ReadIOPort(port uint16, width uint8, data []byte) error {
	return fmt.Errorf("disk: %w: read from write-only port 0x%x", hv.ErrProtocolViolation, port)
}

func (c *Controller) WriteIOPort(port uint16, width uint8, data []byte) error {
	if len(data) != int(width) {
		return fmt.Errorf("disk: %w: port 0x%x written %d bytes with width %d",
			hv.ErrProtocolViolation, port, len(data), width)
	}

	switch port {
	case portio.DiskSectorPort:
		v, err := register32(port, data)
		if err != nil {
			return err
		}
		c.sector = v
		return nil
	case portio.DiskDMAAddrPort:
		v, err := register32(port, data)
		if err != nil {
			return err
		}
		c.dmaAddr = v
		return nil
	case portio.DiskCommandPort:
		if len(data) != 1 {
			return fmt.Errorf("disk: %w: command port written with width %d", hv.ErrProtocolViolation, len(data))
		}
		return c.execute(portio.Command(data[0]))
	default:
		return fmt.Errorf("disk: %w: unknown port 0x%x", hv.ErrProtocolViolation, port)
	}
}

func register32(port uint16, data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("disk: %w: port 0x%x written with width %d, want 4",
			hv.ErrProtocolViolation, port, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (c *Controller) execute(cmd portio.Command) error {
	if c.mem == nil {
		return fmt.Errorf("disk: command %s before Init", cmd)
	}

	switch cmd {
	case portio.CommandSetup:
		return c.setup()
	case portio.CommandRead, portio.CommandWrite:
		if !c.hasStatus {
			return fmt.Errorf("disk: %w: %s before SETUP", hv.ErrProtocolViolation, cmd)
		}
		errno, err := c.transfer(cmd)
		if err != nil {
			return err
		}
		if errno != portio.EOK {
			c.stats.Errors++
			slog.Debug("disk: command failed",
				"cmd", cmd, "sector", c.sector, "dma", fmt.Sprintf("0x%x", c.dmaAddr), "errno", errno)
		}
		return c.publishError(errno)
	default:
		return fmt.Errorf("disk: %w: unknown command %s", hv.ErrProtocolViolation, cmd)
	}
}

// setup publishes the status record at the DMA address. There is nowhere to
// report a bad address yet, so it is a protocol violation.
func (c *Controller) setup() error {
	addr := uint64(c.dmaAddr)
	if !c.mem.Contains(addr, portio.StatusRecordSize) {
		return fmt.Errorf("disk: %w: status record at 0x%x outside guest memory", hv.ErrProtocolViolation, addr)
	}

	record, err := portio.StatusRecord{TotalSize: c.image.Size(), LastError: portio.EOK}.MarshalBinary()
	if err != nil {
		return err
	}
	// Only size and error belong to the controller; the padding is left alone.
	if _, err := c.mem.WriteAt(record[:portio.StatusErrorOffset+4], int64(addr)); err != nil {
		return fmt.Errorf("disk: publish status record: %w", err)
	}

	c.statusAddr = addr
	c.hasStatus = true
	c.stats.Setups++
	return nil
}

// transfer moves one sector. Bad guest addresses win over bad sectors.
func (c *Controller) transfer(cmd portio.Command) (portio.Errno, error) {
	buf, err := c.mem.Slice(uint64(c.dmaAddr), portio.SectorSize)
	if err != nil {
		return portio.EFAULT, nil
	}
	if uint64(c.sector) >= c.image.Size()/portio.SectorSize {
		return portio.EINVAL, nil
	}

	off := int64(c.sector) * portio.SectorSize
	if cmd == portio.CommandRead {
		if _, err := c.image.ReadAt(buf, off); err != nil {
			return 0, fmt.Errorf("disk: read sector %d: %w", c.sector, err)
		}
		c.stats.Reads++
	} else {
		if _, err := c.image.WriteAt(buf, off); err != nil {
			return 0, fmt.Errorf("disk: write sector %d: %w", c.sector, err)
		}
		c.stats.Writes++
	}
	return portio.EOK, nil
}

func (c *Controller) publishError(errno portio.Errno) error {
	if err := c.mem.PutUint32(c.statusAddr+portio.StatusErrorOffset, uint32(errno)); err != nil {
		return fmt.Errorf("disk: publish status: %w", err)
	}
	return nil
}

// Status reports the published status record location.
func (c *Controller) Status() (addr uint64, ok bool) {
	return c.statusAddr, c.hasStatus
}

// Registers returns the pending sector and DMA address.
func (c *Controller) Registers() (sector, dmaAddr uint32) {
	return c.sector, c.dmaAddr
}

func (c *Controller) Stats() Stats {
	return c.stats
}

var (
	_ hv.Device                 = &Controller{}
	_ chipset.ChipsetDevice     = &Controller{}
	_ chipset.PortIOHandler     = &Controller{}
	_ chipset.ChangeDeviceState = &Controller{}
)
