// Package driver is the guest side of the disk protocol: byte-granular reads
// and writes over the sector controller, issued as port output through a Bus.
//
// Buffers are guest physical addresses. Sub-sector accesses go through a
// staging sector so the untouched bytes of a partially written sector are
// preserved.
package driver

import (
	"errors"
	"fmt"

	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

var (
	ErrNotSetup     = errors.New("driver: disk not set up")
	ErrAlreadySetup = errors.New("driver: disk already set up")
)

// Bus carries port output from the guest to the host devices.
type Bus interface {
	Out8(port uint16, v uint8) error
	Out32(port uint16, v uint32) error
}

type Driver struct {
	bus Bus
	mem *hv.GuestMemory

	status  uint64
	staging uint64

	size  uint64
	ready bool
}

// New allocates the status record and the staging sector from heap.
func New(bus Bus, mem *hv.GuestMemory, heap *Heap) (*Driver, error) {
	if bus == nil || mem == nil || heap == nil {
		return nil, fmt.Errorf("driver: bus, memory and heap are required")
	}

	status, err := heap.Alloc(portio.StatusRecordSize, 16)
	if err != nil {
		return nil, err
	}
	staging, err := heap.Alloc(portio.SectorSize, 16)
	if err != nil {
		return nil, err
	}
	if !mem.Contains(status, portio.StatusRecordSize) || !mem.Contains(staging, portio.SectorSize) {
		return nil, fmt.Errorf("driver: heap at 0x%x is outside guest memory", status)
	}
	if staging+portio.SectorSize > 1<<32 {
		return nil, fmt.Errorf("driver: staging sector at 0x%x is not DMA addressable", staging)
	}

	return &Driver{bus: bus, mem: mem, status: status, staging: staging}, nil
}

// Setup points the controller at the status record. The error field is
// preset to a non-zero value so a controller that ignores SETUP is detected.
func (d *Driver) Setup() error {
	if d.ready {
		return ErrAlreadySetup
	}

	if err := d.mem.PutUint32(d.status+portio.StatusErrorOffset, 1); err != nil {
		return fmt.Errorf("driver: preset status: %w", err)
	}
	if err := d.bus.Out32(portio.DiskDMAAddrPort, uint32(d.status)); err != nil {
		return fmt.Errorf("driver: setup: %w", err)
	}
	if err := d.bus.Out8(portio.DiskCommandPort, uint8(portio.CommandSetup)); err != nil {
		return fmt.Errorf("driver: setup: %w", err)
	}

	errno, err := d.lastError()
	if err != nil {
		return err
	}
	if errno != portio.EOK {
		return fmt.Errorf("driver: setup rejected: %w", errno)
	}

	size, err := d.mem.Uint64(d.status + portio.StatusSizeOffset)
	if err != nil {
		return fmt.Errorf("driver: read disk size: %w", err)
	}
	d.size = size
	d.ready = true
	return nil
}

// Size returns the disk size reported by SETUP.
func (d *Driver) Size() uint64 { return d.size }

// StatusAddr returns the guest address of the status record.
func (d *Driver) StatusAddr() uint64 { return d.status }

// Read copies size bytes at disk offset into guest memory at buf. A request
// running past the end of the disk fails with EINVAL before any sector is
// transferred. A device error is returned as a portio.Errno together with the
// bytes already read.
func (d *Driver) Read(offset, buf, size uint64) (int, error) {
	return d.transfer(portio.CommandRead, offset, buf, size)
}

// Write copies size bytes from guest memory at buf to disk offset. Bounds are
// checked up front as for Read.
func (d *Driver) Write(offset, buf, size uint64) (int, error) {
	return d.transfer(portio.CommandWrite, offset, buf, size)
}

func (d *Driver) transfer(cmd portio.Command, offset, buf, size uint64) (int, error) {
	if !d.ready {
		return 0, ErrNotSetup
	}
	if offset >= d.size || size > d.size-offset {
		return 0, portio.EINVAL
	}

	var done uint64
	for done < size {
		sector := offset / portio.SectorSize
		sectorOff := offset % portio.SectorSize
		chunk := min(size-done, portio.SectorSize-sectorOff)

		var err error
		switch {
		case sectorOff == 0 && chunk == portio.SectorSize:
			err = d.sectorAt(cmd, sector, buf)
		case cmd == portio.CommandRead:
			err = d.readPartial(sector, sectorOff, buf, chunk)
		default:
			err = d.writePartial(sector, sectorOff, buf, chunk)
		}
		if err != nil {
			return int(done), err
		}

		done += chunk
		offset += chunk
		buf += chunk
	}
	return int(done), nil
}

func (d *Driver) readPartial(sector, sectorOff, buf, n uint64) error {
	if err := d.sectorAt(portio.CommandRead, sector, d.staging); err != nil {
		return err
	}
	if err := d.mem.Copy(buf, d.staging+sectorOff, n); err != nil {
		return portio.EFAULT
	}
	return nil
}

func (d *Driver) writePartial(sector, sectorOff, buf, n uint64) error {
	if err := d.sectorAt(portio.CommandRead, sector, d.staging); err != nil {
		return err
	}
	if err := d.mem.Copy(d.staging+sectorOff, buf, n); err != nil {
		return portio.EFAULT
	}
	return d.sectorAt(portio.CommandWrite, sector, d.staging)
}

// sectorAt runs one controller command against the sector at addr.
func (d *Driver) sectorAt(cmd portio.Command, sector, addr uint64) error {
	if sector > 0xffffffff {
		return portio.EINVAL
	}
	if addr > 0xffffffff {
		return portio.EFAULT
	}

	if err := d.bus.Out32(portio.DiskSectorPort, uint32(sector)); err != nil {
		return fmt.Errorf("driver: %s sector %d: %w", cmd, sector, err)
	}
	if err := d.bus.Out32(portio.DiskDMAAddrPort, uint32(addr)); err != nil {
		return fmt.Errorf("driver: %s sector %d: %w", cmd, sector, err)
	}
	if err := d.bus.Out8(portio.DiskCommandPort, uint8(cmd)); err != nil {
		return fmt.Errorf("driver: %s sector %d: %w", cmd, sector, err)
	}

	errno, err := d.lastError()
	if err != nil {
		return err
	}
	if errno != portio.EOK {
		return errno
	}
	return nil
}

func (d *Driver) lastError() (portio.Errno, error) {
	v, err := d.mem.Uint32(d.status + portio.StatusErrorOffset)
	if err != nil {
		return 0, fmt.Errorf("driver: read status: %w", err)
	}
	return portio.Errno(int32(v)), nil
}

// Result folds a Read or Write outcome into the guest calling convention:
// the byte count on success, the negated device error otherwise and -1 for
// anything that is not a device error.
func Result(n int, err error) int {
	if err == nil {
		return n
	}
	var errno portio.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -1
}
