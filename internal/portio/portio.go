// Package portio defines the wire protocol shared by the host-side devices
// and the guest-side disk driver: port numbers, the MMIO alias window,
// disk commands and the status record layout.
package portio

import (
	"encoding/binary"
	"fmt"
)

const (
	SerialPort uint16 = 0x10

	DiskSectorPort  uint16 = 0x20
	DiskDMAAddrPort uint16 = 0x21
	DiskCommandPort uint16 = 0x22
)

// Writes into [MMIOBase, MMIOBase+MMIOSize) are port writes to
// (addr-MMIOBase)/MMIOStride.
const (
	MMIOBase   uint64 = 0x200000
	MMIOSize   uint64 = 0x400000
	MMIOStride uint64 = 8

	// MaxMMIOAccess is the largest access KVM reports in a single MMIO exit.
	MaxMMIOAccess = 8
)

const SectorSize = 512

type Command uint8

const (
	CommandRead  Command = 0
	CommandWrite Command = 1
	CommandSetup Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandRead:
		return "READ"
	case CommandWrite:
		return "WRITE"
	case CommandSetup:
		return "SETUP"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Errno is a device error code as published in the status record.
type Errno int32

const (
	EOK    Errno = 0
	EFAULT Errno = 14
	EINVAL Errno = 22
)

func (e Errno) Error() string {
	switch e {
	case EOK:
		return "success"
	case EFAULT:
		return "bad address (EFAULT)"
	case EINVAL:
		return "invalid argument (EINVAL)"
	default:
		return fmt.Sprintf("device error %d", int32(e))
	}
}

// Status record layout: u64 total size, i32 last error, 4 bytes padding.
const (
	StatusSizeOffset  = 0
	StatusErrorOffset = 8
	StatusRecordSize  = 16
)

// StatusRecord is the host-written, guest-read disk status.
type StatusRecord struct {
	TotalSize uint64
	LastError Errno
}

func (s StatusRecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, StatusRecordSize)
	binary.LittleEndian.PutUint64(buf[StatusSizeOffset:], s.TotalSize)
	binary.LittleEndian.PutUint32(buf[StatusErrorOffset:], uint32(s.LastError))
	return buf, nil
}

func (s *StatusRecord) UnmarshalBinary(data []byte) error {
	if len(data) < StatusRecordSize {
		return fmt.Errorf("portio: status record needs %d bytes, got %d", StatusRecordSize, len(data))
	}
	s.TotalSize = binary.LittleEndian.Uint64(data[StatusSizeOffset:])
	s.LastError = Errno(int32(binary.LittleEndian.Uint32(data[StatusErrorOffset:])))
	return nil
}
