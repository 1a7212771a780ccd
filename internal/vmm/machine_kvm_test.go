//go:build linux && amd64

package vmm

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/tinyrange/minihv/internal/asm"
	"github.com/tinyrange/minihv/internal/asm/amd64"
	"github.com/tinyrange/minihv/internal/devices/disk"
	"github.com/tinyrange/minihv/internal/guest/driver"
	"github.com/tinyrange/minihv/internal/guest/echo"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/kvm"
	"github.com/tinyrange/minihv/internal/portio"
)

func alias(port uint16) uint64 {
	return portio.MMIOBase + uint64(port)*portio.MMIOStride
}

// SETUP through ports, READ of sector 1 through the MMIO alias, then a
// console byte and hlt with rax=42.
var diskGuest = amd64.MustEmit(asm.Group{
	amd64.OutImm32(portio.DiskDMAAddrPort, 0x1000),
	amd64.OutImm8(portio.DiskCommandPort, uint8(portio.CommandSetup)),
	amd64.StoreImm32(alias(portio.DiskSectorPort), 1),
	amd64.StoreImm32(alias(portio.DiskDMAAddrPort), 0x1800),
	amd64.StoreImm8(alias(portio.DiskCommandPort), uint8(portio.CommandRead)),
	amd64.OutImm8(portio.SerialPort, 'D'),
	amd64.MovImmediate(amd64.Reg32(amd64.RAX), 42),
	amd64.Hlt(),
})

func openKVM(t *testing.T) hv.Hypervisor {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	h, err := kvm.Open()
	if err != nil {
		if errors.Is(err, hv.ErrHypervisorUnsupported) || errors.Is(err, os.ErrPermission) {
			t.Skipf("KVM not available: %v", err)
		}
		t.Fatalf("kvm.Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestMachineRunsDiskGuest(t *testing.T) {
	h := openKVM(t)

	data := make([]byte, 2*portio.SectorSize)
	copy(data[portio.SectorSize:], bytes.Repeat([]byte{0x11}, portio.SectorSize))
	image, err := disk.NewMemoryImage(data)
	if err != nil {
		t.Fatalf("NewMemoryImage: %v", err)
	}

	var console bytes.Buffer
	m, err := NewMachine(h, MachineConfig{Guest: diskGuest.Bytes(), Disk: image, Console: &console})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := res.Register(hv.RegisterAMD64Rax); got != 42 {
		t.Fatalf("rax = %d, want 42", got)
	}
	if console.String() != "D" {
		t.Fatalf("console = %q", console.String())
	}

	mem := m.VirtualMachine().Memory()
	size, err := mem.Uint64(0x1000)
	if err != nil || size != uint64(len(data)) {
		t.Fatalf("status size = %d, %v", size, err)
	}
	buf, err := mem.Slice(0x1800, portio.SectorSize)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if !bytes.Equal(buf, data[portio.SectorSize:]) {
		t.Fatalf("sector 1 not read into guest memory")
	}

	stats := m.Disk().Stats()
	if stats.Setups != 1 || stats.Reads != 1 {
		t.Fatalf("disk stats = %+v", stats)
	}
	if res.Stats.MMIO != 3 || res.Stats.PortIO != 3 {
		t.Fatalf("exit stats = %+v", res.Stats)
	}
}

func TestMachineReportsUnhandledExit(t *testing.T) {
	h := openKVM(t)

	image, err := disk.NewMemoryImage(make([]byte, portio.SectorSize))
	if err != nil {
		t.Fatalf("NewMemoryImage: %v", err)
	}

	guest, err := amd64.EmitBytes(asm.Group{
		amd64.MovImmediate(amd64.Reg32(amd64.RDX), int64(portio.SerialPort)),
		amd64.InALDX(),
		amd64.Hlt(),
	})
	if err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}
	m, err := NewMachine(h, MachineConfig{Guest: guest, Disk: image})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	_, err = m.Run(context.Background())
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Run error = %v, want *ExitError", err)
	}
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("Run error = %v, want ErrProtocolViolation", err)
	}
	if exitErr.Exit.Kind != hv.ExitPortIO || exitErr.Exit.Port != portio.SerialPort || exitErr.Exit.Write {
		t.Fatalf("exit = %s", exitErr.Exit.String())
	}
	// rip is left on the in or already past it, depending on the host.
	if exitErr.Instruction != "in al, dx" && exitErr.Instruction != "hlt" {
		t.Fatalf("instruction = %q", exitErr.Instruction)
	}
}

const driverDiskSize = 4 * portio.SectorSize

// driverGuest runs the in-guest driver through SETUP, a write straddling
// sectors 0 and 1, a whole-sector write to sector 2, a straddling read-back
// and an out-of-range read. Each result lands in the results table.
func driverGuest(r driver.Routines) (asm.Program, error) {
	var (
		rax = amd64.Reg64(amd64.RAX)
		rbx = amd64.Reg64(amd64.RBX)
		r9  = amd64.Reg64(amd64.R9)
	)

	save := func(slot int32) asm.Fragment {
		return asm.Group{
			amd64.LoadLabelAddress(rbx, "results"),
			amd64.MovToMemory(amd64.Mem(rbx).WithDisp(slot*8), rax),
		}
	}
	transfer := func(cmd portio.Command, offset int64, buf asm.Label, n int64) asm.Fragment {
		return asm.Group{
			amd64.MovImmediate(amd64.Reg32(amd64.RDI), int64(cmd)),
			amd64.MovImmediate(amd64.Reg32(amd64.RSI), offset),
			amd64.LoadLabelAddress(r9, buf),
			amd64.MovImmediate(amd64.Reg32(amd64.R10), n),
			amd64.Call(driver.LabelTransfer),
		}
	}

	block := make([]byte, portio.SectorSize)
	for i := range block {
		block[i] = byte(0xff - i%256)
	}

	return amd64.EmitProgram(asm.Group{
		amd64.Call(driver.LabelSetup),
		save(0),
		amd64.TestRegReg(rax, rax),
		amd64.JumpIfNotZero("finish"),

		transfer(portio.CommandWrite, portio.SectorSize-2, "message", 5),
		save(1),
		transfer(portio.CommandWrite, 2*portio.SectorSize, "block", portio.SectorSize),
		save(2),
		transfer(portio.CommandRead, portio.SectorSize-4, "readback", 9),
		save(3),
		transfer(portio.CommandRead, driverDiskSize-1, "readback", 2),
		save(4),

		asm.MarkLabel("finish"),
		amd64.OutImm8(portio.SerialPort, 'D'),
		amd64.Hlt(),

		r.Fragment(),

		asm.MarkLabel("message"),
		asm.Bytes([]byte("HELLO")),
		asm.MarkLabel("block"),
		asm.Bytes(block),
		asm.MarkLabel("readback"),
		asm.Bytes(make([]byte, 16)),
		asm.MarkLabel("results"),
		asm.Bytes(make([]byte, 5*8)),
	})
}

func TestGuestDriverRoundTrip(t *testing.T) {
	h := openKVM(t)

	for _, tt := range []struct {
		name     string
		mmioBase uint64
	}{
		{"ports", 0},
		{"mmio", portio.MMIOBase},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r, err := driver.NewRoutines(driver.NewHeap(driver.DefaultHeapStart, DefaultMemorySize), tt.mmioBase)
			if err != nil {
				t.Fatalf("NewRoutines: %v", err)
			}
			prog, err := driverGuest(r)
			if err != nil {
				t.Fatalf("assemble guest: %v", err)
			}

			data := make([]byte, driverDiskSize)
			for i := range data {
				data[i] = byte(i % 251)
			}
			want := append([]byte(nil), data...)
			image, err := disk.NewMemoryImage(data)
			if err != nil {
				t.Fatalf("NewMemoryImage: %v", err)
			}

			var console bytes.Buffer
			m, err := NewMachine(h, MachineConfig{Guest: prog.Bytes(), Disk: image, Console: &console})
			if err != nil {
				t.Fatalf("NewMachine: %v", err)
			}
			defer m.Close()

			res, err := m.Run(context.Background())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if console.String() != "D" {
				t.Fatalf("console = %q", console.String())
			}

			mem := m.VirtualMachine().Memory()
			resultsAddr, _ := prog.Address("results")
			raw, err := mem.Slice(resultsAddr, 5*8)
			if err != nil {
				t.Fatalf("Slice results: %v", err)
			}
			results := make([]int64, 5)
			for i := range results {
				results[i] = int64(binary.LittleEndian.Uint64(raw[i*8:]))
			}
			if wantResults := []int64{0, 5, portio.SectorSize, 9, -int64(portio.EINVAL)}; !slices.Equal(results, wantResults) {
				t.Fatalf("results = %v, want %v", results, wantResults)
			}

			copy(want[portio.SectorSize-2:], "HELLO")
			blockAddr, _ := prog.Address("block")
			block, err := mem.Slice(blockAddr, portio.SectorSize)
			if err != nil {
				t.Fatalf("Slice block: %v", err)
			}
			copy(want[2*portio.SectorSize:], block)
			if !bytes.Equal(image.Bytes(), want) {
				t.Fatalf("disk contents differ from the expected image")
			}

			readbackAddr, _ := prog.Address("readback")
			readback, err := mem.Slice(readbackAddr, 9)
			if err != nil {
				t.Fatalf("Slice readback: %v", err)
			}
			if !bytes.Equal(readback, want[portio.SectorSize-4:portio.SectorSize+5]) {
				t.Fatalf("readback = % x, want % x", readback, want[portio.SectorSize-4:portio.SectorSize+5])
			}

			// One SETUP, then read-modify-write of sectors 0 and 1, one
			// whole-sector write and two staged reads for the read-back.
			stats := m.Disk().Stats()
			if stats.Setups != 1 || stats.Reads != 4 || stats.Writes != 3 {
				t.Fatalf("disk stats = %+v", stats)
			}
			// Two exits for SETUP and three per sector command, plus the
			// console byte which always goes through a port.
			wantStats := Stats{Halts: 1, PortIO: 1 + 2 + 3*7}
			if tt.mmioBase != 0 {
				wantStats = Stats{Halts: 1, PortIO: 1, MMIO: 2 + 3*7}
			}
			if res.Stats != wantStats {
				t.Fatalf("exit stats = %+v, want %+v", res.Stats, wantStats)
			}
		})
	}
}

func TestEchoGuest(t *testing.T) {
	h := openKVM(t)

	prog, err := echo.Build(echo.Config{
		Message:    []byte("minihv"),
		Offset:     portio.SectorSize - 3,
		MMIOBase:   portio.MMIOBase,
		MemorySize: DefaultMemorySize,
	})
	if err != nil {
		t.Fatalf("echo.Build: %v", err)
	}

	image, err := disk.NewMemoryImage(make([]byte, 2*portio.SectorSize))
	if err != nil {
		t.Fatalf("NewMemoryImage: %v", err)
	}

	var console bytes.Buffer
	m, err := NewMachine(h, MachineConfig{Guest: prog.Bytes(), Disk: image, Console: &console})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	defer m.Close()

	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Register(hv.RegisterAMD64Rax); got != 6 {
		t.Fatalf("rax = %d, want 6", int64(got))
	}
	if console.String() != "minihv\n" {
		t.Fatalf("console = %q", console.String())
	}
	if got := image.Bytes()[portio.SectorSize-3 : portio.SectorSize+3]; string(got) != "minihv" {
		t.Fatalf("disk = %q", got)
	}
}
