package chipset

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

type recordedAccess struct {
	port  uint16
	width uint8
	data  []byte
	write bool
}

type recorder struct {
	ports []uint16
	log   *[]recordedAccess
}

func (r *recorder) Init(mem *hv.GuestMemory) error { return nil }
func (r *recorder) Start() error                  { return nil }
func (r *recorder) Stop() error                   { return nil }
func (r *recorder) Reset() error                  { return nil }

func (r *recorder) SupportsPortIO() *PortIOIntercept {
	return &PortIOIntercept{Ports: r.ports, Handler: r}
}

func (r *recorder) ReadIOPort(port uint16, width uint8, data []byte) error {
	return fmt.Errorf("%w: read from write-only port 0x%x", hv.ErrProtocolViolation, port)
}

func (r *recorder) WriteIOPort(port uint16, width uint8, data []byte) error {
	*r.log = append(*r.log, recordedAccess{port, width, append([]byte(nil), data...), true})
	return nil
}

func recordingDevice(log *[]recordedAccess, ports ...uint16) ChipsetDevice {
	return &recorder{ports: ports, log: log}
}

func TestRegisterDeviceConflicts(t *testing.T) {
	var log []recordedAccess

	b := NewBuilder()
	if err := b.RegisterDevice("a", recordingDevice(&log, 0x10)); err != nil {
		t.Fatalf("RegisterDevice(a): %v", err)
	}
	if err := b.RegisterDevice("a", recordingDevice(&log, 0x11)); err == nil {
		t.Fatalf("duplicate device name accepted")
	}
	if err := b.RegisterDevice("b", recordingDevice(&log, 0x20, 0x10)); err == nil {
		t.Fatalf("overlapping port accepted")
	}
	if err := b.RegisterDevice("c", recordingDevice(&log, 0x30, 0x30)); err == nil {
		t.Fatalf("repeated port accepted")
	}
	if err := b.RegisterDevice("", recordingDevice(&log, 0x40)); err == nil {
		t.Fatalf("empty device name accepted")
	}

	// A failed registration must not leave ports behind.
	if err := b.RegisterDevice("d", recordingDevice(&log, 0x20)); err != nil {
		t.Fatalf("RegisterDevice(d): %v", err)
	}

	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := cs.Ports(); len(got) != 2 || got[0] != 0x10 || got[1] != 0x20 {
		t.Fatalf("Ports() = %v, want [0x10 0x20]", got)
	}
}

func TestBuildEmpty(t *testing.T) {
	if _, err := NewBuilder().Build(); err == nil {
		t.Fatalf("Build of empty chipset succeeded")
	}
}

func TestDispatch(t *testing.T) {
	var log []recordedAccess

	b := NewBuilder()
	if err := b.RegisterDevice("dev", recordingDevice(&log, 0x20)); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := cs.Dispatch(Access{Port: 0x20, Width: 4, Count: 1, Write: true, Data: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(log) != 1 || log[0].port != 0x20 || log[0].width != 4 || !bytes.Equal(log[0].data, []byte{1, 2, 3, 4}) {
		t.Fatalf("recorded %+v", log)
	}

	err = cs.Dispatch(Access{Port: 0x99, Width: 1, Count: 1, Write: true, Data: []byte{0}})
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("unknown port error = %v, want ErrProtocolViolation", err)
	}

	// The recorder is write-only.
	err = cs.Dispatch(Access{Port: 0x20, Width: 4, Count: 1, Data: make([]byte, 4)})
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("read error = %v, want ErrProtocolViolation", err)
	}
}

func TestPortAccess(t *testing.T) {
	a, err := PortAccess(&hv.Exit{Kind: hv.ExitPortIO, Write: true, Port: 0x10, Size: 1, Count: 3, Data: []byte("abc")})
	if err != nil {
		t.Fatalf("PortAccess: %v", err)
	}
	if a.Port != 0x10 || a.Width != 1 || a.Count != 3 || !a.Write || string(a.Data) != "abc" {
		t.Fatalf("PortAccess = %+v", a)
	}

	if _, err := PortAccess(&hv.Exit{Kind: hv.ExitPortIO, Port: 0x10, Size: 2, Count: 1, Data: []byte{1}}); err == nil {
		t.Fatalf("short data accepted")
	}
	if _, err := PortAccess(&hv.Exit{Kind: hv.ExitHalt}); err == nil {
		t.Fatalf("halt exit accepted")
	}
}

func TestAliasWindowTranslate(t *testing.T) {
	w := DefaultAliasWindow()

	a, err := w.Translate(&hv.Exit{
		Kind:  hv.ExitMMIO,
		Write: true,
		Addr:  portio.MMIOBase + uint64(portio.DiskSectorPort)*portio.MMIOStride,
		Data:  []byte{5, 0, 0, 0},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if a.Port != portio.DiskSectorPort || a.Width != 4 || a.Count != 1 || !a.Write {
		t.Fatalf("Translate = %+v", a)
	}
	if got := w.Address(portio.DiskSectorPort); got != 0x200100 {
		t.Fatalf("Address(0x20) = 0x%x, want 0x200100", got)
	}

	// Addresses inside a stride round down to the same port.
	a, err = w.Translate(&hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x200087, Data: []byte{'x'}})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if a.Port != portio.SerialPort {
		t.Fatalf("port = 0x%x, want 0x10", a.Port)
	}

	for _, tt := range []struct {
		name string
		exit hv.Exit
	}{
		{"read", hv.Exit{Kind: hv.ExitMMIO, Addr: 0x200000, Data: make([]byte, 4)}},
		{"below window", hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x1fffff, Data: []byte{1}}},
		{"past window", hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x600000, Data: []byte{1}}},
		{"empty", hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x200000}},
		{"too wide", hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x200000, Data: make([]byte, 9)}},
		{"port overflow", hv.Exit{Kind: hv.ExitMMIO, Write: true, Addr: 0x280000, Data: []byte{1}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.Translate(&tt.exit); !errors.Is(err, hv.ErrProtocolViolation) {
				t.Fatalf("Translate error = %v, want ErrProtocolViolation", err)
			}
		})
	}
}
