package serial

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/minihv/internal/chipset"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/portio"
)

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func newChipset(t *testing.T, s *Serial) *chipset.Chipset {
	t.Helper()

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("serial", s); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return cs
}

func TestSerialForwardsBytesInOrder(t *testing.T) {
	var out bytes.Buffer
	s := NewDefault(&out)
	cs := newChipset(t, s)

	accesses := []chipset.Access{
		{Port: portio.SerialPort, Width: 1, Count: 1, Write: true, Data: []byte("h")},
		{Port: portio.SerialPort, Width: 1, Count: 4, Write: true, Data: []byte("ello")},
		{Port: portio.SerialPort, Width: 4, Count: 1, Write: true, Data: []byte(", wo")},
		{Port: portio.SerialPort, Width: 2, Count: 2, Write: true, Data: []byte("rld\n")},
	}
	for _, a := range accesses {
		if err := cs.Dispatch(a); err != nil {
			t.Fatalf("Dispatch(%s): %v", a, err)
		}
	}

	if got := out.String(); got != "hello, world\n" {
		t.Fatalf("output = %q, want %q", got, "hello, world\n")
	}

	stats := s.Stats()
	if stats.TxBytes != 13 || stats.Writes != 4 || stats.WriteErrors != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Stats() != (Stats{}) {
		t.Fatalf("stats after reset = %+v", s.Stats())
	}
}

func TestSerialReadIsViolation(t *testing.T) {
	s := NewDefault(nil)
	cs := newChipset(t, s)

	err := cs.Dispatch(chipset.Access{Port: portio.SerialPort, Width: 1, Count: 1, Data: make([]byte, 1)})
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("read error = %v, want ErrProtocolViolation", err)
	}
}

func TestSerialHostWriteFailureDoesNotStopGuest(t *testing.T) {
	s := NewDefault(failingWriter{})

	if err := s.WriteIOPort(portio.SerialPort, 1, []byte("x")); err != nil {
		t.Fatalf("WriteIOPort with failing host writer: %v", err)
	}
	if got := s.Stats().WriteErrors; got != 1 {
		t.Fatalf("WriteErrors = %d, want 1", got)
	}
}
