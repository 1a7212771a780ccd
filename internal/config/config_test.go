package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	content := `version: 1
guest: guest.flat
disk: /var/lib/minihv/disk.raw
memorySize: 0x200000
mmioBase: 0x200000
pageTableBase: 0x2000
debug: true
`
	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Guest != filepath.Join(dir, "guest.flat") {
		t.Errorf("Guest = %q, want it resolved against %q", m.Guest, dir)
	}
	if m.Disk != "/var/lib/minihv/disk.raw" {
		t.Errorf("Disk = %q", m.Disk)
	}
	if m.MemorySize != 0x200000 || m.MMIOBase != 0x200000 || m.PageTableBase != 0x2000 {
		t.Errorf("layout = 0x%x 0x%x 0x%x", m.MemorySize, m.MMIOBase, m.PageTableBase)
	}
	if !m.Debug {
		t.Error("Debug = false")
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)
	if err := os.WriteFile(path, []byte("guest: g\ndisk: d\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if m.Version != 1 || m.MemorySize != def.MemorySize || m.MMIOBase != def.MMIOBase || m.PageTableBase != def.PageTableBase {
		t.Errorf("defaults not applied: %+v", m)
	}
}

func TestWriteThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", DefaultFilename)

	want := Machine{
		Guest:      filepath.Join(dir, "guest.flat"),
		Disk:       filepath.Join(dir, "disk.raw"),
		MemorySize: 4 << 20,
	}
	if err := Write(path, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want.normalize()
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load of missing file succeeded")
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("memorySize: [1, 2]\n"), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}
	if _, err := Load(bad); err == nil {
		t.Error("Load of malformed file succeeded")
	}
}

func TestValidate(t *testing.T) {
	ok := Default()
	ok.Guest, ok.Disk = "g", "d"

	for name, mutate := range map[string]func(*Machine){
		"no guest":   func(m *Machine) { m.Guest = "" },
		"no disk":    func(m *Machine) { m.Disk = "" },
		"version":    func(m *Machine) { m.Version = 2 },
		"odd memory": func(m *Machine) { m.MemorySize = 0x1234 },
	} {
		m := ok
		mutate(&m)
		if err := m.Validate(); err == nil {
			t.Errorf("%s: Validate succeeded", name)
		}
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}
