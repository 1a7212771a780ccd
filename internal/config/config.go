// Package config reads and writes the YAML machine description used by the
// command line tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "minihv.yaml"

	DefaultMemorySize    uint64 = 2 << 20
	DefaultMMIOBase      uint64 = 0x200000
	DefaultPageTableBase uint64 = 0x2000
)

// Machine describes one guest. Relative paths are resolved against the
// directory holding the file.
type Machine struct {
	Version int `yaml:"version"`

	Guest string `yaml:"guest"`
	Disk  string `yaml:"disk"`

	MemorySize    uint64 `yaml:"memorySize,omitempty"`
	MMIOBase      uint64 `yaml:"mmioBase,omitempty"`
	PageTableBase uint64 `yaml:"pageTableBase,omitempty"`

	Debug bool `yaml:"debug,omitempty"`
}

// Default returns a machine with every layout field set.
func Default() Machine {
	var m Machine
	m.normalize()
	return m
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.MemorySize == 0 {
		m.MemorySize = DefaultMemorySize
	}
	if m.MMIOBase == 0 {
		m.MMIOBase = DefaultMMIOBase
	}
	if m.PageTableBase == 0 {
		m.PageTableBase = DefaultPageTableBase
	}
}

// Validate checks the fields that can be judged without opening any file.
func (m Machine) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("config: unsupported version %d", m.Version)
	}
	if m.Guest == "" {
		return fmt.Errorf("config: no guest image")
	}
	if m.Disk == "" {
		return fmt.Errorf("config: no disk image")
	}
	if m.MemorySize%0x1000 != 0 {
		return fmt.Errorf("config: memory size 0x%x is not page aligned", m.MemorySize)
	}
	return nil
}

// Load reads the machine description at path.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}

	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse %s: %w", path, err)
	}
	m.normalize()

	dir := filepath.Dir(path)
	m.Guest = resolve(dir, m.Guest)
	m.Disk = resolve(dir, m.Disk)
	return m, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Write stores m at path, creating the parent directory.
func Write(path string, m Machine) error {
	m.normalize()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
