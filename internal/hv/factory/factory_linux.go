//go:build linux

package factory

import (
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/kvm"
)

// Open returns the host hypervisor backend.
func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
