//go:build !linux

package factory

import "github.com/tinyrange/minihv/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
