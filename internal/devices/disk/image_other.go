//go:build !unix

package disk

import (
	"fmt"
	"runtime"
)

type FileImage struct {
	MemoryImage
}

func OpenImage(path string) (*FileImage, error) {
	return nil, fmt.Errorf("disk: mapped images are not supported on %s", runtime.GOOS)
}
