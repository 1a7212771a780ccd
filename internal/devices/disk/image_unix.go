//go:build unix

package disk

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FileImage is a raw image file mapped shared into the host, so guest writes
// land in the page cache and reach the file on Sync or Close.
type FileImage struct {
	byteImage

	path string
	f    *os.File
}

// OpenImage maps the raw image at path read-write.
func OpenImage(path string) (*FileImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("disk: open image: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("disk: %s is not a regular file", path)
	}
	if err := ValidateSize(uint64(info.Size())); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w (%s)", err, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: mmap image: %w", err)
	}

	return &FileImage{
		byteImage: byteImage{data: data},
		path:      path,
		f:         f,
	}, nil
}

func (i *FileImage) Path() string { return i.path }

func (i *FileImage) Sync() error {
	if i.data == nil {
		return fmt.Errorf("disk: sync of closed image %s", i.path)
	}
	if err := unix.Msync(i.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("disk: msync %s: %w", i.path, err)
	}
	return nil
}

// Close flushes the mapping and releases the file.
func (i *FileImage) Close() error {
	if i.data == nil {
		return nil
	}

	var errs []error
	if err := unix.Msync(i.data, unix.MS_SYNC); err != nil {
		errs = append(errs, fmt.Errorf("disk: msync %s: %w", i.path, err))
	}
	if err := unix.Munmap(i.data); err != nil {
		errs = append(errs, fmt.Errorf("disk: munmap %s: %w", i.path, err))
	}
	i.data = nil
	if err := i.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("disk: close %s: %w", i.path, err))
	}
	return errors.Join(errs...)
}

var (
	_ Image = &FileImage{}
)
