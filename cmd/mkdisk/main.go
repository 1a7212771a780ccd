package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/minihv/internal/config"
	"github.com/tinyrange/minihv/internal/devices/disk"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkdisk: %v\n", err)
		os.Exit(1)
	}
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func run() error {
	size := flag.Uint64("size", 1<<20, "Disk size in bytes, rounded up to a whole sector")
	out := flag.String("o", "disk.raw", "Output image path")
	configPath := flag.String("config", "", "Also write a machine description referencing the image")
	guest := flag.String("guest", "guest.flat", "Guest binary recorded in the machine description")
	force := flag.Bool("f", false, "Overwrite an existing image")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Create a zero-filled raw disk image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	total := disk.RoundUp(*size)
	if total != *size {
		slog.Info("rounding disk size up to a whole sector", "requested", *size, "size", total)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if *force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(*out, flags, 0o644)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}

	title := "writing " + filepath.Base(*out)
	bar := progressbar.DefaultBytesSilent(int64(total), title)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.DefaultBytes(int64(total), title)
	}
	if _, err := io.CopyN(io.MultiWriter(f, bar), zeros{}, int64(total)); err != nil {
		f.Close()
		os.Remove(*out)
		return fmt.Errorf("fill image: %w", err)
	}
	bar.Close()

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image: %w", err)
	}

	if *configPath != "" {
		if err := writeConfig(*configPath, *out, *guest); err != nil {
			return err
		}
	}

	slog.Info("created disk image", "path", *out, "size", total)
	return nil
}

// writeConfig records paths relative to the description when possible so the
// pair can be moved together.
func writeConfig(path, image, guest string) error {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}

	m := config.Default()
	m.Disk = relativeTo(dir, image)
	m.Guest = relativeTo(dir, guest)
	if err := config.Write(path, m); err != nil {
		return err
	}
	slog.Info("wrote machine description", "path", path)
	return nil
}

func relativeTo(dir, p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	if rel, err := filepath.Rel(dir, abs); err == nil {
		return rel
	}
	return abs
}
