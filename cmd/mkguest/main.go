package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/minihv/internal/config"
	"github.com/tinyrange/minihv/internal/guest/echo"
	"github.com/tinyrange/minihv/internal/portio"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkguest: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	out := flag.String("o", "guest.flat", "Output guest binary path")
	message := flag.String("message", "hello from the disk", "Message written to the disk and echoed on the console")
	offset := flag.Uint64("offset", 0, "Disk byte offset the message is written at")
	mmio := flag.Bool("mmio", false, "Reach the disk through the MMIO alias window instead of I/O ports")
	memory := flag.Uint64("memory", config.DefaultMemorySize, "Guest memory size the binary will run with")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Assemble a flat guest binary that writes a message to the disk, reads it back\n")
		fmt.Fprintf(os.Stderr, "and prints the copy on the console.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := echo.Config{
		Message:    []byte(*message),
		Offset:     *offset,
		MemorySize: *memory,
	}
	if *mmio {
		cfg.MMIOBase = portio.MMIOBase
	}

	prog, err := echo.Build(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, prog.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write guest: %w", err)
	}

	slog.Info("wrote guest binary", "path", *out, "size", len(prog.Bytes()), "mmio", *mmio)
	return nil
}
