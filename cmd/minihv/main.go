package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/tinyrange/minihv/internal/config"
	"github.com/tinyrange/minihv/internal/devices/disk"
	"github.com/tinyrange/minihv/internal/hv"
	"github.com/tinyrange/minihv/internal/hv/factory"
	"github.com/tinyrange/minihv/internal/vmm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "minihv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML)")
	guest := flag.String("guest", "guest.flat", "Flat guest binary loaded at address 0")
	diskPath := flag.String("disk", "disk.raw", "Raw disk image")
	memory := flag.Uint64("memory", config.DefaultMemorySize>>20, "Guest memory in MB")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run a flat 64-bit guest with a serial console and a sector disk.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	// Flags given on the command line win over the file.
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if *configPath == "" || set["guest"] {
		cfg.Guest = *guest
	}
	if *configPath == "" || set["disk"] {
		cfg.Disk = *diskPath
	}
	if set["memory"] {
		cfg.MemorySize = *memory << 20
	}
	if set["debug"] {
		cfg.Debug = *debug
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := cfg.Validate(); err != nil {
		return err
	}

	code, err := os.ReadFile(cfg.Guest)
	if err != nil {
		return fmt.Errorf("read guest image: %w", err)
	}

	image, err := disk.OpenImage(cfg.Disk)
	if err != nil {
		return err
	}
	defer func() {
		if err := image.Close(); err != nil {
			slog.Error("close disk image", "path", cfg.Disk, "error", err)
		}
	}()

	h, err := factory.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	m, err := vmm.NewMachine(h, vmm.MachineConfig{
		MemorySize:    cfg.MemorySize,
		MMIOBase:      cfg.MMIOBase,
		PageTableBase: cfg.PageTableBase,
		Guest:         code,
		Disk:          image,
		Console:       os.Stdout,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Error("close machine", "error", err)
		}
	}()

	slog.Debug("starting guest", "guest", cfg.Guest, "disk", cfg.Disk, "size", image.Size())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := m.Run(ctx)
	if err != nil {
		var exitErr *vmm.ExitError
		if errors.As(err, &exitErr) {
			if err := vmm.DumpExit(os.Stderr, exitErr); err != nil {
				slog.Error("dump unhandled exit", "error", err)
			}
		}
		return err
	}

	slog.Info("guest halted",
		"rax", fmt.Sprintf("0x%x", res.Register(hv.RegisterAMD64Rax)),
		"rdx", fmt.Sprintf("0x%x", res.Register(hv.RegisterAMD64Rdx)),
		"exits", res.Stats.PortIO+res.Stats.MMIO+res.Stats.Halts+res.Stats.Other)
	stats := m.Disk().Stats()
	slog.Debug("disk", "setups", stats.Setups, "reads", stats.Reads, "writes", stats.Writes, "errors", stats.Errors)
	return nil
}
