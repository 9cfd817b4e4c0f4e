package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/canaan-creative/kpu-runtime/device"
	"github.com/canaan-creative/kpu-runtime/internal/config"
	"github.com/canaan-creative/kpu-runtime/internal/logger"
	"github.com/canaan-creative/kpu-runtime/internal/platform/sim"
)

// newAllocator builds the sim DMA allocator cfg.SimDMABeatLatencyMicros
// configures; zero (the default) transfers instantly.
func newAllocator(cfg config.Config) *sim.Allocator {
	if cfg.SimDMABeatLatencyMicros <= 0 {
		return sim.NewAllocator()
	}
	return sim.NewAllocatorWithLatency(time.Duration(cfg.SimDMABeatLatencyMicros) * time.Microsecond)
}

func commonModelFlags(modelPath *string, configPath *string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .kmodel file",
			Destination: modelPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a runtime config YAML file (defaults to internal defaults)",
			Destination: configPath,
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildLogger constructs the Logger cfg.Log names: JSON/Pretty/text
// handler at the configured level. This is the only place a kpurun
// subcommand should build a logger from scratch; everything downstream
// reads it back out via logger.FromContext/Device.Log.
func buildLogger(cfg config.Config) logger.Logger {
	level := logger.ParseLevel(cfg.Log.Level)
	switch cfg.Log.Format {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "pretty":
		return logger.Pretty(os.Stderr, level)
	default:
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}

// newDevice wires one device.Device from cfg, matching the lifecycle
// the teacher's cmd/mantle commands build a single inference.Loader
// for: host-process simulated platform primitives, installed and
// opened for the duration of the command.
func newDevice(cfg config.Config, log logger.Logger) *device.Device {
	return &device.Device{
		Clock:    sim.NewClock(),
		Alloc:    newAllocator(cfg),
		IRQ:      sim.NewInterruptController(),
		Sem:      sim.NewSemaphore(),
		Crit:     sim.NewCriticalSection(),
		Mutex:    &sync.Mutex{},
		Policy:   cfg.AccelPolicy(),
		SRAMSize: cfg.SRAMSize,
		Log:      log,
	}
}

func runCmd() *cli.Command {
	var (
		modelPath  string
		inputPath  string
		outputDir  string
		configPath string
		timeout    time.Duration
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Load a kmodel, run one inference against a raw tensor file, and dump outputs",
		Flags: append(commonModelFlags(&modelPath, &configPath),
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "path to a raw little-endian input tensor file",
				Destination: &inputPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "output-dir",
				Usage:       "directory to write output-N.bin files into",
				Value:       ".",
				Destination: &outputDir,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Usage:       "maximum time to wait for the inference to complete",
				Value:       30 * time.Second,
				Destination: &timeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log := buildLogger(cfg)
			ctx = logger.WithContext(ctx, log)

			inputBuf, err := os.ReadFile(inputPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
			}

			d := newDevice(cfg, log)
			d.Install()
			d.OnFirstOpen()
			defer d.OnLastClose()

			h, err := d.ModelLoadFromFile(modelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}

			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			start := time.Now()
			if err := d.Run(runCtx, h, inputBuf); err != nil {
				return cli.Exit(fmt.Sprintf("error: run (status %d): %v", device.StatusCode(err), err), 1)
			}
			log.Info("inference complete", "elapsed", time.Since(start))

			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: output dir: %v", err), 1)
			}

			container, err := d.Container(h)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			for i := 0; i < container.OutputCount(); i++ {
				out, err := d.GetOutput(h, i)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: get output %d: %v", i, err), 1)
				}
				path := filepath.Join(outputDir, fmt.Sprintf("output-%d.bin", i))
				if err := os.WriteFile(path, out, 0o644); err != nil {
					return cli.Exit(fmt.Sprintf("error: write %s: %v", path, err), 1)
				}
				log.Info("wrote output", "index", i, "path", path, "size", len(out))
			}

			return nil
		},
	}
}
