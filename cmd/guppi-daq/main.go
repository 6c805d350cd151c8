package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nrao-gbt/guppi-daq/common/logging"
	"github.com/nrao-gbt/guppi-daq/internal/capture"
	"github.com/nrao-gbt/guppi-daq/internal/config"
	"github.com/nrao-gbt/guppi-daq/internal/control"
	"github.com/nrao-gbt/guppi-daq/internal/databuf"
	"github.com/nrao-gbt/guppi-daq/internal/fold"
	"github.com/nrao-gbt/guppi-daq/internal/status"
)

var cmd Cmd

// Cmd holds the command-line arguments, following the teacher's
// coordinator/cmd/coordinator pattern of a package-level struct bound by
// cobra flags.
type Cmd struct {
	ConfigPath string
	Port       int
	Hostname   string
	Size       int
}

var rootCmd = &cobra.Command{
	Use:   "guppi-daq",
	Short: "Real-time pulsar backend acquisition pipeline",
	RunE: func(_ *cobra.Command, _ []string) error {
		return run(cmd)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.Flags().IntVar(&cmd.Port, "port", 0, "UDP capture port (overrides config)")
	rootCmd.Flags().StringVar(&cmd.Hostname, "hostname", "", "Expected sender hostname/address (overrides config)")
	rootCmd.Flags().IntVar(&cmd.Size, "size", 0, "Ring block data size in bytes (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg := config.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := config.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	applyFlagOverrides(cfg, cmd)

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	st, err := status.CreateOrAttach(cfg.Status.Name)
	if err != nil {
		return fmt.Errorf("open status area: %w", err)
	}
	defer st.Detach()

	ringIn, err := databuf.CreateOrAttach(cfg.Capture.RingID, cfg.Capture.NBlock, cfg.Capture.BlockSize, cfg.Capture.HeaderSize, log.Named("ring-a"))
	if err != nil {
		return fmt.Errorf("open ring A: %w", err)
	}
	defer ringIn.Detach()

	ringOut, err := databuf.CreateOrAttach(cfg.Fold.OutputRingID, cfg.Capture.NBlock, cfg.Capture.BlockSize, cfg.Capture.HeaderSize, log.Named("ring-b"))
	if err != nil {
		return fmt.Errorf("open ring B: %w", err)
	}
	defer ringOut.Detach()

	polycoSrc := fold.NewFileSource(cfg.Fold.PolycoPath)
	if err := polycoSrc.Refresh(); err != nil {
		log.Warnw("no polyco loaded at startup, will retry on first fold", "err", err)
	}

	run := control.NewRun()

	captureStage := capture.New(cfg.Capture, ringIn, st, run, log)
	foldStage, err := fold.New(cfg.Fold, ringIn, ringOut, st, run, polycoSrc, log)
	if err != nil {
		return fmt.Errorf("init fold stage: %w", err)
	}

	supervisor := control.NewSupervisor(log, run, captureStage, foldStage)

	return supervisor.Run(context.Background())
}

func applyFlagOverrides(cfg *config.Config, cmd Cmd) {
	if cmd.Port != 0 {
		cfg.Capture.Port = cmd.Port
	}
	if cmd.Hostname != "" {
		cfg.Capture.Sender = cmd.Hostname
	}
	if cmd.Size != 0 {
		cfg.Capture.BlockSize = cmd.Size
	}
}
