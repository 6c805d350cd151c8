// Package config loads the top-level YAML configuration for the
// guppi-daq process, following the teacher's coordinator/cfg.go pattern:
// a DefaultConfig() baseline overridden by LoadConfig's YAML unmarshal.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/nrao-gbt/guppi-daq/common/logging"
	"github.com/nrao-gbt/guppi-daq/internal/capture"
	"github.com/nrao-gbt/guppi-daq/internal/fold"
)

// Config is the full process configuration: ambient stack (logging)
// plus one section per pipeline stage.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Capture capture.Config `yaml:"capture"`
	Fold    fold.Config    `yaml:"fold"`
	Status  StatusConfig   `yaml:"status"`
}

// StatusConfig names the shared status area.
type StatusConfig struct {
	Name string `yaml:"name"`
}

// DefaultConfig returns the baseline configuration, mirroring the
// original's compiled-in constants (60-second integrations, 4 fold
// workers, 128MiB receive buffer, port 60000).
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{Level: defaultLogLevel()},
		Capture: capture.DefaultConfig(),
		Fold:    fold.DefaultConfig(),
		Status:  StatusConfig{Name: "guppi_status"},
	}
}

func defaultLogLevel() zapcore.Level {
	return zapcore.InfoLevel
}

// LoadConfig reads a YAML file at path and overlays it onto
// DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
