package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfigMatchesOriginalConstants(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, zapcore.InfoLevel, cfg.Logging.Level)
	require.Equal(t, 60000, cfg.Capture.Port)
	require.Equal(t, 3, cfg.Capture.CPU)
	require.Equal(t, 4, cfg.Fold.NWorker)
	require.Equal(t, 256, cfg.Fold.NBin)
	require.InDelta(t, 60.0, cfg.Fold.IntegrationSec, 1e-9)
	require.Equal(t, "guppi_status", cfg.Status.Name)
}

func TestLoadConfigOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guppi.yaml")
	yaml := []byte(`
capture:
  port: 7777
fold:
  n_worker: 8
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 7777, cfg.Capture.Port)
	require.Equal(t, 8, cfg.Fold.NWorker)
	// Fields absent from the YAML keep their defaults.
	require.Equal(t, 3, cfg.Capture.CPU)
	require.Equal(t, 256, cfg.Fold.NBin)
}

func TestLoadConfigMissingFileIsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
