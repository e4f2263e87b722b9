package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFromPathMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sampler:
  source: synthetic:100
  target_rate: 15
backend:
  extractor: SP
  batch_timeout: 50ms
  engine_args: ["--model", "sp.onnx"]
`), 0644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "synthetic:100", cfg.Sampler.Source)
	assert.Equal(t, 15.0, cfg.Sampler.TargetRate)
	assert.Equal(t, "SP", cfg.Backend.Extractor)
	assert.Equal(t, 50*time.Millisecond, cfg.Backend.BatchTimeout)
	assert.Equal(t, []string{"--model", "sp.onnx"}, cfg.Backend.EngineArgs)
	assert.Equal(t, 2, cfg.Pipeline.FrameQueue, "untouched keys keep defaults")
	assert.Equal(t, 1.2, cfg.Backend.ORB.ScaleFactor)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampler:\n  target_rate: 15\n"), 0644))
	t.Setenv("FRONTLINE_SAMPLER_TARGET_RATE", "20")
	t.Setenv("FRONTLINE_PIPELINE_FRAME_QUEUE", "4")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 20.0, cfg.Sampler.TargetRate)
	assert.Equal(t, 4, cfg.Pipeline.FrameQueue)
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err, "an explicit path must exist")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Sampler.Source = "/data/mav0/cam0/data"
	cfg.Sampler.Mode = ModeReplay
	cfg.Backend.FeaturesDir = "/data/features"

	path := filepath.Join(t.TempDir(), "nested", "frontline.yaml")
	require.NoError(t, cfg.SaveToPath(path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Sampler, loaded.Sampler)
	assert.Equal(t, cfg.Backend.FeaturesDir, loaded.Backend.FeaturesDir)
	assert.Equal(t, cfg.Pipeline.PollTimeout, loaded.Pipeline.PollTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero queue", func(c *Config) { c.Pipeline.FrameQueue = 0 }},
		{"bad mode", func(c *Config) { c.Sampler.Mode = "burst" }},
		{"negative rate", func(c *Config) { c.Sampler.TargetRate = -1 }},
		{"bad variant", func(c *Config) { c.Backend.Variant = "gpu" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"no poll timeout", func(c *Config) { c.Pipeline.PollTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
