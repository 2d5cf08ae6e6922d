package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
threshold_percent: 70
status_interval: 500ms
source:
  kind: dir
  dir: ./frames
detector:
  kind: luma
  luma_threshold: 90
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 70, cfg.ThresholdPercent)
	assert.Equal(t, 500*time.Millisecond, cfg.StatusInterval)
	assert.Equal(t, SourceDir, cfg.Source.Kind)
	assert.Equal(t, "./frames", cfg.Source.Dir)
	assert.Equal(t, 10, cfg.Source.FPS, "unset nested fields keep defaults")
	assert.Equal(t, DetectorLuma, cfg.Detector.Kind)
	assert.Equal(t, 90.0, cfg.Detector.LumaThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30, cfg.PaintFPS)
}

func TestParseEmptyKeepsDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("treshold_percent: 40\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.ThresholdPercent = 5
	cfg.PaintFPS = 0
	cfg.Source.Kind = "webcam"
	cfg.Detector.Kind = DetectorLuma
	cfg.Detector.LumaThreshold = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 4)
	assert.ErrorContains(t, err, "threshold_percent 5")
	assert.ErrorContains(t, err, `unknown source.kind "webcam"`)
}

func TestValidateSourceRequirements(t *testing.T) {
	cfg := Default()
	cfg.Source = SourceConfig{Kind: SourceImage}
	assert.ErrorContains(t, cfg.Validate(), "source.image")

	cfg.Source = SourceConfig{Kind: SourceSHM}
	assert.NoError(t, cfg.Validate())
}
