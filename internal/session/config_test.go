package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidate(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate_LocalCaptureRequiresCaptureDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocalCapture = true
	cfg.CaptureDir = ""

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_LiveCaptureRequiresListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = ""

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_NegativeDurationRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Duration = -time.Second

	assert.Error(t, cfg.Validate())
}

func TestConfig_Validate_FillsMissingPollIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPUPollInterval = 0
	cfg.PolledInterval = 0

	require.NoError(t, cfg.Validate())

	assert.Equal(t, 100*time.Millisecond, cfg.GPUPollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.PolledInterval)
}

func TestLoadConfig_ReadsYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capd.yaml")

	contents := []byte(`
local_capture: true
capture_dir: /tmp/whatever
duration: 5s
enable_ftrace: true
`)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.LocalCapture)
	assert.Equal(t, "/tmp/whatever", cfg.CaptureDir)
	assert.Equal(t, 5*time.Second, cfg.Duration)
	assert.True(t, cfg.EnableFtrace)
	// Defaults survive for fields the YAML didn't set.
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig("/nonexistent/capd.yaml")

	assert.Error(t, err)
}

func TestLoadConfig_InvalidConfigFailsValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capd.yaml")

	require.NoError(t, os.WriteFile(path, []byte("duration: -1s\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
