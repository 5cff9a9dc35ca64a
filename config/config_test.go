package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)
	assert.Equal(t, "claude", cfg.Claude.CLIPath)
	assert.Equal(t, "bypassPermissions", cfg.Claude.PermissionMode)
	assert.NotEmpty(t, cfg.Claude.AllowedTools)
	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.False(t, cfg.TTS.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.NoError(t, err)
	assert.Equal(t, 8765, cfg.Server.Port)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daisy.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  host: 0.0.0.0
  port: 9000
claude:
  model: claude-opus-4-20250514
  allowed_tools: [Bash, Read]
sessions:
  max_sessions: 3
  timeout_seconds: 120
log_level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
	assert.Equal(t, "claude-opus-4-20250514", cfg.Claude.Model)
	assert.Equal(t, []string{"Bash", "Read"}, cfg.Claude.AllowedTools)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
	assert.Equal(t, float64(120), cfg.SessionTimeout().Seconds())
	assert.Equal(t, "debug", cfg.LogLevel)

	// Values absent from the file keep their defaults.
	assert.Equal(t, "claude", cfg.Claude.CLIPath)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daisy.yml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test-123")
	t.Setenv("DAISY_PORT", "9100")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("TTS_SPEED", "0.9")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test-123", cfg.Claude.APIKey)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 0.9, cfg.TTS.Speed)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Empty(t, cfg.Validate())

	cfg.Server.Port = -1
	cfg.Claude.CLIPath = ""
	cfg.Sessions.MaxSessions = 0

	errs := cfg.Validate()
	assert.Len(t, errs, 3)
}

func TestValidateTTSModelPath(t *testing.T) {
	cfg := Default()
	cfg.TTS.Enabled = true
	cfg.TTS.PiperModel = filepath.Join(t.TempDir(), "missing.onnx")

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "piper model not found")
}
