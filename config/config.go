// Package config loads daemon configuration from a YAML file with
// environment overrides, and supports hot reload of the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ClaudeConfig configures the agent CLI subprocess and the summarizer API.
type ClaudeConfig struct {
	CLIPath        string   `yaml:"cli_path"`
	Model          string   `yaml:"model"`
	APIKey         string   `yaml:"api_key"`
	AllowedTools   []string `yaml:"allowed_tools"`
	PermissionMode string   `yaml:"permission_mode"`
	WorkDir        string   `yaml:"working_directory"`
}

// TTSConfig configures server-side speech synthesis.
type TTSConfig struct {
	Enabled     bool    `yaml:"enabled"`
	PiperBinary string  `yaml:"piper_binary"`
	PiperModel  string  `yaml:"piper_model"`
	Speed       float64 `yaml:"speed"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	MaxSessions    int `yaml:"max_sessions"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Config is the full daemon configuration.
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Claude   ClaudeConfig  `yaml:"claude"`
	TTS      TTSConfig     `yaml:"tts"`
	Sessions SessionConfig `yaml:"sessions"`

	ConversationsDir string `yaml:"conversations_dir"`
	DownloadsDir     string `yaml:"downloads_dir"`
	LogLevel         string `yaml:"log_level"`
}

// Default returns the configuration used when no file or override supplies a
// value.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8765,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Claude: ClaudeConfig{
			CLIPath: "claude",
			Model:   "claude-sonnet-4-20250514",
			AllowedTools: []string{
				"Bash", "Read", "Edit", "Write", "Glob", "Grep", "LS",
			},
			PermissionMode: "bypassPermissions",
			WorkDir:        filepath.Join(mustGetwd(), "sandbox"),
		},
		TTS: TTSConfig{
			Enabled:     false,
			PiperBinary: "piper",
			PiperModel:  filepath.Join(home, ".local/share/piper/models/en_US-amy-low.onnx"),
			Speed:       1.3,
		},
		Sessions: SessionConfig{
			MaxSessions:    10,
			TimeoutSeconds: 3600,
		},
		ConversationsDir: filepath.Join(mustGetwd(), "data", "conversations"),
		DownloadsDir:     filepath.Join(mustGetwd(), "data", "downloads"),
		LogLevel:         "info",
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// then applies environment overrides. Defaults fill anything left unset.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine; env and defaults apply.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values with environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Claude.APIKey = v
	}
	if v := os.Getenv("CLAUDE_CLI_PATH"); v != "" {
		c.Claude.CLIPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TTS_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.TTS.Speed = f
		}
	}
	if v := os.Getenv("DAISY_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("DAISY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
}

// Validate returns all configuration problems at once.
func (c *Config) Validate() []string {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port %d", c.Server.Port))
	}
	if c.Claude.CLIPath == "" {
		errs = append(errs, "claude.cli_path is required")
	}
	if c.Sessions.MaxSessions <= 0 {
		errs = append(errs, "sessions.max_sessions must be positive")
	}
	if c.TTS.Enabled {
		if _, err := os.Stat(c.TTS.PiperModel); err != nil {
			errs = append(errs, fmt.Sprintf("piper model not found at %s", c.TTS.PiperModel))
		}
	}

	return errs
}

// SessionTimeout returns the session inactivity timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.TimeoutSeconds) * time.Second
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
