package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config root configuration
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Exec      ExecConfig      `mapstructure:"exec"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Log       LogConfig       `mapstructure:"log"`
}

// WorkspaceConfig workspace resolution settings
type WorkspaceConfig struct {
	Mode string `mapstructure:"mode"` // cwd | path
	Path string `mapstructure:"path"`
}

// ExecConfig subprocess execution defaults
type ExecConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_s"`
}

// ApprovalConfig approval token settings
type ApprovalConfig struct {
	TokenTTLMinutes int `mapstructure:"token_ttl_minutes"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Mode: "cwd",
		},
		Exec: ExecConfig{
			TimeoutSeconds: 1200,
		},
		Approval: ApprovalConfig{
			TokenTTLMinutes: 15,
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigDir returns the nexus config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".nexus")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("NEXUS")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	mode := strings.TrimSpace(c.Workspace.Mode)
	if mode == "" {
		c.Workspace.Mode = "cwd"
	} else {
		validModes := map[string]bool{"cwd": true, "path": true}
		if !validModes[strings.ToLower(mode)] {
			return fmt.Errorf("workspace.mode must be one of: cwd, path; got %q", mode)
		}
		if strings.EqualFold(mode, "path") && strings.TrimSpace(c.Workspace.Path) == "" {
			return fmt.Errorf("workspace.path must be non-empty when workspace.mode is \"path\"")
		}
	}

	if c.Exec.TimeoutSeconds < 0 {
		return fmt.Errorf("exec.timeout_s must not be negative, got %d", c.Exec.TimeoutSeconds)
	}
	if c.Exec.TimeoutSeconds == 0 {
		c.Exec.TimeoutSeconds = 1200
	}

	if c.Approval.TokenTTLMinutes < 0 {
		return fmt.Errorf("approval.token_ttl_minutes must not be negative, got %d", c.Approval.TokenTTLMinutes)
	}
	if c.Approval.TokenTTLMinutes == 0 {
		c.Approval.TokenTTLMinutes = 15
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// WorkspacePath returns the resolved workspace root.
func (c *Config) WorkspacePath() (string, error) {
	mode := strings.TrimSpace(c.Workspace.Mode)
	if mode == "" || strings.EqualFold(mode, "cwd") {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to resolve cwd: %w", err)
		}
		return wd, nil
	}
	if !strings.EqualFold(mode, "path") {
		return "", fmt.Errorf("unknown workspace.mode: %s", mode)
	}
	if c.Workspace.Path == "" {
		return "", fmt.Errorf("workspace.path is required when workspace.mode=path")
	}
	if c.Workspace.Path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory for workspace path: %w", err)
		}
		rest := strings.TrimPrefix(c.Workspace.Path[1:], "/")
		return filepath.Join(homeDir, rest), nil
	}
	return c.Workspace.Path, nil
}

// SettingsPath returns the policy settings file path inside a workspace.
func SettingsPath(workspace string) string {
	return filepath.Join(workspace, ".nexus", "settings.json")
}
