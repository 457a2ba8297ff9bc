package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const settingsSchemaVersion = "1.0"

// ErrConfigMalformed marks a present-but-invalid policy configuration.
// It is fatal: the engine fails closed rather than falling back to
// defaults.
var ErrConfigMalformed = errors.New("malformed policy configuration")

// DefaultSettings returns the built-in safe defaults used when no
// settings file exists: credential-bearing paths and destructive
// command prefixes are denied, everything else asks.
func DefaultSettings() Settings {
	return Settings{
		SchemaVersion:  settingsSchemaVersion,
		PermissionMode: ModeDefault,
		DenyPaths: []string{
			".env*",
			"**/.ssh/**",
			"**/.aws/**",
			"**/.npmrc",
			"**/.pypirc",
		},
		DenyCommands: [][]string{{"sudo"}, {"rm"}},
	}
}

// LoadSettings reads the policy settings document at path. A missing
// file is not an error and yields the defaults; a present but
// unreadable, empty, or invalid file is a fatal configuration error.
func LoadSettings(path string) (Settings, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("stat policy settings %s: %w", path, err)
	}
	if info.IsDir() {
		return Settings{}, fmt.Errorf("%w: %s is a directory", ErrConfigMalformed, path)
	}
	if info.Size() == 0 {
		return Settings{}, fmt.Errorf("%w: %s is empty", ErrConfigMalformed, path)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}

	s := Settings{}
	if err := v.Unmarshal(&s, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
	}); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}

	mergeDefaults(&s)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%w: %s: %v", ErrConfigMalformed, path, err)
	}
	return s, nil
}

// mergeDefaults fills list fields the file left empty so that a partial
// settings file never drops the safety nets.
func mergeDefaults(s *Settings) {
	defaults := DefaultSettings()
	if s.SchemaVersion == "" {
		s.SchemaVersion = defaults.SchemaVersion
	}
	if s.PermissionMode == "" {
		s.PermissionMode = defaults.PermissionMode
	}
	if len(s.DenyPaths) == 0 {
		s.DenyPaths = defaults.DenyPaths
	}
	if len(s.DenyCommands) == 0 {
		s.DenyCommands = defaults.DenyCommands
	}
}

// Validate checks schema version, mode, glob patterns, and autopilot
// limits.
func (s *Settings) Validate() error {
	if s.SchemaVersion != settingsSchemaVersion {
		return fmt.Errorf("schema_version must be %q, got %q", settingsSchemaVersion, s.SchemaVersion)
	}
	switch s.PermissionMode {
	case ModeDefault, ModeAcceptEdits, ModeAutopilot:
	default:
		return fmt.Errorf("permission_mode must be one of default, acceptEdits, autopilot; got %q", s.PermissionMode)
	}
	for _, p := range s.DenyPaths {
		if err := validatePathPattern(p); err != nil {
			return err
		}
	}
	for _, p := range s.AllowPathsWrite {
		if err := validatePathPattern(p); err != nil {
			return err
		}
	}
	for _, prefix := range append(append(append([][]string{}, s.AllowCommands...), s.AskCommands...), s.DenyCommands...) {
		if len(prefix) == 0 {
			return fmt.Errorf("command prefix lists must not contain empty entries")
		}
	}
	if s.Autopilot != nil {
		if s.Autopilot.MaxBatchCU < 1 {
			return fmt.Errorf("autopilot.max_batch_cu must be >= 1, got %d", s.Autopilot.MaxBatchCU)
		}
		if s.Autopilot.MaxBatchSteps < 1 {
			return fmt.Errorf("autopilot.max_batch_steps must be >= 1, got %d", s.Autopilot.MaxBatchSteps)
		}
	}
	return nil
}

func validatePathPattern(p string) error {
	if strings.Contains(p, "..") {
		return fmt.Errorf("path pattern %q: parent traversal not allowed", p)
	}
	if strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "/**/") {
		return fmt.Errorf("path pattern %q: absolute patterns not allowed", p)
	}
	if len(p) >= 2 && p[1] == ':' {
		return fmt.Errorf("path pattern %q: drive prefixes not allowed", p)
	}
	if strings.HasPrefix(p, `\\`) {
		return fmt.Errorf("path pattern %q: UNC paths not allowed", p)
	}
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("path pattern %q: control characters not allowed", p)
		}
	}
	return nil
}
