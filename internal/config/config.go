package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/hpungsan/gtkrypt/internal/kdf"
)

// FileName is the configuration file inside the base directory.
const FileName = "config.json"

// Config holds application configuration.
type Config struct {
	// VaultsDir is where vault directories live.
	// Empty means <baseDir>/vaults.
	VaultsDir string `json:"vaults_dir,omitempty"`

	// DefaultPreset is the KDF preset for new vaults and standalone files.
	DefaultPreset kdf.Preset `json:"default_preset,omitempty"`

	// AutoLockMinutes is the idle timeout applied to vaults whose own
	// settings leave it unset. A negative value disables auto-lock; 0 in the
	// file means "use the default".
	AutoLockMinutes int `json:"auto_lock_minutes,omitempty"`

	// UnlockAttemptsPerMinute and UnlockBurst throttle passphrase attempts
	// per vault. A negative rate disables the throttle.
	UnlockAttemptsPerMinute int `json:"unlock_attempts_per_minute,omitempty"`
	UnlockBurst             int `json:"unlock_burst,omitempty"`

	// LogLevel is a logrus level name.
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultPreset:           kdf.DefaultPreset,
		AutoLockMinutes:         5,
		UnlockAttemptsPerMinute: 6,
		UnlockBurst:             5,
		LogLevel:                "warn",
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.gtkrypt.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, FileName))
	if err != nil {
		return nil, err
	}
	if cfg.VaultsDir == "" {
		cfg.VaultsDir = filepath.Join(baseDir, "vaults")
	}
	return cfg, nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	merged := Merge(DefaultConfig(), cfg)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return merged, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence when non-zero.
func Merge(base, overlay *Config) *Config {
	result := *base

	if overlay.VaultsDir != "" {
		result.VaultsDir = overlay.VaultsDir
	}
	if overlay.DefaultPreset != "" {
		result.DefaultPreset = overlay.DefaultPreset
	}
	if overlay.AutoLockMinutes != 0 {
		result.AutoLockMinutes = overlay.AutoLockMinutes
	}
	if overlay.UnlockAttemptsPerMinute != 0 {
		result.UnlockAttemptsPerMinute = overlay.UnlockAttemptsPerMinute
	}
	if overlay.UnlockBurst != 0 {
		result.UnlockBurst = overlay.UnlockBurst
	}
	if overlay.LogLevel != "" {
		result.LogLevel = overlay.LogLevel
	}
	return &result
}

// Validate rejects values that cannot be used.
func (c *Config) Validate() error {
	if _, err := kdf.ParsePreset(string(c.DefaultPreset)); err != nil {
		return fmt.Errorf("default_preset: unknown preset %q", c.DefaultPreset)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.UnlockBurst < 0 {
		return fmt.Errorf("unlock_burst must not be negative")
	}
	return nil
}

// AutoLockDisabled reports whether auto-lock is turned off globally.
func (c *Config) AutoLockDisabled() bool {
	return c.AutoLockMinutes < 0
}

// ThrottleDisabled reports whether the passphrase-attempt throttle is off.
func (c *Config) ThrottleDisabled() bool {
	return c.UnlockAttemptsPerMinute < 0
}
