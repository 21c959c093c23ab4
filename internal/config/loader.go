package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	globalConfigDir  = ".tapscribe"
	projectConfigDir = ".tapscribe"
	configFileName   = "config.yaml"
)

// Loader handles loading and merging configuration files
type Loader struct {
	globalPath  string
	projectPath string
}

// NewLoader creates a new configuration loader
func NewLoader(projectDir string) (*Loader, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	if projectDir == "" {
		projectDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &Loader{
		globalPath:  filepath.Join(homeDir, globalConfigDir, configFileName),
		projectPath: filepath.Join(projectDir, projectConfigDir, configFileName),
	}, nil
}

// Load loads and merges configuration from all sources
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	globalCfg, err := l.loadFile(l.globalPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load global config: %w", err)
	}
	if globalCfg != nil {
		cfg = mergeConfigs(cfg, globalCfg)
	}

	projectCfg, err := l.loadFile(l.projectPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}
	if projectCfg != nil {
		cfg = mergeConfigs(cfg, projectCfg)
	}

	return cfg, nil
}

// LoadGlobalOnly loads configuration from the global config only, ignoring
// project config. Used for daemon commands where project-specific settings
// should not apply.
func (l *Loader) LoadGlobalOnly() (*Config, error) {
	cfg := DefaultConfig()

	globalCfg, err := l.loadFile(l.globalPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load global config: %w", err)
	}
	if globalCfg != nil {
		cfg = mergeConfigs(cfg, globalCfg)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func (l *Loader) LoadFromFile(path string) (*Config, error) {
	return l.loadFile(path)
}

func (l *Loader) loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// mergeConfigs merges two configurations, with override taking precedence
func mergeConfigs(base, override *Config) *Config {
	result := &Config{
		Version: coalesce(override.Version, base.Version),
		Settings: Settings{
			LogLevel: coalesce(override.Settings.LogLevel, base.Settings.LogLevel),
			LogFile:  coalesce(override.Settings.LogFile, base.Settings.LogFile),
			Daemon:   mergeDaemonSettings(base.Settings.Daemon, override.Settings.Daemon),
		},
		Capture: Capture{
			CoalesceWindowMs: coalesceInt(override.Capture.CoalesceWindowMs, base.Capture.CoalesceWindowMs),
			TailWindowBytes:  coalesceInt(override.Capture.TailWindowBytes, base.Capture.TailWindowBytes),
			StartCommands:    base.Capture.StartCommands,
		},
		Detect: Detect{
			Threshold:         base.Detect.Threshold,
			EchoSuppressionMs: coalesceInt(override.Detect.EchoSuppressionMs, base.Detect.EchoSuppressionMs),
		},
		Store: Store{
			DBPath:              coalesce(override.Store.DBPath, base.Store.DBPath),
			FlushIntervalMs:     coalesceInt(override.Store.FlushIntervalMs, base.Store.FlushIntervalMs),
			RecoveryWindowHours: coalesceInt(override.Store.RecoveryWindowHours, base.Store.RecoveryWindowHours),
		},
	}

	if len(override.Capture.StartCommands) > 0 {
		result.Capture.StartCommands = override.Capture.StartCommands
	}
	if override.Detect.Threshold > 0 {
		result.Detect.Threshold = override.Detect.Threshold
	}

	return result
}

// mergeDaemonSettings merges daemon settings, with override taking precedence
// for set values. A zero port means "not configured".
func mergeDaemonSettings(base, override DaemonSettings) DaemonSettings {
	result := base

	if override.Enabled || override.Port != 0 {
		result.Enabled = override.Enabled
	}
	if override.Port != 0 {
		result.Port = override.Port
	}

	return result
}

func coalesce(override, base string) string {
	if override != "" {
		return override
	}
	return base
}

func coalesceInt(override, base int) int {
	if override != 0 {
		return override
	}
	return base
}
