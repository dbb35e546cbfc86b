package config

import (
	"fmt"
	"os"
	"path/filepath"

	sfconfig "github.com/syntrixbase/searchfolder/internal/searchfolder/config"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the base directory for runtime data (result store).
	DataDir string `yaml:"data_dir"`

	Logging       LoggingConfig   `yaml:"logging"`
	SearchFolders sfconfig.Config `yaml:"search_folders"`

	// Components
	Objects ObjectsConfig `yaml:"objects"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       "data",
		Logging:       DefaultLoggingConfig(),
		SearchFolders: sfconfig.DefaultConfig(),
		Objects:       DefaultObjectsConfig(),
		Notify:        DefaultNotifyConfig(),
	}
}

// LoadConfig loads configuration from configDir and environment variables.
// Order: defaults -> config.yml -> config.local.yml -> ApplyDefaults -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := DefaultConfig()

	// 2. Load config.yml, then config.local.yml on top of it
	for _, name := range []string{"config.yml", "config.local.yml"} {
		if err := loadFile(filepath.Join(configDir, name), cfg); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("SEARCHFOLDER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir != "" && !filepath.IsAbs(cfg.DataDir) {
		cfg.DataDir = filepath.Join(filepath.Dir(filepath.Clean(configDir)), cfg.DataDir)
	}

	// 3. Apply configuration lifecycle
	if err := ApplyServiceConfigs(configDir, cfg.DataDir,
		&cfg.Logging,
		&cfg.SearchFolders,
		&cfg.Objects,
		&cfg.Notify,
	); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return cfg, nil
}

func loadFile(filename string, cfg *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist, skip
		}
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}
	return nil
}
