package ml

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// BaseConfig provides common configuration functionality
type BaseConfig struct {
	ConfigPath string `json:"-" yaml:"-"`
}

// LoadConfig loads configuration from a file, falling back to environment variables.
// Files ending in .yaml or .yml are decoded as YAML, everything else as JSON.
func (c *BaseConfig) LoadConfig(configPath string, envPrefix string, config interface{}) error {
	// Try to load from file first
	if configPath != "" {
		if err := decodeFile(configPath, config); err == nil {
			slog.Info("loaded model configuration", "path", configPath)
			return nil
		} else if !os.IsNotExist(err) {
			return err
		}
	}

	// Try default config files in config directory
	for _, ext := range []string{"json", "yaml"} {
		defaultPath := filepath.Join("config", fmt.Sprintf("%s.%s", envPrefix, ext))
		if err := decodeFile(defaultPath, config); err == nil {
			slog.Info("loaded model configuration from default file", "path", defaultPath)
			return nil
		}
	}

	// Fall back to environment variables
	slog.Info("using environment variables for model configuration", "backend", envPrefix)
	return nil
}

func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	default:
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// envFirst returns the first non-empty environment variable among keys.
func envFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
