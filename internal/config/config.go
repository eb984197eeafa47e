package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port      string `json:"port" yaml:"port"`
		StaticDir string `json:"static_dir" yaml:"static_dir"`
		Debug     bool   `json:"debug" yaml:"debug"`
		LogLevel  string `json:"log_level" yaml:"log_level"`

		// CallTimeoutSeconds bounds each model gateway call
		CallTimeoutSeconds int `json:"call_timeout_seconds" yaml:"call_timeout_seconds"`
	} `json:"server" yaml:"server"`

	ML struct {
		Type       string `json:"type" yaml:"type"` // "gemini" or "vertex"
		ConfigPath string `json:"config_path" yaml:"config_path"`
	} `json:"ml" yaml:"ml"`

	Metrics struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Service string `json:"service" yaml:"service"`
	} `json:"metrics" yaml:"metrics"`
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by extension
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Handle missing values
	if config.Server.Port == "" {
		// Fail if port is not set
		return nil, fmt.Errorf("server port is not set in config file")
	}
	if config.Server.StaticDir == "" {
		config.Server.StaticDir = "./static"
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}
	if config.Server.Debug {
		config.Server.LogLevel = "debug"
	}
	if config.Server.CallTimeoutSeconds <= 0 {
		config.Server.CallTimeoutSeconds = 120
	}
	if config.ML.Type == "" {
		config.ML.Type = "gemini"
	}
	if config.Metrics.Service == "" {
		config.Metrics.Service = "productscan"
	}

	return &config, nil
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv("PRODUCTSCAN_CONFIG"); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json")
	}

	// Finally, try current directory
	return "config.json"
}
