package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.AI.DetectModel == "" {
		cfg.AI.DetectModel = "gemini-2.0-flash"
	}
	if cfg.AI.AnalyzeModel == "" {
		cfg.AI.AnalyzeModel = cfg.AI.DetectModel
	}
	if cfg.AI.RequestTimeout == 0 {
		cfg.AI.RequestTimeout = 60 * time.Second
	}
	if cfg.AI.KeyDelay == 0 {
		cfg.AI.KeyDelay = 2 * time.Second
	}
	if cfg.AI.KeyMaxDelay == 0 {
		cfg.AI.KeyMaxDelay = 60 * time.Second
	}

	return &cfg, nil
}
