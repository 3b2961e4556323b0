// Package config provides configuration loading and management for
// meshatlas. It handles loading configuration from YAML files and
// provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Estimation parameters
	Estimation struct {
		// EMIterations is the fixed iteration budget of the alpha fit
		EMIterations int `yaml:"emIterations"`

		// Workers is the number of parallel workers for rasterization
		// and for the per-subject fan-out
		Workers int `yaml:"workers"`

		// FailFast aborts the run on the first bad subject instead of
		// skipping it
		FailFast bool `yaml:"failFast"`
	} `yaml:"estimation"`

	// Label parameters
	Labels struct {
		// MultiStructure enables one class per target label plus
		// background; otherwise a single foreground label is fit
		MultiStructure bool `yaml:"multiStructure"`

		// Targets is the label list for multi-structure runs
		Targets []int32 `yaml:"targets"`

		// Foreground is the label treated as foreground in the
		// binary case
		Foreground int32 `yaml:"foreground"`
	} `yaml:"labels"`

	// Output parameters
	Output struct {
		// SavePriors saves each subject's rasterized prior as slice
		// images
		SavePriors bool `yaml:"savePriors"`

		// SaveAveragePrior saves the rasterized population prior per
		// level
		SaveAveragePrior bool `yaml:"saveAveragePrior"`

		// FigureScale is the integer upscaling factor for saved
		// slice images
		FigureScale int `yaml:"figureScale"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Estimation.EMIterations = 10
	cfg.Estimation.Workers = runtime.NumCPU()
	cfg.Estimation.FailFast = false

	cfg.Labels.MultiStructure = false
	cfg.Labels.Foreground = 1

	cfg.Output.SavePriors = false
	cfg.Output.SaveAveragePrior = false
	cfg.Output.FigureScale = 1
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
