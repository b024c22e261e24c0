// Package server implements the LinkForest HTTP interface.
//
// This file defines the Go structs for the YAML server configuration. The
// config file is optional: every field has a flag or default counterpart, and
// environment variables are expanded before parsing so secrets can stay out
// of the file itself.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/halftermeyer/linkforest/pkg/engine"
)

// Config represents the top-level structure of the server configuration file.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	Engine EngineConfig `yaml:"engine"`
	Batch  BatchConfig  `yaml:"batch"`
}

// HTTPConfig holds the listener settings. An empty auth_token disables
// authentication.
type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// EngineConfig holds persistence and maintenance settings. Durations use Go
// syntax ("60s", "5m").
type EngineConfig struct {
	DataDir              string `yaml:"data_dir"`
	AutoSaveInterval     string `yaml:"auto_save_interval"`
	AutoSaveThreshold    int64  `yaml:"auto_save_threshold"`
	AofRewritePercentage int    `yaml:"aof_rewrite_percentage"`
}

// BatchConfig tunes the merge coordinator.
type BatchConfig struct {
	Workers      int    `yaml:"workers"`
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`
}

// LoadConfig reads and parses the YAML configuration file from the given
// path. It uses Strict Mode (KnownFields) to prevent silent errors due to
// typos, and expands ${ENV} references first.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file '%s': %w", path, err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	decoder := yaml.NewDecoder(strings.NewReader(expandedData))
	decoder.KnownFields(true)

	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("YAML syntax error in '%s': %w", path, err)
	}

	return &config, nil
}

// Apply overlays the non-zero config values onto the given engine options.
func (c *Config) Apply(opts *engine.Options) error {
	if c.Engine.DataDir != "" {
		opts.DataDir = c.Engine.DataDir
	}
	if c.Engine.AutoSaveInterval != "" {
		d, err := time.ParseDuration(c.Engine.AutoSaveInterval)
		if err != nil {
			return fmt.Errorf("invalid auto_save_interval: %w", err)
		}
		opts.AutoSaveInterval = d
	}
	if c.Engine.AutoSaveThreshold > 0 {
		opts.AutoSaveThreshold = c.Engine.AutoSaveThreshold
	}
	if c.Engine.AofRewritePercentage > 0 {
		opts.AofRewritePercentage = c.Engine.AofRewritePercentage
	}
	if c.Batch.Workers > 0 {
		opts.BatchWorkers = c.Batch.Workers
	}
	if c.Batch.MaxRetries > 0 {
		opts.BatchMaxRetries = c.Batch.MaxRetries
	}
	if c.Batch.RetryBackoff != "" {
		d, err := time.ParseDuration(c.Batch.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_backoff: %w", err)
		}
		opts.BatchRetryBackoff = d
	}
	return nil
}
