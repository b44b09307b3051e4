// Package config loads the sluice.yaml configuration file.
//
// All values are optional and act as defaults for CLI flags; flags
// always override config values.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents a sluice.yaml configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Adapter AdapterConfig `yaml:"adapter"`
}

// ServerConfig holds monitoring server defaults.
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	MonitorInterval Duration `yaml:"monitor_interval"`
}

// RuntimeConfig holds engine defaults.
type RuntimeConfig struct {
	PoolSize   int      `yaml:"pool_size"`
	FairnessK  int      `yaml:"fairness_k"`
	IdleJobTTL Duration `yaml:"idle_job_ttl"`
}

// AdapterConfig holds job-completion adapter defaults.
type AdapterConfig struct {
	Type    string            `yaml:"type"` // webhook or redis
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// DefaultPath is the config file looked up when no --config is given.
const DefaultPath = "sluice.yaml"

// Load reads a config file, expands ${VAR} references, and unmarshals
// it. Unknown keys are rejected to catch typos early. A missing file
// at the default path is not an error; a missing file at an explicit
// path is.
func Load(path string, explicit bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
