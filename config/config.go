// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads the node's configuration from the environment (and,
// optionally, a YAML overlay file) into a validated Config.
package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of a worker node.
type Config struct {
	Environment string `yaml:"environment" json:"environment"`

	Identity IdentityConfig `yaml:"identity" json:"identity"`
	P2P      P2PConfig      `yaml:"p2p" json:"p2p"`
	Models   ModelsConfig   `yaml:"models" json:"models"`
	Runtime  RuntimeConfig  `yaml:"runtime" json:"runtime"`
	Ollama   OllamaConfig   `yaml:"ollama" json:"ollama"`
	Provider ProviderConfig `yaml:"-" json:"-"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Health  HealthConfig  `yaml:"health" json:"health"`
}

// IdentityConfig holds the node's own secret key and the admin public key
// task payloads must be signed by. Both are hex-encoded on the wire/in the
// environment; NodeSecretKeyHex is never logged or written to a YAML
// overlay (see its yaml:"-" tag).
type IdentityConfig struct {
	NodeSecretKeyHex  string `yaml:"-" json:"-"`
	AdminPublicKeyHex string `yaml:"admin_public_key" json:"admin_public_key"`
}

// P2PConfig configures the libp2p swarm.
type P2PConfig struct {
	ListenAddr     string   `yaml:"listen_addr" json:"listen_addr"`
	RelayNodes     []string `yaml:"relay_nodes" json:"relay_nodes"`
	BootstrapNodes []string `yaml:"bootstrap_nodes" json:"bootstrap_nodes"`
}

// ModelsConfig lists the desired model identifiers, in configured order.
type ModelsConfig struct {
	Desired []string `yaml:"desired" json:"desired"`
}

// RuntimeConfig tunes execution concurrency and lifetime.
type RuntimeConfig struct {
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	ExitTimeout   time.Duration `yaml:"exit_timeout" json:"exit_timeout"`
	QueuePolicy   string        `yaml:"queue_policy" json:"queue_policy"`
	QueueWait     time.Duration `yaml:"queue_wait" json:"queue_wait"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// OllamaConfig targets a local Ollama instance.
type OllamaConfig struct {
	Host     string  `yaml:"host" json:"host"`
	Port     int     `yaml:"port" json:"port"`
	AutoPull bool    `yaml:"auto_pull" json:"auto_pull"`
	// MinTPS rejects any model whose measured throughput (tokens/sec)
	// falls below this floor during the probe (spec.md §4.3). Zero
	// disables the throughput floor.
	MinTPS float64 `yaml:"min_tps" json:"min_tps"`
}

// ProviderConfig carries remote-provider API keys, environment-only. An
// empty key means that provider's models are never reachable.
type ProviderConfig struct {
	OpenAIAPIKey     string
	GeminiAPIKey     string
	OpenRouterAPIKey string
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig contains Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// HealthConfig contains health-endpoint configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// ValidationError is a single configuration problem.
type ValidationError struct {
	Field   string
	Message string
	Level   string // "error" or "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadFromFile loads a YAML (or JSON) configuration overlay from disk. The
// secret key and provider API keys are environment-only (see env.go's
// FromEnv) and are never read from or written to this file.
func LoadFromFile(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing the format from the
// file extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults fills zero-valued fields with the defaults spec.md §6 names.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.P2P.ListenAddr == "" {
		cfg.P2P.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
	}
	if cfg.Runtime.BatchSize == 0 {
		cfg.Runtime.BatchSize = 4
	}
	if cfg.Runtime.QueuePolicy == "" {
		cfg.Runtime.QueuePolicy = "reject"
	}
	if cfg.Runtime.QueueWait == 0 {
		cfg.Runtime.QueueWait = 3 * time.Second
	}
	if cfg.Runtime.ShutdownGrace == 0 {
		cfg.Runtime.ShutdownGrace = 30 * time.Second
	}
	if cfg.Ollama.Host == "" {
		cfg.Ollama.Host = "127.0.0.1"
	}
	if cfg.Ollama.Port == 0 {
		cfg.Ollama.Port = 11434
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Health.Path == "" {
		cfg.Health.Path = "/healthz"
	}
}

// Validate checks the fields spec.md §6 marks required and returns every
// problem found, not just the first.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Identity.NodeSecretKeyHex == "" {
		errs = append(errs, ValidationError{Field: "DKN_WALLET_SECRET_KEY", Message: "required", Level: "error"})
	}
	if cfg.Identity.AdminPublicKeyHex == "" {
		errs = append(errs, ValidationError{Field: "DKN_ADMIN_PUBLIC_KEY", Message: "required", Level: "error"})
	}
	if len(cfg.Models.Desired) == 0 {
		errs = append(errs, ValidationError{Field: "DKN_MODELS", Message: "must name at least one model", Level: "error"})
	}
	if cfg.Runtime.BatchSize <= 0 {
		errs = append(errs, ValidationError{Field: "DKN_BATCH_SIZE", Message: "must be positive", Level: "error"})
	}
	if cfg.P2P.ListenAddr == "" {
		errs = append(errs, ValidationError{Field: "DKN_P2P_LISTEN_ADDR", Message: "must not be empty", Level: "error"})
	}
	if cfg.Runtime.QueuePolicy != "reject" && cfg.Runtime.QueuePolicy != "defer" {
		errs = append(errs, ValidationError{Field: "DKN_QUEUE_POLICY", Message: `must be "reject" or "defer"`, Level: "error"})
	}

	return errs
}
