// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoaderOptions configures the configuration loader.
type LoaderOptions struct {
	// ConfigDir is the directory containing an optional YAML overlay file.
	ConfigDir string
	// Environment overrides automatic environment detection.
	Environment string
	// SkipEnvSubstitution disables ${VAR} substitution in the overlay file.
	SkipEnvSubstitution bool
	// SkipValidation disables configuration validation.
	SkipValidation bool
}

// DefaultLoaderOptions returns default loader options.
func DefaultLoaderOptions() LoaderOptions {
	return LoaderOptions{
		ConfigDir: "config",
	}
}

// Load builds a Config by reading an optional YAML overlay file for
// non-secret fields, then applying the environment variables spec.md §6
// names on top (environment always wins). Secret material never comes
// from the overlay file — see env.go's FromEnv.
func Load(opts ...LoaderOptions) (*Config, error) {
	options := DefaultLoaderOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	env := options.Environment
	if env == "" {
		env = GetEnvironment()
	}

	cfg, err := loadOverlay(options.ConfigDir, env)
	if err != nil {
		cfg = &Config{}
		setDefaults(cfg)
	}
	cfg.Environment = env

	if !options.SkipEnvSubstitution {
		SubstituteEnvVarsInConfig(cfg)
	}

	applyEnvOverrides(cfg)

	if !options.SkipValidation {
		for _, e := range Validate(cfg) {
			if e.Level == "error" {
				return nil, fmt.Errorf("configuration validation failed: %s", e.Error())
			}
		}
	}

	return cfg, nil
}

// loadOverlay tries <dir>/<env>.yaml, then <dir>/default.yaml, then
// <dir>/config.yaml, returning the first one found.
func loadOverlay(dir, env string) (*Config, error) {
	candidates := []string{
		filepath.Join(dir, fmt.Sprintf("%s.yaml", env)),
		filepath.Join(dir, "default.yaml"),
		filepath.Join(dir, "config.yaml"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadFromFile(path)
		}
	}
	return nil, fmt.Errorf("no overlay file found in %s", dir)
}

// applyEnvOverrides layers the environment variables spec.md §6 names on
// top of whatever the overlay file set, environment taking priority.
func applyEnvOverrides(cfg *Config) {
	fromEnv := FromEnv()

	if fromEnv.Identity.NodeSecretKeyHex != "" {
		cfg.Identity.NodeSecretKeyHex = fromEnv.Identity.NodeSecretKeyHex
	}
	if fromEnv.Identity.AdminPublicKeyHex != "" {
		cfg.Identity.AdminPublicKeyHex = fromEnv.Identity.AdminPublicKeyHex
	}
	if len(fromEnv.Models.Desired) > 0 {
		cfg.Models.Desired = fromEnv.Models.Desired
	}
	if os.Getenv("DKN_P2P_LISTEN_ADDR") != "" {
		cfg.P2P.ListenAddr = fromEnv.P2P.ListenAddr
	}
	if len(fromEnv.P2P.RelayNodes) > 0 {
		cfg.P2P.RelayNodes = fromEnv.P2P.RelayNodes
	}
	if len(fromEnv.P2P.BootstrapNodes) > 0 {
		cfg.P2P.BootstrapNodes = fromEnv.P2P.BootstrapNodes
	}
	if os.Getenv("DKN_BATCH_SIZE") != "" {
		cfg.Runtime.BatchSize = fromEnv.Runtime.BatchSize
	}
	if os.Getenv("DKN_EXIT_TIMEOUT") != "" {
		cfg.Runtime.ExitTimeout = fromEnv.Runtime.ExitTimeout
	}
	if os.Getenv("DKN_QUEUE_POLICY") != "" {
		cfg.Runtime.QueuePolicy = fromEnv.Runtime.QueuePolicy
	}
	if os.Getenv("DKN_QUEUE_WAIT") != "" {
		cfg.Runtime.QueueWait = fromEnv.Runtime.QueueWait
	}
	if os.Getenv("DKN_SHUTDOWN_GRACE") != "" {
		cfg.Runtime.ShutdownGrace = fromEnv.Runtime.ShutdownGrace
	}
	if os.Getenv("OLLAMA_HOST") != "" {
		cfg.Ollama.Host = fromEnv.Ollama.Host
	}
	if os.Getenv("OLLAMA_PORT") != "" {
		cfg.Ollama.Port = fromEnv.Ollama.Port
	}
	if os.Getenv("DKN_MIN_TPS") != "" {
		cfg.Ollama.MinTPS = fromEnv.Ollama.MinTPS
	}
	if os.Getenv("OLLAMA_AUTO_PULL") != "" {
		cfg.Ollama.AutoPull = fromEnv.Ollama.AutoPull
	}
	cfg.Provider = fromEnv.Provider

	if logLevel := os.Getenv("DKN_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// LoadForEnvironment loads configuration for a specific environment.
func LoadForEnvironment(environment string) (*Config, error) {
	return Load(LoaderOptions{ConfigDir: "config", Environment: environment})
}

// MustLoad loads configuration or panics on error.
func MustLoad(opts ...LoaderOptions) *Config {
	cfg, err := Load(opts...)
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
