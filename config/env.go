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
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// envVarPattern matches ${VAR} or ${VAR:default}
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// SubstituteEnvVars replaces ${VAR} or ${VAR:default} with environment variable values
func SubstituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		value := os.Getenv(varName)
		if value == "" {
			return defaultValue
		}
		return value
	})
}

// SubstituteEnvVarsInConfig recursively substitutes environment variables
// in the overlay-able string fields of a loaded Config.
func SubstituteEnvVarsInConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	cfg.Identity.AdminPublicKeyHex = SubstituteEnvVars(cfg.Identity.AdminPublicKeyHex)
	cfg.P2P.ListenAddr = SubstituteEnvVars(cfg.P2P.ListenAddr)
	cfg.Ollama.Host = SubstituteEnvVars(cfg.Ollama.Host)
	cfg.Logging.Level = SubstituteEnvVars(cfg.Logging.Level)
	cfg.Logging.Format = SubstituteEnvVars(cfg.Logging.Format)
	cfg.Logging.Output = SubstituteEnvVars(cfg.Logging.Output)
	cfg.Health.Path = SubstituteEnvVars(cfg.Health.Path)
	cfg.Metrics.Path = SubstituteEnvVars(cfg.Metrics.Path)
}

// GetEnvironment returns the current environment from DKN_ENV or defaults to development
func GetEnvironment() string {
	env := os.Getenv("DKN_ENV")
	if env == "" {
		env = os.Getenv("ENVIRONMENT")
	}
	if env == "" {
		env = "development"
	}
	return strings.ToLower(env)
}

// IsProduction returns true if running in production environment
func IsProduction() bool {
	return GetEnvironment() == "production"
}

// IsDevelopment returns true if running in development or local environment
func IsDevelopment() bool {
	env := GetEnvironment()
	return env == "development" || env == "local"
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FromEnv builds a Config from the environment variables spec.md §6 names,
// applying the same defaults as setDefaults for anything unset. The
// secret key and provider API keys live only here, never in a file.
func FromEnv() *Config {
	cfg := &Config{}
	setDefaults(cfg)

	cfg.Identity.NodeSecretKeyHex = strings.TrimPrefix(os.Getenv("DKN_WALLET_SECRET_KEY"), "0x")
	cfg.Identity.AdminPublicKeyHex = strings.TrimPrefix(os.Getenv("DKN_ADMIN_PUBLIC_KEY"), "0x")

	cfg.Models.Desired = splitCSV(os.Getenv("DKN_MODELS"))

	if v := os.Getenv("DKN_P2P_LISTEN_ADDR"); v != "" {
		cfg.P2P.ListenAddr = v
	}
	cfg.P2P.RelayNodes = splitCSV(os.Getenv("DKN_RELAY_NODES"))
	cfg.P2P.BootstrapNodes = splitCSV(os.Getenv("DKN_BOOTSTRAP_NODES"))

	if v := os.Getenv("DKN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.BatchSize = n
		}
	}
	if v := os.Getenv("DKN_EXIT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.ExitTimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DKN_QUEUE_POLICY"); v != "" {
		cfg.Runtime.QueuePolicy = v
	}
	if v := os.Getenv("DKN_QUEUE_WAIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.QueueWait = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DKN_SHUTDOWN_GRACE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.ShutdownGrace = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		cfg.Ollama.Host = v
	}
	if v := os.Getenv("OLLAMA_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ollama.Port = n
		}
	}
	cfg.Ollama.AutoPull = os.Getenv("OLLAMA_AUTO_PULL") == "true"
	if v := os.Getenv("DKN_MIN_TPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Ollama.MinTPS = f
		}
	}

	cfg.Provider.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.Provider.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.Provider.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")

	cfg.Environment = GetEnvironment()
	return cfg
}
