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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "/ip4/0.0.0.0/tcp/4001", cfg.P2P.ListenAddr)
	assert.Equal(t, 4, cfg.Runtime.BatchSize)
	assert.Equal(t, "127.0.0.1", cfg.Ollama.Host)
	assert.Equal(t, 11434, cfg.Ollama.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "/healthz", cfg.Health.Path)
}

func TestValidateRequiredFields(t *testing.T) {
	t.Run("EmptyConfigHasAllErrors", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)
		errs := Validate(cfg)
		assert.NotEmpty(t, errs)

		fields := make(map[string]bool)
		for _, e := range errs {
			fields[e.Field] = true
		}
		assert.True(t, fields["DKN_WALLET_SECRET_KEY"])
		assert.True(t, fields["DKN_ADMIN_PUBLIC_KEY"])
		assert.True(t, fields["DKN_MODELS"])
	})

	t.Run("CompleteConfigHasNoErrors", func(t *testing.T) {
		cfg := &Config{
			Identity: IdentityConfig{NodeSecretKeyHex: "aa", AdminPublicKeyHex: "bb"},
			Models:   ModelsConfig{Desired: []string{"phi3:3.8b"}},
		}
		setDefaults(cfg)
		assert.Empty(t, Validate(cfg))
	})

	t.Run("NonPositiveBatchSizeIsAnError", func(t *testing.T) {
		cfg := &Config{
			Identity: IdentityConfig{NodeSecretKeyHex: "aa", AdminPublicKeyHex: "bb"},
			Models:   ModelsConfig{Desired: []string{"phi3:3.8b"}},
			Runtime:  RuntimeConfig{BatchSize: 0},
		}
		cfg.P2P.ListenAddr = "/ip4/0.0.0.0/tcp/4001"
		errs := Validate(cfg)
		require.NotEmpty(t, errs)
		assert.Equal(t, "DKN_BATCH_SIZE", errs[0].Field)
	})
}

func TestLoadFromFileAndSaveToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := &Config{
		P2P: P2PConfig{ListenAddr: "/ip4/0.0.0.0/tcp/5001"},
	}
	setDefaults(original)

	require.NoError(t, SaveToFile(original, path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/ip4/0.0.0.0/tcp/5001", loaded.P2P.ListenAddr)
	assert.Empty(t, loaded.Identity.NodeSecretKeyHex)
}

func TestLoadFromFileRejectsMissingFile(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "DKN_MODELS", Message: "required"}
	assert.Equal(t, "DKN_MODELS: required", e.Error())
}

func TestMain(m *testing.M) {
	for _, key := range []string{
		"DKN_ENV", "DKN_WALLET_SECRET_KEY", "DKN_ADMIN_PUBLIC_KEY", "DKN_MODELS",
		"DKN_P2P_LISTEN_ADDR", "DKN_RELAY_NODES", "DKN_BOOTSTRAP_NODES",
		"DKN_BATCH_SIZE", "DKN_EXIT_TIMEOUT", "OLLAMA_HOST", "OLLAMA_PORT",
		"OLLAMA_AUTO_PULL", "OPENAI_API_KEY", "GEMINI_API_KEY", "OPENROUTER_API_KEY",
	} {
		os.Unsetenv(key)
	}
	os.Exit(m.Run())
}
