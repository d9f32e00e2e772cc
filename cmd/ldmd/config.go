// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigDir  = ".ldm"
	defaultConfigFile = "project.yaml"
	configVersion     = "1"
)

// Config represents the .ldm/project.yaml configuration file.
type Config struct {
	Version   string       `yaml:"version"`
	ProjectID string       `yaml:"project_id"`
	Store     StoreConfig  `yaml:"store"`
	Embedding EmbeddingCfg `yaml:"embedding"`
	Sync      SyncCfg      `yaml:"sync"`
	RowState  RowStateCfg  `yaml:"row_state"`
	Server    ServerCfg    `yaml:"server"`
}

// StoreConfig configures the embedded CozoDB backend (C1/C3/C5).
type StoreConfig struct {
	Engine       string `yaml:"engine"` // rocksdb, sqlite, mem
	LocalDataDir string `yaml:"local_data_dir,omitempty"`
}

// EmbeddingCfg configures C4's fast/deep engines. Fast is always the
// local mock engine (spec §4.4: "fast tier never makes a network
// call"); deep points at a remote provider compatible with Ollama's or
// OpenAI's embeddings endpoint.
type EmbeddingCfg struct {
	FastDim      int    `yaml:"fast_dim"`
	DeepProvider string `yaml:"deep_provider"` // ollama, openai
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	Dimensions   int    `yaml:"dimensions"`
	APIKey       string `yaml:"api_key,omitempty"`
}

// SyncCfg configures C6's build concurrency.
type SyncCfg struct {
	MaxParallelBuilds int `yaml:"max_parallel_builds"`
}

// RowStateCfg configures C8's edit lease.
type RowStateCfg struct {
	LeaseSeconds int `yaml:"lease_seconds"`
}

// ServerCfg configures the `serve` command's listeners.
type ServerCfg struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// DefaultConfig returns a config with sensible defaults for local
// development: a rocksdb-backed store, the mock fast engine, and a
// deep engine pointed at a local Ollama endpoint (OLLAMA_HOST, default
// http://localhost:11434).
func DefaultConfig(projectID string) *Config {
	return &Config{
		Version:   configVersion,
		ProjectID: projectID,
		Store: StoreConfig{
			Engine: "rocksdb",
		},
		Embedding: EmbeddingCfg{
			FastDim:      768,
			DeepProvider: "ollama",
			BaseURL:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
			Model:        getEnv("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
			Dimensions:   768,
		},
		Sync: SyncCfg{
			MaxParallelBuilds: 4,
		},
		RowState: RowStateCfg{
			LeaseSeconds: 120,
		},
		Server: ServerCfg{
			Addr: getEnv("LDM_SERVER_ADDR", ":8080"),
		},
	}
}

// LoadConfig loads configuration from configPath, or finds it by
// walking up from the current directory if configPath is empty.
// Environment variables are applied on top of the file (§ applyEnvOverrides).
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = os.Getenv("LDM_CONFIG_PATH")
	}
	if configPath == "" {
		var err error
		configPath, err = findConfigFile()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: path comes from user config or discovery
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindBadFormat, err, "cannot read configuration file %s", configPath)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindBadFormat, err, "invalid configuration format in %s", configPath)
	}

	if cfg.Version != configVersion {
		return nil, ldmerrors.BadFormat("unsupported configuration version %q in %s (expected %q)", cfg.Version, configPath, configVersion)
	}

	cfg.applyEnvOverrides()
	return &cfg, nil
}

// SaveConfig writes cfg to configPath as YAML, creating the parent
// directory if needed.
func SaveConfig(cfg *Config, configPath string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "encode configuration")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "create configuration directory %s", dir)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "write configuration file %s", configPath)
	}
	return nil
}

// ConfigPath returns <dir>/.ldm/project.yaml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, defaultConfigDir, defaultConfigFile)
}

// ConfigDir returns <dir>/.ldm.
func ConfigDir(dir string) string {
	return filepath.Join(dir, defaultConfigDir)
}

// findConfigFile searches for .ldm/project.yaml in the current
// directory and its parents, honoring LDM_CONFIG_PATH if set.
func findConfigFile() (string, error) {
	if configPath := os.Getenv("LDM_CONFIG_PATH"); configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", ldmerrors.NotFound("LDM_CONFIG_PATH is set to %q but the file does not exist", configPath)
	}

	dir, err := os.Getwd()
	if err != nil {
		return "", ldmerrors.Wrap(ldmerrors.KindInternal, err, "cannot access working directory")
	}

	for {
		configPath := ConfigPath(dir)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", ldmerrors.NotFound("no .ldm/project.yaml found in current directory or any parent; run 'ldmd init'")
}

// applyEnvOverrides lets environment variables override file-based
// configuration without editing .ldm/project.yaml.
func (c *Config) applyEnvOverrides() {
	if id := os.Getenv("LDM_PROJECT_ID"); id != "" {
		c.ProjectID = id
	}
	if addr := os.Getenv("LDM_SERVER_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		c.Embedding.BaseURL = host
	}
	if model := os.Getenv("OLLAMA_EMBED_MODEL"); model != "" {
		c.Embedding.Model = model
	}
	if key := os.Getenv("LDM_EMBED_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
