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
	"fmt"
	"os"
	"path/filepath"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
)

// dataRootFromConfig resolves the storage root with precedence:
// LDM_DATA_DIR > store.local_data_dir > ~/.ldm/data.
func dataRootFromConfig(cfg *Config, configPath string) (string, error) {
	if envDir := os.Getenv("LDM_DATA_DIR"); envDir != "" {
		return absPath(envDir)
	}

	if cfg != nil && cfg.Store.LocalDataDir != "" {
		custom := cfg.Store.LocalDataDir
		if filepath.IsAbs(custom) {
			return filepath.Clean(custom), nil
		}

		cfgFilePath, err := resolvedConfigPath(configPath)
		if err == nil {
			baseDir := filepath.Dir(cfgFilePath)
			return filepath.Clean(filepath.Join(baseDir, custom)), nil
		}

		return absPath(custom)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", ldmerrors.Wrap(ldmerrors.KindInternal, err, "cannot determine home directory")
	}
	return filepath.Join(home, ".ldm", "data"), nil
}

// projectDataDir resolves the effective per-project data directory.
func projectDataDir(cfg *Config, configPath string) (string, error) {
	root, err := dataRootFromConfig(cfg, configPath)
	if err != nil {
		return "", err
	}
	if cfg == nil || cfg.ProjectID == "" {
		return root, nil
	}
	return filepath.Join(root, cfg.ProjectID), nil
}

func resolvedConfigPath(configPath string) (string, error) {
	if configPath != "" {
		return absPath(configPath)
	}
	if envPath := os.Getenv("LDM_CONFIG_PATH"); envPath != "" {
		return absPath(envPath)
	}
	path, err := findConfigFile()
	if err != nil {
		return "", fmt.Errorf("resolve config path: %w", err)
	}
	return absPath(path)
}

func absPath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}
