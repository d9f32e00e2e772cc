// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"path/filepath"
	"testing"
)

func TestDataRootFromConfig_Default(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("LDM_DATA_DIR", "")

	root, err := dataRootFromConfig(&Config{ProjectID: "demo"}, "")
	if err != nil {
		t.Fatalf("dataRootFromConfig() error = %v", err)
	}

	want := filepath.Join(home, ".ldm", "data")
	if root != want {
		t.Fatalf("dataRootFromConfig() = %q, want %q", root, want)
	}
}

func TestDataRootFromConfig_EnvOverride(t *testing.T) {
	t.Setenv("LDM_DATA_DIR", "/tmp/custom-ldm")

	root, err := dataRootFromConfig(&Config{ProjectID: "demo"}, "")
	if err != nil {
		t.Fatalf("dataRootFromConfig() error = %v", err)
	}
	if root != "/tmp/custom-ldm" {
		t.Fatalf("dataRootFromConfig() = %q, want %q", root, "/tmp/custom-ldm")
	}
}

func TestDataRootFromConfig_RelativeLocalDataDir(t *testing.T) {
	t.Setenv("LDM_DATA_DIR", "")

	repo := t.TempDir()
	cfg := &Config{
		ProjectID: "demo",
		Store: StoreConfig{
			LocalDataDir: "./.ldm/db",
		},
	}

	cfgPath := filepath.Join(repo, ".ldm", "project.yaml")
	root, err := dataRootFromConfig(cfg, cfgPath)
	if err != nil {
		t.Fatalf("dataRootFromConfig() error = %v", err)
	}

	want := filepath.Join(repo, ".ldm", ".ldm", "db")
	if root != want {
		t.Fatalf("dataRootFromConfig() = %q, want %q", root, want)
	}
}

func TestProjectDataDir_AppendsProjectID(t *testing.T) {
	t.Setenv("LDM_DATA_DIR", "/tmp/ldm-root")

	dir, err := projectDataDir(&Config{ProjectID: "my-project"}, "")
	if err != nil {
		t.Fatalf("projectDataDir() error = %v", err)
	}
	if dir != "/tmp/ldm-root/my-project" {
		t.Fatalf("projectDataDir() = %q, want %q", dir, "/tmp/ldm-root/my-project")
	}
}
