// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/ui"
)

// runInit executes the 'init' CLI command, writing a fresh
// .ldm/project.yaml into the current directory.
func runInit(args []string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	projectID := fs.String("project-id", "", "Project identifier (default: current directory name)")
	force := fs.BoolP("force", "f", false, "Overwrite an existing configuration")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd init [options]

Description:
  Create a .ldm/project.yaml configuration file in the current
  directory, with sensible defaults for local development.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd init
  ldmd init --project-id acme-mobile-strings
  ldmd init --force

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir, err := os.Getwd()
	if err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindInternal, err, "cannot access working directory"), globals.JSON)
	}

	if *projectID == "" {
		*projectID = filepath.Base(dir)
	}

	configPath := ConfigPath(dir)
	if !*force {
		if _, err := os.Stat(configPath); err == nil {
			ldmerrors.FatalError(ldmerrors.Conflict("%s already exists; use --force to overwrite", configPath), globals.JSON)
		}
	}

	cfg := DefaultConfig(*projectID)
	if err := SaveConfig(cfg, configPath); err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		fmt.Printf(`{"ok":true,"project_id":%q,"config_path":%q}`+"\n", *projectID, configPath)
		return
	}
	ui.Println(ui.OK("Created %s", configPath))
	fmt.Println("Next steps:")
	fmt.Println("  ldmd serve     Start the request server")
	fmt.Println("  ldmd status    Check project status")
}
