// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/ui"
)

// runReset executes the 'reset' CLI command, deleting all local
// indexed data for the current project.
func runReset(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd reset [options]

Description:
  WARNING: this is a destructive operation. It deletes all locally
  indexed rows, translation memories, and indexes for the current
  project (default: ~/.ldm/data/<project_id>/).

  Configuration (.ldm/project.yaml) is not touched.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd reset --yes

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if !*confirm {
		ldmerrors.FatalError(ldmerrors.BadFormat("the --yes flag is required to confirm this destructive operation"), globals.JSON)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindNotFound, err, "cannot load project config at %s; refusing to guess which project's data to delete", configPath), globals.JSON)
	}

	dataDir, err := projectDataDir(cfg, configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "No local data found for project %s\n", cfg.ProjectID)
		return
	}

	fmt.Printf("Resetting project %s (deleting %s)...\n", cfg.ProjectID, dataDir)

	if err := os.RemoveAll(dataDir); err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "cannot delete data directory %s", dataDir), globals.JSON)
	}

	ui.Println(ui.OK("Reset complete. All local indexed data has been deleted."))
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  ldmd sync <tm-id>    Rebuild a translation memory's index")
}
