// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/ui"
)

// StatusResult is the 'status' command's JSON/text output shape.
type StatusResult struct {
	ProjectID string    `json:"project_id"`
	DataDir   string    `json:"data_dir"`
	Connected bool      `json:"connected"`
	Projects  int       `json:"projects"`
	TMs       int       `json:"tms"`
	StaleTMs  int       `json:"stale_tms"`
	Building  int       `json:"building_tms"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// runStatus executes the 'status' CLI command: open the local store
// read-only and report counts of projects and translation memories,
// including how many TMs are stale or mid-rebuild (spec §4.6).
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd status [options]

Description:
  Show the current status of the project's local data: how many
  projects and translation memories are stored, and how many TMs
  have a nonzero stale count or are mid-rebuild.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd status
  ldmd status --json | jq '.stale_tms'

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	dataDir, err := projectDataDir(cfg, configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	result := &StatusResult{ProjectID: cfg.ProjectID, DataDir: dataDir, Timestamp: time.Now()}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		result.Error = "project has no local data yet; run 'ldmd sync' after importing rows"
		printOrEmitStatus(result, globals)
		os.Exit(0)
	}

	backend, err := store.New(store.Config{DataDir: dataDir, Engine: cfg.Store.Engine}, nil)
	if err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "cannot open local store at %s", dataDir), globals.JSON)
	}
	defer func() { _ = backend.Close() }()

	ctx := context.Background()
	projects, err := backend.ListProjects(ctx)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}
	tms, err := backend.ListTMs(ctx)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	result.Connected = true
	result.Projects = len(projects)
	result.TMs = len(tms)
	for _, tm := range tms {
		if tm.StaleCount > 0 {
			result.StaleTMs++
		}
		if tm.Building {
			result.Building++
		}
	}

	printOrEmitStatus(result, globals)
}

func printOrEmitStatus(result *StatusResult, globals GlobalFlags) {
	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	ui.Println(fmt.Sprintf("Project:  %s", result.ProjectID))
	ui.Println(fmt.Sprintf("Data dir: %s", ui.Faint("%s", result.DataDir)))
	fmt.Println()
	if !result.Connected {
		ui.Println(ui.Warn("%s", result.Error))
		return
	}
	ui.Println(fmt.Sprintf("Projects:      %d", result.Projects))
	ui.Println(fmt.Sprintf("TMs:           %d", result.TMs))
	if result.StaleTMs > 0 {
		ui.Println(ui.Warn("Stale TMs:     %d", result.StaleTMs))
	} else {
		ui.Println("Stale TMs:     0")
	}
	if result.Building > 0 {
		ui.Println(ui.Warn("Building TMs:  %d", result.Building))
	} else {
		ui.Println("Building TMs:  0")
	}
}
