// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/ui"
	"gopkg.in/yaml.v3"
)

// runConfigCmd executes the 'config' CLI command, printing the
// currently effective configuration (file plus environment overrides).
func runConfigCmd(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd config [options]

Description:
  Print the configuration ldmd would use for its other commands,
  after environment variable overrides have been applied.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(cfg)
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindInternal, err, "encode configuration"), globals.JSON)
	}
	ui.Println(ui.Faint("# effective configuration"))
	fmt.Print(string(data))
}
