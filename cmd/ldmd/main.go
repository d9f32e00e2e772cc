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

// Package main implements ldmd, the Localization Data Manager server
// and CLI.
//
// Usage:
//
//	ldmd init                     Create .ldm/project.yaml configuration
//	ldmd serve                    Start the inbound request server
//	ldmd sync <tm-id>             Sync or rebuild a translation memory
//	ldmd search <tm-id> <text>    Run a tiered TM search
//	ldmd status [--json]          Show project status
//	ldmd config [--json]          Show current configuration
//	ldmd reset --yes              Delete all local indexed data
//	ldmd offline <subcommand>     Send offline replica requests to a running server
package main

import (
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the flags that apply to every subcommand.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .ldm/project.yaml (default: ./.ldm/project.yaml)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument so subcommand flags
	// like "reset --yes" pass through untouched.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ldmd - Localization Data Manager

ldmd stores localizable string rows, maintains translation memories
with exact and semantic search, and coordinates collaborative editing
and offline replicas across a team.

Usage:
  ldmd <command> [options]

Commands:
  init      Create .ldm/project.yaml configuration
  serve     Start the inbound request server
  sync      Sync or rebuild a translation memory's index
  search    Run a tiered search against a translation memory
  status    Show project status
  config    Show current configuration
  reset     Delete all local indexed data (destructive!)
  offline   Send offline replica requests (subscribe, list, pull) to a running server

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to .ldm/project.yaml
  -V, --version     Show version and exit

Examples:
  ldmd init                          Create configuration with defaults
  ldmd sync tm-en-fr                 Incrementally sync a TM's index
  ldmd sync tm-en-fr --full          Force a full rebuild
  ldmd search tm-en-fr "Save file"    Tiered exact/semantic search
  ldmd status                        Show project status
  ldmd status --json                 Output as JSON
  ldmd serve                         Start the request server

Getting Started:
  1. Initialize configuration:  ldmd init
  2. Start the server:          ldmd serve
  3. Sync a translation memory: ldmd sync <tm-id>
  4. Check status:              ldmd status

Data Storage:
  Data is stored locally in the configured data directory
  (default: ~/.ldm/data/<project_id>/)

Environment Variables:
  LDM_DATA_DIR        Override the data directory
  LDM_CONFIG_PATH     Override the config file path
  OLLAMA_HOST         Ollama URL for the deep embedding engine
  OLLAMA_EMBED_MODEL  Deep embedding model name

For detailed command help: ldmd <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ldmd version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *noColor {
		_ = os.Setenv("NO_COLOR", "1")
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintln(os.Stderr, "Error: cannot use --quiet and --verbose together")
		os.Exit(1)
	}
	if *verbose >= 2 {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "serve":
		os.Exit(runServe(cmdArgs, *configPath, globals))
	case "sync":
		runSync(cmdArgs, *configPath, globals)
	case "search":
		runSearch(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "config":
		runConfigCmd(cmdArgs, *configPath, globals)
	case "reset":
		runReset(cmdArgs, *configPath, globals)
	case "offline":
		runOffline(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
