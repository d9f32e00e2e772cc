// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/schollz/progressbar/v3"

	"github.com/neilvibe/ldm/internal/embedding"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/sync"
	"github.com/neilvibe/ldm/internal/tasks"
	"github.com/neilvibe/ldm/internal/ui"
)

// runSync executes the 'sync' CLI command: incrementally sync a
// translation memory's hash and vector indexes, or fully rebuild them
// with --full (spec §4.6's sync/rebuild distinction).
func runSync(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	full := fs.Bool("full", false, "Force a full rebuild instead of an incremental sync")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd sync [options] <tm-id>

Description:
  Apply queued adds/updates/deletes to a translation memory's hash
  index (C3) and vector index (C5). With --full, rebuild both indexes
  from every confirmed entry instead of applying the queue.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd sync tm-en-fr
  ldmd sync tm-en-fr --full

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		ldmerrors.FatalError(ldmerrors.BadFormat("tm-id argument required"), globals.JSON)
	}
	tmID := fs.Arg(0)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}
	dataDir, err := projectDataDir(cfg, configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	backend, err := store.New(store.Config{DataDir: dataDir, Engine: cfg.Store.Engine}, nil)
	if err != nil {
		ldmerrors.FatalError(ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "cannot open local store at %s", dataDir), globals.JSON)
	}
	defer func() { _ = backend.Close() }()

	idx := hashindex.New()
	tracker := tasks.New()
	syncMgr := sync.New(backend, idx, tracker, nil, sync.Config{
		DataRoot:          dataDir,
		MaxParallelBuilds: cfg.Sync.MaxParallelBuilds,
		Engines:           buildEngines(cfg),
	})

	ctx := context.Background()
	var (
		bar      *progressbar.ProgressBar
		total    int64
		lastSeen int64
	)
	progress := func(current, total64 int64, phase string) {
		if globals.Quiet {
			return
		}
		if bar == nil || total64 != total {
			total = total64
			lastSeen = 0
			bar = newProgressBar(total, phaseDescription(phase))
		}
		_ = bar.Add64(current - lastSeen)
		lastSeen = current
	}

	if *full {
		err = syncMgr.Rebuild(ctx, tmID, progress)
	} else {
		err = syncMgr.Sync(ctx, tmID, progress)
	}
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		fmt.Printf(`{"ok":true,"tm_id":%q}`+"\n", tmID)
		return
	}
	ui.Println(ui.OK("TM %s synced", tmID))
}

// buildEngines wires the fast (mock) and, if configured, deep (remote)
// embedding engines a TM sync may need (spec §4.4).
func buildEngines(cfg *Config) map[model.EmbeddingEngine]embedding.Engine {
	engines := map[model.EmbeddingEngine]embedding.Engine{
		model.EngineFast: embedding.NewMockEngine(cfg.Embedding.FastDim),
	}
	if cfg.Embedding.BaseURL != "" {
		engines[model.EngineDeep] = embedding.NewHTTPEngine(embedding.HTTPEngineConfig{
			Provider: cfg.Embedding.DeepProvider,
			BaseURL:  cfg.Embedding.BaseURL,
			Model:    cfg.Embedding.Model,
			APIKey:   cfg.Embedding.APIKey,
			Dim:      cfg.Embedding.Dimensions,
		})
	}
	return engines
}
