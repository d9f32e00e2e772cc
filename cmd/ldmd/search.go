// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/neilvibe/ldm/internal/embedding"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/search"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/ui"
)

// runSearch executes the 'search' CLI command: C7's tiered exact ->
// contains -> semantic -> line lookup against one translation memory.
func runSearch(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	k := fs.Int("limit", 10, "Maximum number of hits to return")
	semantic := fs.Bool("semantic", true, "Run the semantic tier if a deep engine is configured")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd search [options] <tm-id> <query>

Description:
  Run a tiered search (exact, then contains, then semantic, then
  per-line) against a translation memory's synced index.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd search tm-en-fr "Save file"
  ldmd search tm-en-fr "Save file" --limit 5 --semantic=false

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 2 {
		fs.Usage()
		ldmerrors.FatalError(ldmerrors.BadFormat("tm-id and query arguments required"), globals.JSON)
	}
	tmID, query := fs.Arg(0), fs.Arg(1)

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

	ctx := context.Background()
	idx := hashindex.New()
	if err := hydrateHashIndex(ctx, backend, idx, tmID); err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	searcher := search.New(backend, idx)
	var engine embedding.Engine
	if *semantic {
		engines := buildEngines(cfg)
		engine = engines[model.EngineDeep]
	}

	result, err := searcher.Search(ctx, tmID, query, engine, search.Options{K: *k, Semantic: *semantic && engine != nil})
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}

	if len(result.Hits) == 0 {
		fmt.Println("No results")
		return
	}
	for _, hit := range result.Hits {
		entry, err := backend.GetTMEntry(ctx, hit.EntryID)
		if err != nil {
			continue
		}
		ui.Println(fmt.Sprintf("[%s %.2f] %s -> %s", hit.Tier, hit.Score, entry.Source, entry.Target))
	}
	if result.Partial {
		ui.Println(ui.Warn("search deadline elapsed before every tier ran; results may be incomplete"))
	}
}

// hydrateHashIndex loads C3's durable keys for a TM into the
// process-local mirror a standalone CLI invocation starts with empty,
// since only a running server's sync.Manager keeps one warm otherwise.
func hydrateHashIndex(ctx context.Context, backend *store.Backend, idx *hashindex.Index, tmID string) error {
	for _, gran := range []model.Granularity{model.GranularityWhole, model.GranularityLine} {
		keys, err := backend.HashIndexAllKeys(ctx, tmID, gran)
		if err != nil {
			return err
		}
		for _, canonical := range keys {
			ids, err := backend.HashIndexLookup(ctx, tmID, gran, canonical)
			if err != nil {
				return err
			}
			for _, id := range ids {
				idx.Add(tmID, gran, canonical, id)
			}
		}
	}
	return nil
}
