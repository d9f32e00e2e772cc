// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/neilvibe/ldm/internal/api"
	"github.com/neilvibe/ldm/internal/bus"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/metrics"
	"github.com/neilvibe/ldm/internal/rowstate"
	"github.com/neilvibe/ldm/internal/search"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/sync"
	"github.com/neilvibe/ldm/internal/tasks"
)

// runServe starts the HTTP server exposing spec.md §6's inbound
// request surface: a single POST endpoint accepting api.Request and
// returning api.Response, plus a health check and (if configured) a
// Prometheus /metrics endpoint. Grounded on the teacher's cmd/cie
// serve.go lifecycle (mux, graceful shutdown on SIGINT/SIGTERM).
func runServe(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "Address to listen on (default: from config, or :8080)")
	metricsAddr := fs.String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (default: from config, disabled if empty)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd serve [options]

Description:
  Start the request server exposing ldmd's inbound API: row edits,
  translation memory management, search, collaborative editing locks,
  and offline sync. One request is POSTed per call to /v1/request.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
API Endpoints:
  GET  /health         Health check
  POST /v1/request     Dispatch one api.Request, returns an api.Response

Examples:
  ldmd serve
  ldmd serve --addr :9090

`)
	}

	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		cfg = DefaultConfig("")
	}
	if *addr == "" {
		*addr = cfg.Server.Addr
	}
	if *addr == "" {
		*addr = ":8080"
	}
	if *metricsAddr == "" {
		*metricsAddr = cfg.Server.MetricsAddr
	}

	dataDir, err := projectDataDir(cfg, configPath)
	if err != nil {
		ldmerrors.FatalError(err, globals.JSON)
	}

	backend, err := store.New(store.Config{DataDir: dataDir, Engine: cfg.Store.Engine}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot open local store at %s: %v\n", dataDir, err)
		return 1
	}
	defer func() { _ = backend.Close() }()

	idx := hashindex.New()
	tracker := tasks.New()
	syncMgr := sync.New(backend, idx, tracker, nil, sync.Config{
		DataRoot:          dataDir,
		MaxParallelBuilds: cfg.Sync.MaxParallelBuilds,
		Engines:           buildEngines(cfg),
	})

	// Probe every TM's durable C3/C5 snapshot before accepting traffic: a
	// freshly constructed hashindex.Index starts empty, and without this
	// every exact/contains search would silently return nothing until
	// someone noticed and reran tm_rebuild. A TM whose snapshot fails to
	// load is marked building and rebuilt asynchronously instead (spec.md
	// Design Notes "Partial-state rebuild"); row storage stays available
	// throughout.
	if err := syncMgr.HydrateAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not list TMs to hydrate index: %v\n", err)
	}

	leaseSeconds := cfg.RowState.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 120
	}
	rs := rowstate.New(backend, syncMgr, nil, rowstate.Config{Lease: time.Duration(leaseSeconds) * time.Second})
	defer rs.Close()
	searcher := search.New(backend, idx)
	b := bus.New(nil)

	server := api.New(backend, rs, syncMgr, searcher, b, tracker, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "project_id": cfg.ProjectID})
	})
	mux.HandleFunc("/v1/request", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req api.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp := server.Handle(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *metricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, *metricsAddr); err != nil {
				fmt.Fprintf(os.Stderr, "[metrics] %v\n", err)
			}
		}()
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		fmt.Fprintln(os.Stderr, "Shutting down ldmd server...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "ldmd server starting on http://0.0.0.0%s\n", *addr)
	fmt.Fprintf(os.Stderr, "Project: %s\n", cfg.ProjectID)
	fmt.Fprintf(os.Stderr, "Data dir: %s\n", dataDir)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}
