// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/user"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/neilvibe/ldm/internal/api"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/ui"
)

// runOffline executes the 'offline' CLI command, C10's client-facing
// surface: subscribe/unsubscribe/list/push/pull against a running
// ldmd serve, grounded on the teacher's index.go runRemoteIndex (a
// plain net/http.Client POSTing JSON to a named endpoint, with
// CIE_BASE_URL as the address override) generalized to LDM's single
// /v1/request dispatch envelope instead of per-feature REST routes.
func runOffline(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("offline", flag.ExitOnError)
	serverAddr := fs.String("server", "", "ldmd server base URL (default: from $LDM_SERVER_URL or http://localhost:8080)")
	actor := fs.String("actor", "", "Acting user (default: $LDM_ACTOR or the OS user)")
	entityType := fs.String("entity-type", string(model.EntityFile), "Entity type for subscribe/unsubscribe (platform|project|file)")
	entityID := fs.String("entity-id", "", "Entity id for subscribe/unsubscribe")
	dataRoot := fs.String("data-root", "", "Data root passed to the server for this actor's outbox (default: project data dir)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ldmd offline [options] <subcommand>

Subcommands:
  status                 Show local sync status and pending outbox count
  subscribe               Mirror an entity locally (--entity-type, --entity-id)
  unsubscribe              Stop mirroring an entity
  list                    List active subscriptions
  pull                    Reconcile the local outbox against the server

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ldmd offline subscribe --entity-type file --entity-id file-42
  ldmd offline pull
  ldmd offline status

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() == 0 {
		fs.Usage()
		ldmerrors.FatalError(ldmerrors.BadFormat("a subcommand is required"), globals.JSON)
	}
	subcommand := fs.Arg(0)

	cfg, err := LoadConfig(configPath)
	if err != nil {
		cfg = DefaultConfig("")
	}
	if *serverAddr == "" {
		*serverAddr = getEnv("LDM_SERVER_URL", "")
	}
	if *serverAddr == "" {
		addr := cfg.Server.Addr
		if addr == "" {
			addr = ":8080"
		}
		*serverAddr = "http://localhost" + addr
	}
	if *actor == "" {
		*actor = resolveActor()
	}
	if *dataRoot == "" {
		if dir, err := projectDataDir(cfg, configPath); err == nil {
			*dataRoot = dir
		}
	}

	client := &offlineClient{baseURL: *serverAddr, http: &http.Client{Timeout: 10 * time.Second}}

	var (
		result any
		callErr error
	)
	switch subcommand {
	case "status":
		result, callErr = client.call(*actor, "pull_status", map[string]any{"data_root": *dataRoot})
	case "subscribe":
		if *entityID == "" {
			ldmerrors.FatalError(ldmerrors.BadFormat("--entity-id is required"), globals.JSON)
		}
		result, callErr = client.call(*actor, "subscribe", map[string]any{
			"entity_type": *entityType, "entity_id": *entityID, "data_root": *dataRoot,
		})
	case "unsubscribe":
		if *entityID == "" {
			ldmerrors.FatalError(ldmerrors.BadFormat("--entity-id is required"), globals.JSON)
		}
		result, callErr = client.call(*actor, "unsubscribe", map[string]any{
			"entity_type": *entityType, "entity_id": *entityID, "data_root": *dataRoot,
		})
	case "list":
		result, callErr = client.call(*actor, "list_subscriptions", map[string]any{"data_root": *dataRoot})
	case "pull":
		result, callErr = client.call(*actor, "pull_status", map[string]any{"data_root": *dataRoot})
	default:
		fs.Usage()
		ldmerrors.FatalError(ldmerrors.BadFormat("unknown subcommand %q", subcommand), globals.JSON)
	}

	if callErr != nil {
		ldmerrors.FatalError(callErr, globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	printOfflineResult(subcommand, result)
}

func printOfflineResult(subcommand string, result any) {
	switch subcommand {
	case "status", "pull":
		m, _ := result.(map[string]any)
		ui.Println(fmt.Sprintf("status: %v", m["status"]))
		if pending, ok := m["pending"]; ok {
			ui.Println(fmt.Sprintf("pending: %v", pending))
		}
		if applied, ok := m["applied"]; ok {
			ui.Println(ui.OK("applied %v mutations", applied))
		}
		if parked, ok := m["parked"]; ok {
			if n, ok := parked.(float64); ok && n > 0 {
				ui.Println(ui.Warn("%v mutations parked; resolve conflicts and retry", parked))
			}
		}
	case "list":
		data, _ := json.Marshal(result)
		var subs []model.OfflineSubscription
		if err := json.Unmarshal(data, &subs); err == nil {
			if len(subs) == 0 {
				fmt.Println("No active subscriptions")
				return
			}
			for _, s := range subs {
				fmt.Printf("%s/%s  %s  last_sync=%s\n", s.EntityType, s.EntityID, s.SyncStatus, s.LastSyncAt.Format(time.RFC3339))
			}
		}
	default:
		ui.Println(ui.OK("ok"))
	}
}

// resolveActor picks the identity offline operations are recorded
// under: an explicit env override, falling back to the OS user.
func resolveActor() string {
	if a := os.Getenv("LDM_ACTOR"); a != "" {
		return a
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

// offlineClient is a thin wrapper over the single /v1/request envelope
// that internal/api.Server exposes, mirroring the teacher's
// runRemoteIndex POST-and-decode pattern.
type offlineClient struct {
	baseURL string
	http    *http.Client
}

func (c *offlineClient) call(actor, method string, params map[string]any) (any, error) {
	paramBytes, err := json.Marshal(params)
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "encode request params")
	}
	req := api.Request{ID: 1, Method: method, Actor: actor, Params: paramBytes}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "encode request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/request", bytes.NewReader(body))
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindUnavailable, err, "cannot reach ldmd server at %s (is 'ldmd serve' running?)", c.baseURL)
	}
	defer resp.Body.Close()

	var rpcResp api.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "decode server response")
	}
	if rpcResp.Error != nil {
		return nil, ldmerrors.Wrap(rpcResp.Error.Kind, fmt.Errorf("%s", rpcResp.Error.Message), "%s", rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}
