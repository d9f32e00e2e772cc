// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api implements spec.md §6's inbound surface: a named
// request/response dispatch table plus a per-room pushed-event channel.
// The request/response envelope and handler-table dispatch shape are
// grounded on the teacher's JSON-RPC 2.0 MCP server in cmd/cie/mcp.go
// (jsonRPCRequest/jsonRPCResponse, a toolHandler map keyed by name, and
// handleRequest's method switch) — generalized from MCP's tools/call
// envelope to LDM's named row/TM/editing/offline requests, and with
// errors carrying internal/errors's named kinds instead of cie's
// free-text tool-result messages.
package api

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/neilvibe/ldm/internal/bus"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/offline"
	"github.com/neilvibe/ldm/internal/rowstate"
	"github.com/neilvibe/ldm/internal/search"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/sync"
	"github.com/neilvibe/ldm/internal/tasks"
)

// Request is one inbound call (spec §6's request list), envelope
// modeled on the teacher's jsonRPCRequest.
type Request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Actor  string          `json:"actor"` // the calling user, for locks/locking/approval
}

// Response carries either Result or Error, never both, mirroring the
// teacher's jsonRPCResponse.
type Response struct {
	ID     any            `json:"id,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload is the wire shape for a failed request, keyed by
// internal/errors's named kind vocabulary rather than a numeric code
// (spec §6: "errors are named kinds, not numeric codes").
type ErrorPayload struct {
	Kind    ldmerrors.Kind `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// handlerFunc is one named request's implementation, mirroring the
// teacher's toolHandler(ctx, s, args) shape.
type handlerFunc func(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error)

// Server holds every component the inbound surface dispatches to.
type Server struct {
	Store    *store.Backend
	RowState *rowstate.Manager
	Sync     *sync.Manager
	Search   *search.Searcher
	Bus      *bus.Bus
	Tasks    *tasks.Tracker
	Replicas map[string]*offline.Replica // keyed by actor
	Logger   *slog.Logger

	handlers map[string]handlerFunc
}

// New builds a Server with every named request registered.
func New(backend *store.Backend, rs *rowstate.Manager, syncMgr *sync.Manager, searcher *search.Searcher, b *bus.Bus, tracker *tasks.Tracker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Store: backend, RowState: rs, Sync: syncMgr, Search: searcher, Bus: b, Tasks: tracker,
		Replicas: map[string]*offline.Replica{}, Logger: logger,
	}
	s.handlers = map[string]handlerFunc{
		"list_projects":     handleListProjects,
		"create_project":    handleCreateProject,
		"get_project_tree":  handleGetProjectTree,
		"rename_project":    handleRenameProject,
		"rename_folder":     handleRenameFolder,
		"rename_file":       handleRenameFile,
		"upload_file":       handleUploadFile,
		"delete_file":       handleDeleteFile,
		"get_rows":          handleGetRows,
		"update_row":        handleUpdateRow,
		"list_tms":          handleListTMs,
		"create_tm":         handleCreateTM,
		"import_tm":         handleImportTM,
		"tm_search":         handleTMSearch,
		"tm_entry_upsert":   handleTMEntryUpsert,
		"tm_entry_delete":   handleTMEntryDelete,
		"tm_rebuild":        handleTMRebuild,
		"tm_status":         handleTMStatus,
		"begin_edit":        handleBeginEdit,
		"refresh_lock":      handleRefreshLock,
		"cancel_edit":       handleCancelEdit,
		"mark_translated":   handleMarkTranslated,
		"confirm_review":    handleConfirmReview,
		"approve":           handleApprove,
		"subscribe":         handleSubscribe,
		"unsubscribe":       handleUnsubscribe,
		"list_subscriptions": handleListSubscriptions,
		"push_outbox":       handlePushOutbox,
		"pull_status":       handlePullStatus,
	}
	return s
}

// Handle dispatches one Request to its registered handler, converting
// any error into the named-kind ErrorPayload (spec §6).
func (s *Server) Handle(ctx context.Context, req Request) Response {
	handler, ok := s.handlers[req.Method]
	if !ok {
		return Response{ID: req.ID, Error: &ErrorPayload{Kind: ldmerrors.KindNotFound, Message: "unknown method: " + req.Method}}
	}
	result, err := handler(ctx, s, req.Actor, req.Params)
	if err != nil {
		return Response{ID: req.ID, Error: toErrorPayload(err)}
	}
	return Response{ID: req.ID, Result: result}
}

func toErrorPayload(err error) *ErrorPayload {
	var le *ldmerrors.LDMError
	if e, ok := err.(*ldmerrors.LDMError); ok {
		le = e
	} else {
		le = ldmerrors.Wrap(ldmerrors.KindInternal, err, "%s", err.Error())
	}
	return &ErrorPayload{Kind: le.Kind, Message: le.Error(), Detail: le.Detail}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ldmerrors.BadFormat("invalid params: %s", err.Error())
	}
	return nil
}

// roomFor returns the Collaboration Bus room id for a file (spec §4.9:
// "clients join a per-file room").
func roomFor(fileID string) string { return fileID }

// replicaFor lazily creates an offline.Replica for an actor the first
// time it's needed (spec §4.10 is per-user, single-process here).
func (s *Server) replicaFor(actor, dataRoot string) (*offline.Replica, error) {
	if r, ok := s.Replicas[actor]; ok {
		return r, nil
	}
	r, err := offline.NewReplica(dataRoot + "/offline/" + actor + "/outbox.jsonl")
	if err != nil {
		return nil, err
	}
	s.Replicas[actor] = r
	return r, nil
}
