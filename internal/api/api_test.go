// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build cgo

package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/neilvibe/ldm/internal/bus"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/rowstate"
	"github.com/neilvibe/ldm/internal/search"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/sync"
	"github.com/neilvibe/ldm/internal/tasks"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, model.Project, model.File, model.Row, model.TM) {
	t.Helper()
	backend, err := store.New(store.Config{DataDir: t.TempDir(), Engine: "mem"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	proj, err := backend.CreateProject(ctx, model.Project{Name: "demo"})
	require.NoError(t, err)
	file, err := backend.CreateFile(ctx, model.File{ProjectID: proj.ID, Name: "strings.xml", Format: model.FormatLocStr})
	require.NoError(t, err)
	row, err := backend.PutRow(ctx, file.ID, model.Row{RowNum: 1, StringID: "s1", Source: "Hello"})
	require.NoError(t, err)
	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	idx := hashindex.New()
	tracker := tasks.New()
	syncMgr := sync.New(backend, idx, tracker, nil, sync.Config{})
	rs := rowstate.New(backend, syncMgr, nil, rowstate.Config{})
	t.Cleanup(rs.Close)
	searcher := search.New(backend, idx)
	b := bus.New(nil)

	s := New(backend, rs, syncMgr, searcher, b, tracker, nil)
	return s, proj, file, row, tm
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestHandleGetRowsReturnsSeededRow(t *testing.T) {
	s, _, file, _, _ := newTestServer(t)
	resp := s.Handle(context.Background(), Request{
		ID: 1, Method: "get_rows", Actor: "alice",
		Params: mustParams(t, getRowsParams{FileID: file.ID}),
	})
	require.Nil(t, resp.Error)
	page, ok := resp.Result.(store.RowPage)
	require.True(t, ok)
	require.Len(t, page.Rows, 1)
	require.Equal(t, "Hello", page.Rows[0].Source)
}

func TestHandleUnknownMethodReturnsNotFound(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	resp := s.Handle(context.Background(), Request{ID: 1, Method: "does_not_exist", Actor: "alice"})
	require.NotNil(t, resp.Error)
	require.Equal(t, ldmerrors.KindNotFound, resp.Error.Kind)
}

func TestEditLifecycleThroughHandlers(t *testing.T) {
	s, _, file, row, tm := newTestServer(t)
	ctx := context.Background()

	beginResp := s.Handle(ctx, Request{
		Method: "begin_edit", Actor: "alice",
		Params: mustParams(t, rowHolderParams{RowID: row.ID, FileID: file.ID}),
	})
	require.Nil(t, beginResp.Error)
	require.Equal(t, 1, s.Bus.RoomSize(roomFor(file.ID)))

	secondBegin := s.Handle(ctx, Request{
		Method: "begin_edit", Actor: "bob",
		Params: mustParams(t, rowHolderParams{RowID: row.ID, FileID: file.ID}),
	})
	require.NotNil(t, secondBegin.Error)
	require.Equal(t, ldmerrors.KindLocked, secondBegin.Error.Kind)

	updateResp := s.Handle(ctx, Request{
		Method: "update_row", Actor: "alice",
		Params: mustParams(t, updateRowParams{RowID: row.ID, ExpectedVersion: row.Version, Target: "Bonjour", FileID: file.ID}),
	})
	require.Nil(t, updateResp.Error)
	updatedRow, ok := updateResp.Result.(model.Row)
	require.True(t, ok)
	require.Equal(t, "Bonjour", updatedRow.Target)
	require.Equal(t, model.StatusPending, updatedRow.Status)

	reviewResp := s.Handle(ctx, Request{
		Method: "confirm_review", Actor: "alice",
		Params: mustParams(t, confirmReviewParams{RowID: row.ID, TMID: tm.ID, ExpectedVersion: updatedRow.Version}),
	})
	require.Nil(t, reviewResp.Error)

	approveResp := s.Handle(ctx, Request{
		Method: "approve", Actor: "bob",
		Params: mustParams(t, rowVersionParams{RowID: row.ID, ExpectedVersion: updatedRow.Version + 1}),
	})
	require.Nil(t, approveResp.Error)
	approvedRow, ok := approveResp.Result.(model.Row)
	require.True(t, ok)
	require.Equal(t, model.StatusApproved, approvedRow.Status)
}

func TestHandleTMEntryUpsertEnqueuesSync(t *testing.T) {
	s, _, _, _, tm := newTestServer(t)
	resp := s.Handle(context.Background(), Request{
		Method: "tm_entry_upsert", Actor: "alice",
		Params: mustParams(t, tmEntryUpsertParams{
			TMID: tm.ID, Source: "Hello", Target: "Bonjour",
			SourceType: model.SourceManual,
		}),
	})
	require.Nil(t, resp.Error)
	entry, ok := resp.Result.(model.TMEntry)
	require.True(t, ok)
	require.Equal(t, "Hello", entry.Source)
}

func TestOfflineSubscribeAndPushOutboxAndPullStatus(t *testing.T) {
	s, _, _, row, _ := newTestServer(t)
	ctx := context.Background()
	dataRoot := t.TempDir()

	subResp := s.Handle(ctx, Request{
		Method: "subscribe", Actor: "alice",
		Params: mustParams(t, subscribeParams{EntityType: model.EntityFile, EntityID: "file-1", DataRoot: dataRoot}),
	})
	require.Nil(t, subResp.Error)

	listResp := s.Handle(ctx, Request{
		Method: "list_subscriptions", Actor: "alice",
		Params: mustParams(t, listSubscriptionsParams{DataRoot: dataRoot}),
	})
	require.Nil(t, listResp.Error)
	subs, ok := listResp.Result.([]model.OfflineSubscription)
	require.True(t, ok)
	require.Len(t, subs, 1)

	// simulate a local edit made while offline, queued into the outbox
	mutation := map[string]any{
		"id": "m1", "kind": "update_row", "row_id": row.ID,
		"expected_version": row.Version, "target": "Bonjour", "actor": "alice",
	}
	pushResp := s.Handle(ctx, Request{
		Method: "push_outbox", Actor: "alice",
		Params: mustParams(t, map[string]any{"data_root": dataRoot, "mutations": []any{mutation}}),
	})
	require.Nil(t, pushResp.Error)

	pullResp := s.Handle(ctx, Request{
		Method: "pull_status", Actor: "alice",
		Params: mustParams(t, pullStatusParams{DataRoot: dataRoot}),
	})
	require.Nil(t, pullResp.Error)
	status, ok := pullResp.Result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 1, status["applied"])
	require.Equal(t, 0, status["parked"])
	require.Equal(t, model.SyncStatusSynced, status["status"])
}
