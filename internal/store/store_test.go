// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

// newTestBackend mirrors the teacher's setupTestStorage helper
// (pkg/storage/embedded_test.go): an in-memory CozoDB instance scoped
// to the test's temp dir, closed on cleanup.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{DataDir: t.TempDir(), Engine: "mem"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestProjectCRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	p, err := b.CreateProject(ctx, model.Project{Name: "Demo", Owner: "alice"})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := b.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Demo", got.Name)

	require.NoError(t, b.RenameProject(ctx, p.ID, "Renamed"))
	got, err = b.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Name)

	list, err := b.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGetProjectNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetProject(context.Background(), "missing")
	require.Error(t, err)
}

func TestFileDeleteCascadesRows(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	p, err := b.CreateProject(ctx, model.Project{Name: "P"})
	require.NoError(t, err)
	f, err := b.CreateFile(ctx, model.File{ProjectID: p.ID, Name: "strings.tsv", Format: model.FormatTSV})
	require.NoError(t, err)

	_, err = b.PutRow(ctx, f.ID, model.Row{FileID: f.ID, RowNum: 1, Source: "hello", Status: model.StatusEmpty})
	require.NoError(t, err)

	page, err := b.GetRows(ctx, f.ID, GetRowsOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)

	require.NoError(t, b.DeleteFile(ctx, f.ID))

	_, err = b.GetFile(ctx, f.ID)
	require.Error(t, err)
}

func TestUpdateRowOptimisticConcurrency(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	p, _ := b.CreateProject(ctx, model.Project{Name: "P"})
	f, _ := b.CreateFile(ctx, model.File{ProjectID: p.ID, Name: "f.tsv", Format: model.FormatTSV})
	row, err := b.PutRow(ctx, f.ID, model.Row{FileID: f.ID, RowNum: 1, Source: "hi", Status: model.StatusEmpty, Version: 1})
	require.NoError(t, err)

	updated, err := b.UpdateRow(ctx, row.ID, 1, func(r *model.Row) { r.Target = "salut" })
	require.NoError(t, err)
	require.Equal(t, 2, updated.Version)

	_, err = b.UpdateRow(ctx, row.ID, 1, func(r *model.Row) { r.Target = "stale write" })
	require.Error(t, err)
}

func TestTMEntryUpsertIsNoOpOnExactRematch(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tm, err := b.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	e1, created1, err := b.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Hello", Target: "Bonjour", NormalizedSource: "hello"})
	require.NoError(t, err)
	require.True(t, created1)

	e2, created2, err := b.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Hello", Target: "Bonjour", NormalizedSource: "hello"})
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, e1.ID, e2.ID)
}

func TestHashIndexAddLookupRemove(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.HashIndexAdd(ctx, "tm1", model.GranularityWhole, "hello", "e1"))
	hits, err := b.HashIndexLookup(ctx, "tm1", model.GranularityWhole, "hello")
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, hits)

	require.NoError(t, b.HashIndexRemove(ctx, "tm1", model.GranularityWhole, "e1"))
	hits, err = b.HashIndexLookup(ctx, "tm1", model.GranularityWhole, "hello")
	require.NoError(t, err)
	require.Empty(t, hits)
}
