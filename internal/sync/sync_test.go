// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build cgo

package sync

import (
	"context"
	"testing"

	"github.com/neilvibe/ldm/internal/embedding"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/tasks"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *store.Backend, *hashindex.Index) {
	t.Helper()
	backend, err := store.New(store.Config{DataDir: t.TempDir(), Engine: "mem"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	idx := hashindex.New()
	tracker := tasks.New()
	mgr := New(backend, idx, tracker, nil, Config{
		MaxParallelBuilds: 2,
		Engines:           map[model.EmbeddingEngine]embedding.Engine{model.EngineFast: embedding.NewMockEngine(16)},
	})
	return mgr, backend, idx
}

func TestSyncIndexesEnqueuedAdd(t *testing.T) {
	mgr, backend, idx := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	entry, _, err := backend.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Hello", Target: "Bonjour", NormalizedSource: "hello"})
	require.NoError(t, err)

	mgr.EnqueueAdd(tm.ID, entry)
	require.NoError(t, mgr.Sync(ctx, tm.ID, nil))

	require.Equal(t, []string{entry.ID}, idx.Lookup(tm.ID, model.GranularityWhole, "hello"))
}

func TestSyncReportsProgressAndTask(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)
	entry, _, err := backend.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Hi", Target: "Salut", NormalizedSource: "hi"})
	require.NoError(t, err)
	mgr.EnqueueAdd(tm.ID, entry)

	var phases []string
	require.NoError(t, mgr.Sync(ctx, tm.ID, func(current, total int64, phase string) {
		phases = append(phases, phase)
	}))
	require.Contains(t, phases, "prepare")
	require.Contains(t, phases, "index")
	require.Contains(t, phases, "persist")

	task, ok := mgr.tasks.GetByScope("sync", tm.ID)
	require.False(t, ok, "task should be released after Sync completes")
	_ = task
}

func TestRebuildReplacesIndexFromConfirmedEntries(t *testing.T) {
	mgr, backend, idx := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)
	entry, _, err := backend.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Bye", Target: "Au revoir", NormalizedSource: "bye"})
	require.NoError(t, err)

	require.NoError(t, mgr.Rebuild(ctx, tm.ID, nil))
	require.Equal(t, []string{entry.ID}, idx.Lookup(tm.ID, model.GranularityWhole, "bye"))
}

func TestStaleCountReturnsToZeroAfterSync(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		entry, _, err := backend.UpsertTMEntry(ctx, model.TMEntry{
			TMID: tm.ID, Source: string(rune('a' + i)), Target: "x", NormalizedSource: string(rune('a' + i)),
		})
		require.NoError(t, err)
		mgr.EnqueueAdd(tm.ID, entry)
	}

	mid, err := backend.GetTM(ctx, tm.ID)
	require.NoError(t, err)
	require.Equal(t, n, mid.StaleCount, "each enqueue_add bumps stale_count by one (spec §4.6)")

	require.NoError(t, mgr.Sync(ctx, tm.ID, nil))

	after, err := backend.GetTM(ctx, tm.ID)
	require.NoError(t, err)
	require.Zero(t, after.StaleCount, "stale_count must return to 0 once every enqueued op has synced with no further enqueues")
}

func TestHydrateLoadsDurableKeysIntoFreshIndex(t *testing.T) {
	mgr, backend, idx := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)
	entry, _, err := backend.UpsertTMEntry(ctx, model.TMEntry{TMID: tm.ID, Source: "Hello", Target: "Bonjour", NormalizedSource: "hello"})
	require.NoError(t, err)
	mgr.EnqueueAdd(tm.ID, entry)
	require.NoError(t, mgr.Sync(ctx, tm.ID, nil))

	// A fresh process starts with an empty in-memory mirror even though
	// the durable snapshot already has this TM's entries.
	fresh := hashindex.New()
	freshMgr := New(backend, fresh, tasks.New(), nil, Config{
		Engines: map[model.EmbeddingEngine]embedding.Engine{model.EngineFast: embedding.NewMockEngine(16)},
	})
	require.Empty(t, fresh.Lookup(tm.ID, model.GranularityWhole, "hello"))

	require.NoError(t, freshMgr.Hydrate(ctx, tm.ID))
	require.Equal(t, []string{entry.ID}, fresh.Lookup(tm.ID, model.GranularityWhole, "hello"))
	require.Equal(t, idx.Lookup(tm.ID, model.GranularityWhole, "hello"), fresh.Lookup(tm.ID, model.GranularityWhole, "hello"))
}

func TestHydrateReturnsIndexCorruptWhenSnapshotUnreadable(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()

	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	// Closing the backend makes every subsequent query fail, simulating a
	// durable snapshot that can't be read back at startup.
	require.NoError(t, backend.Close())

	err = mgr.Hydrate(ctx, tm.ID)
	require.Error(t, err)
	require.True(t, ldmerrors.Is(err, ldmerrors.KindIndexCorrupt))
}

func TestSyncRejectsConcurrentBuildForSameTM(t *testing.T) {
	mgr, backend, _ := newTestManager(t)
	ctx := context.Background()
	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)

	buildCtx, done, err := mgr.begin(tm.ID)
	require.NoError(t, err)
	defer done()
	_ = buildCtx

	_, _, err = mgr.begin(tm.ID)
	require.Error(t, err, "a second concurrent build for the same TM must be rejected")
}
