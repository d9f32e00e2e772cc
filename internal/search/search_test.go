// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build cgo

package search

import (
	"context"
	"testing"

	"github.com/neilvibe/ldm/internal/embedding"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestSearcher(t *testing.T) (*Searcher, *hashindex.Index, string) {
	t.Helper()
	backend, err := store.New(store.Config{DataDir: t.TempDir(), Engine: "mem"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	idx := hashindex.New()
	ctx := context.Background()
	tm, err := backend.CreateTM(ctx, model.TM{Name: "EN-FR", SourceLang: "en", TargetLang: "fr", EmbeddingEngine: model.EngineFast})
	require.NoError(t, err)
	require.NoError(t, backend.EnsureHNSW(ctx, tm.ID, 16))

	return New(backend, idx), idx, tm.ID
}

func TestExactTierMatchesCanonical(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityWhole, "hello world", "e1")

	result, err := s.Search(context.Background(), tmID, "hello world", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, TierExact, result.Hits[0].Tier)
	require.Equal(t, "e1", result.Hits[0].EntryID)
}

func TestContainsTierFindsSubstring(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityWhole, "the quick brown fox", "e1")

	result, err := s.Search(context.Background(), tmID, "quick brown", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, TierContains, result.Hits[0].Tier)
}

func TestExactBeatsContainsWhenBothMatch(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityWhole, "hello", "exact-entry")
	idx.Add(tmID, model.GranularityWhole, "hello there", "contains-entry")

	result, err := s.Search(context.Background(), tmID, "hello", nil, Options{K: 10})
	require.NoError(t, err)
	require.True(t, len(result.Hits) >= 1)
	require.Equal(t, TierExact, result.Hits[0].Tier)
	require.Equal(t, "exact-entry", result.Hits[0].EntryID)
}

func TestLineTierFallsBackWhenNoWholeMatch(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityLine, "second line", "parent-entry")

	result, err := s.Search(context.Background(), tmID, "second line", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, TierLine, result.Hits[0].Tier)
}

func TestLineTierFindsContainsMatchOnOneLineOfMultiLineQuery(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityLine, "the quick brown fox", "parent-entry")

	result, err := s.Search(context.Background(), tmID, "nothing here\\nquick brown", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, TierLine, result.Hits[0].Tier)
	require.Equal(t, "parent-entry", result.Hits[0].EntryID)
	require.Less(t, result.Hits[0].Score, 1.0, "a line contains-match must not be scored as an exact line hit")
}

func TestLineTierAggregatesByMaxScoreAcrossLines(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	idx.Add(tmID, model.GranularityLine, "partial match line", "shared-entry")
	idx.Add(tmID, model.GranularityLine, "exact line", "shared-entry")

	result, err := s.Search(context.Background(), tmID, "partial match\\nexact line", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, "shared-entry", result.Hits[0].EntryID)
	require.Equal(t, 1.0, result.Hits[0].Score, "the exact second-line hit must win over the weaker first-line contains match")
}

func TestSearchFallsBackToExactOnlyWhileTMIsBuilding(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	ctx := context.Background()
	idx.Add(tmID, model.GranularityWhole, "the quick brown fox", "e1")

	require.NoError(t, s.backend.SetTMBuilding(ctx, tmID, true))

	// Contains would normally match here, but a building TM's C3/C5
	// mirrors are mid-rebuild, so only the exact tier is trusted.
	result, err := s.Search(ctx, tmID, "quick brown", nil, Options{})
	require.NoError(t, err)
	require.Empty(t, result.Hits)
	require.True(t, result.Partial, "a building tm's search result must be reported partial")
}

func TestSearchExactTierStillWorksWhileTMIsBuilding(t *testing.T) {
	s, idx, tmID := newTestSearcher(t)
	ctx := context.Background()
	idx.Add(tmID, model.GranularityWhole, "hello world", "e1")

	require.NoError(t, s.backend.SetTMBuilding(ctx, tmID, true))

	result, err := s.Search(ctx, tmID, "hello world", nil, Options{})
	require.NoError(t, err)
	require.Len(t, result.Hits, 1)
	require.Equal(t, TierExact, result.Hits[0].Tier)
}

func TestSemanticTierRespectsSimilarityFloor(t *testing.T) {
	s, _, tmID := newTestSearcher(t)
	ctx := context.Background()
	engine := embedding.NewMockEngine(16)

	result, err := s.Search(ctx, tmID, "nonexistent phrase entirely", engine, Options{Semantic: true, K: 5})
	require.NoError(t, err)
	require.Empty(t, result.Hits, "unrelated text embedded against an empty index should yield no matches")
}

func TestCompileLiteralEscapesMetacharacters(t *testing.T) {
	re, err := CompileLiteralOrPattern("a.b(c)", true)
	require.NoError(t, err)
	require.True(t, re.MatchString("a.b(c)"))
	require.False(t, re.MatchString("aXb(c)"))
}

func TestCompileNonLiteralTreatsAsRegex(t *testing.T) {
	re, err := CompileLiteralOrPattern("a.b", false)
	require.NoError(t, err)
	require.True(t, re.MatchString("aXb"))
}
