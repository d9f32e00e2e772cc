// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package search implements C7 (TM Search): a tiered lookup over a TM's
// entries — exact, then contains, then semantic, then a line-level
// fallback — deduplicated by entry id and ranked by tier then score.
// The literal/regex escaping discipline for the contains tier is
// grounded on the teacher's pkg/tools/search.go SearchText, which
// offers the same literal-vs-regex choice over code text.
package search

import (
	"context"
	"regexp"
	"sort"
	"time"

	"github.com/neilvibe/ldm/internal/embedding"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/normalize"
	"github.com/neilvibe/ldm/internal/store"
)

// Tier identifies which stage of the search pipeline produced a Hit
// (spec §4.7).
type Tier string

const (
	TierExact    Tier = "exact"
	TierContains Tier = "contains"
	TierSemantic Tier = "semantic"
	TierLine     Tier = "line"
)

// Hit is one search result.
type Hit struct {
	EntryID string
	Tier    Tier
	Score   float64 // 1.0 for exact, similarity for semantic, 0..1 heuristic for contains
}

// Result is the outcome of a Search call.
type Result struct {
	Hits    []Hit
	Partial bool // true if the deadline elapsed before every tier ran (spec §4.7)
}

// Options parametrizes a Search call.
type Options struct {
	K        int           // max results, default 10
	Semantic bool          // whether to run the semantic tier (requires an Engine)
	Deadline time.Duration // default 500ms, per spec §4.7
}

// SimilarityFloor is the minimum cosine similarity spec §4.5/§6 requires
// for a semantic hit to be returned at all (config key
// tm_similarity_threshold, default 0.80).
const SimilarityFloor = 0.80

// ContainsThreshold is the minimum contains-tier score spec §4.7 step 2
// requires for a hit to be emitted (config key
// tm_fuzzy_contains_threshold, default 0.50).
const ContainsThreshold = 0.50

// Searcher runs C7's tiered search against a Backend/Index pair built
// by C6.
type Searcher struct {
	backend *store.Backend
	hashIdx *hashindex.Index
}

// New returns a Searcher.
func New(backend *store.Backend, hashIdx *hashindex.Index) *Searcher {
	return &Searcher{backend: backend, hashIdx: hashIdx}
}

// Search runs the exact -> contains -> semantic -> line pipeline for a
// query against a TM, returning deduplicated, tier-then-score-ranked
// hits. Semantic search only runs when opts.Semantic is true and an
// embedding.Engine is supplied (callers without a configured deep
// engine should simply omit it to skip that tier).
func (s *Searcher) Search(ctx context.Context, tmID, queryText string, engine embedding.Engine, opts Options) (Result, error) {
	if opts.K <= 0 {
		opts.K = 10
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	canonical := normalize.Normalize(queryText)
	seen := map[string]bool{}
	var hits []Hit

	addHits := func(newHits []Hit) {
		for _, h := range newHits {
			if seen[h.EntryID] {
				continue
			}
			seen[h.EntryID] = true
			hits = append(hits, h)
		}
	}

	// Exact tier short-circuits the rest of the pipeline: spec §4.7 step 1
	// says any exact hit returns immediately, sorted by recency, without
	// falling through to contains/semantic.
	exact := s.exactTier(tmID, canonical)
	if len(exact) > 0 {
		addHits(exact)
		s.sortByRecency(ctx, hits)
		if len(hits) > opts.K {
			hits = hits[:opts.K]
		}
		return Result{Hits: hits, Partial: ctx.Err() != nil}, nil
	}

	// A TM still marked building (startup snapshot load failed, or a
	// rebuild is in flight) only has C3's exact-tier index reliably
	// available; contains/semantic/line all depend on the same C3/C5
	// mirrors the rebuild is still repopulating, so skip straight to a
	// partial, exact-only result rather than searching a half-built index.
	if tm, err := s.backend.GetTM(ctx, tmID); err == nil && tm.Building {
		return Result{Hits: hits, Partial: true}, nil
	}

	if len(hits) < opts.K && ctx.Err() == nil {
		addHits(s.containsTier(tmID, canonical, opts.K-len(hits)))
	}

	partial := false
	if opts.Semantic && engine != nil && len(hits) < opts.K {
		if ctx.Err() != nil {
			partial = true
		} else {
			semanticHits, err := s.semanticTier(ctx, tmID, canonical, engine, opts.K-len(hits))
			if err != nil {
				partial = true
			} else {
				addHits(semanticHits)
			}
		}
	}

	// Line tier is only a fallback for when whole-granularity (exact,
	// contains, semantic) found nothing at all (spec §4.7 step 4).
	if len(hits) == 0 && ctx.Err() == nil {
		var lineEngine embedding.Engine
		if opts.Semantic {
			lineEngine = engine
		}
		addHits(s.lineTier(ctx, tmID, canonical, lineEngine, opts.K))
	}
	if ctx.Err() != nil {
		partial = true
	}

	sort.SliceStable(hits, func(i, j int) bool {
		ti, tj := tierRank(hits[i].Tier), tierRank(hits[j].Tier)
		if ti != tj {
			return ti < tj
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > opts.K {
		hits = hits[:opts.K]
	}
	return Result{Hits: hits, Partial: partial}, nil
}

// sortByRecency orders exact-tier hits by entry UpdatedAt descending (spec
// §4.7 step 1), falling back to stable input order for entries the
// backend can't resolve (e.g. concurrently deleted between index lookup
// and this read).
func (s *Searcher) sortByRecency(ctx context.Context, hits []Hit) {
	updatedAt := make(map[string]time.Time, len(hits))
	for _, h := range hits {
		if e, err := s.backend.GetTMEntry(ctx, h.EntryID); err == nil {
			updatedAt[h.EntryID] = e.UpdatedAt
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return updatedAt[hits[i].EntryID].After(updatedAt[hits[j].EntryID])
	})
}

func tierRank(t Tier) int {
	switch t {
	case TierExact:
		return 0
	case TierContains:
		return 1
	case TierSemantic:
		return 2
	case TierLine:
		return 3
	default:
		return 4
	}
}

// exactTier looks up an exact canonical match in the in-memory C3 mirror.
func (s *Searcher) exactTier(tmID, canonical string) []Hit {
	ids := s.hashIdx.Lookup(tmID, model.GranularityWhole, canonical)
	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		hits = append(hits, Hit{EntryID: id, Tier: TierExact, Score: 1})
	}
	return hits
}

// containsTier scans canonical keys for a literal substring, scoring
// matches by how much of the candidate the query substring covers
// (longer overlap scores higher), same intuition as the teacher's
// SearchText literal-match ranking.
func (s *Searcher) containsTier(tmID, canonical string, limit int) []Hit {
	if limit <= 0 {
		return nil
	}
	found := s.hashIdx.Contains(tmID, model.GranularityWhole, canonical)
	hits := make([]Hit, 0, len(found))
	for _, f := range found {
		shorter, longer := len(canonical), len(f.Canonical)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		score := 0.0
		if longer > 0 {
			score = float64(shorter) / float64(longer)
			if score > 1 {
				score = 1
			}
		}
		if score < ContainsThreshold {
			continue
		}
		hits = append(hits, Hit{EntryID: f.EntryID, Tier: TierContains, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// semanticTier embeds the query and runs an HNSW nearest-neighbor
// search against C5 (spec §4.5), discarding hits below SimilarityFloor.
func (s *Searcher) semanticTier(ctx context.Context, tmID, canonical string, engine embedding.Engine, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	vecs, err := engine.EmbedBatch(ctx, []string{canonical})
	if err != nil {
		return nil, err
	}
	matches, err := s.backend.VectorIndexSearch(ctx, tmID, model.GranularityWhole, vecs[0], limit, SimilarityFloor)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, Hit{EntryID: m.EntryID, Tier: TierSemantic, Score: m.Score})
	}
	return hits, nil
}

// lineTier falls back to per-line matches (spec §4.3/§4.7 step 4): split
// the query on newline markers, repeat the exact -> contains -> semantic
// steps per non-empty line against the line-granularity indexes, and
// aggregate by entry id using the max score any of its lines produced.
// Only runs when whole-granularity (exact/contains/semantic) found
// nothing at all.
func (s *Searcher) lineTier(ctx context.Context, tmID, canonical string, engine embedding.Engine, limit int) []Hit {
	if limit <= 0 {
		return nil
	}
	best := map[string]float64{}
	bump := func(id string, score float64) {
		if score > best[id] {
			best[id] = score
		}
	}

	for _, line := range normalize.Lines(canonical) {
		if line == "" {
			continue
		}

		// Step 1: exact match on this line.
		exactIDs := s.hashIdx.Lookup(tmID, model.GranularityLine, line)
		if len(exactIDs) > 0 {
			for _, id := range exactIDs {
				bump(id, 1)
			}
			continue // an exact line hit stops this line's own 1-3 cascade
		}

		// Step 2: contains match on this line.
		for _, f := range s.hashIdx.Contains(tmID, model.GranularityLine, line) {
			shorter, longer := len(line), len(f.Canonical)
			if shorter > longer {
				shorter, longer = longer, shorter
			}
			score := 0.0
			if longer > 0 {
				score = float64(shorter) / float64(longer)
				if score > 1 {
					score = 1
				}
			}
			if score >= ContainsThreshold {
				bump(f.EntryID, score)
			}
		}

		// Step 3: semantic match on this line.
		if engine != nil && ctx.Err() == nil {
			if vecs, err := engine.EmbedBatch(ctx, []string{line}); err == nil {
				if matches, err := s.backend.VectorIndexSearch(ctx, tmID, model.GranularityLine, vecs[0], limit, SimilarityFloor); err == nil {
					for _, m := range matches {
						bump(m.EntryID, m.Score)
					}
				}
			}
		}
	}

	hits := make([]Hit, 0, len(best))
	for id, score := range best {
		hits = append(hits, Hit{EntryID: id, Tier: TierLine, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// CompileLiteralOrPattern mirrors the teacher's literal/regex switch in
// SearchText: literal mode escapes the pattern before compiling so
// callers never need to hand-escape regex metacharacters themselves.
func CompileLiteralOrPattern(pattern string, literal bool) (*regexp.Regexp, error) {
	if literal {
		pattern = regexp.QuoteMeta(pattern)
	}
	return regexp.Compile(pattern)
}
