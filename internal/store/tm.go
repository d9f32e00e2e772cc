// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
)

// CreateTM inserts a new TM.
func (b *Backend) CreateTM(ctx context.Context, tm model.TM) (model.TM, error) {
	if tm.ID == "" {
		tm.ID = uuid.NewString()
	}
	if tm.CreatedAt.IsZero() {
		tm.CreatedAt = time.Now()
	}
	_, err := b.exec(ctx, `?[id, name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building] <-
		[[$id, $name, $source_lang, $target_lang, $engine, $created_at, $stale_count, $last_sync_at, $building]]
		:put ldm_tm { id => name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building }`,
		map[string]any{
			"id": tm.ID, "name": tm.Name, "source_lang": tm.SourceLang, "target_lang": tm.TargetLang,
			"engine": string(tm.EmbeddingEngine), "created_at": float64(tm.CreatedAt.Unix()),
			"stale_count": tm.StaleCount, "last_sync_at": float64(tm.LastSyncAt.Unix()), "building": tm.Building,
		})
	if err != nil {
		return model.TM{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "create tm")
	}
	return tm, nil
}

func tmFromCozo(id string, row []any) model.TM {
	name, _ := row[0].(string)
	srcLang, _ := row[1].(string)
	tgtLang, _ := row[2].(string)
	engine, _ := row[3].(string)
	created, _ := row[4].(float64)
	stale, _ := row[5].(float64)
	lastSync, _ := row[6].(float64)
	building, _ := row[7].(bool)
	return model.TM{
		ID: id, Name: name, SourceLang: srcLang, TargetLang: tgtLang,
		EmbeddingEngine: model.EmbeddingEngine(engine), CreatedAt: time.Unix(int64(created), 0),
		StaleCount: int(stale), LastSyncAt: time.Unix(int64(lastSync), 0), Building: building,
	}
}

// GetTM fetches a TM by id.
func (b *Backend) GetTM(ctx context.Context, id string) (model.TM, error) {
	result, err := b.query(ctx, `?[name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building] :=
		*ldm_tm{id, name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building}, id = $id`,
		map[string]any{"id": id})
	if err != nil {
		return model.TM{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get tm")
	}
	if len(result.Rows) == 0 {
		return model.TM{}, ldmerrors.NotFound("tm %s not found", id)
	}
	return tmFromCozo(id, result.Rows[0]), nil
}

// ListTMs returns every TM, ordered by name.
func (b *Backend) ListTMs(ctx context.Context) ([]model.TM, error) {
	result, err := b.query(ctx, `?[id, name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building] :=
		*ldm_tm{id, name, source_lang, target_lang, embedding_engine, created_at, stale_count, last_sync_at, building} :order name`, nil)
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "list tms")
	}
	out := make([]model.TM, 0, len(result.Rows))
	for _, row := range result.Rows {
		id, _ := row[0].(string)
		out = append(out, tmFromCozo(id, row[1:]))
	}
	return out, nil
}

// SetTMStaleCount/SetTMBuilding/SetTMLastSync are narrow mutators used by
// C6 (TM Sync Manager) to update status fields without a full round-trip
// read-modify-write of the TM record.
func (b *Backend) SetTMStaleCount(ctx context.Context, tmID string, count int) error {
	tm, err := b.GetTM(ctx, tmID)
	if err != nil {
		return err
	}
	tm.StaleCount = count
	_, err = b.CreateTM(ctx, tm)
	return err
}

func (b *Backend) SetTMBuilding(ctx context.Context, tmID string, building bool) error {
	tm, err := b.GetTM(ctx, tmID)
	if err != nil {
		return err
	}
	tm.Building = building
	_, err = b.CreateTM(ctx, tm)
	return err
}

func (b *Backend) SetTMLastSync(ctx context.Context, tmID string, at time.Time) error {
	tm, err := b.GetTM(ctx, tmID)
	if err != nil {
		return err
	}
	tm.LastSyncAt = at
	_, err = b.CreateTM(ctx, tm)
	return err
}

// UpsertTMEntry implements invariant 3 (spec §3): re-adding the same
// (tm_id, normalized_source, target) pair is a no-op that bumps
// updated_at/confirmed rather than creating a duplicate.
func (b *Backend) UpsertTMEntry(ctx context.Context, e model.TMEntry) (model.TMEntry, bool, error) {
	existing, err := b.findTMEntry(ctx, e.TMID, e.NormalizedSource, e.Target)
	now := time.Now()
	if err == nil {
		existing.UpdatedAt = now
		existing.Confirmed = true
		if err := b.putTMEntry(ctx, existing); err != nil {
			return model.TMEntry{}, false, err
		}
		return existing, false, nil
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	if !e.Confirmed {
		e.Confirmed = true
	}
	if err := b.putTMEntry(ctx, e); err != nil {
		return model.TMEntry{}, false, err
	}
	return e, true, nil
}

func (b *Backend) putTMEntry(ctx context.Context, e model.TMEntry) error {
	_, err := b.exec(ctx, `?[id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error] <-
		[[$id, $tm_id, $source, $target, $normalized_source, $source_type, $created_by, $created_at, $updated_at, $confirmed, $index_error]]
		:put ldm_tm_entry { id => tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error }`,
		map[string]any{
			"id": e.ID, "tm_id": e.TMID, "source": e.Source, "target": e.Target,
			"normalized_source": e.NormalizedSource, "source_type": string(e.SourceType),
			"created_by": e.CreatedBy, "created_at": float64(e.CreatedAt.Unix()), "updated_at": float64(e.UpdatedAt.Unix()),
			"confirmed": e.Confirmed, "index_error": e.IndexError,
		})
	if err != nil {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "put tm entry")
	}
	return nil
}

func (b *Backend) findTMEntry(ctx context.Context, tmID, normalizedSource, target string) (model.TMEntry, error) {
	result, err := b.query(ctx, `?[id, source, created_by, created_at, updated_at, confirmed, index_error] :=
		*ldm_tm_entry{id, tm_id, source, target: tgt, normalized_source: ns, source_type: _, created_by, created_at, updated_at, confirmed, index_error},
		tm_id = $tm_id, ns = $ns, tgt = $target`,
		map[string]any{"tm_id": tmID, "ns": normalizedSource, "target": target})
	if err != nil {
		return model.TMEntry{}, err
	}
	if len(result.Rows) == 0 {
		return model.TMEntry{}, ldmerrors.NotFound("no matching tm entry")
	}
	row := result.Rows[0]
	id, _ := row[0].(string)
	source, _ := row[1].(string)
	createdBy, _ := row[2].(string)
	createdAt, _ := row[3].(float64)
	updatedAt, _ := row[4].(float64)
	confirmed, _ := row[5].(bool)
	indexErr, _ := row[6].(string)
	return model.TMEntry{
		ID: id, TMID: tmID, Source: source, Target: target, NormalizedSource: normalizedSource,
		CreatedBy: createdBy, CreatedAt: time.Unix(int64(createdAt), 0), UpdatedAt: time.Unix(int64(updatedAt), 0),
		Confirmed: confirmed, IndexError: indexErr,
	}, nil
}

func tmEntryFromCozo(row []any) model.TMEntry {
	id, _ := row[0].(string)
	tmID, _ := row[1].(string)
	source, _ := row[2].(string)
	target, _ := row[3].(string)
	normalizedSource, _ := row[4].(string)
	sourceType, _ := row[5].(string)
	createdBy, _ := row[6].(string)
	createdAt, _ := row[7].(float64)
	updatedAt, _ := row[8].(float64)
	confirmed, _ := row[9].(bool)
	indexErr, _ := row[10].(string)
	return model.TMEntry{
		ID: id, TMID: tmID, Source: source, Target: target, NormalizedSource: normalizedSource,
		SourceType: model.TMSourceType(sourceType), CreatedBy: createdBy,
		CreatedAt: time.Unix(int64(createdAt), 0), UpdatedAt: time.Unix(int64(updatedAt), 0),
		Confirmed: confirmed, IndexError: indexErr,
	}
}

// GetTMEntry fetches a TMEntry by id.
func (b *Backend) GetTMEntry(ctx context.Context, id string) (model.TMEntry, error) {
	result, err := b.query(ctx, `?[id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error] :=
		*ldm_tm_entry{id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error}, id = $id`,
		map[string]any{"id": id})
	if err != nil {
		return model.TMEntry{}, ldmerrors.Wrap(ldmerrors.KindInternal, err, "get tm entry")
	}
	if len(result.Rows) == 0 {
		return model.TMEntry{}, ldmerrors.NotFound("tm entry %s not found", id)
	}
	return tmEntryFromCozo(result.Rows[0]), nil
}

// DeleteTMEntry removes a TMEntry and its C3/C5 index state (spec §3's
// lifecycle: "destroyed by explicit delete, cascading to C3/C5 through
// C6" — the cascade here is the storage-level half of that; C6 is
// responsible for calling it instead of touching the tables directly).
func (b *Backend) DeleteTMEntry(ctx context.Context, tmID, entryID string) error {
	queries := []string{
		`?[tm_id, granularity, canonical, entry_id] := *ldm_hash_index{tm_id, granularity, canonical, entry_id}, tm_id = $tm_id, entry_id = $entry_id
		 :rm ldm_hash_index {tm_id, granularity, canonical, entry_id}`,
		`?[tm_id, granularity, entry_id] := *ldm_tm_entry_embedding{tm_id, granularity, entry_id}, tm_id = $tm_id, entry_id = $entry_id
		 :rm ldm_tm_entry_embedding {tm_id, granularity, entry_id}`,
		`?[id] := *ldm_tm_entry{id, tm_id}, id = $entry_id, tm_id = $tm_id :rm ldm_tm_entry {id}`,
	}
	for _, q := range queries {
		if _, err := b.exec(ctx, q, map[string]any{"tm_id": tmID, "entry_id": entryID}); err != nil {
			return ldmerrors.Wrap(ldmerrors.KindInternal, err, "delete tm entry")
		}
	}
	return nil
}

// ListConfirmedTMEntries returns every confirmed TMEntry for a TM, used
// by C6's rebuild path to reconstruct C3/C5 from C1 (spec §4.6).
func (b *Backend) ListConfirmedTMEntries(ctx context.Context, tmID string) ([]model.TMEntry, error) {
	result, err := b.query(ctx, `?[id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error] :=
		*ldm_tm_entry{id, tm_id, source, target, normalized_source, source_type, created_by, created_at, updated_at, confirmed, index_error},
		tm_id = $tm_id, confirmed = true`,
		map[string]any{"tm_id": tmID})
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "list confirmed tm entries")
	}
	out := make([]model.TMEntry, 0, len(result.Rows))
	for _, row := range result.Rows {
		out = append(out, tmEntryFromCozo(row))
	}
	return out, nil
}

// SetTMEntryIndexError records an embedding failure for a TMEntry (spec
// §7: "Entries whose embedding fails are recorded with index_error and
// excluded from C5 but kept in C3").
func (b *Backend) SetTMEntryIndexError(ctx context.Context, entryID, errMsg string) error {
	e, err := b.GetTMEntry(ctx, entryID)
	if err != nil {
		return err
	}
	e.IndexError = errMsg
	return b.putTMEntry(ctx, e)
}

// --- C3 Hash Index persistence ---

// HashIndexAdd adds a canonical→entry_id key for a TM/granularity.
func (b *Backend) HashIndexAdd(ctx context.Context, tmID string, gran model.Granularity, canonical, entryID string) error {
	_, err := b.exec(ctx, `?[tm_id, granularity, canonical, entry_id] <- [[$tm_id, $gran, $canonical, $entry_id]]
		:put ldm_hash_index { tm_id, granularity, canonical, entry_id => }`,
		map[string]any{"tm_id": tmID, "gran": string(gran), "canonical": canonical, "entry_id": entryID})
	return err
}

// HashIndexRemove removes every key for an entry_id within a TM/granularity.
func (b *Backend) HashIndexRemove(ctx context.Context, tmID string, gran model.Granularity, entryID string) error {
	_, err := b.exec(ctx, `?[tm_id, granularity, canonical, entry_id] := *ldm_hash_index{tm_id, granularity, canonical, entry_id},
		tm_id = $tm_id, granularity = $gran, entry_id = $entry_id
		:rm ldm_hash_index {tm_id, granularity, canonical, entry_id}`,
		map[string]any{"tm_id": tmID, "gran": string(gran), "entry_id": entryID})
	return err
}

// HashIndexLookup returns every entry_id keyed by an exact canonical match.
func (b *Backend) HashIndexLookup(ctx context.Context, tmID string, gran model.Granularity, canonical string) ([]string, error) {
	result, err := b.query(ctx, `?[entry_id] := *ldm_hash_index{tm_id, granularity, canonical, entry_id}, tm_id = $tm_id, granularity = $gran, canonical = $canonical`,
		map[string]any{"tm_id": tmID, "gran": string(gran), "canonical": canonical})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if id, ok := row[0].(string); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// HashIndexAllKeys returns every canonical key stored for a TM/granularity,
// used to load the durable keys into the in-memory C3 mirror
// (internal/sync's Hydrate and cmd/ldmd's hydrateHashIndex).
func (b *Backend) HashIndexAllKeys(ctx context.Context, tmID string, gran model.Granularity) ([]string, error) {
	result, err := b.query(ctx, `?[canonical] := *ldm_hash_index{tm_id, granularity, canonical, entry_id: _}, tm_id = $tm_id, granularity = $gran`,
		map[string]any{"tm_id": tmID, "gran": string(gran)})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(result.Rows))
	for _, row := range result.Rows {
		if c, ok := row[0].(string); ok && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

// --- C5 Vector Index persistence ---

// EnsureHNSW creates (idempotently) the HNSW index for a TM at the given
// dimension, mirroring the teacher's CreateHNSWIndex.
func (b *Backend) EnsureHNSW(ctx context.Context, tmID string, dim int) error {
	if dim <= 0 {
		dim = 768
	}
	b.dimsMu.Lock()
	b.embeddingDims[tmID] = dim
	b.dimsMu.Unlock()

	idx := fmt.Sprintf(`::hnsw create ldm_tm_entry_embedding:%s_idx { dim: %d, m: 16, ef_construction: 200, distance: Cosine, fields: [embedding], filter: tm_id = %q }`,
		hnswIndexName(tmID), dim, tmID)
	_, err := b.exec(ctx, idx, nil)
	if err != nil && !isAlreadyExists(err) {
		return ldmerrors.Wrap(ldmerrors.KindInternal, err, "ensure hnsw index")
	}
	return nil
}

func hnswIndexName(tmID string) string {
	out := make([]byte, 0, len(tmID))
	for _, c := range tmID {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out = append(out, byte(c))
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

// VectorIndexAdd stores/overwrites an entry's embedding vector.
func (b *Backend) VectorIndexAdd(ctx context.Context, tmID string, gran model.Granularity, entryID string, vec []float32) error {
	_, err := b.exec(ctx, `?[tm_id, granularity, entry_id, embedding] <- [[$tm_id, $gran, $entry_id, $embedding]]
		:put ldm_tm_entry_embedding { tm_id, granularity, entry_id => embedding }`,
		map[string]any{"tm_id": tmID, "gran": string(gran), "entry_id": entryID, "embedding": vec})
	return err
}

// VectorIndexRemove deletes an entry's embedding vector.
func (b *Backend) VectorIndexRemove(ctx context.Context, tmID string, gran model.Granularity, entryID string) error {
	_, err := b.exec(ctx, `?[tm_id, granularity, entry_id] := *ldm_tm_entry_embedding{tm_id, granularity, entry_id}, tm_id = $tm_id, granularity = $gran, entry_id = $entry_id
		:rm ldm_tm_entry_embedding {tm_id, granularity, entry_id}`,
		map[string]any{"tm_id": tmID, "gran": string(gran), "entry_id": entryID})
	return err
}

// VectorMatch is one nearest-neighbor hit (spec §4.5).
type VectorMatch struct {
	EntryID string
	Score   float64 // inner product in [-1, 1]
}

// VectorIndexSearch runs an HNSW approximate nearest-neighbor query,
// returning only hits at or above floor (spec §4.5's similarity floor).
func (b *Backend) VectorIndexSearch(ctx context.Context, tmID string, gran model.Granularity, queryVec []float32, k int, floor float64) ([]VectorMatch, error) {
	script := fmt.Sprintf(`?[entry_id, dist] := ~ldm_tm_entry_embedding:%s_idx{entry_id | query: $query, k: %d, ef: 64, bind_distance: dist},
		*ldm_tm_entry_embedding{tm_id, granularity, entry_id}, tm_id = $tm_id, granularity = $gran :order dist :limit %d`,
		hnswIndexName(tmID), k, k)
	result, err := b.query(ctx, script, map[string]any{"query": queryVec, "tm_id": tmID, "gran": string(gran)})
	if err != nil {
		return nil, ldmerrors.Wrap(ldmerrors.KindInternal, err, "vector search")
	}
	out := make([]VectorMatch, 0, len(result.Rows))
	for _, row := range result.Rows {
		entryID, _ := row[0].(string)
		dist, _ := row[1].(float64)
		// CozoDB's Cosine HNSW returns distance in [0,2]; convert to an
		// inner-product-style similarity score in [-1,1] (spec §4.5).
		score := 1 - dist
		if score >= floor {
			out = append(out, VectorMatch{EntryID: entryID, Score: score})
		}
	}
	return out, nil
}
