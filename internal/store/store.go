// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements C1 (Row Store), the durable half of C3 (Hash
// Index) and C5 (Vector Index) on top of an embedded CozoDB instance —
// the same embedding strategy the teacher uses for its code graph,
// repointed at LDM's Project/Folder/File/Row/TM/TMEntry schema. CozoDB's
// native `::hnsw` index gives C5 for free; C3's exact lookup is a plain
// keyed relation.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	cozo "github.com/neilvibe/ldm/pkg/cozodb"
)

// Backend is a single project's (or the whole server's) embedded CozoDB
// connection. One Backend is shared by every component that needs
// durable access: C1 directly, C6 for building C3/C5, C7 for reading
// them back.
type Backend struct {
	db     *cozo.CozoDB
	mu     sync.RWMutex
	closed bool
	logger *slog.Logger

	// embeddingDims is keyed by TM id: HNSW indexes are created per-TM
	// since each TM may use a different engine/dimension (spec §4.4).
	embeddingDims map[string]int
	dimsMu        sync.Mutex
}

// Config configures the embedded backend. Mirrors the teacher's
// EmbeddedConfig (DataDir/Engine), minus the code-graph-specific
// ProjectID/EmbeddingDimensions defaults, which in LDM are per-TM, not
// per-backend (spec §4.4 forbids a single dimension for the whole store).
type Config struct {
	// DataDir is the root directory for CozoDB's on-disk state.
	// Required: New returns an error when it is empty.
	DataDir string

	// Engine is the CozoDB storage engine: "rocksdb", "sqlite", or "mem".
	Engine string
}

// New opens (creating if absent) the embedded backend and its schema.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Engine == "" {
		cfg.Engine = "rocksdb"
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("store: DataDir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := cozo.New(cfg.Engine, cfg.DataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open cozodb: %w", err)
	}

	b := &Backend{
		db:            &db,
		logger:        logger,
		embeddingDims: map[string]int{},
	}
	if err := b.ensureSchema(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Close releases the underlying CozoDB connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.db.Close()
	return nil
}

// query runs a read-only Datalog script.
func (b *Backend) query(ctx context.Context, script string, params map[string]any) (cozo.NamedRows, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return cozo.NamedRows{}, fmt.Errorf("store: backend is closed")
	}
	select {
	case <-ctx.Done():
		return cozo.NamedRows{}, ctx.Err()
	default:
	}
	return b.db.RunReadOnly(script, params)
}

// exec runs a mutating Datalog script.
func (b *Backend) exec(ctx context.Context, script string, params map[string]any) (cozo.NamedRows, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return cozo.NamedRows{}, fmt.Errorf("store: backend is closed")
	}
	select {
	case <-ctx.Done():
		return cozo.NamedRows{}, ctx.Err()
	default:
	}
	return b.db.Run(script, params)
}

// ensureSchema creates LDM's tables if absent. Idempotent, as the teacher's
// EnsureSchema is, so callers may invoke it on every startup.
func (b *Backend) ensureSchema() error {
	tables := []string{
		`:create ldm_project { id: String => name: String, owner: String, created_at: Float, linked_tm_id: String default '' }`,
		`:create ldm_folder { id: String => project_id: String, parent_id: String default '', name: String, sort_order: Int default 0 }`,
		`:create ldm_file { id: String => project_id: String, folder_id: String default '', name: String, format: String, row_count: Int default 0, source_hash: String default '' }`,
		`:create ldm_row { id: String => file_id: String, row_num: Int, string_id: String default '', source: String, target: String default '', status: String, updated_by: String default '', updated_at: Float default 0, version: Int default 1 }`,
		`:create ldm_tm { id: String => name: String, source_lang: String, target_lang: String, embedding_engine: String, created_at: Float, stale_count: Int default 0, last_sync_at: Float default 0, building: Bool default false }`,
		`:create ldm_tm_entry { id: String => tm_id: String, source: String, target: String, normalized_source: String, source_type: String, created_by: String default '', created_at: Float, updated_at: Float, confirmed: Bool default true, index_error: String default '' }`,
		`:create ldm_edit_lock { row_id: String => holder: String, acquired_at: Float, lease_expires_at: Float }`,
		`:create ldm_offline_sub { entity_type: String, entity_id: String, user: String => sync_status: String, last_sync_at: Float default 0 }`,
		// Hash Index (C3): one row per (tm_id, granularity, canonical) key,
		// entry_id is the back-reference; for line granularity it is the
		// id of the parent entry the line was split from.
		`:create ldm_hash_index { tm_id: String, granularity: String, canonical: String, entry_id: String => }`,
		// Vector Index (C5) storage: embeddings land in a per-(tm,granularity)
		// keyed relation below so CozoDB's HNSW can be built per TM, per
		// granularity, matching the teacher's per-table HNSW approach.
		`:create ldm_tm_entry_embedding { tm_id: String, granularity: String, entry_id: String => embedding: <F32; 768> }`,
		`:create ldm_meta { key: String => value: String }`,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tables {
		if _, err := b.db.Run(t, nil); err != nil {
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("store: create table failed: %w", err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "already exists") || contains(msg, "conflicts with an existing one")
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// GetMeta/SetMeta mirror the teacher's GetProjectMeta/SetProjectMeta
// key/value helper, generalized to server-wide metadata (e.g. schema
// version, last-startup-recovery markers).
func (b *Backend) GetMeta(ctx context.Context, key string) (string, error) {
	result, err := b.query(ctx, `?[value] := *ldm_meta{key, value}, key = $key`, map[string]any{"key": key})
	if err != nil {
		return "", err
	}
	if len(result.Rows) == 0 {
		return "", nil
	}
	v, _ := result.Rows[0][0].(string)
	return v, nil
}

func (b *Backend) SetMeta(ctx context.Context, key, value string) error {
	_, err := b.exec(ctx, `?[key, value] <- [[$key, $value]] :put ldm_meta { key, value }`,
		map[string]any{"key": key, "value": value})
	return err
}

// TMDataDir returns the per-TM snapshot directory from spec §6's
// persisted layout: <data-root>/tm/<tm_id>/.
func TMDataDir(dataRoot, tmID string) string {
	return filepath.Join(dataRoot, "tm", tmID)
}
