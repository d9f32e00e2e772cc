// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sync implements C6 (TM Sync Manager): queues pending TM entry
// mutations, builds/rebuilds C3 and C5 from C1, and reports progress
// through internal/tasks. The stage/phase reporting style (current,
// total, phase string) mirrors the teacher's ProgressCallback in
// pkg/ingestion/local_pipeline.go, generalized from "parsing/embedding/
// writing" to LDM's "prepare/embed/index/persist" stages (spec §4.6).
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/neilvibe/ldm/internal/embedding"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/normalize"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/tasks"
)

// ProgressFunc reports build progress, matching the teacher's
// ProgressCallback shape: (current, total, phase).
type ProgressFunc func(current, total int64, phase string)

// opKind is the kind of a queued mutation awaiting the next sync() call.
type opKind string

const (
	opAdd    opKind = "add"
	opUpdate opKind = "update"
	opDelete opKind = "delete"
)

type queuedOp struct {
	kind  opKind
	entry model.TMEntry
}

// Manager owns the per-TM pending queues and engine selection. One
// Manager is shared by the whole server; it guarantees at-most-one
// concurrent build per TM while allowing different TMs to build in
// parallel up to MaxParallelBuilds (spec §4.6 concurrency rule).
type Manager struct {
	backend  *store.Backend
	hashIdx  *hashindex.Index
	tasks    *tasks.Tracker
	logger   *slog.Logger
	dataRoot string

	engines map[model.EmbeddingEngine]embedding.Engine

	mu       sync.Mutex
	queues   map[string][]queuedOp
	building map[string]context.CancelFunc

	buildSem chan struct{}
}

// Config configures a Manager.
type Config struct {
	DataRoot          string
	MaxParallelBuilds int
	Engines           map[model.EmbeddingEngine]embedding.Engine
}

// New constructs a Manager.
func New(backend *store.Backend, hashIdx *hashindex.Index, tracker *tasks.Tracker, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	parallelCap := cfg.MaxParallelBuilds
	if parallelCap <= 0 {
		parallelCap = 4
	}
	engines := cfg.Engines
	if engines == nil {
		engines = map[model.EmbeddingEngine]embedding.Engine{
			model.EngineFast: embedding.NewMockEngine(768),
		}
	}
	return &Manager{
		backend:  backend,
		hashIdx:  hashIdx,
		tasks:    tracker,
		logger:   logger,
		dataRoot: cfg.DataRoot,
		engines:  engines,
		queues:   map[string][]queuedOp{},
		building: map[string]context.CancelFunc{},
		buildSem: make(chan struct{}, parallelCap),
	}
}

// EnqueueAdd/EnqueueUpdate/EnqueueDelete append a pending mutation for a
// TM and bump its stale_count by one (spec §4.6: "enqueue_add(entry):
// O(1) append to a per-TM work queue; stale_count += 1"). The mutation
// itself is applied the next time Sync runs for that TM.
func (m *Manager) EnqueueAdd(tmID string, entry model.TMEntry) {
	m.enqueue(tmID, queuedOp{kind: opAdd, entry: entry})
	m.bumpStale(tmID, 1)
}

func (m *Manager) EnqueueUpdate(tmID string, entry model.TMEntry) {
	m.enqueue(tmID, queuedOp{kind: opUpdate, entry: entry})
	m.bumpStale(tmID, 1)
}

func (m *Manager) EnqueueDelete(tmID, entryID string) {
	m.enqueue(tmID, queuedOp{kind: opDelete, entry: model.TMEntry{ID: entryID, TMID: tmID}})
	m.bumpStale(tmID, 1)
}

func (m *Manager) enqueue(tmID string, op queuedOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[tmID] = append(m.queues[tmID], op)
}

// bumpStale adjusts a TM's persisted stale_count by delta, clamped at
// zero. Best-effort: a failure to read/write the counter never blocks
// the caller's enqueue or sync (spec §4.6 treats stale_count as an
// observability signal, not a correctness gate).
func (m *Manager) bumpStale(tmID string, delta int) {
	ctx := context.Background()
	tm, err := m.backend.GetTM(ctx, tmID)
	if err != nil {
		return
	}
	next := tm.StaleCount + delta
	if next < 0 {
		next = 0
	}
	_ = m.backend.SetTMStaleCount(ctx, tmID, next)
}

func (m *Manager) drain(tmID string) []queuedOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.queues[tmID]
	delete(m.queues, tmID)
	return ops
}

// engineFor resolves the embedding.Engine for a TM's configured kind,
// falling back to fast/mock if the deep engine isn't wired (e.g. no
// API key configured) so sync never blocks indefinitely.
func (m *Manager) engineFor(kind model.EmbeddingEngine) embedding.Engine {
	if e, ok := m.engines[kind]; ok {
		return e
	}
	if e, ok := m.engines[model.EngineFast]; ok {
		return e
	}
	return embedding.NewMockEngine(768)
}

// acquireBuildSlot blocks until a build slot is free (bounds
// cross-TM parallelism) while Begin enforces at-most-one build per TM.
func (m *Manager) acquireBuildSlot(ctx context.Context) error {
	select {
	case m.buildSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseBuildSlot() { <-m.buildSem }

// begin registers a running build for tmID, returning an error if one
// is already in flight (spec §4.6: "at most one build per TM at a
// time"). The returned cancel func is wired to Cancel.
func (m *Manager) begin(tmID string) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.building[tmID]; ok {
		return nil, nil, ldmerrors.Conflict("tm %s is already building", tmID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.building[tmID] = cancel
	done := func() {
		m.mu.Lock()
		delete(m.building, tmID)
		m.mu.Unlock()
	}
	return ctx, done, nil
}

// Cancel stops an in-flight build for a TM, if any.
func (m *Manager) Cancel(tmID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.building[tmID]
	if ok {
		cancel()
	}
	return ok
}

// Sync drains the pending queue for a TM and applies it incrementally
// to C3/C5 (no full rebuild). Reports progress through four stages:
// prepare, embed, index, persist.
func (m *Manager) Sync(ctx context.Context, tmID string, progress ProgressFunc) error {
	if err := m.acquireBuildSlot(ctx); err != nil {
		return err
	}
	defer m.releaseBuildSlot()

	buildCtx, done, err := m.begin(tmID)
	if err != nil {
		return err
	}
	defer done()

	task, _, _ := m.tasks.Start(ctx, "sync", tmID)
	progress = combine(progress, task.UpdateFromCounts)
	var taskErr error
	defer func() {
		if taskErr != nil {
			task.Finish(model.OutcomeFailed, taskErr.Error())
		} else {
			task.Finish(model.OutcomeSucceeded, "sync complete")
		}
	}()

	tm, err := m.backend.GetTM(ctx, tmID)
	if err != nil {
		taskErr = err
		return err
	}
	_ = m.backend.SetTMBuilding(ctx, tmID, true)
	defer m.backend.SetTMBuilding(context.Background(), tmID, false)

	ops := m.drain(tmID)
	report(progress, 0, int64(len(ops)), "prepare")

	engine := m.engineFor(tm.EmbeddingEngine)
	if err := m.backend.EnsureHNSW(ctx, tmID, engine.Dimension()); err != nil {
		taskErr = err
		return err
	}

	var failures int
	for i, op := range ops {
		select {
		case <-buildCtx.Done():
			taskErr = ldmerrors.Cancelled("sync cancelled for tm %s", tmID)
			return taskErr
		default:
		}

		switch op.kind {
		case opDelete:
			m.hashIdx.Remove(tmID, model.GranularityWhole, op.entry.ID)
			m.hashIdx.Remove(tmID, model.GranularityLine, op.entry.ID)
			if err := m.backend.HashIndexRemove(ctx, tmID, model.GranularityWhole, op.entry.ID); err != nil {
				m.logger.Warn("sync: hash index remove failed", "tm_id", tmID, "entry_id", op.entry.ID, "err", err)
			}
			_ = m.backend.VectorIndexRemove(ctx, tmID, model.GranularityWhole, op.entry.ID)
			_ = m.backend.VectorIndexRemove(ctx, tmID, model.GranularityLine, op.entry.ID)
			if err := m.backend.DeleteTMEntry(ctx, tmID, op.entry.ID); err != nil {
				failures++
				m.logger.Warn("sync: delete failed", "tm_id", tmID, "entry_id", op.entry.ID, "err", err)
			}
		case opAdd, opUpdate:
			if err := m.indexEntry(ctx, buildCtx, tmID, engine, op.entry, progress); err != nil {
				failures++
				_ = m.backend.SetTMEntryIndexError(ctx, op.entry.ID, err.Error())
				m.logger.Warn("sync: index entry failed", "tm_id", tmID, "entry_id", op.entry.ID, "err", err)
			}
		}
		report(progress, int64(i+1), int64(len(ops)), "index")
	}

	report(progress, int64(len(ops)), int64(len(ops)), "persist")
	// Each drained op already contributed +1 to stale_count when it was
	// enqueued; only the ones that synced successfully bring the count
	// back down (failed ops stay stale — spec invariant 4 and testable
	// property 3: stale_count reaches 0 only once every enqueued op has
	// actually landed in C3/C5).
	m.bumpStale(tmID, -(len(ops) - failures))
	_ = m.backend.SetTMLastSync(ctx, tmID, time.Now())
	m.appendLog(tmID, fmt.Sprintf("sync: %d ops, %d failures", len(ops), failures))
	return nil
}

// indexEntry embeds and indexes one TMEntry at both granularities
// (spec §4.3: whole-string plus per-line splits).
func (m *Manager) indexEntry(ctx, buildCtx context.Context, tmID string, engine embedding.Engine, entry model.TMEntry, progress ProgressFunc) error {
	report(progress, 0, 1, "embed")

	canonical := entry.NormalizedSource
	vecs, err := engine.EmbedBatch(ctx, []string{canonical})
	if err != nil {
		return fmt.Errorf("embed whole: %w", err)
	}
	m.hashIdx.Add(tmID, model.GranularityWhole, canonical, entry.ID)
	if err := m.backend.HashIndexAdd(ctx, tmID, model.GranularityWhole, canonical, entry.ID); err != nil {
		return fmt.Errorf("hash index add: %w", err)
	}
	if err := m.backend.VectorIndexAdd(ctx, tmID, model.GranularityWhole, entry.ID, vecs[0]); err != nil {
		return fmt.Errorf("vector index add: %w", err)
	}

	lines := normalize.Lines(canonical)
	if len(lines) > 1 {
		lineVecs, err := engine.EmbedBatch(ctx, lines)
		if err != nil {
			return fmt.Errorf("embed lines: %w", err)
		}
		for i, line := range lines {
			m.hashIdx.Add(tmID, model.GranularityLine, line, entry.ID)
			_ = m.backend.HashIndexAdd(ctx, tmID, model.GranularityLine, line, entry.ID)
			_ = m.backend.VectorIndexAdd(ctx, tmID, model.GranularityLine, entry.ID, lineVecs[i])
		}
	}
	return nil
}

func report(progress ProgressFunc, current, total int64, phase string) {
	if progress != nil {
		progress(current, total, phase)
	}
}

// combine fans a progress report out to both the caller-supplied
// callback and the task tracker's own UpdateFromCounts, so the same
// stage/percentage reaches a CLI progress bar and the task registry's
// GetByScope/List views at once.
func combine(progress ProgressFunc, taskUpdate func(current, total int64, phase string)) ProgressFunc {
	return func(current, total int64, phase string) {
		if progress != nil {
			progress(current, total, phase)
		}
		taskUpdate(current, total, phase)
	}
}

// Rebuild reconstructs C3/C5 from C1's confirmed TMEntry rows (spec
// §4.6). Unlike Sync, Rebuild ignores the pending queue (a rebuild
// always reflects C1's current state). The in-memory C3 mirror is
// built in a staging index and swapped in only after every entry has
// been processed, so a cancelled rebuild leaves the prior mirror
// untouched. The durable hash-index and embedding rows are not dropped
// first: each entry's rows are upserted as it is processed, and rows
// written before a cancellation stay in place.
func (m *Manager) Rebuild(ctx context.Context, tmID string, progress ProgressFunc) error {
	if err := m.acquireBuildSlot(ctx); err != nil {
		return err
	}
	defer m.releaseBuildSlot()

	buildCtx, done, err := m.begin(tmID)
	if err != nil {
		return err
	}
	defer done()

	task, _, _ := m.tasks.Start(ctx, "rebuild", tmID)
	progress = combine(progress, task.UpdateFromCounts)
	var taskErr error
	defer func() {
		if taskErr != nil {
			task.Finish(model.OutcomeFailed, taskErr.Error())
		} else {
			task.Finish(model.OutcomeSucceeded, "rebuild complete")
		}
	}()

	tm, err := m.backend.GetTM(ctx, tmID)
	if err != nil {
		taskErr = err
		return err
	}
	_ = m.backend.SetTMBuilding(ctx, tmID, true)
	defer m.backend.SetTMBuilding(context.Background(), tmID, false)

	entries, err := m.backend.ListConfirmedTMEntries(ctx, tmID)
	if err != nil {
		taskErr = err
		return err
	}
	report(progress, 0, int64(len(entries)), "prepare")

	engine := m.engineFor(tm.EmbeddingEngine)
	if err := m.backend.EnsureHNSW(ctx, tmID, engine.Dimension()); err != nil {
		taskErr = err
		return err
	}

	staging := hashindex.New()
	var failures int
	for i, entry := range entries {
		select {
		case <-buildCtx.Done():
			taskErr = ldmerrors.Cancelled("rebuild cancelled for tm %s", tmID)
			return taskErr
		default:
		}
		if err := m.indexEntryInto(ctx, staging, tmID, engine, entry); err != nil {
			failures++
			_ = m.backend.SetTMEntryIndexError(ctx, entry.ID, err.Error())
			m.logger.Warn("rebuild: index entry failed", "tm_id", tmID, "entry_id", entry.ID, "err", err)
		}
		report(progress, int64(i+1), int64(len(entries)), "index")
	}

	report(progress, int64(len(entries)), int64(len(entries)), "persist")
	m.hashIdx.Clear(tmID, model.GranularityWhole)
	m.hashIdx.Clear(tmID, model.GranularityLine)
	m.mergeStaging(tmID, staging)

	_ = m.backend.SetTMStaleCount(ctx, tmID, failures)
	_ = m.backend.SetTMLastSync(ctx, tmID, time.Now())
	m.appendLog(tmID, fmt.Sprintf("rebuild: %d entries, %d failures", len(entries), failures))
	return nil
}

func (m *Manager) indexEntryInto(ctx context.Context, staging *hashindex.Index, tmID string, engine embedding.Engine, entry model.TMEntry) error {
	canonical := entry.NormalizedSource
	vecs, err := engine.EmbedBatch(ctx, []string{canonical})
	if err != nil {
		return fmt.Errorf("embed whole: %w", err)
	}
	staging.Add(tmID, model.GranularityWhole, canonical, entry.ID)
	if err := m.backend.HashIndexAdd(ctx, tmID, model.GranularityWhole, canonical, entry.ID); err != nil {
		return err
	}
	if err := m.backend.VectorIndexAdd(ctx, tmID, model.GranularityWhole, entry.ID, vecs[0]); err != nil {
		return err
	}
	lines := normalize.Lines(canonical)
	if len(lines) > 1 {
		lineVecs, err := engine.EmbedBatch(ctx, lines)
		if err != nil {
			return fmt.Errorf("embed lines: %w", err)
		}
		for i, line := range lines {
			staging.Add(tmID, model.GranularityLine, line, entry.ID)
			_ = m.backend.HashIndexAdd(ctx, tmID, model.GranularityLine, line, entry.ID)
			_ = m.backend.VectorIndexAdd(ctx, tmID, model.GranularityLine, entry.ID, lineVecs[i])
		}
	}
	return nil
}

func (m *Manager) mergeStaging(tmID string, staging *hashindex.Index) {
	for _, gran := range []model.Granularity{model.GranularityWhole, model.GranularityLine} {
		for _, canon := range staging.AllCanonicals(tmID, gran) {
			for _, id := range staging.Lookup(tmID, gran, canon) {
				m.hashIdx.Add(tmID, gran, canon, id)
			}
		}
	}
}

// Hydrate loads a TM's durable C3 keys (both granularities) from the
// backend into the in-memory mirror, so a freshly started process (or a
// standalone CLI invocation) begins with the same exact/contains index a
// long-running server builds up through Sync/Rebuild, instead of an
// empty hashindex.Index that would silently miss every pre-existing
// entry until the next sync. Returns a KindIndexCorrupt error if the
// durable snapshot can't be read back at all.
func (m *Manager) Hydrate(ctx context.Context, tmID string) error {
	for _, gran := range []model.Granularity{model.GranularityWhole, model.GranularityLine} {
		keys, err := m.backend.HashIndexAllKeys(ctx, tmID, gran)
		if err != nil {
			return ldmerrors.Wrap(ldmerrors.KindIndexCorrupt, err, "tm %s: hash index snapshot unreadable", tmID)
		}
		for _, canonical := range keys {
			ids, err := m.backend.HashIndexLookup(ctx, tmID, gran, canonical)
			if err != nil {
				return ldmerrors.Wrap(ldmerrors.KindIndexCorrupt, err, "tm %s: hash index snapshot unreadable", tmID)
			}
			for _, id := range ids {
				m.hashIdx.Add(tmID, gran, canonical, id)
			}
		}
	}
	return nil
}

// HydrateAll hydrates every known TM's in-memory index from its durable
// snapshot at process startup (spec.md Design Notes' "Partial-state
// rebuild"). A TM whose snapshot fails to load is marked building and
// handed an async Rebuild rather than left to serve silently empty
// search results: C1 (row storage) stays fully available throughout,
// since Hydrate only ever touches the C3/C5 mirrors, never the row
// tables, and internal/search falls back to exact-only matching for any
// TM still marked building.
func (m *Manager) HydrateAll(ctx context.Context) error {
	tms, err := m.backend.ListTMs(ctx)
	if err != nil {
		return err
	}
	for _, tm := range tms {
		if err := m.Hydrate(ctx, tm.ID); err != nil {
			m.logger.Warn("sync: tm index snapshot failed to load, scheduling rebuild", "tm_id", tm.ID, "err", err)
			m.hashIdx.Clear(tm.ID, model.GranularityWhole)
			m.hashIdx.Clear(tm.ID, model.GranularityLine)
			if setErr := m.backend.SetTMBuilding(ctx, tm.ID, true); setErr != nil {
				m.logger.Warn("sync: could not mark tm building", "tm_id", tm.ID, "err", setErr)
			}
			go func(id string) {
				if rebuildErr := m.Rebuild(context.Background(), id, nil); rebuildErr != nil {
					m.logger.Warn("sync: startup rebuild failed", "tm_id", id, "err", rebuildErr)
				}
			}(tm.ID)
		}
	}
	return nil
}

// appendLog writes a line to <data-root>/tm/<tm_id>/sync.log, LDM's
// index activity log (SPEC_FULL.md supplemented feature).
func (m *Manager) appendLog(tmID, line string) {
	if m.dataRoot == "" {
		return
	}
	dir := store.TMDataDir(m.dataRoot, tmID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		m.logger.Warn("sync: could not create tm data dir", "tm_id", tmID, "err", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "sync.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		m.logger.Warn("sync: could not open activity log", "tm_id", tmID, "err", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", time.Now().UTC().Format(time.RFC3339), line)
}
