// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tasks implements C11 (Task Tracker): a named registry of
// long-running operations keyed by (kind, scope), so a second request
// for work already in flight (e.g. two sync requests for the same TM)
// observes the same task instead of starting a duplicate. Progress
// reporting mirrors the teacher's ProgressCallback(current, total,
// phase) shape from pkg/ingestion/local_pipeline.go, and CLI rendering
// hooks into github.com/schollz/progressbar/v3 the way cmd/cie/index.go
// drives its bar from that same callback.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
)

// Handle is a live task a caller can update, cancel, or observe.
type Handle struct {
	tracker *Tracker
	id      string
	kind    string
	scope   string

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	snapshot model.Task
}

// Context returns a context cancelled when Cancel is called on this task.
func (h *Handle) Context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctx
}

// Update records progress (0..100), the current stage name, and an
// optional message. Safe to call from the ProgressFunc passed to
// internal/sync.
func (h *Handle) Update(progress int, stage, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	h.snapshot.Progress = progress
	h.snapshot.Stage = stage
	h.snapshot.Message = message
	h.tracker.store(h.snapshot)
}

// UpdateFromCounts is a convenience wrapper matching the teacher's
// ProgressCallback(current, total, phase) signature directly.
func (h *Handle) UpdateFromCounts(current, total int64, phase string) {
	pct := 0
	if total > 0 {
		pct = int(current * 100 / total)
	}
	h.Update(pct, phase, fmt.Sprintf("%d/%d", current, total))
}

// Finish marks the task complete with a terminal outcome.
func (h *Handle) Finish(outcome model.TaskOutcome, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot.Progress = 100
	h.snapshot.Outcome = outcome
	h.snapshot.Message = message
	h.snapshot.FinishedAt = time.Now()
	h.tracker.store(h.snapshot)
	h.tracker.release(h.kind, h.scope)
}

// Cancel requests cancellation of the task's context, if it carries one.
func (h *Handle) Cancel() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Tracker is the process-wide task registry.
type Tracker struct {
	mu     sync.Mutex
	active map[string]string         // (kind,scope) -> task id, while running
	tasks  map[string]model.Task     // task id -> last known snapshot
	byScope map[string]*Handle        // (kind,scope) -> live handle, while running
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{
		active: map[string]string{},
		tasks:  map[string]model.Task{},
		byScope: map[string]*Handle{},
	}
}

func scopeKey(kind, scope string) string { return kind + "\x00" + scope }

// Start registers a new task for (kind, scope), or returns the existing
// in-flight Handle if one is already running — the idempotent-handle
// guarantee spec §4.11 requires so concurrent callers converge on one
// task rather than racing to start their own.
func (t *Tracker) Start(ctx context.Context, kind, scope string) (*Handle, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := scopeKey(kind, scope)
	if h, ok := t.byScope[key]; ok {
		return h, false, nil
	}

	taskCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	snap := model.Task{ID: id, Kind: kind, Scope: scope, StartedAt: time.Now(), Outcome: model.OutcomeNone}
	h := &Handle{tracker: t, id: id, kind: kind, scope: scope, ctx: taskCtx, cancel: cancel, snapshot: snap}
	t.active[key] = id
	t.tasks[id] = snap
	t.byScope[key] = h
	return h, true, nil
}

func (t *Tracker) store(snap model.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[snap.ID] = snap
}

func (t *Tracker) release(kind, scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := scopeKey(kind, scope)
	delete(t.active, key)
	delete(t.byScope, key)
}

// Get returns the last known snapshot for a task id.
func (t *Tracker) Get(id string) (model.Task, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[id]
	if !ok {
		return model.Task{}, ldmerrors.NotFound("task %s not found", id)
	}
	return task, nil
}

// GetByScope returns the in-flight task for (kind, scope), if any.
func (t *Tracker) GetByScope(kind, scope string) (model.Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.active[scopeKey(kind, scope)]
	if !ok {
		return model.Task{}, false
	}
	return t.tasks[id], true
}

// List returns every known task snapshot, most recently started first.
func (t *Tracker) List() []model.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, task)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.After(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Cancel cancels the in-flight task for (kind, scope), if any.
func (t *Tracker) Cancel(kind, scope string) bool {
	t.mu.Lock()
	h, ok := t.byScope[scopeKey(kind, scope)]
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.Cancel()
	return true
}
