// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package rowstate implements C8 (Row State & Lock Manager): the Row
// status state machine, at-most-one-editor locking with lease expiry,
// and the version-checked commit path that delegates to internal/store.
// The single-sweeper-goroutine pattern for lease expiry is grounded on
// the teacher's fsnotify debounce timer in cmd/cie/watch.go, which
// likewise runs one background goroutine sweeping a small set of
// pending timers rather than spawning one per item.
package rowstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/normalize"
	"github.com/neilvibe/ldm/internal/store"
	tmsync "github.com/neilvibe/ldm/internal/sync"
)

// DefaultLeaseDuration is how long an edit lock is held before it
// expires without a renewal (spec §4.8).
const DefaultLeaseDuration = 90 * time.Second

// sweepInterval bounds how stale an expired lock can be before the
// sweeper clears it; spec §4.8 requires this to be a small fraction of
// the lease duration.
const sweepInterval = DefaultLeaseDuration / 3

// ApprovalPolicy decides whether `holder` may approve a row they
// themselves last touched. The default policy denies self-approval;
// SPEC_FULL.md's resolution of the spec's open question on this point.
type ApprovalPolicy func(row model.Row, approver string) bool

// DenySelfApproval is the default ApprovalPolicy.
func DenySelfApproval(row model.Row, approver string) bool {
	return row.UpdatedBy != approver
}

// Manager owns the Row status transitions and the edit-lock table.
type Manager struct {
	backend *store.Backend
	syncMgr *tmsync.Manager
	logger  *slog.Logger
	policy  ApprovalPolicy

	mu     sync.Mutex
	locks  map[string]model.EditLock // row_id -> lock
	cancel context.CancelFunc
}

// Config configures a Manager.
type Config struct {
	Lease    time.Duration
	Policy   ApprovalPolicy
	DefaultTM string // TM auto-adds land in this TM unless the row's file specifies otherwise
}

// New constructs a Manager and starts its lease-expiry sweeper.
func New(backend *store.Backend, syncMgr *tmsync.Manager, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy == nil {
		cfg.Policy = DenySelfApproval
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend: backend,
		syncMgr: syncMgr,
		logger:  logger,
		policy:  cfg.Policy,
		locks:   map[string]model.EditLock{},
		cancel:  cancel,
	}
	go m.sweepLoop(ctx)
	return m
}

// Close stops the lease-expiry sweeper.
func (m *Manager) Close() { m.cancel() }

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for rowID, lock := range m.locks {
		if !lock.Live(now) {
			delete(m.locks, rowID)
			m.logger.Debug("rowstate: lease expired", "row_id", rowID, "holder", lock.Holder)
		}
	}
}

// BeginEdit acquires the at-most-one-editor lock on a row for holder,
// refusing if a live lock is already held by someone else (spec §4.8).
func (m *Manager) BeginEdit(rowID, holder string, lease time.Duration) (model.EditLock, error) {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.locks[rowID]; ok && existing.Live(now) && existing.Holder != holder {
		return model.EditLock{}, ldmerrors.Locked(existing.Holder)
	}
	lock := model.EditLock{RowID: rowID, Holder: holder, AcquiredAt: now, LeaseExpiresAt: now.Add(lease)}
	m.locks[rowID] = lock
	return lock, nil
}

// RenewLease extends an existing lock's lease, failing if the row isn't
// currently locked by holder.
func (m *Manager) RenewLease(rowID, holder string, lease time.Duration) (model.EditLock, error) {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[rowID]
	now := time.Now()
	if !ok || !existing.Live(now) || existing.Holder != holder {
		return model.EditLock{}, ldmerrors.NotFound("no live lock held by %s on row %s", holder, rowID)
	}
	existing.LeaseExpiresAt = now.Add(lease)
	m.locks[rowID] = existing
	return existing, nil
}

// CancelEdit releases holder's lock on a row without committing (spec
// §4.8's cancel operation).
func (m *Manager) CancelEdit(rowID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[rowID]
	if !ok || existing.Holder != holder {
		return ldmerrors.NotFound("no lock held by %s on row %s", holder, rowID)
	}
	delete(m.locks, rowID)
	return nil
}

// LockOf returns the current live lock on a row, if any.
func (m *Manager) LockOf(rowID string) (model.EditLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[rowID]
	if !ok || !lock.Live(time.Now()) {
		return model.EditLock{}, false
	}
	return lock, true
}

// checkLock verifies holder currently owns a live lock on rowID, or
// that the row carries no lock at all (some transitions, like a first
// save, don't require BeginEdit to have been called).
func (m *Manager) checkLock(rowID, holder string, required bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.locks[rowID]
	if !ok {
		if required {
			return ldmerrors.Conflict("row %s has no active edit lock", rowID)
		}
		return nil
	}
	if !existing.Live(time.Now()) {
		delete(m.locks, rowID)
		if required {
			return ldmerrors.Conflict("row %s's edit lock has expired", rowID)
		}
		return nil
	}
	if existing.Holder != holder {
		return ldmerrors.Locked(existing.Holder)
	}
	return nil
}

// Commit writes Source/Target/Status changes through internal/store's
// version-checked UpdateRow, requiring holder to currently own the
// row's lock, and releases that lock on success (spec §4.8's state
// table: `commit(target≠"")` -> "persist target; release lock").
func (m *Manager) Commit(ctx context.Context, rowID, holder string, expectedVersion int, target string) (model.Row, error) {
	if err := m.checkLock(rowID, holder, true); err != nil {
		return model.Row{}, err
	}
	row, err := m.backend.UpdateRow(ctx, rowID, expectedVersion, func(r *model.Row) {
		r.Target = target
		r.UpdatedBy = holder
		if target == "" {
			r.Status = model.StatusEmpty
		} else {
			r.Status = model.StatusPending
		}
	})
	if err != nil {
		return model.Row{}, err
	}
	m.releaseLock(rowID, holder)
	return row, nil
}

// releaseLock drops holder's lock on rowID if still held by them,
// no-op otherwise (e.g. already expired and swept).
func (m *Manager) releaseLock(rowID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.locks[rowID]; ok && existing.Holder == holder {
		delete(m.locks, rowID)
	}
}

// MarkTranslated explicitly transitions a row to translated without
// changing its target text (e.g. after an external bulk-fill tool ran).
func (m *Manager) MarkTranslated(ctx context.Context, rowID, holder string, expectedVersion int) (model.Row, error) {
	return m.transition(ctx, rowID, holder, expectedVersion, model.StatusTranslated, nil)
}

// ConfirmReview transitions pending or translated -> reviewed and enqueues the
// row into its TM as a TMSourceType=review entry (spec §4.8's
// "auto-add to TM on review" rule, fulfilled through internal/sync so
// the add lands in the same batched build as manual TM edits).
func (m *Manager) ConfirmReview(ctx context.Context, rowID, holder, tmID string, expectedVersion int) (model.Row, error) {
	row, err := m.transition(ctx, rowID, holder, expectedVersion, model.StatusReviewed, func(r *model.Row) bool {
		return r.Status == model.StatusPending || r.Status == model.StatusTranslated
	})
	if err != nil {
		return model.Row{}, err
	}
	if tmID != "" && m.syncMgr != nil {
		entry, _, upsertErr := m.backend.UpsertTMEntry(ctx, model.TMEntry{
			TMID: tmID, Source: row.Source, Target: row.Target,
			NormalizedSource: normalize.Normalize(row.Source), SourceType: model.SourceReview, CreatedBy: holder,
		})
		if upsertErr == nil {
			m.syncMgr.EnqueueAdd(tmID, entry)
		} else {
			m.logger.Warn("rowstate: auto-add to tm failed", "row_id", rowID, "tm_id", tmID, "err", upsertErr)
		}
	}
	return row, nil
}

// Approve transitions reviewed -> approved, subject to the configured
// ApprovalPolicy (spec §9 Open Question: self-approval).
func (m *Manager) Approve(ctx context.Context, rowID, approver string, expectedVersion int) (model.Row, error) {
	current, err := m.backend.GetRow(ctx, rowID)
	if err != nil {
		return model.Row{}, err
	}
	if current.Status != model.StatusReviewed {
		return model.Row{}, ldmerrors.Conflict("row %s: approve requires status reviewed, has %s", rowID, current.Status)
	}
	if !m.policy(current, approver) {
		return model.Row{}, ldmerrors.Unauthorized("approver %s may not approve their own edit", approver)
	}
	return m.transition(ctx, rowID, approver, expectedVersion, model.StatusApproved, func(r *model.Row) bool {
		return r.Status == model.StatusReviewed
	})
}

// transition performs a guarded status change via UpdateRow, optionally
// validating the row's current state with precheck before mutating.
func (m *Manager) transition(ctx context.Context, rowID, holder string, expectedVersion int, next model.RowStatus, precheck func(*model.Row) bool) (model.Row, error) {
	var precheckErr error
	row, err := m.backend.UpdateRow(ctx, rowID, expectedVersion, func(r *model.Row) {
		if precheck != nil && !precheck(r) {
			precheckErr = ldmerrors.Conflict("row %s: invalid transition from %s to %s", rowID, r.Status, next)
			return
		}
		r.Status = next
		r.UpdatedBy = holder
	})
	if err != nil {
		return model.Row{}, err
	}
	if precheckErr != nil {
		return model.Row{}, precheckErr
	}
	return row, nil
}
