// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build cgo

package rowstate

import (
	"context"
	"testing"
	"time"

	"github.com/neilvibe/ldm/internal/embedding"
	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/hashindex"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/store"
	"github.com/neilvibe/ldm/internal/sync"
	"github.com/neilvibe/ldm/internal/tasks"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Backend, model.Row, string) {
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
	syncMgr := sync.New(backend, idx, tracker, nil, sync.Config{
		Engines: map[model.EmbeddingEngine]embedding.Engine{model.EngineFast: embedding.NewMockEngine(16)},
	})

	mgr := New(backend, syncMgr, nil, cfg)
	t.Cleanup(mgr.Close)
	return mgr, backend, row, tm.ID
}

func TestBeginEditRejectsSecondHolder(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)

	_, err = mgr.BeginEdit(row.ID, "bob", 0)
	require.Error(t, err)
	require.True(t, ldmerrors.Is(err, ldmerrors.KindLocked))
}

func TestBeginEditIsIdempotentForSameHolder(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	_, err = mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
}

func TestRenewLeaseRequiresCurrentHolder(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	_, err := mgr.BeginEdit(row.ID, "alice", time.Minute)
	require.NoError(t, err)

	_, err = mgr.RenewLease(row.ID, "bob", time.Minute)
	require.Error(t, err)

	lock, err := mgr.RenewLease(row.ID, "alice", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "alice", lock.Holder)
}

func TestCancelEditReleasesLock(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.CancelEdit(row.ID, "alice"))

	_, ok := mgr.LockOf(row.ID)
	require.False(t, ok)

	_, err = mgr.BeginEdit(row.ID, "bob", 0)
	require.NoError(t, err, "lock should be free for a new holder after cancel")
}

func TestSweepExpiredClearsStaleLock(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	_, err := mgr.BeginEdit(row.ID, "alice", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	mgr.sweepExpired()

	_, ok := mgr.LockOf(row.ID)
	require.False(t, ok)
}

func TestCommitRequiresLiveLock(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.Error(t, err, "commit without an active lock must fail")

	_, err = mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)

	updated, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)
	require.Equal(t, "Bonjour", updated.Target)
	require.Equal(t, model.StatusPending, updated.Status)
}

func TestCommitReleasesLockOnSuccess(t *testing.T) {
	mgr, _, row, _ := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	_, err = mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)

	_, held := mgr.LockOf(row.ID)
	require.False(t, held, "commit must release the row's edit lock (spec §4.8)")

	_, err = mgr.BeginEdit(row.ID, "bob", 0)
	require.NoError(t, err, "a second editor must be able to begin_edit immediately after a commit")
}

func TestConfirmReviewAutoAddsToTM(t *testing.T) {
	mgr, backend, row, tmID := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	committed, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)

	reviewed, err := mgr.ConfirmReview(ctx, row.ID, "alice", tmID, committed.Version)
	require.NoError(t, err)
	require.Equal(t, model.StatusReviewed, reviewed.Status)

	entries, err := backend.ListConfirmedTMEntries(ctx, tmID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "Hello", entries[0].Source)
}

func TestConfirmReviewAllowedDirectlyFromPending(t *testing.T) {
	mgr, _, row, tmID := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	committed, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, committed.Status, "Commit with non-empty target lands in pending, not translated")

	// A row committed with a non-empty target lands in "pending" (spec §4.8);
	// confirm_review must be reachable from there without an intermediate
	// mark_translated call.
	blank, err := mgr.backend.UpdateRow(ctx, row.ID, committed.Version, func(r *model.Row) {
		r.Status = model.StatusPending
	})
	require.NoError(t, err)

	reviewed, err := mgr.ConfirmReview(ctx, row.ID, "alice", tmID, blank.Version)
	require.NoError(t, err)
	require.Equal(t, model.StatusReviewed, reviewed.Status)
}

func TestApproveDeniesSelfApprovalByDefault(t *testing.T) {
	mgr, backend, row, tmID := newTestManager(t, Config{})
	ctx := context.Background()

	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	committed, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)

	reviewed, err := mgr.ConfirmReview(ctx, row.ID, "alice", tmID, committed.Version)
	require.NoError(t, err)

	_, err = mgr.Approve(ctx, row.ID, "alice", reviewed.Version)
	require.Error(t, err)
	require.True(t, ldmerrors.Is(err, ldmerrors.KindUnauthorized))

	approved, err := mgr.Approve(ctx, row.ID, "bob", reviewed.Version)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, approved.Status)
	_ = backend
}

func TestApproveWithCustomPolicyAllowsSelfApproval(t *testing.T) {
	allowAll := func(row model.Row, approver string) bool { return true }
	mgr, _, row, tmID := newTestManager(t, Config{Policy: allowAll})
	ctx := context.Background()

	_, err := mgr.BeginEdit(row.ID, "alice", 0)
	require.NoError(t, err)
	committed, err := mgr.Commit(ctx, row.ID, "alice", row.Version, "Bonjour")
	require.NoError(t, err)

	reviewed, err := mgr.ConfirmReview(ctx, row.ID, "alice", tmID, committed.Version)
	require.NoError(t, err)

	approved, err := mgr.Approve(ctx, row.ID, "alice", reviewed.Version)
	require.NoError(t, err)
	require.Equal(t, model.StatusApproved, approved.Status)
}
