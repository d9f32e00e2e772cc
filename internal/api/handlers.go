// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"encoding/json"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/neilvibe/ldm/internal/normalize"
	"github.com/neilvibe/ldm/internal/offline"
	"github.com/neilvibe/ldm/internal/search"
	"github.com/neilvibe/ldm/internal/store"
)

// --- Project/Folder/File (C1) ---

func handleListProjects(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	return s.Store.ListProjects(ctx)
}

type createProjectParams struct {
	Name string `json:"name"`
}

func handleCreateProject(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p createProjectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Store.CreateProject(ctx, model.Project{Name: p.Name, Owner: actor})
}

type projectIDParams struct {
	ProjectID string `json:"project_id"`
}

func handleGetProjectTree(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p projectIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	folders, files, err := s.Store.GetProjectTree(ctx, p.ProjectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"folders": folders, "files": files}, nil
}

type renameProjectParams struct {
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
}

func handleRenameProject(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p renameProjectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.Store.RenameProject(ctx, p.ProjectID, p.Name)
}

type renameFolderParams struct {
	FolderID string `json:"folder_id"`
	Name     string `json:"name"`
}

func handleRenameFolder(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p renameFolderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.Store.RenameFolder(ctx, p.FolderID, p.Name)
}

type renameFileParams struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
}

func handleRenameFile(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p renameFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.Store.RenameFile(ctx, p.FileID, p.Name)
}

type uploadFileParams struct {
	ProjectID string            `json:"project_id"`
	FolderID  string            `json:"folder_id"`
	Name      string            `json:"name"`
	Format    model.FileFormat  `json:"format"`
	Data      []byte            `json:"data"`
}

func handleUploadFile(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p uploadFileParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Store.ImportRows(ctx, p.ProjectID, p.FolderID, p.Name, p.Format, p.Data)
}

type fileIDParams struct {
	FileID string `json:"file_id"`
}

func handleDeleteFile(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p fileIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return nil, s.Store.DeleteFile(ctx, p.FileID)
}

// --- Rows (C1/C8) ---

type getRowsParams struct {
	FileID string            `json:"file_id"`
	Page   int               `json:"page"`
	Limit  int               `json:"limit"`
	Search string            `json:"search"`
	Status model.RowStatus   `json:"status"`
}

func handleGetRows(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p getRowsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Store.GetRows(ctx, p.FileID, store.GetRowsOptions{Page: p.Page, Limit: p.Limit, Search: p.Search, Status: p.Status})
}

type updateRowParams struct {
	RowID           string `json:"row_id"`
	ExpectedVersion int    `json:"expected_version"`
	Target          string `json:"target"`
	FileID          string `json:"file_id"` // room to notify; caller supplies since rows don't carry their file back
}

// handleUpdateRow commits a row edit through C8, then publishes the
// cell update to the file's room (spec §4.9's ordering guarantee: the
// bus event follows the committing transaction, never precedes it).
func handleUpdateRow(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p updateRowParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	row, err := s.RowState.Commit(ctx, p.RowID, actor, p.ExpectedVersion, p.Target)
	if err != nil {
		return nil, err
	}
	if p.FileID != "" {
		s.Bus.PublishCellUpdate(roomFor(p.FileID), row)
	}
	return row, nil
}

// --- TM (C1/C6/C7) ---

func handleListTMs(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	return s.Store.ListTMs(ctx)
}

type createTMParams struct {
	Name            string                `json:"name"`
	SourceLang      string                `json:"source_lang"`
	TargetLang      string                `json:"target_lang"`
	EmbeddingEngine model.EmbeddingEngine `json:"embedding_engine"`
}

func handleCreateTM(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p createTMParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Store.CreateTM(ctx, model.TM{Name: p.Name, SourceLang: p.SourceLang, TargetLang: p.TargetLang, EmbeddingEngine: p.EmbeddingEngine})
}

type importTMParams struct {
	TMID    string          `json:"tm_id"`
	Entries []model.TMEntry `json:"entries"`
}

// handleImportTM upserts a batch of TM entries and enqueues each for
// the next sync build (spec §4.6: bulk import lands in C1 immediately,
// C3/C5 catch up on the next sync).
func handleImportTM(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p importTMParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	imported := 0
	for _, e := range p.Entries {
		e.TMID = p.TMID
		e.NormalizedSource = normalize.Normalize(e.Source)
		if e.CreatedBy == "" {
			e.CreatedBy = actor
		}
		entry, created, err := s.Store.UpsertTMEntry(ctx, e)
		if err != nil {
			return nil, err
		}
		if created {
			s.Sync.EnqueueAdd(p.TMID, entry)
		} else {
			s.Sync.EnqueueUpdate(p.TMID, entry)
		}
		imported++
	}
	return map[string]any{"imported": imported}, nil
}

type tmSearchParams struct {
	TMID     string `json:"tm_id"`
	Query    string `json:"query"`
	K        int    `json:"k"`
	Semantic bool   `json:"semantic"`
}

func handleTMSearch(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p tmSearchParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Search.Search(ctx, p.TMID, p.Query, nil, search.Options{K: p.K, Semantic: p.Semantic})
}

type tmEntryUpsertParams struct {
	TMID       string             `json:"tm_id"`
	Source     string             `json:"source"`
	Target     string             `json:"target"`
	SourceType model.TMSourceType `json:"source_type"`
}

func handleTMEntryUpsert(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p tmEntryUpsertParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	entry, created, err := s.Store.UpsertTMEntry(ctx, model.TMEntry{
		TMID: p.TMID, Source: p.Source, Target: p.Target,
		NormalizedSource: normalize.Normalize(p.Source), SourceType: p.SourceType, CreatedBy: actor,
	})
	if err != nil {
		return nil, err
	}
	if created {
		s.Sync.EnqueueAdd(p.TMID, entry)
	} else {
		s.Sync.EnqueueUpdate(p.TMID, entry)
	}
	return entry, nil
}

type tmEntryDeleteParams struct {
	TMID    string `json:"tm_id"`
	EntryID string `json:"entry_id"`
}

func handleTMEntryDelete(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p tmEntryDeleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	s.Sync.EnqueueDelete(p.TMID, p.EntryID)
	return nil, nil
}

type tmIDParams struct {
	TMID string `json:"tm_id"`
}

// handleTMRebuild starts (or joins) an idempotent rebuild task and
// publishes the TM's index state to roomID, if supplied, once it
// finishes (spec §4.6/§4.9).
func handleTMRebuild(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p struct {
		TMID   string `json:"tm_id"`
		RoomID string `json:"room_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	// Register the task synchronously before returning: Rebuild only calls
	// tasks.Start after acquireBuildSlot/begin succeed inside its goroutine,
	// so reading GetByScope immediately after launching it would almost
	// always race ahead and see nothing registered yet. tasks.Start is
	// idempotent per (kind, scope), so Rebuild's own Start call below joins
	// this same task instead of starting a second one.
	if _, _, err := s.Tasks.Start(context.Background(), "rebuild", p.TMID); err != nil {
		return nil, err
	}
	go func() {
		_ = s.Sync.Rebuild(context.Background(), p.TMID, func(current, total int64, phase string) {
			if p.RoomID != "" {
				s.Bus.PublishTaskProgress(roomFor(p.RoomID), pct(current, total), phase)
			}
		})
		if p.RoomID != "" {
			tm, err := s.Store.GetTM(context.Background(), p.TMID)
			if err == nil {
				s.Bus.PublishTMIndexState(roomFor(p.RoomID), p.TMID, tm.StaleCount, tm.Building)
			}
		}
	}()
	task, _ := s.Tasks.GetByScope("rebuild", p.TMID)
	return task, nil
}

func pct(current, total int64) int {
	if total <= 0 {
		return 0
	}
	v := int(current * 100 / total)
	if v > 100 {
		v = 100
	}
	return v
}

func handleTMStatus(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p tmIDParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.Store.GetTM(ctx, p.TMID)
}

// --- Editing/locking (C8) ---

type rowHolderParams struct {
	RowID  string `json:"row_id"`
	FileID string `json:"file_id"`
}

func handleBeginEdit(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p rowHolderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	lock, err := s.RowState.BeginEdit(p.RowID, actor, 0)
	if err != nil {
		return nil, err
	}
	if p.FileID != "" {
		s.Bus.PublishLockAcquired(roomFor(p.FileID), p.RowID, actor)
	}
	return lock, nil
}

func handleRefreshLock(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p rowHolderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.RowState.RenewLease(p.RowID, actor, 0)
}

func handleCancelEdit(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p rowHolderParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.RowState.CancelEdit(p.RowID, actor); err != nil {
		return nil, err
	}
	if p.FileID != "" {
		s.Bus.PublishLockReleased(roomFor(p.FileID), p.RowID)
	}
	return nil, nil
}

type rowVersionParams struct {
	RowID           string `json:"row_id"`
	ExpectedVersion int    `json:"expected_version"`
}

func handleMarkTranslated(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p rowVersionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.RowState.MarkTranslated(ctx, p.RowID, actor, p.ExpectedVersion)
}

type confirmReviewParams struct {
	RowID           string `json:"row_id"`
	TMID            string `json:"tm_id"`
	ExpectedVersion int    `json:"expected_version"`
}

func handleConfirmReview(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p confirmReviewParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.RowState.ConfirmReview(ctx, p.RowID, actor, p.TMID, p.ExpectedVersion)
}

func handleApprove(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p rowVersionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.RowState.Approve(ctx, p.RowID, actor, p.ExpectedVersion)
}

// --- Offline (C10) ---

type subscribeParams struct {
	EntityType model.SubscriptionEntity `json:"entity_type"`
	EntityID   string                   `json:"entity_id"`
	DataRoot   string                   `json:"data_root"`
}

func handleSubscribe(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p subscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	replica, err := s.replicaFor(actor, p.DataRoot)
	if err != nil {
		return nil, err
	}
	return replica.Subscribe(p.EntityType, p.EntityID, actor), nil
}

type unsubscribeParams struct {
	EntityType model.SubscriptionEntity `json:"entity_type"`
	EntityID   string                   `json:"entity_id"`
	DataRoot   string                   `json:"data_root"`
}

func handleUnsubscribe(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p unsubscribeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	replica, err := s.replicaFor(actor, p.DataRoot)
	if err != nil {
		return nil, err
	}
	replica.Unsubscribe(p.EntityType, p.EntityID)
	return nil, nil
}

type listSubscriptionsParams struct {
	DataRoot string `json:"data_root"`
}

func handleListSubscriptions(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p listSubscriptionsParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	replica, err := s.replicaFor(actor, p.DataRoot)
	if err != nil {
		return nil, err
	}
	return replica.ListSubscriptions(), nil
}

type pushOutboxParams struct {
	DataRoot  string              `json:"data_root"`
	Mutations []offline.Mutation  `json:"mutations"`
}

// handlePushOutbox records locally-made mutations (typically from a
// client that was offline) into the actor's durable outbox.
func handlePushOutbox(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p pushOutboxParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	replica, err := s.replicaFor(actor, p.DataRoot)
	if err != nil {
		return nil, err
	}
	for _, m := range p.Mutations {
		if m.Actor == "" {
			m.Actor = actor
		}
		if err := replica.RecordLocalMutation(m); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

type pullStatusParams struct {
	DataRoot string `json:"data_root"`
}

// handlePullStatus reconciles the actor's outbox against the central
// store, replaying mutations through the same commit paths every other
// request uses, and parking any that hit a version conflict (spec
// §4.10).
func handlePullStatus(ctx context.Context, s *Server, actor string, params json.RawMessage) (any, error) {
	var p pullStatusParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	replica, err := s.replicaFor(actor, p.DataRoot)
	if err != nil {
		return nil, err
	}
	if !replica.Online() {
		return map[string]any{"status": replica.Status(), "pending": len(replica.PendingOutbox())}, nil
	}
	result, err := replica.Reconcile(ctx, func(ctx context.Context, m offline.Mutation) error {
		return s.applyMutation(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": replica.Status(), "applied": result.Applied, "parked": len(result.Parked)}, nil
}

// applyMutation replays one outbox Mutation against the same C8/C1
// paths a live request would use.
func (s *Server) applyMutation(ctx context.Context, m offline.Mutation) error {
	switch m.Kind {
	case offline.MutationUpdateRow:
		// Reconcile replays a mutation made while no live session held the
		// row's lock; take it transiently so Commit's lock check passes.
		// Commit releases the lock itself on success (spec §4.8), so no
		// explicit CancelEdit is needed afterward.
		if _, err := s.RowState.BeginEdit(m.RowID, m.Actor, 0); err != nil {
			return err
		}
		if _, err := s.RowState.Commit(ctx, m.RowID, m.Actor, m.ExpectedVersion, m.Target); err != nil {
			// Commit only releases the lock on success; a failed replay
			// (e.g. Conflict, parked for manual resolution) must not leave
			// the row locked for the rest of the lease.
			s.RowState.CancelEdit(m.RowID, m.Actor)
			return err
		}
		return nil
	case offline.MutationTMEntryAdd:
		entry, created, err := s.Store.UpsertTMEntry(ctx, model.TMEntry{
			TMID: m.TMID, Source: m.Source, Target: m.Target,
			NormalizedSource: normalize.Normalize(m.Source), SourceType: model.SourceManual, CreatedBy: m.Actor,
		})
		if err != nil {
			return err
		}
		if created {
			s.Sync.EnqueueAdd(m.TMID, entry)
		} else {
			s.Sync.EnqueueUpdate(m.TMID, entry)
		}
		return nil
	case offline.MutationTMEntryDelete:
		s.Sync.EnqueueDelete(m.TMID, m.EntryID)
		return nil
	default:
		return ldmerrors.BadFormat("unknown mutation kind %q", m.Kind)
	}
}
