// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"context"
	"path/filepath"
	"testing"

	ldmerrors "github.com/neilvibe/ldm/internal/errors"
	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestOutboxAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	ob, err := OpenOutbox(path)
	require.NoError(t, err)
	require.Equal(t, 0, ob.Len())

	require.NoError(t, ob.Append(Mutation{ID: "m1", Kind: MutationUpdateRow, RowID: "r1", Target: "Bonjour", Actor: "alice"}))
	require.NoError(t, ob.Append(Mutation{ID: "m2", Kind: MutationUpdateRow, RowID: "r2", Target: "Salut", Actor: "alice"}))
	require.Equal(t, 2, ob.Len())

	reloaded, err := OpenOutbox(path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())
	require.Equal(t, "m1", reloaded.List()[0].ID)
	require.Equal(t, "m2", reloaded.List()[1].ID)
}

func TestOutboxTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	ob, err := OpenOutbox(path)
	require.NoError(t, err)
	require.NoError(t, ob.Append(Mutation{ID: "m1", Kind: MutationUpdateRow, RowID: "r1"}))
	require.NoError(t, ob.Truncate())
	require.Equal(t, 0, ob.Len())

	reloaded, err := OpenOutbox(path)
	require.NoError(t, err)
	require.Equal(t, 0, reloaded.Len())
}

func TestReplicaSubscriptions(t *testing.T) {
	r, err := NewReplica(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)

	r.Subscribe(model.EntityFile, "file-1", "alice")
	r.Subscribe(model.EntityProject, "proj-1", "alice")
	require.Len(t, r.ListSubscriptions(), 2)

	r.Unsubscribe(model.EntityFile, "file-1")
	require.Len(t, r.ListSubscriptions(), 1)
}

func TestReconcileAppliesInOrderAndParksConflicts(t *testing.T) {
	r, err := NewReplica(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)

	require.NoError(t, r.RecordLocalMutation(Mutation{ID: "m1", Kind: MutationUpdateRow, RowID: "r1", Target: "Bonjour"}))
	require.NoError(t, r.RecordLocalMutation(Mutation{ID: "m2", Kind: MutationUpdateRow, RowID: "r2", Target: "Salut"}))
	require.Equal(t, model.SyncStatusPending, r.Status())

	var seen []string
	result, err := r.Reconcile(context.Background(), func(ctx context.Context, m Mutation) error {
		seen = append(seen, m.ID)
		if m.RowID == "r2" {
			return ldmerrors.Conflict("row %s: version mismatch", m.RowID)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"m1", "m2"}, seen, "mutations must be replayed in outbox order")
	require.Equal(t, 1, result.Applied)
	require.Len(t, result.Parked, 1)
	require.Equal(t, "r2", result.Parked[0].Mutation.RowID)
	require.Equal(t, model.SyncStatusPending, r.Status())

	require.Equal(t, []string{"m2"}, mutationIDs(r.PendingOutbox()))
}

func TestReconcileFullySuccessfulTruncatesOutbox(t *testing.T) {
	r, err := NewReplica(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)
	require.NoError(t, r.RecordLocalMutation(Mutation{ID: "m1", Kind: MutationUpdateRow, RowID: "r1"}))

	result, err := r.Reconcile(context.Background(), func(ctx context.Context, m Mutation) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, result.Applied)
	require.Empty(t, result.Parked)
	require.Equal(t, model.SyncStatusSynced, r.Status())
	require.Equal(t, 0, r.outbox.Len())
}

func TestGoOfflineGoOnlineFlipsModeOnly(t *testing.T) {
	r, err := NewReplica(filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, err)
	require.True(t, r.Online())
	r.GoOffline()
	require.False(t, r.Online())
	r.GoOnline()
	require.True(t, r.Online())
}

func mutationIDs(ms []Mutation) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
