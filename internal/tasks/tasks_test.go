// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package tasks

import (
	"context"
	"testing"

	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStartIsIdempotentPerScope(t *testing.T) {
	tr := New()
	h1, created1, err := tr.Start(context.Background(), "sync", "tm-1")
	require.NoError(t, err)
	require.True(t, created1)

	h2, created2, err := tr.Start(context.Background(), "sync", "tm-1")
	require.NoError(t, err)
	require.False(t, created2)
	require.Same(t, h1, h2)
}

func TestDifferentScopesGetDifferentHandles(t *testing.T) {
	tr := New()
	h1, _, _ := tr.Start(context.Background(), "sync", "tm-1")
	h2, _, _ := tr.Start(context.Background(), "sync", "tm-2")
	require.NotSame(t, h1, h2)
}

func TestUpdateAndFinish(t *testing.T) {
	tr := New()
	h, _, _ := tr.Start(context.Background(), "sync", "tm-1")
	h.Update(50, "index", "halfway")

	task, err := tr.Get(h.id)
	require.NoError(t, err)
	require.Equal(t, 50, task.Progress)
	require.Equal(t, "index", task.Stage)

	h.Finish(model.OutcomeSucceeded, "done")
	task, err = tr.Get(h.id)
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSucceeded, task.Outcome)
	require.Equal(t, 100, task.Progress)

	_, stillActive := tr.GetByScope("sync", "tm-1")
	require.False(t, stillActive, "finished task must be released from the active scope registry")
}

func TestStartAgainAfterFinishCreatesNewTask(t *testing.T) {
	tr := New()
	h1, _, _ := tr.Start(context.Background(), "sync", "tm-1")
	h1.Finish(model.OutcomeSucceeded, "")

	h2, created, err := tr.Start(context.Background(), "sync", "tm-1")
	require.NoError(t, err)
	require.True(t, created)
	require.NotSame(t, h1, h2)
}

func TestCancelCancelsContext(t *testing.T) {
	tr := New()
	h, _, _ := tr.Start(context.Background(), "sync", "tm-1")
	require.True(t, tr.Cancel("sync", "tm-1"))

	select {
	case <-h.Context().Done():
	default:
		t.Fatal("expected task context to be cancelled")
	}
}

func TestUpdateFromCounts(t *testing.T) {
	tr := New()
	h, _, _ := tr.Start(context.Background(), "sync", "tm-1")
	h.UpdateFromCounts(3, 10, "embed")

	task, err := tr.Get(h.id)
	require.NoError(t, err)
	require.Equal(t, 30, task.Progress)
	require.Equal(t, "embed", task.Stage)
}
