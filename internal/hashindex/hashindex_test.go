// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package hashindex

import (
	"testing"

	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestAddLookupRemove(t *testing.T) {
	idx := New()
	idx.Add("tm1", model.GranularityWhole, "hello world", "e1")
	idx.Add("tm1", model.GranularityWhole, "hello world", "e2")

	got := idx.Lookup("tm1", model.GranularityWhole, "hello world")
	require.ElementsMatch(t, []string{"e1", "e2"}, got)

	idx.Remove("tm1", model.GranularityWhole, "e1")
	require.Equal(t, []string{"e2"}, idx.Lookup("tm1", model.GranularityWhole, "hello world"))

	idx.Remove("tm1", model.GranularityWhole, "e2")
	require.Empty(t, idx.Lookup("tm1", model.GranularityWhole, "hello world"))
	require.Equal(t, 0, idx.Size("tm1", model.GranularityWhole))
}

func TestGranularityIsolation(t *testing.T) {
	idx := New()
	idx.Add("tm1", model.GranularityWhole, "same text", "whole-entry")
	idx.Add("tm1", model.GranularityLine, "same text", "line-entry")

	require.Equal(t, []string{"whole-entry"}, idx.Lookup("tm1", model.GranularityWhole, "same text"))
	require.Equal(t, []string{"line-entry"}, idx.Lookup("tm1", model.GranularityLine, "same text"))
}

func TestTMIsolation(t *testing.T) {
	idx := New()
	idx.Add("tm1", model.GranularityWhole, "shared", "a")
	idx.Add("tm2", model.GranularityWhole, "shared", "b")

	require.Equal(t, []string{"a"}, idx.Lookup("tm1", model.GranularityWhole, "shared"))
	require.Equal(t, []string{"b"}, idx.Lookup("tm2", model.GranularityWhole, "shared"))
}

func TestContainsCaseInsensitive(t *testing.T) {
	idx := New()
	idx.Add("tm1", model.GranularityWhole, "Hello World", "e1")
	idx.Add("tm1", model.GranularityWhole, "Goodbye", "e2")

	hits := idx.Contains("tm1", model.GranularityWhole, "world")
	require.Len(t, hits, 1)
	require.Equal(t, "e1", hits[0].EntryID)
}

func TestClear(t *testing.T) {
	idx := New()
	idx.Add("tm1", model.GranularityWhole, "a", "e1")
	idx.Clear("tm1", model.GranularityWhole)
	require.Equal(t, 0, idx.Size("tm1", model.GranularityWhole))
}
