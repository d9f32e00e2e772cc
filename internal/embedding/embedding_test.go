// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"testing"

	"github.com/neilvibe/ldm/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMockEngineDeterministic(t *testing.T) {
	e := NewMockEngine(32)
	require.Equal(t, 32, e.Dimension())
	require.Equal(t, model.EngineFast, e.Kind())

	a, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := e.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	require.Equal(t, a, b, "same input must embed to the same vector")
}

func TestMockEngineDiffersForDifferentInput(t *testing.T) {
	e := NewMockEngine(32)
	a, _ := e.EmbedBatch(context.Background(), []string{"hello"})
	b, _ := e.EmbedBatch(context.Background(), []string{"goodbye"})
	require.NotEqual(t, a[0], b[0])
}

func TestNormalizeProducesUnitVector(t *testing.T) {
	v := []float32{3, 4}
	Normalize(v)
	require.InDelta(t, 1.0, float64(cosineFloat64(v, v)), 1e-6)
}

func TestNormalizeLeavesZeroVectorUnchanged(t *testing.T) {
	v := []float32{0, 0, 0}
	Normalize(v)
	require.Equal(t, []float32{0, 0, 0}, v)
}

func TestChunksPreservesOrder(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	chunks := Chunks(texts, 2)
	require.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}

func TestChunksDefaultsWhenSizeNonPositive(t *testing.T) {
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = "x"
	}
	chunks := Chunks(texts, 0)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 10)
}
