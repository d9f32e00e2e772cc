// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package embedding implements C4 (Embedding Engine): batch text ->
// vector conversion behind a pluggable interface, mirroring how the
// teacher keeps tree-sitter parsing behind a per-language Parser
// interface so the indexing pipeline never cares which concrete
// implementation produced the data it consumes.
package embedding

import (
	"context"
	"math"

	"github.com/neilvibe/ldm/internal/model"
)

// Engine embeds a batch of canonicalized strings into L2-normalized
// vectors. Implementations must be safe for concurrent use; C6 calls
// EmbedBatch from multiple TM builds running in parallel.
type Engine interface {
	// EmbedBatch returns one vector per input string, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector width this engine produces.
	Dimension() int

	// Kind identifies the engine for spec §4.4's engine-mismatch check.
	Kind() model.EmbeddingEngine
}

// Normalize scales v to unit L2 length in place, matching spec §4.4's
// "vectors are stored L2-normalized so cosine similarity reduces to
// inner product" requirement. A zero vector is left unchanged.
func Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}

// BatchSize is the default chunk size EmbedBatch callers should respect
// when an Engine doesn't impose its own (spec §4.4: "engines process
// in batches; batch size is an engine-level configuration knob").
const BatchSize = 64

// Chunks splits texts into BatchSize-sized slices, preserving order.
func Chunks(texts []string, size int) [][]string {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]string
	for i := 0; i < len(texts); i += size {
		end := i + size
		if end > len(texts) {
			end = len(texts)
		}
		out = append(out, texts[i:end])
	}
	return out
}
