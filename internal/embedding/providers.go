// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/neilvibe/ldm/internal/model"
)

// MockEngine produces deterministic, content-derived vectors without any
// network call. Grounded on the teacher's own "mock" EmbeddingProvider
// default (pkg/ingestion/config.go: "Safe default for testing") — used
// here as LDM's "fast" tier and as the default in tests/offline mode.
type MockEngine struct {
	dim  int
	kind model.EmbeddingEngine
}

// NewMockEngine returns a MockEngine producing vectors of width dim.
func NewMockEngine(dim int) *MockEngine {
	if dim <= 0 {
		dim = 768
	}
	return &MockEngine{dim: dim, kind: model.EngineFast}
}

func (m *MockEngine) Dimension() int             { return m.dim }
func (m *MockEngine) Kind() model.EmbeddingEngine { return m.kind }

// EmbedBatch hashes each text into a deterministic pseudo-random unit
// vector. Similar strings do not reliably score as similar; this
// exists for offline development and unit tests of C6/C7's plumbing,
// not for production-quality semantic search.
func (m *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		out[i] = hashVector(t, m.dim)
	}
	return out, nil
}

func hashVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	seed := sha256.Sum256([]byte(text))
	state := binary.BigEndian.Uint64(seed[:8])
	for i := range v {
		state = state*6364136223846793005 + 1442695040888963407
		// map to roughly [-1, 1]
		v[i] = float32(int64(state>>11))/float32(1<<52) - 1
	}
	Normalize(v)
	return v
}

// HTTPEngine calls an external embedding endpoint compatible with
// Ollama's /api/embeddings or OpenAI's /v1/embeddings, selected by
// config the same way the teacher's EmbeddingProvider/OLLAMA_BASE_URL/
// OPENAI_API_BASE knobs do (pkg/ingestion/config.go). Used as LDM's
// "deep" tier.
type HTTPEngine struct {
	client   *http.Client
	baseURL  string
	model    string
	apiKey   string
	provider string // "ollama" or "openai"
	dim      int
}

// HTTPEngineConfig configures a remote embedding provider.
type HTTPEngineConfig struct {
	Provider string // "ollama" | "openai"
	BaseURL  string
	Model    string
	APIKey   string
	Dim      int
	Timeout  time.Duration
}

// NewHTTPEngine returns a remote deep-embedding engine.
func NewHTTPEngine(cfg HTTPEngineConfig) *HTTPEngine {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dim := cfg.Dim
	if dim <= 0 {
		dim = 768
	}
	return &HTTPEngine{
		client:   &http.Client{Timeout: timeout},
		baseURL:  cfg.BaseURL,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		provider: cfg.Provider,
		dim:      dim,
	}
}

func (e *HTTPEngine) Dimension() int             { return e.dim }
func (e *HTTPEngine) Kind() model.EmbeddingEngine { return model.EngineDeep }

// EmbedBatch embeds texts in the submitted order. Batching at the HTTP
// layer is provider-specific: the Ollama path issues one request per
// text (its /api/embeddings takes a single prompt), while the OpenAI
// path sends the whole slice as one array input in a single request.
// Callers that need bounded request sizes chunk with embedding.Chunks
// and call EmbedBatch per chunk.
func (e *HTTPEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	switch e.provider {
	case "openai":
		return e.embedOpenAI(ctx, texts)
	default:
		return e.embedOllama(ctx, texts)
	}
}

func (e *HTTPEngine) embedOllama(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		body, _ := json.Marshal(map[string]string{"model": e.model, "prompt": t})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding: ollama request: %w", err)
		}
		var parsed struct {
			Embedding []float32 `json:"embedding"`
		}
		err = decodeAndClose(resp, &parsed)
		if err != nil {
			return nil, err
		}
		Normalize(parsed.Embedding)
		out[i] = parsed.Embedding
	}
	return out, nil
}

func (e *HTTPEngine) embedOpenAI(ctx context.Context, texts []string) ([][]float32, error) {
	body, _ := json.Marshal(map[string]any{"model": e.model, "input": texts})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: openai request: %w", err)
	}
	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := decodeAndClose(resp, &parsed); err != nil {
		return nil, err
	}
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		Normalize(d.Embedding)
		out[i] = d.Embedding
	}
	return out, nil
}

func decodeAndClose(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding: provider returned %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// cosineFloat64 is a small helper shared by tests to sanity-check that
// Normalize produces comparable vectors; not used by production code
// paths, which delegate scoring to CozoDB's HNSW distance function.
func cosineFloat64(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
