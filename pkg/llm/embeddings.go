// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultEmbeddingDim matches the MiniLM-class sentence models the pattern
// store indexes with.
const DefaultEmbeddingDim = 384

// EmbedderConfig wires an Ollama-served embedding model.
type EmbedderConfig struct {
	Endpoint string        // Default: http://localhost:11434
	Model    string        // Default: all-minilm
	Dim      int           // Default: 384
	Timeout  time.Duration // Default: 30s
}

// OllamaEmbedder produces dense vectors via the Ollama embeddings API.
type OllamaEmbedder struct {
	endpoint   string
	model      string
	dim        int
	httpClient *http.Client
}

// NewOllamaEmbedder creates an embedder against a local Ollama server.
func NewOllamaEmbedder(cfg EmbedderConfig) *OllamaEmbedder {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "all-minilm"
	}
	if cfg.Dim <= 0 {
		cfg.Dim = DefaultEmbeddingDim
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaEmbedder{
		endpoint:   cfg.Endpoint,
		model:      cfg.Model,
		dim:        cfg.Dim,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed returns a vector of exactly Dim() elements or an error.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API returned %d: %s", resp.StatusCode, string(raw))
	}

	var out ollamaEmbedResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("embeddings API error: %s", out.Error)
	}
	if len(out.Embedding) != e.dim {
		return nil, fmt.Errorf("model %s returned %d dimensions, want %d",
			e.model, len(out.Embedding), e.dim)
	}

	vec := make([]float32, e.dim)
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dim returns the embedding dimensionality.
func (e *OllamaEmbedder) Dim() int {
	return e.dim
}
