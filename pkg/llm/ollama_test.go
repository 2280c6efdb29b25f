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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trinity-labs/trinity/pkg/types"
)

func TestOllamaComplete(t *testing.T) {
	var gotReq ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Model:           "llama3.1",
			Message:         ollamaMessage{Role: "assistant", Content: "done"},
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       5,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Endpoint: srv.URL, Model: "llama3.1"})
	resp, err := p.Complete(context.Background(), Request{
		System:      "be terse",
		Prompt:      "hello",
		MaxTokens:   100,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 5, resp.Usage.OutputTokens)
	assert.Equal(t, types.TierLocal, p.Tier())

	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	assert.Equal(t, "user", gotReq.Messages[1].Role)
	assert.False(t, gotReq.Stream)
	assert.EqualValues(t, 100, gotReq.Options["num_predict"])
}

func TestOllamaAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(OllamaConfig{Endpoint: srv.URL})
	_, err := p.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestAnthropicTierValidation(t *testing.T) {
	_, err := NewAnthropicProvider(AnthropicConfig{Tier: types.TierLocal})
	assert.Error(t, err)
	_, err = NewAnthropicProvider(AnthropicConfig{Tier: "mainframe"})
	assert.Error(t, err)

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "k", Tier: types.TierCloudMini})
	require.NoError(t, err)
	assert.Equal(t, types.TierCloudMini, p.Tier())
	assert.NotEmpty(t, p.Model())
}

func TestMockScript(t *testing.T) {
	m := &Mock{
		ModelName: "mock",
		ModelTier: types.TierCloudMini,
		Responses: []Response{{Content: "first"}, {Content: "second"}},
	}
	ctx := context.Background()

	r1, err := m.Complete(ctx, Request{Prompt: "a"})
	require.NoError(t, err)
	r2, err := m.Complete(ctx, Request{Prompt: "b"})
	require.NoError(t, err)
	r3, err := m.Complete(ctx, Request{Prompt: "c"})
	require.NoError(t, err)

	assert.Equal(t, "first", r1.Content)
	assert.Equal(t, "second", r2.Content)
	assert.Equal(t, "second", r3.Content, "script exhausts to last response")
	assert.Len(t, m.Calls(), 3)
}
