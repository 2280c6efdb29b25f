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

// Package llm abstracts the completion backends sub-agents run on. Two real
// providers exist: an Anthropic client for the cloud tiers and an
// Ollama-compatible client for the local tier.
package llm

import (
	"context"

	"github.com/trinity-labs/trinity/pkg/types"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Usage is the token accounting reported by the model backend. Zero values
// mean the backend did not report usage; callers fall back to estimation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the completion result.
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is a completion backend pinned to one model and pricing tier.
type Provider interface {
	// Complete runs one completion. Blocking; honors ctx cancellation.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider name (e.g. "anthropic", "ollama").
	Name() string

	// Model returns the model identifier.
	Model() string

	// Tier returns the pricing tier of this provider's model.
	Tier() types.ModelTier
}
