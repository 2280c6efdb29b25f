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
	"sync"

	"github.com/trinity-labs/trinity/pkg/types"
)

// Mock is a scriptable provider for tests. Responses are returned in order;
// when the script runs out the last response repeats. A nil Err and empty
// script yield an empty completion.
type Mock struct {
	ModelName string
	ModelTier types.ModelTier
	Responses []Response
	Err       error

	mu    sync.Mutex
	calls []Request
}

// NewMock creates a mock on the local tier returning content for every call.
func NewMock(content string) *Mock {
	return &Mock{
		ModelName: "mock",
		ModelTier: types.TierLocal,
		Responses: []Response{{Content: content, Model: "mock"}},
	}
}

// Complete returns the next scripted response or the configured error.
func (m *Mock) Complete(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return &Response{Model: m.ModelName}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	resp := m.Responses[idx]
	return &resp, nil
}

// Calls returns a copy of all requests seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Name returns "mock".
func (m *Mock) Name() string { return "mock" }

// Model returns the configured model name.
func (m *Mock) Model() string { return m.ModelName }

// Tier returns the configured tier.
func (m *Mock) Tier() types.ModelTier { return m.ModelTier }

var _ Provider = (*Mock)(nil)
