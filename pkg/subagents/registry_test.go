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
package subagents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trinity-labs/trinity/pkg/costs"
	"github.com/trinity-labs/trinity/pkg/llm"
	"github.com/trinity-labs/trinity/pkg/types"
)

func newTestRegistry(t *testing.T, p llm.Provider) (*Registry, *costs.Tracker) {
	t.Helper()
	tracker := costs.NewTracker(costs.NewMemoryBackend(), nil, zaptest.NewLogger(t))
	reg, err := UniformRegistry(p, tracker, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return reg, tracker
}

func TestRegistryRequiresAllRoles(t *testing.T) {
	tracker := costs.NewTracker(costs.NewMemoryBackend(), nil, zaptest.NewLogger(t))
	providers := map[types.SubAgentType]llm.Provider{
		types.AgentCodeWriter: llm.NewMock("ok"),
	}
	_, err := NewRegistry(providers, tracker, nil, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test_architect")
}

func TestInvokeSuccessRecordsOneCostEntry(t *testing.T) {
	mock := &llm.Mock{
		ModelName: "mock",
		ModelTier: types.TierCloudMini,
		Responses: []llm.Response{{
			Content: "wrote the function\nmore detail below",
			Model:   "mock",
			Usage:   llm.Usage{InputTokens: 1000, OutputTokens: 2000},
		}},
	}
	reg, tracker := newTestRegistry(t, mock)
	ctx := context.Background()

	result, err := reg.Invoke(ctx, types.AgentCodeWriter, "task-1",
		map[string]interface{}{"Goal": "add retry logic"})
	require.NoError(t, err)

	assert.Equal(t, types.ReportSuccess, result.Status)
	assert.False(t, result.Failed())
	assert.Equal(t, "wrote the function", result.Summary)
	assert.InDelta(t, 1*0.00015+2*0.0006, result.CostUSD, 1e-12)

	s, err := tracker.Summary(ctx, costs.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls)
	assert.Equal(t, 1000, s.TotalTokensIn)

	// Cost entry carries the task id for attribution.
	s, err = tracker.Summary(ctx, costs.Filter{Metadata: map[string]interface{}{"task_id": "task-1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls)
}

func TestInvokeFailureStillRecordsCostEntry(t *testing.T) {
	mock := &llm.Mock{
		ModelName: "mock",
		ModelTier: types.TierCloudMini,
		Err:       errors.New("backend unavailable"),
	}
	reg, tracker := newTestRegistry(t, mock)
	ctx := context.Background()

	result, err := reg.Invoke(ctx, types.AgentTestArchitect, "task-2",
		map[string]interface{}{"Goal": "cover the retry path"})
	require.NoError(t, err, "provider failure is a result, not an error")

	assert.Equal(t, types.ReportFailure, result.Status)
	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "backend unavailable")

	s, err := tracker.Summary(ctx, costs.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls, "failed invocations still produce an entry")
	assert.Equal(t, 0.0, s.SuccessRate)
}

func TestInvokeUnknownAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, llm.NewMock("ok"))
	_, err := reg.Invoke(context.Background(), "archivist", "t", nil)
	assert.Error(t, err)
}

func TestInvokeEstimatesTokensWhenBackendOmitsUsage(t *testing.T) {
	mock := &llm.Mock{
		ModelName: "mock",
		ModelTier: types.TierCloudMini,
		Responses: []llm.Response{{Content: "a fairly long answer with several words in it", Model: "mock"}},
	}
	reg, tracker := newTestRegistry(t, mock)

	_, err := reg.Invoke(context.Background(), types.AgentCodeWriter, "t",
		map[string]interface{}{"Goal": "do something with enough text to estimate"})
	require.NoError(t, err)

	s, err := tracker.Summary(context.Background(), costs.Filter{})
	require.NoError(t, err)
	assert.Greater(t, s.TotalTokensIn, 0)
	assert.Greater(t, s.TotalTokensOut, 0)
}

func TestFormatPrompt(t *testing.T) {
	tests := []struct {
		name string
		spec map[string]interface{}
		want string
	}{
		{
			name: "known fields in order",
			spec: map[string]interface{}{
				"Requirements": []string{"idempotent", "logged"},
				"Goal":         "add retry logic",
				"Files":        []interface{}{"bus.go", "subscribe.go"},
			},
			want: "Goal: add retry logic\nFiles: bus.go, subscribe.go\nRequirements: idempotent, logged",
		},
		{
			name: "fallback serializes whole spec",
			spec: map[string]interface{}{"kind": "merge"},
			want: `{"kind":"merge"}`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FormatPrompt(tc.spec))
		})
	}
}
