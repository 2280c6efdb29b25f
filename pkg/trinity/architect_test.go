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
package trinity

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/types"
)

func newTestArchitect(t *testing.T, b *bus.Bus) *Architect {
	t.Helper()
	return NewArchitect(b, openTestPatternStore(t), ArchitectConfig{
		WorkspaceDir: t.TempDir(),
	}, nil, zaptest.NewLogger(t))
}

func TestAssessComplexity(t *testing.T) {
	a := newTestArchitect(t, openTestBus(t))

	tests := []struct {
		name   string
		signal types.Signal
		want   float64
	}{
		{
			name:   "plain failure",
			signal: types.Signal{Data: map[string]interface{}{"pattern_type": "failure"}},
			want:   0.2,
		},
		{
			name:   "user intent",
			signal: types.Signal{Data: map[string]interface{}{"pattern_type": "user_intent"}},
			want:   0.4,
		},
		{
			name: "architecture keyword floors at 0.7",
			signal: types.Signal{Data: map[string]interface{}{
				"pattern_type": "failure",
				"keywords":     []interface{}{"architecture"},
			}},
			want: 0.7,
		},
		{
			name: "refactor adds 0.2",
			signal: types.Signal{Data: map[string]interface{}{
				"pattern_type": "code_duplication",
				"keywords":     []interface{}{"refactor"},
			}},
			want: 0.5,
		},
		{
			name: "multi-file and system-wide substrings",
			signal: types.Signal{Data: map[string]interface{}{
				"pattern_type": "missing_tests",
				"content":      "multi-file system-wide gap",
			}},
			want: 0.8,
		},
		{
			name: "evidence bonus",
			signal: types.Signal{
				Data:          map[string]interface{}{"pattern_type": "failure"},
				EvidenceCount: 5,
			},
			want: 0.3,
		},
		{
			name: "clamped at 1.0",
			signal: types.Signal{
				Data: map[string]interface{}{
					"pattern_type": "user_intent",
					"keywords":     []interface{}{"refactor"},
					"content":      "multi-file system-wide rework",
				},
				EvidenceCount: 9,
			},
			want: 1.0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, a.assessComplexity(&tc.signal), 1e-9)
		})
	}
}

func TestSelectEngine(t *testing.T) {
	a := newTestArchitect(t, openTestBus(t))

	e := a.selectEngine(types.PriorityCritical, 0.1)
	assert.Equal(t, types.TierCloudPremium, e.Tier)
	assert.True(t, e.Escalation)

	e = a.selectEngine(types.PriorityHigh, 0.8)
	assert.Equal(t, types.TierCloudPremium, e.Tier)
	assert.True(t, e.Escalation)

	// HIGH at exactly 0.7 stays local: the policy requires strictly greater.
	e = a.selectEngine(types.PriorityHigh, 0.7)
	assert.Equal(t, types.TierLocal, e.Tier)
	assert.False(t, e.Escalation)

	e = a.selectEngine(types.PriorityNormal, 1.0)
	assert.Equal(t, types.TierLocal, e.Tier)
}

func TestVerifyPlan(t *testing.T) {
	valid := []types.TaskSpec{
		{TaskID: "c", TaskType: types.TaskCodeGeneration, SubAgent: types.AgentCodeWriter},
		{TaskID: "t", TaskType: types.TaskTestGeneration, SubAgent: types.AgentTestArchitect},
		{TaskID: "m", TaskType: types.TaskMerge, SubAgent: types.AgentReleaseManager, Dependencies: []string{"c", "t"}},
	}
	assert.NoError(t, verifyPlan(valid))

	missingAgent := []types.TaskSpec{{TaskID: "x", TaskType: types.TaskMerge}}
	assert.Error(t, verifyPlan(missingAgent))

	codeWithoutTest := []types.TaskSpec{
		{TaskID: "c", TaskType: types.TaskCodeGeneration, SubAgent: types.AgentCodeWriter},
	}
	assert.Error(t, verifyPlan(codeWithoutTest))

	unknownDep := []types.TaskSpec{
		{TaskID: "m", TaskType: types.TaskMerge, SubAgent: types.AgentReleaseManager, Dependencies: []string{"ghost"}},
	}
	assert.Error(t, verifyPlan(unknownDep))

	selfDep := []types.TaskSpec{
		{TaskID: "m", TaskType: types.TaskMerge, SubAgent: types.AgentReleaseManager, Dependencies: []string{"m"}},
	}
	assert.Error(t, verifyPlan(selfDep))
}

func TestArchitectPublishesTaskGraph(t *testing.T) {
	b := openTestBus(t)
	a := newTestArchitect(t, b)
	ctx := context.Background()

	tasks, err := b.Subscribe(ctx, types.QueueExecution, 8)
	require.NoError(t, err)

	signal := types.Signal{
		CorrelationID: "corr-42",
		Priority:      types.PriorityHigh,
		Pattern:       "flaky-test",
		Data:          map[string]interface{}{"pattern_type": "failure"},
		EvidenceCount: 3,
		Confidence:    0.8,
		Timestamp:     time.Now(),
	}
	payload, err := types.ToPayload(&signal)
	require.NoError(t, err)

	a.handleSignal(ctx, bus.Delivery{MessageID: 1, Payload: payload, CorrelationID: "corr-42"})

	var specs []types.TaskSpec
	for i := 0; i < 3; i++ {
		d := recvDelivery(t, tasks)
		assert.Equal(t, types.PriorityHigh.QueuePriority(), d.Priority)
		assert.Equal(t, "corr-42", d.CorrelationID)

		var task types.TaskSpec
		require.NoError(t, types.FromPayload(d.Payload, &task))
		assert.Equal(t, "corr-42", task.CorrelationID)
		assert.Equal(t, types.PriorityHigh, task.Priority)
		specs = append(specs, task)
	}

	assert.Equal(t, types.TaskCodeGeneration, specs[0].TaskType)
	assert.Equal(t, types.AgentCodeWriter, specs[0].SubAgent)
	assert.Empty(t, specs[0].Dependencies)
	assert.Equal(t, types.TaskTestGeneration, specs[1].TaskType)
	assert.Equal(t, types.TaskMerge, specs[2].TaskType)
	assert.ElementsMatch(t, []string{specs[0].TaskID, specs[1].TaskID}, specs[2].Dependencies)

	assert.NoError(t, verifyPlan(specs))

	stats := a.Stats()
	assert.Equal(t, int64(1), stats.SignalsProcessed)
	assert.Equal(t, int64(1), stats.PlansPublished)
}

func TestArchitectCountsEscalations(t *testing.T) {
	b := openTestBus(t)
	a := newTestArchitect(t, b)
	ctx := context.Background()

	signal := types.Signal{
		CorrelationID: "corr-crit",
		Priority:      types.PriorityCritical,
		Pattern:       "broken-build",
		Data:          map[string]interface{}{"pattern_type": "failure"},
		Confidence:    0.9,
		Timestamp:     time.Now(),
	}
	payload, err := types.ToPayload(&signal)
	require.NoError(t, err)

	a.handleSignal(ctx, bus.Delivery{MessageID: 1, Payload: payload, CorrelationID: "corr-crit"})

	assert.Equal(t, int64(1), a.Stats().Escalations)
}

func TestArchitectMalformedSignalFailsWithReport(t *testing.T) {
	b := openTestBus(t)
	a := newTestArchitect(t, b)
	ctx := context.Background()

	telemetry, err := b.Subscribe(ctx, types.QueueTelemetry, 4)
	require.NoError(t, err)
	tasks, err := b.Subscribe(ctx, types.QueueExecution, 4)
	require.NoError(t, err)

	a.handleSignal(ctx, bus.Delivery{
		MessageID:     1,
		Payload:       map[string]interface{}{"priority": 42, "confidence": "high"},
		CorrelationID: "corr-garbled",
	})

	d := recvDelivery(t, telemetry)
	var report types.TelemetryReport
	require.NoError(t, types.FromPayload(d.Payload, &report))
	assert.Equal(t, types.ReportFailure, report.Status)
	assert.Equal(t, failurePriority, d.Priority)

	// The payload decoded to nothing; the report keeps the delivery's lineage.
	assert.Equal(t, "corr-garbled", d.CorrelationID)
	assert.Equal(t, "corr-garbled", report.CorrelationID)

	expectNoDelivery(t, tasks)
}

func TestArchitectCleansUpStrategyFile(t *testing.T) {
	b := openTestBus(t)
	workspace := t.TempDir()
	a := NewArchitect(b, openTestPatternStore(t), ArchitectConfig{WorkspaceDir: workspace},
		nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, types.QueueExecution, 8)
	require.NoError(t, err)

	// Complexity 0.7 via the architecture keyword forces a spec + ADR.
	signal := types.Signal{
		CorrelationID: "corr-arch",
		Priority:      types.PriorityNormal,
		Pattern:       "layering-violation",
		Data: map[string]interface{}{
			"pattern_type": "constitutional_violation",
			"keywords":     []interface{}{"architecture"},
		},
		Confidence: 0.9,
		Timestamp:  time.Now(),
	}
	payload, err := types.ToPayload(&signal)
	require.NoError(t, err)

	a.handleSignal(ctx, bus.Delivery{MessageID: 1, Payload: payload, CorrelationID: "corr-arch"})

	// Strategy file is deleted on cycle end.
	entries, err := os.ReadDir(workspace)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
