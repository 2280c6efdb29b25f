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
package costs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trinity-labs/trinity/pkg/types"
)

func newMemoryTracker(t *testing.T) *Tracker {
	t.Helper()
	return NewTracker(NewMemoryBackend(), nil, zaptest.NewLogger(t))
}

func TestCostDeterminism(t *testing.T) {
	tests := []struct {
		tier      types.ModelTier
		in, out   int
		wantUSD   float64
	}{
		{types.TierLocal, 100000, 100000, 0},
		{types.TierCloudMini, 1000, 1000, 0.00015 + 0.0006},
		{types.TierCloudStandard, 2000, 500, 2*0.0025 + 0.5*0.01},
		{types.TierCloudPremium, 1500, 3000, 1.5*0.005 + 3*0.015},
		{types.TierCloudMini, 0, 0, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.wantUSD, Cost(tc.tier, tc.in, tc.out),
			"tier=%s in=%d out=%d", tc.tier, tc.in, tc.out)
	}
}

func TestTrackValidation(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "witness", "m", types.TierLocal, -1, 0, 0, true, nil, "")
	assert.Error(t, err)
	_, err = tr.Track(ctx, "witness", "m", types.TierLocal, 0, -1, 0, true, nil, "")
	assert.Error(t, err)
	_, err = tr.Track(ctx, "witness", "m", "gpu_cluster", 10, 10, 0, true, nil, "")
	assert.Error(t, err)
	_, err = tr.Track(ctx, "", "m", types.TierLocal, 10, 10, 0, true, nil, "")
	assert.Error(t, err)

	s, err := tr.Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalCalls, "rejected calls record nothing")
}

func TestTrackComputesCost(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	e, err := tr.Track(ctx, "code_writer", "sonnet", types.TierCloudStandard, 2000, 1000, 3*time.Second, true, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2*0.0025+1*0.01, e.CostUSD)
	assert.Equal(t, 3.0, e.DurationSeconds)
	assert.Greater(t, e.ID, int64(0))
}

func TestSummaryAggregation(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "code_writer", "sonnet", types.TierCloudStandard, 1000, 1000, 0, true, nil, "")
	require.NoError(t, err)
	_, err = tr.Track(ctx, "code_writer", "sonnet", types.TierCloudStandard, 1000, 1000, 0, false, nil, "timeout")
	require.NoError(t, err)
	_, err = tr.Track(ctx, "test_architect", "haiku", types.TierCloudMini, 1000, 1000, 0, true, nil, "")
	require.NoError(t, err)

	s, err := tr.Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalCalls)
	assert.Equal(t, 3000, s.TotalTokensIn)
	assert.Equal(t, 3000, s.TotalTokensOut)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	assert.InDelta(t, 2*(0.0025+0.01), s.ByOperation["code_writer"], 1e-12)
	assert.InDelta(t, 0.00015+0.0006, s.ByModel["haiku"], 1e-12)

	// Operation filter.
	s, err = tr.Summary(ctx, Filter{Operation: "test_architect"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestSummaryEmptyIsSuccessRateOne(t *testing.T) {
	tr := newMemoryTracker(t)
	s, err := tr.Summary(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Equal(t, 0.0, s.TotalCostUSD)
}

func TestSummaryMetadataFilter(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "code_writer", "m", types.TierCloudMini, 100, 100, 0, true,
		map[string]interface{}{"task_id": "t-1"}, "")
	require.NoError(t, err)
	_, err = tr.Track(ctx, "code_writer", "m", types.TierCloudMini, 100, 100, 0, true,
		map[string]interface{}{"task_id": "t-2"}, "")
	require.NoError(t, err)

	s, err := tr.Summary(ctx, Filter{Metadata: map[string]interface{}{"task_id": "t-1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls)
}

func TestBudgetStatus(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	// No limit set: remaining stays 0, no alert.
	status, err := tr.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, status.RemainingUSD)
	assert.False(t, status.AlertTriggered)
	assert.False(t, status.LimitExceeded)

	require.NoError(t, tr.SetBudget(1.0, 80))

	// cloud_premium 100k in / 100k out = 0.5 + 1.5 = 2.0 USD.
	_, err = tr.Track(ctx, "executor", "opus", types.TierCloudPremium, 100000, 100000, 0, true, nil, "")
	require.NoError(t, err)

	status, err = tr.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, status.SpentUSD)
	assert.Equal(t, 0.0, status.RemainingUSD)
	assert.Equal(t, 200.0, status.PercentUsed)
	assert.True(t, status.AlertTriggered)
	assert.True(t, status.LimitExceeded)
}

func TestBudgetZeroLimitExceededByAnySpend(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	// An explicit zero limit is a real budget, unlike never setting one.
	require.NoError(t, tr.SetBudget(0, 80))

	status, err := tr.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.LimitExceeded, "no spend yet")
	assert.Equal(t, 0.0, status.PercentUsed)

	// cloud_premium 2k in / 1k out = 0.01 + 0.015 = 0.025 USD.
	_, err = tr.Track(ctx, "executor", "opus", types.TierCloudPremium, 2000, 1000, 0, true, nil, "")
	require.NoError(t, err)

	status, err = tr.BudgetStatus(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.025, status.SpentUSD, 1e-9)
	assert.Equal(t, 0.0, status.LimitUSD)
	assert.True(t, status.LimitExceeded, "any spend exceeds a zero limit")
	assert.True(t, status.AlertTriggered)
	assert.Equal(t, 100.0, status.PercentUsed)
	assert.Equal(t, 0.0, status.RemainingUSD)
}

func TestBudgetMonotonicSpend(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()
	require.NoError(t, tr.SetBudget(100, 50))

	var prev float64
	for i := 0; i < 5; i++ {
		_, err := tr.Track(ctx, "executor", "m", types.TierCloudStandard, 1000, 1000, 0, true, nil, "")
		require.NoError(t, err)
		status, err := tr.BudgetStatus(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.SpentUSD, prev)
		prev = status.SpentUSD
	}
}

func TestSetBudgetValidation(t *testing.T) {
	tr := newMemoryTracker(t)
	assert.Error(t, tr.SetBudget(-1, 50))
	assert.Error(t, tr.SetBudget(10, -1))
	assert.Error(t, tr.SetBudget(10, 101))
	assert.NoError(t, tr.SetBudget(0, 0))
	assert.NoError(t, tr.SetBudget(10, 100))
}

func TestHourlyRateAndProjection(t *testing.T) {
	backend := NewMemoryBackend()
	tr := NewTracker(backend, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	// One stale entry outside the window, one fresh inside it.
	_, err := backend.Append(ctx, Entry{
		Timestamp: time.Now().Add(-2 * time.Hour),
		Operation: "executor", Tier: types.TierCloudStandard, CostUSD: 5.0,
	})
	require.NoError(t, err)
	_, err = tr.Track(ctx, "executor", "m", types.TierCloudStandard, 1000, 0, 0, true, nil, "")
	require.NoError(t, err)

	hourly, err := tr.HourlyRate(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025, hourly, 1e-12)

	daily, err := tr.DailyProjection(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.0025*24, daily, 1e-12)
}

func TestExportJSON(t *testing.T) {
	tr := newMemoryTracker(t)
	ctx := context.Background()

	_, err := tr.Track(ctx, "witness", "local", types.TierLocal, 500, 200, 0, true, nil, "")
	require.NoError(t, err)

	out, err := tr.ExportJSON(ctx, Filter{})
	require.NoError(t, err)

	var entries []Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "witness", entries[0].Operation)
	assert.Equal(t, 500, entries[0].TokensIn)

	// Empty export is a valid empty array.
	empty := newMemoryTracker(t)
	out, err = empty.ExportJSON(ctx, Filter{})
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestSQLiteBackendDurability(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "costs.db")
	ctx := context.Background()

	backend, err := NewSQLiteBackend(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr := NewTracker(backend, nil, zaptest.NewLogger(t))
	_, err = tr.Track(ctx, "executor", "m", types.TierCloudMini, 1000, 1000, time.Second, false,
		map[string]interface{}{"task_id": "t-9"}, "verification failed")
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	backend, err = NewSQLiteBackend(dbPath, zaptest.NewLogger(t))
	require.NoError(t, err)
	tr = NewTracker(backend, nil, zaptest.NewLogger(t))
	defer tr.Close()

	s, err := tr.Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalCalls)
	assert.InDelta(t, 0.00015+0.0006, s.TotalCostUSD, 1e-12)
	assert.Equal(t, 0.0, s.SuccessRate)

	entries, err := backend.List(ctx, Filter{Metadata: map[string]interface{}{"task_id": "t-9"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "verification failed", entries[0].Error)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	n := EstimateTokens("The quick brown fox jumps over the lazy dog.")
	assert.Greater(t, n, 0)
	assert.Less(t, n, 45, "token count is below character count")
}
