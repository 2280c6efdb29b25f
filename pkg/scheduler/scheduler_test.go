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
package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/costs"
)

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "bus is required")

	b, err := bus.Open(":memory:", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	_, err = New(Config{Bus: b, CompactionSpec: "not a cron spec"})
	assert.Error(t, err)

	s, err := New(Config{Bus: b, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	s.Start()
	s.Stop()
}

func TestCompactionJobRemovesOldProcessed(t *testing.T) {
	b, err := bus.Open(":memory:", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()
	ctx := context.Background()

	id, err := b.Publish(ctx, "q", map[string]interface{}{}, 0, "")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, id))
	_, err = b.Publish(ctx, "q", map[string]interface{}{}, 0, "")
	require.NoError(t, err)

	s, err := New(Config{Bus: b, Retention: 1, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	// Retention of 1ns compacts every processed row; run the job directly.
	s.retention = 0
	s.runCompaction()

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalMessages, "pending message survives")
}

func TestBudgetSweepRuns(t *testing.T) {
	b, err := bus.Open(":memory:", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	tracker := costs.NewTracker(costs.NewMemoryBackend(), nil, zaptest.NewLogger(t))
	require.NoError(t, tracker.SetBudget(10, 80))

	s, err := New(Config{Bus: b, Tracker: tracker, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	// Must not panic or error with an empty ledger.
	s.runBudgetSweep()
}
