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
package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	trinitybus "github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/costs"
	"github.com/trinity-labs/trinity/pkg/patternstore"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show bus, pattern-store and cost statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := zap.NewNop()

	b, err := trinitybus.Open(cfg.Storage.BusPath, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	busStats, err := b.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Bus")
	fmt.Printf("  messages: %d\n", busStats.TotalMessages)
	for queue, n := range busStats.ByQueue {
		fmt.Printf("  %-24s %d\n", queue, n)
	}
	for status, n := range busStats.ByStatus {
		fmt.Printf("  %-24s %d\n", status, n)
	}

	store, err := patternstore.Open(cfg.Storage.PatternsPath, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	patStats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Patterns")
	fmt.Printf("  total: %d  avg confidence: %.2f  index: %d\n",
		patStats.TotalPatterns, patStats.AverageConfidence, patStats.IndexSize)
	for pt, n := range patStats.ByType {
		fmt.Printf("  %-24s %d\n", pt, n)
	}
	for _, p := range patStats.TopPatterns {
		fmt.Printf("  top: %s (%s) seen %d\n", p.Name, p.Type, p.TimesSeen)
	}

	if cfg.Storage.CostsPath == ":memory:" {
		return nil
	}
	backend, err := costs.NewSQLiteBackend(cfg.Storage.CostsPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open cost ledger: %w", err)
	}
	defer backend.Close()

	tracker := costs.NewTracker(backend, nil, logger)
	summary, err := tracker.Summary(ctx, costs.Filter{})
	if err != nil {
		return err
	}
	fmt.Println("Costs")
	fmt.Printf("  total: $%.4f over %d calls (success rate %.0f%%)\n",
		summary.TotalCostUSD, summary.TotalCalls, summary.SuccessRate*100)
	for op, usd := range summary.ByOperation {
		fmt.Printf("  %-24s $%.4f\n", op, usd)
	}
	return nil
}
