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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/costs"
)

var (
	costsOperation string
	costsSince     time.Duration
	costsJSON      bool
)

var costsCmd = &cobra.Command{
	Use:   "costs",
	Short: "Summarize or export the cost ledger",
	RunE:  runCosts,
}

func init() {
	costsCmd.Flags().StringVar(&costsOperation, "operation", "", "filter by operation (sub-agent name)")
	costsCmd.Flags().DurationVar(&costsSince, "since", 0, "only entries newer than this (e.g. 24h)")
	costsCmd.Flags().BoolVar(&costsJSON, "json", false, "export matching entries as JSON")
	rootCmd.AddCommand(costsCmd)
}

func runCosts(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.CostsPath == ":memory:" {
		return fmt.Errorf("cost ledger is in-memory; nothing durable to read")
	}

	backend, err := costs.NewSQLiteBackend(cfg.Storage.CostsPath, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open cost ledger: %w", err)
	}
	defer backend.Close()

	tracker := costs.NewTracker(backend, nil, zap.NewNop())
	if cfg.Budget.LimitUSD > 0 {
		if err := tracker.SetBudget(cfg.Budget.LimitUSD, cfg.Budget.AlertThresholdPct); err != nil {
			return err
		}
	}

	filter := costs.Filter{Operation: costsOperation}
	if costsSince > 0 {
		filter.Since = time.Now().Add(-costsSince)
	}
	ctx := context.Background()

	if costsJSON {
		out, err := tracker.ExportJSON(ctx, filter)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	}

	summary, err := tracker.Summary(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Printf("total: $%.4f over %d calls (%d in / %d out tokens, success rate %.0f%%)\n",
		summary.TotalCostUSD, summary.TotalCalls,
		summary.TotalTokensIn, summary.TotalTokensOut, summary.SuccessRate*100)
	for op, usd := range summary.ByOperation {
		fmt.Printf("  %-24s $%.4f\n", op, usd)
	}
	for model, usd := range summary.ByModel {
		fmt.Printf("  %-24s $%.4f\n", model, usd)
	}

	hourly, err := tracker.HourlyRate(ctx)
	if err != nil {
		return err
	}
	daily, err := tracker.DailyProjection(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("rate: $%.4f/h (projected $%.2f/day)\n", hourly, daily)

	status, err := tracker.BudgetStatus(ctx)
	if err != nil {
		return err
	}
	if status.LimitUSD > 0 {
		fmt.Printf("budget: $%.2f of $%.2f used (%.0f%%)", status.SpentUSD, status.LimitUSD, status.PercentUsed)
		if status.AlertTriggered {
			fmt.Print("  ALERT")
		}
		if status.LimitExceeded {
			fmt.Print("  EXCEEDED")
		}
		fmt.Println()
	}
	return nil
}
