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

// Package scheduler runs the periodic maintenance jobs: bus compaction and
// budget sweeps. Both are cron-driven and safe to run while the roles are
// live.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/costs"
)

// Defaults for the maintenance cadence.
const (
	DefaultCompactionSpec  = "0 * * * *"    // hourly
	DefaultBudgetSweepSpec = "*/15 * * * *" // every 15 minutes
	DefaultRetention       = 7 * 24 * time.Hour
)

// Config wires the maintenance scheduler.
type Config struct {
	Bus     *bus.Bus
	Tracker *costs.Tracker

	// CompactionSpec is the cron schedule for bus compaction. Default hourly.
	CompactionSpec string

	// Retention is how long processed messages are kept. Default 7 days.
	Retention time.Duration

	// BudgetSweepSpec is the cron schedule for budget checks. Default every
	// 15 minutes.
	BudgetSweepSpec string

	Logger *zap.Logger
}

// Scheduler owns the cron engine for maintenance jobs.
type Scheduler struct {
	cron      *cron.Cron
	bus       *bus.Bus
	tracker   *costs.Tracker
	retention time.Duration
	logger    *zap.Logger
}

// New builds the scheduler and registers its jobs. Start begins execution.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.CompactionSpec == "" {
		cfg.CompactionSpec = DefaultCompactionSpec
	}
	if cfg.BudgetSweepSpec == "" {
		cfg.BudgetSweepSpec = DefaultBudgetSweepSpec
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Scheduler{
		cron:      cron.New(),
		bus:       cfg.Bus,
		tracker:   cfg.Tracker,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}

	if _, err := s.cron.AddFunc(cfg.CompactionSpec, s.runCompaction); err != nil {
		return nil, fmt.Errorf("invalid compaction schedule %q: %w", cfg.CompactionSpec, err)
	}
	if s.tracker != nil {
		if _, err := s.cron.AddFunc(cfg.BudgetSweepSpec, s.runBudgetSweep); err != nil {
			return nil, fmt.Errorf("invalid budget sweep schedule %q: %w", cfg.BudgetSweepSpec, err)
		}
	}

	return s, nil
}

// Start begins the cron engine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		zap.Duration("retention", s.retention))
}

// Stop halts the cron engine and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("maintenance scheduler stopped")
}

// runCompaction removes processed messages older than the retention window.
func (s *Scheduler) runCompaction() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.bus.Compact(ctx, s.retention)
	if err != nil {
		s.logger.Error("bus compaction failed", zap.Error(err))
		return
	}
	if removed > 0 {
		s.logger.Info("bus compacted", zap.Int64("removed", removed))
	}
}

// runBudgetSweep logs spend state; the tracker handles the alert itself.
func (s *Scheduler) runBudgetSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	status, err := s.tracker.BudgetStatus(ctx)
	if err != nil {
		s.logger.Error("budget sweep failed", zap.Error(err))
		return
	}
	hourly, err := s.tracker.HourlyRate(ctx)
	if err != nil {
		s.logger.Error("hourly rate lookup failed", zap.Error(err))
		return
	}

	s.logger.Info("budget sweep",
		zap.Float64("spent_usd", status.SpentUSD),
		zap.Float64("percent_used", status.PercentUsed),
		zap.Float64("hourly_rate_usd", hourly),
		zap.Bool("alert_triggered", status.AlertTriggered))
}
