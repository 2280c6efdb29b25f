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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/trinity-labs/trinity/internal/log"
	"github.com/trinity-labs/trinity/pkg/config"
	"github.com/trinity-labs/trinity/pkg/costs"
	"github.com/trinity-labs/trinity/pkg/llm"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/patternstore"
	"github.com/trinity-labs/trinity/pkg/scheduler"
	"github.com/trinity-labs/trinity/pkg/subagents"
	"github.com/trinity-labs/trinity/pkg/trinity"
	"github.com/trinity-labs/trinity/pkg/types"

	trinitybus "github.com/trinity-labs/trinity/pkg/bus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run all three roles until interrupted",
	Long: `Start the Trinity loop: WITNESS, ARCHITECT and EXECUTOR run concurrently
over the durable bus, with the maintenance scheduler compacting processed
messages and sweeping the budget.

Press Ctrl+C to gracefully shut down.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Executor.VerificationRunner == "" {
		return fmt.Errorf("executor.verification_runner is required: no task can succeed without the gate")
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log.SetLogger(logger)
	tracer := observability.NewZapTracer(logger)

	b, err := trinitybus.Open(cfg.Storage.BusPath, tracer, logger)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	embedder := llm.NewOllamaEmbedder(llm.EmbedderConfig{
		Endpoint: cfg.LLM.OllamaEndpoint,
		Model:    cfg.Embedding.Model,
	})
	store, err := patternstore.Open(cfg.Storage.PatternsPath, embedder, tracer, logger)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	tracker, closeTracker, err := buildTracker(cfg, tracer, logger)
	if err != nil {
		return err
	}
	defer closeTracker()

	detector, err := buildDetector(cfg, logger)
	if err != nil {
		return err
	}
	defer detector.Close()

	registry, err := buildRegistry(cfg, tracker, tracer, logger)
	if err != nil {
		return err
	}
	gate := subagents.NewGate(cfg.Executor.VerificationRunner, cfg.Executor.ProjectDir,
		cfg.Executor.VerificationTimeoutDuration(), tracer, logger)

	witness := trinity.NewWitness(b, store, detector, trinity.WitnessConfig{
		MinConfidence:        cfg.Witness.MinConfidence,
		EmitThreshold:        cfg.Witness.EmitThreshold,
		WatchPersonalContext: cfg.Witness.WatchPersonalContext,
	}, tracer, logger)
	architect := trinity.NewArchitect(b, store, trinity.ArchitectConfig{
		MinComplexity: cfg.Architect.MinComplexity,
		WorkspaceDir:  cfg.Architect.WorkspaceDir,
	}, tracer, logger)
	executor := trinity.NewExecutor(b, registry, gate, trinity.ExecutorConfig{
		WorkspaceDir: cfg.Executor.WorkspaceDir,
	}, tracer, logger)

	maint, err := scheduler.New(scheduler.Config{
		Bus:            b,
		Tracker:        tracker,
		CompactionSpec: cfg.Bus.CompactionSpec,
		Retention:      cfg.Bus.Retention(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("trinity starting",
		zap.String("data_dir", cfg.DataDir),
		zap.String("bus", cfg.Storage.BusPath),
		zap.String("runner", cfg.Executor.VerificationRunner))

	maint.Start()
	defer maint.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return witness.Run(gctx) })
	g.Go(func() error { return architect.Run(gctx) })
	g.Go(func() error { return executor.Run(gctx) })

	err = g.Wait()
	logger.Info("trinity stopped")
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildTracker selects the ledger backend and applies the configured budget.
func buildTracker(cfg *config.Config, tracer observability.Tracer, logger *zap.Logger) (*costs.Tracker, func(), error) {
	var backend costs.Backend
	if cfg.Storage.CostsPath == ":memory:" {
		backend = costs.NewMemoryBackend()
	} else {
		sb, err := costs.NewSQLiteBackend(cfg.Storage.CostsPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open cost ledger: %w", err)
		}
		backend = sb
	}

	tracker := costs.NewTracker(backend, tracer, logger)
	if cfg.Budget.LimitUSD > 0 {
		if err := tracker.SetBudget(cfg.Budget.LimitUSD, cfg.Budget.AlertThresholdPct); err != nil {
			_ = backend.Close()
			return nil, nil, err
		}
	}
	return tracker, func() { _ = backend.Close() }, nil
}

// buildDetector loads the rule file, seeding it with the default rules on a
// fresh data dir so operators have something to edit.
func buildDetector(cfg *config.Config, logger *zap.Logger) (*trinity.RuleDetector, error) {
	path := cfg.Witness.RulesPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		raw, err := yaml.Marshal(struct {
			Rules []trinity.Rule `yaml:"rules"`
		}{Rules: trinity.DefaultRules()})
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			return nil, fmt.Errorf("failed to seed rule file %s: %w", path, err)
		}
		logger.Info("seeded default detector rules", zap.String("path", path))
	}
	return trinity.NewRuleDetectorFromFile(path, logger)
}

// buildRegistry assigns providers per role: everything runs locally unless an
// Anthropic key is configured, in which case the generative roles move to the
// cloud tiers.
func buildRegistry(cfg *config.Config, tracker *costs.Tracker, tracer observability.Tracer, logger *zap.Logger) (*subagents.Registry, error) {
	local := llm.NewOllamaProvider(llm.OllamaConfig{
		Endpoint: cfg.LLM.OllamaEndpoint,
		Model:    cfg.LLM.OllamaModel,
	})

	apiKey := cfg.LLM.AnthropicAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		logger.Info("no Anthropic key configured, all sub-agents run locally",
			zap.String("model", local.Model()))
		return subagents.UniformRegistry(local, tracker, tracer, logger)
	}

	standard, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey: apiKey, Tier: types.TierCloudStandard,
	})
	if err != nil {
		return nil, err
	}
	mini, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
		APIKey: apiKey, Tier: types.TierCloudMini,
	})
	if err != nil {
		return nil, err
	}

	providers := map[types.SubAgentType]llm.Provider{
		types.AgentCodeWriter:       standard,
		types.AgentTestArchitect:    standard,
		types.AgentToolDeveloper:    standard,
		types.AgentReleaseManager:   standard,
		types.AgentImmunityEnforcer: mini,
		types.AgentTaskSummarizer:   mini,
	}
	return subagents.NewRegistry(providers, tracker, tracer, logger)
}
