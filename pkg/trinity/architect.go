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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/patternstore"
	"github.com/trinity-labs/trinity/pkg/types"
)

// Architect span names.
const (
	SpanArchitectCycle = "architect.cycle"
)

// DefaultMinComplexity is the score at which a spec document is generated.
const DefaultMinComplexity = 0.7

// contextSearchLimit bounds the historical-pattern lookup per signal.
const contextSearchLimit = 5

// reasoningEngine is the model choice for one signal.
type reasoningEngine struct {
	Tier       types.ModelTier
	Model      string
	Escalation bool
}

// ArchitectConfig tunes the cognition role.
type ArchitectConfig struct {
	// MinComplexity is the score at or above which a spec markdown is
	// generated. Default 0.7.
	MinComplexity float64

	// WorkspaceDir holds per-correlation strategy files for the duration of
	// one cycle.
	WorkspaceDir string
}

// ArchitectStats snapshots cognition counters.
type ArchitectStats struct {
	SignalsProcessed int64
	PlansPublished   int64
	Escalations      int64
	PlanningFailures int64
}

// Architect is the cognition role: it turns improvement signals into
// self-verified task graphs on the execution queue.
type Architect struct {
	bus    *bus.Bus
	store  *patternstore.Store
	cfg    ArchitectConfig
	tracer observability.Tracer
	logger *zap.Logger

	signalsProcessed atomic.Int64
	plansPublished   atomic.Int64
	escalations      atomic.Int64
	planningFailures atomic.Int64
}

// NewArchitect wires the cognition role.
func NewArchitect(b *bus.Bus, store *patternstore.Store, cfg ArchitectConfig, tracer observability.Tracer, logger *zap.Logger) *Architect {
	if cfg.MinComplexity <= 0 {
		cfg.MinComplexity = DefaultMinComplexity
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = os.TempDir()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Architect{
		bus:    b,
		store:  store,
		cfg:    cfg,
		tracer: tracer,
		logger: logger.Named("architect"),
	}
}

// Run subscribes to the improvement queue and processes signals until ctx is
// canceled.
func (a *Architect) Run(ctx context.Context) error {
	signals, err := a.bus.Subscribe(ctx, types.QueueImprovement, 16)
	if err != nil {
		return fmt.Errorf("architect failed to subscribe: %w", err)
	}

	a.logger.Info("architect running", zap.Float64("min_complexity", a.cfg.MinComplexity))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-signals:
			if !ok {
				return nil
			}
			a.handleSignal(ctx, d)
		}
	}
}

// handleSignal runs one cognition cycle. The signal is always acked; failures
// produce a correlated failure report, never a redelivery (WITNESS re-emits
// when the pattern recurs).
func (a *Architect) handleSignal(ctx context.Context, d bus.Delivery) {
	var span *observability.Span
	ctx, span = a.tracer.StartSpan(ctx, SpanArchitectCycle, observability.WithSpanKind("role"))
	defer a.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrMessageID, d.MessageID)
	span.SetAttribute(observability.AttrCorrelationID, d.CorrelationID)

	a.signalsProcessed.Add(1)

	var signal types.Signal
	if err := types.FromPayload(d.Payload, &signal); err != nil {
		span.RecordError(err)
		// The decoded signal carries nothing; keep the delivery's lineage.
		a.reportFailure(ctx, d.CorrelationID, fmt.Sprintf("malformed signal: %v", err))
		a.ack(ctx, d.MessageID)
		return
	}

	strategyPath := ""
	defer func() {
		if strategyPath != "" {
			if err := os.Remove(strategyPath); err != nil && !os.IsNotExist(err) {
				a.logger.Warn("failed to remove strategy file",
					zap.String("path", strategyPath), zap.Error(err))
			}
		}
		a.ack(ctx, d.MessageID)
	}()

	// Step 1: triage.
	priority := types.ParsePriority(string(signal.Priority))

	// Step 2: gather historical context.
	history, err := a.store.SearchPatterns(ctx, patternstore.SearchOptions{
		Query:         signal.Pattern,
		MinConfidence: 0.6,
		Limit:         contextSearchLimit,
		Semantic:      true,
	})
	if err != nil {
		// Degraded cognition, not a failure: plan without history.
		a.logger.Warn("context search failed", zap.Error(err))
	}

	// Step 3: assess complexity.
	complexity := a.assessComplexity(&signal)
	span.SetAttribute("complexity", complexity)

	// Step 4: select reasoning engine.
	engine := a.selectEngine(priority, complexity)
	if engine.Escalation {
		a.escalations.Add(1)
	}
	span.SetAttribute(observability.AttrModelTier, string(engine.Tier))

	// Steps 5-6: formulate and externalize strategy.
	if complexity >= a.cfg.MinComplexity {
		strategy := a.renderSpec(&signal, complexity, engine, history)
		if a.isArchitectural(&signal) {
			strategy += "\n" + a.renderADR(&signal)
		}
		strategyPath = filepath.Join(a.cfg.WorkspaceDir,
			fmt.Sprintf("strategy-%s.md", safeFileComponent(signal.CorrelationID)))
		if err := os.WriteFile(strategyPath, []byte(strategy), 0o644); err != nil {
			a.logger.Warn("failed to externalize strategy", zap.Error(err))
			strategyPath = ""
		}
	}

	// Step 7: generate the task graph.
	tasks := a.buildTaskGraph(&signal, priority)

	// Step 8: self-verify.
	if err := verifyPlan(tasks); err != nil {
		span.RecordError(err)
		a.planningFailures.Add(1)
		a.reportFailure(ctx, signal.CorrelationID, fmt.Sprintf("planning failure: %v", err))
		return
	}

	// Step 9: publish.
	for _, task := range tasks {
		payload, err := types.ToPayload(&task)
		if err != nil {
			span.RecordError(err)
			a.reportFailure(ctx, signal.CorrelationID, fmt.Sprintf("failed to encode task: %v", err))
			return
		}
		if err := types.ValidateTaskPayload(payload); err != nil {
			span.RecordError(err)
			a.reportFailure(ctx, signal.CorrelationID, fmt.Sprintf("invalid task payload: %v", err))
			return
		}
		if _, err := a.bus.Publish(ctx, types.QueueExecution, payload,
			priority.QueuePriority(), signal.CorrelationID); err != nil {
			span.RecordError(err)
			a.reportFailure(ctx, signal.CorrelationID, fmt.Sprintf("failed to publish task: %v", err))
			return
		}
	}

	a.plansPublished.Add(1)
	a.logger.Info("task graph published",
		zap.String("correlation_id", signal.CorrelationID),
		zap.String("pattern", signal.Pattern),
		zap.Float64("complexity", complexity),
		zap.String("engine", engine.Model),
		zap.Int("tasks", len(tasks)))
	// Step 10 (reset) happens in the deferred cleanup.
}

// assessComplexity computes the deterministic complexity score for a signal.
func (a *Architect) assessComplexity(signal *types.Signal) float64 {
	score := 0.0
	switch patternTypeOf(signal) {
	case types.PatternConstitutionalViolation, types.PatternCodeDuplication, types.PatternMissingTests:
		score += 0.3
	case types.PatternFailure:
		score += 0.2
	case types.PatternUserIntent:
		score += 0.4
	}

	keywords := signal.Keywords()
	hasArchitecture := false
	for _, k := range keywords {
		switch k {
		case "architecture":
			hasArchitecture = true
		case "refactor":
			score += 0.2
		}
	}

	text := signalText(signal)
	if strings.Contains(text, "multi-file") {
		score += 0.2
	}
	if strings.Contains(text, "system-wide") {
		score += 0.3
	}
	if signal.EvidenceCount >= 5 {
		score += 0.1
	}

	if hasArchitecture && score < 0.7 {
		score = 0.7
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// selectEngine applies the hybrid reasoning policy.
func (a *Architect) selectEngine(priority types.Priority, complexity float64) reasoningEngine {
	switch {
	case priority == types.PriorityCritical:
		return reasoningEngine{Tier: types.TierCloudPremium, Model: "gpt-5", Escalation: true}
	case priority == types.PriorityHigh && complexity > 0.7:
		return reasoningEngine{Tier: types.TierCloudPremium, Model: "claude-4.1", Escalation: true}
	default:
		return reasoningEngine{Tier: types.TierLocal, Model: "codestral-22b"}
	}
}

func (a *Architect) isArchitectural(signal *types.Signal) bool {
	if patternTypeOf(signal) == types.PatternConstitutionalViolation {
		return true
	}
	for _, k := range signal.Keywords() {
		if k == "architecture" {
			return true
		}
	}
	return false
}

// renderSpec writes the spec markdown for a complex signal, drawing
// implementation notes from the top historical patterns.
func (a *Architect) renderSpec(signal *types.Signal, complexity float64, engine reasoningEngine, history []patternstore.Pattern) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Spec: %s\n\n", signal.Pattern)
	fmt.Fprintf(&b, "## Goal\nResolve the %q pattern (confidence %.2f, evidence %d).\n\n",
		signal.Pattern, signal.Confidence, signal.EvidenceCount)
	fmt.Fprintf(&b, "## Context\nPriority %s, complexity %.2f, engine %s (%s).\n\n",
		signal.Priority, complexity, engine.Model, engine.Tier)
	b.WriteString("## Non-goals\nNo changes outside the affected surfaces; no behavior changes not required by the pattern.\n\n")
	b.WriteString("## Acceptance criteria\nAll generated tasks complete and the full test run passes.\n\n")
	b.WriteString("## Implementation notes\n")
	if len(history) == 0 {
		b.WriteString("No relevant historical patterns.\n")
	}
	for i, p := range history {
		if i >= 3 {
			break
		}
		fmt.Fprintf(&b, "- %s (seen %d, success rate %.2f): %s\n",
			p.Name, p.TimesSeen, p.SuccessRate, p.Content)
	}
	return b.String()
}

// renderADR writes the architectural decision record for architectural
// signals.
func (a *Architect) renderADR(signal *types.Signal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# ADR: %s\n\n", signal.Pattern)
	b.WriteString("## Status\nProposed\n\n")
	fmt.Fprintf(&b, "## Context\nRecurring pattern %q with %d pieces of evidence requires a structural decision.\n\n",
		signal.Pattern, signal.EvidenceCount)
	b.WriteString("## Decision\nGenerate and execute the attached task graph.\n\n")
	b.WriteString("## Consequences\nThe change is gated on full verification; rollback is a revert of the merged unit.\n")
	return b.String()
}

// buildTaskGraph produces the fixed three-task plan: code and test in
// parallel, merge after both.
func (a *Architect) buildTaskGraph(signal *types.Signal, priority types.Priority) []types.TaskSpec {
	now := time.Now()
	codeID := "code-" + uuid.New().String()
	testID := "test-" + uuid.New().String()
	mergeID := "merge-" + uuid.New().String()

	goal := fmt.Sprintf("Resolve pattern %q", signal.Pattern)
	base := map[string]interface{}{
		"pattern":    signal.Pattern,
		"confidence": signal.Confidence,
	}

	specFor := func(goal, details string) map[string]interface{} {
		spec := map[string]interface{}{"Goal": goal, "Details": details}
		for k, v := range base {
			spec[k] = v
		}
		return spec
	}

	return []types.TaskSpec{
		{
			TaskID:        codeID,
			CorrelationID: signal.CorrelationID,
			Priority:      priority,
			TaskType:      types.TaskCodeGeneration,
			SubAgent:      types.AgentCodeWriter,
			Spec:          specFor(goal, "Implement the code change addressing the pattern."),
			Dependencies:  []string{},
			Timestamp:     now,
		},
		{
			TaskID:        testID,
			CorrelationID: signal.CorrelationID,
			Priority:      priority,
			TaskType:      types.TaskTestGeneration,
			SubAgent:      types.AgentTestArchitect,
			Spec:          specFor(goal, "Write tests covering the pattern and its regression."),
			Dependencies:  []string{},
			Timestamp:     now,
		},
		{
			TaskID:        mergeID,
			CorrelationID: signal.CorrelationID,
			Priority:      priority,
			TaskType:      types.TaskMerge,
			SubAgent:      types.AgentReleaseManager,
			Spec:          specFor(goal, "Integrate the code and test changes into one unit."),
			Dependencies:  []string{codeID, testID},
			Timestamp:     now,
		},
	}
}

// verifyPlan checks the task graph: every task has a sub_agent, code implies
// test, dependencies resolve within the graph, no self-dependencies.
func verifyPlan(tasks []types.TaskSpec) error {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.TaskID] = struct{}{}
	}

	hasCode, hasTest := false, false
	for _, t := range tasks {
		if t.SubAgent == "" {
			return fmt.Errorf("task %s has no sub_agent", t.TaskID)
		}
		switch t.TaskType {
		case types.TaskCodeGeneration:
			hasCode = true
		case types.TaskTestGeneration:
			hasTest = true
		}
		for _, dep := range t.Dependencies {
			if dep == t.TaskID {
				return fmt.Errorf("task %s depends on itself", t.TaskID)
			}
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.TaskID, dep)
			}
		}
	}
	if hasCode && !hasTest {
		return fmt.Errorf("plan generates code without tests")
	}
	return nil
}

// reportFailure publishes a correlated failure report at critical priority.
func (a *Architect) reportFailure(ctx context.Context, correlationID, details string) {
	report := types.TelemetryReport{
		Status:        types.ReportFailure,
		CorrelationID: correlationID,
		Details:       details,
		Timestamp:     time.Now(),
	}
	payload, err := types.ToPayload(&report)
	if err != nil {
		a.logger.Error("failed to build failure report", zap.Error(err))
		return
	}
	if _, err := a.bus.Publish(ctx, types.QueueTelemetry, payload,
		types.PriorityCritical.QueuePriority(), correlationID); err != nil {
		a.logger.Error("failed to publish failure report", zap.Error(err))
	}
}

func (a *Architect) ack(ctx context.Context, id int64) {
	if err := a.bus.Ack(ctx, id); err != nil {
		a.logger.Error("failed to ack signal", zap.Int64("message_id", id), zap.Error(err))
	}
}

// Stats snapshots cognition counters.
func (a *Architect) Stats() ArchitectStats {
	return ArchitectStats{
		SignalsProcessed: a.signalsProcessed.Load(),
		PlansPublished:   a.plansPublished.Load(),
		Escalations:      a.escalations.Load(),
		PlanningFailures: a.planningFailures.Load(),
	}
}

func patternTypeOf(signal *types.Signal) types.PatternType {
	if v, ok := signal.Data["pattern_type"].(string); ok {
		return types.PatternType(v)
	}
	return ""
}

// signalText flattens a signal for substring checks.
func signalText(signal *types.Signal) string {
	parts := []string{signal.Pattern}
	if raw, err := json.Marshal(signal.Data); err == nil {
		parts = append(parts, string(raw))
	}
	return strings.Join(parts, " ")
}

// safeFileComponent keeps correlation ids usable as file name parts.
func safeFileComponent(s string) string {
	if s == "" {
		return "uncorrelated"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
