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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/subagents"
	"github.com/trinity-labs/trinity/pkg/types"
)

// Executor span names.
const (
	SpanExecutorCycle = "executor.cycle"
)

// successPriority and failurePriority are the telemetry priorities for task
// outcome reports.
const (
	successPriority = 5
	failurePriority = 10
)

// ExecutionPlan is the deconstructed form of one task: parallel groups run in
// order, sub-agents inside one group run concurrently.
type ExecutionPlan struct {
	TaskID        string                 `json:"task_id"`
	CorrelationID string                 `json:"correlation_id"`
	TaskType      types.TaskType         `json:"task_type"`
	Groups        [][]types.SubAgentType `json:"groups"`
	Spec          map[string]interface{} `json:"spec"`
}

// ExecutorConfig tunes the action role.
type ExecutorConfig struct {
	// WorkspaceDir holds per-task plan and error-log files.
	WorkspaceDir string
}

// ExecutorStats snapshots action counters.
type ExecutorStats struct {
	TasksProcessed int64
	TasksSucceeded int64
	TasksFailed    int64
}

// Executor is the action role: it deconstructs tasks, fans sub-agents out in
// parallel, merges, and verifies. No success report leaves this role without
// the verification gate passing.
type Executor struct {
	bus      *bus.Bus
	registry *subagents.Registry
	gate     *subagents.Gate
	cfg      ExecutorConfig
	tracer   observability.Tracer
	logger   *zap.Logger

	tasksProcessed atomic.Int64
	tasksSucceeded atomic.Int64
	tasksFailed    atomic.Int64
}

// NewExecutor wires the action role.
func NewExecutor(b *bus.Bus, registry *subagents.Registry, gate *subagents.Gate, cfg ExecutorConfig, tracer observability.Tracer, logger *zap.Logger) *Executor {
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = os.TempDir()
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		bus:      b,
		registry: registry,
		gate:     gate,
		cfg:      cfg,
		tracer:   tracer,
		logger:   logger.Named("executor"),
	}
}

// Run subscribes to the execution queue and processes tasks until ctx is
// canceled.
func (e *Executor) Run(ctx context.Context) error {
	tasks, err := e.bus.Subscribe(ctx, types.QueueExecution, 16)
	if err != nil {
		return fmt.Errorf("executor failed to subscribe: %w", err)
	}

	e.logger.Info("executor running", zap.String("workspace", e.cfg.WorkspaceDir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-tasks:
			if !ok {
				return nil
			}
			e.handleTask(ctx, d)
		}
	}
}

// deconstruct maps a task type to its sub-agent fan-out. Merge is handled by
// the dedicated merge step, so merge tasks carry no groups. Unknown types
// fall back to the code-generation fan-out.
func deconstruct(task *types.TaskSpec) *ExecutionPlan {
	plan := &ExecutionPlan{
		TaskID:        task.TaskID,
		CorrelationID: task.CorrelationID,
		TaskType:      task.TaskType,
		Spec:          task.Spec,
	}
	switch task.TaskType {
	case types.TaskCodeGeneration:
		plan.Groups = [][]types.SubAgentType{{types.AgentCodeWriter, types.AgentTestArchitect}}
	case types.TaskTestGeneration:
		plan.Groups = [][]types.SubAgentType{{types.AgentTestArchitect}}
	case types.TaskToolCreation:
		plan.Groups = [][]types.SubAgentType{{types.AgentToolDeveloper, types.AgentTestArchitect}}
	case types.TaskVerification:
		plan.Groups = [][]types.SubAgentType{{types.AgentImmunityEnforcer}}
	case types.TaskMerge:
		plan.Groups = nil
	default:
		plan.Groups = [][]types.SubAgentType{{types.AgentCodeWriter, types.AgentTestArchitect}}
	}
	return plan
}

// handleTask runs one action cycle end to end. Every task produces exactly
// one telemetry report, success or failure, and is acked.
func (e *Executor) handleTask(ctx context.Context, d bus.Delivery) {
	var span *observability.Span
	ctx, span = e.tracer.StartSpan(ctx, SpanExecutorCycle, observability.WithSpanKind("role"))
	defer e.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrMessageID, d.MessageID)
	span.SetAttribute(observability.AttrCorrelationID, d.CorrelationID)

	e.tasksProcessed.Add(1)

	var task types.TaskSpec
	if err := types.FromPayload(d.Payload, &task); err != nil {
		span.RecordError(err)
		// The decoded task may carry nothing; keep the delivery's lineage.
		if task.CorrelationID == "" {
			task.CorrelationID = d.CorrelationID
		}
		e.fail(ctx, &task, nil, "", fmt.Sprintf("malformed task: %v", err))
		e.ack(ctx, d.MessageID)
		return
	}
	span.SetAttribute(observability.AttrTaskID, task.TaskID)

	// Step 1: deconstruct.
	plan := deconstruct(&task)

	// Step 2: externalize the plan.
	planPath := filepath.Join(e.cfg.WorkspaceDir,
		fmt.Sprintf("plan-%s.json", safeFileComponent(task.TaskID)))
	if raw, err := json.MarshalIndent(plan, "", "  "); err == nil {
		if werr := os.WriteFile(planPath, raw, 0o644); werr != nil {
			e.logger.Warn("failed to externalize plan", zap.Error(werr))
			planPath = ""
		}
	}
	defer func() {
		if planPath != "" {
			if err := os.Remove(planPath); err != nil && !os.IsNotExist(err) {
				e.logger.Warn("failed to remove plan file", zap.Error(err))
			}
		}
		e.ack(ctx, d.MessageID)
	}()

	// Step 3: orchestrate the parallel groups.
	var results []*subagents.Result
	for _, group := range plan.Groups {
		groupResults := e.runGroup(ctx, group, task.TaskID, task.Spec)
		results = append(results, groupResults...)

		for _, r := range groupResults {
			if r.Failed() {
				// Step 5: failure handling.
				e.fail(ctx, &task, results, "", fmt.Sprintf("sub-agent %s failed: %s", r.Agent, r.Error))
				return
			}
		}
	}

	// Step 6: delegate merge.
	mergeResult, err := e.registry.Invoke(ctx, types.AgentReleaseManager, task.TaskID,
		mergeSpec(&task, results))
	if err != nil {
		e.fail(ctx, &task, results, "", fmt.Sprintf("merge invocation failed: %v", err))
		return
	}
	results = append(results, mergeResult)
	if mergeResult.Failed() {
		e.fail(ctx, &task, results, "", fmt.Sprintf("merge failed: %s", mergeResult.Error))
		return
	}

	// Step 7: absolute verification. No bypass.
	verification, err := e.gate.Run(ctx)
	if err != nil {
		e.fail(ctx, &task, results, "", fmt.Sprintf("verification could not run: %v", err))
		return
	}
	if !verification.Passed {
		reason := fmt.Sprintf("verification failed (exit %d, timed_out=%v)",
			verification.ExitCode, verification.TimedOut)
		e.fail(ctx, &task, results, verification.Output, reason)
		return
	}

	// Step 8: success report.
	report := types.TelemetryReport{
		Status:             types.ReportSuccess,
		TaskID:             task.TaskID,
		CorrelationID:      task.CorrelationID,
		Details:            fmt.Sprintf("task %s completed", task.TaskID),
		SubAgentReports:    toReports(results),
		VerificationResult: verification.Output,
		Timestamp:          time.Now(),
	}
	if err := e.publishReport(ctx, &report, successPriority); err != nil {
		e.logger.Error("failed to publish success report", zap.Error(err))
		return
	}

	e.tasksSucceeded.Add(1)
	e.logger.Info("task succeeded",
		zap.String("task_id", task.TaskID),
		zap.String("correlation_id", task.CorrelationID),
		zap.Int("sub_agents", len(results)))
	// Step 9 (reset) happens in the deferred cleanup.
}

// runGroup invokes one parallel group and joins it.
func (e *Executor) runGroup(ctx context.Context, group []types.SubAgentType, taskID string, spec map[string]interface{}) []*subagents.Result {
	results := make([]*subagents.Result, len(group))
	var wg sync.WaitGroup
	for i, agent := range group {
		wg.Add(1)
		go func(i int, agent types.SubAgentType) {
			defer wg.Done()
			r, err := e.registry.Invoke(ctx, agent, taskID, spec)
			if err != nil {
				r = &subagents.Result{
					Agent:  agent,
					Status: types.ReportFailure,
					Error:  err.Error(),
				}
			}
			results[i] = r
		}(i, agent)
	}
	wg.Wait()
	return results
}

// mergeSpec synthesizes the release_manager prompt from prior results.
func mergeSpec(task *types.TaskSpec, results []*subagents.Result) map[string]interface{} {
	summaries := make([]string, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, fmt.Sprintf("%s: %s", r.Agent, r.Summary))
	}
	return map[string]interface{}{
		"Goal":         fmt.Sprintf("Merge the results of task %s into one coherent unit", task.TaskID),
		"Details":      subagents.FormatPrompt(task.Spec),
		"Requirements": summaries,
	}
}

// fail writes the error log, publishes the failure report at priority 10, and
// counts the failure. The error log file stays behind for debugging.
func (e *Executor) fail(ctx context.Context, task *types.TaskSpec, results []*subagents.Result, verificationOutput, reason string) {
	e.tasksFailed.Add(1)

	logPath := filepath.Join(e.cfg.WorkspaceDir,
		fmt.Sprintf("error-%s.log", safeFileComponent(task.TaskID)))
	logBody := fmt.Sprintf("task=%s correlation=%s\n%s\n", task.TaskID, task.CorrelationID, reason)
	if verificationOutput != "" {
		logBody += "\n" + verificationOutput
	}
	if err := os.WriteFile(logPath, []byte(logBody), 0o644); err != nil {
		e.logger.Warn("failed to write error log", zap.Error(err))
	}

	report := types.TelemetryReport{
		Status:             types.ReportFailure,
		TaskID:             task.TaskID,
		CorrelationID:      task.CorrelationID,
		Details:            reason,
		SubAgentReports:    toReports(results),
		VerificationResult: verificationOutput,
		Timestamp:          time.Now(),
	}
	if err := e.publishReport(ctx, &report, failurePriority); err != nil {
		e.logger.Error("failed to publish failure report", zap.Error(err))
	}

	e.logger.Warn("task failed",
		zap.String("task_id", task.TaskID),
		zap.String("correlation_id", task.CorrelationID),
		zap.String("reason", reason))
}

func (e *Executor) publishReport(ctx context.Context, report *types.TelemetryReport, priority int) error {
	payload, err := types.ToPayload(report)
	if err != nil {
		return err
	}
	_, err = e.bus.Publish(ctx, types.QueueTelemetry, payload, priority, report.CorrelationID)
	return err
}

func (e *Executor) ack(ctx context.Context, id int64) {
	if err := e.bus.Ack(ctx, id); err != nil {
		e.logger.Error("failed to ack task", zap.Int64("message_id", id), zap.Error(err))
	}
}

func toReports(results []*subagents.Result) []types.SubAgentReport {
	reports := make([]types.SubAgentReport, 0, len(results))
	for _, r := range results {
		reports = append(reports, types.SubAgentReport{
			Agent:   string(r.Agent),
			Status:  string(r.Status),
			Summary: r.Summary,
			CostUSD: r.CostUSD,
		})
	}
	return reports
}

// Stats snapshots action counters.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		TasksProcessed: e.tasksProcessed.Load(),
		TasksSucceeded: e.tasksSucceeded.Load(),
		TasksFailed:    e.tasksFailed.Load(),
	}
}
