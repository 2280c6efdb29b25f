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

// Package subagents provides uniform invocation of the six specialized worker
// roles and the absolute verification gate. Every invocation records exactly
// one cost entry, success or failure.
package subagents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/costs"
	"github.com/trinity-labs/trinity/pkg/llm"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/types"
)

// SpanInvoke names the registry's span for one sub-agent call.
const SpanInvoke = "subagents.invoke"

// summaryLimit caps the summary excerpt embedded in telemetry reports.
const summaryLimit = 200

// systemPrompts gives each role its working instructions.
var systemPrompts = map[types.SubAgentType]string{
	types.AgentCodeWriter:       "You are a code writer. Produce minimal, correct code changes for the given task.",
	types.AgentTestArchitect:    "You are a test architect. Produce focused tests covering the given task's behavior and edge cases.",
	types.AgentToolDeveloper:    "You are a tool developer. Build the requested tooling with a small, composable interface.",
	types.AgentImmunityEnforcer: "You are a quality gate. Review the given work for violations and regressions; be strict.",
	types.AgentReleaseManager:   "You are a release manager. Integrate the given changes into a coherent, committable unit.",
	types.AgentTaskSummarizer:   "Summarize the given task outcome in two sentences.",
}

// Result is the outcome of one sub-agent invocation.
type Result struct {
	Agent           types.SubAgentType
	Status          types.ReportStatus
	Summary         string
	Output          string
	DurationSeconds float64
	CostUSD         float64
	Error           string
}

// Failed reports whether the invocation did not succeed.
func (r Result) Failed() bool { return r.Status != types.ReportSuccess }

// Registry maps each of the six roles to a completion provider and records
// every invocation in the cost tracker.
type Registry struct {
	providers map[types.SubAgentType]llm.Provider
	tracker   *costs.Tracker
	tracer    observability.Tracer
	logger    *zap.Logger
}

// NewRegistry builds a registry. Every role in types.AllSubAgents must have a
// provider; missing roles are an error so misconfiguration fails at startup,
// not mid-task.
func NewRegistry(providers map[types.SubAgentType]llm.Provider, tracker *costs.Tracker, tracer observability.Tracer, logger *zap.Logger) (*Registry, error) {
	if tracker == nil {
		return nil, fmt.Errorf("cost tracker is required")
	}
	for _, agent := range types.AllSubAgents() {
		if providers[agent] == nil {
			return nil, fmt.Errorf("no provider registered for sub-agent %q", agent)
		}
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: providers,
		tracker:   tracker,
		tracer:    tracer,
		logger:    logger,
	}, nil
}

// UniformRegistry builds a registry where every role runs on the same
// provider. Used by tests and single-backend deployments.
func UniformRegistry(p llm.Provider, tracker *costs.Tracker, tracer observability.Tracer, logger *zap.Logger) (*Registry, error) {
	providers := make(map[types.SubAgentType]llm.Provider)
	for _, agent := range types.AllSubAgents() {
		providers[agent] = p
	}
	return NewRegistry(providers, tracker, tracer, logger)
}

// Tier returns the model tier a role runs on.
func (r *Registry) Tier(agent types.SubAgentType) types.ModelTier {
	if p, ok := r.providers[agent]; ok {
		return p.Tier()
	}
	return ""
}

// Invoke runs one sub-agent on a task spec. The returned Result is always
// non-nil; failures are carried in Result.Status and Result.Error rather than
// the error return, which is reserved for unknown agents. Exactly one cost
// entry is recorded per call.
func (r *Registry) Invoke(ctx context.Context, agent types.SubAgentType, taskID string, spec map[string]interface{}) (*Result, error) {
	provider, ok := r.providers[agent]
	if !ok {
		return nil, fmt.Errorf("unknown sub-agent %q", agent)
	}

	var span *observability.Span
	ctx, span = r.tracer.StartSpan(ctx, SpanInvoke, observability.WithSpanKind("subagent"))
	defer r.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrSubAgent, string(agent))
	span.SetAttribute(observability.AttrTaskID, taskID)
	span.SetAttribute(observability.AttrModelTier, string(provider.Tier()))

	prompt := FormatPrompt(spec)
	start := time.Now()
	resp, callErr := provider.Complete(ctx, llm.Request{
		System: systemPrompts[agent],
		Prompt: prompt,
	})
	elapsed := time.Since(start)

	result := &Result{
		Agent:           agent,
		DurationSeconds: elapsed.Seconds(),
	}

	tokensIn, tokensOut := 0, 0
	errMsg := ""
	if callErr != nil {
		result.Status = types.ReportFailure
		result.Error = callErr.Error()
		errMsg = callErr.Error()
		tokensIn = costs.EstimateTokens(prompt)
		span.RecordError(callErr)
	} else {
		result.Status = types.ReportSuccess
		result.Output = resp.Content
		result.Summary = summarize(resp.Content)
		tokensIn = resp.Usage.InputTokens
		tokensOut = resp.Usage.OutputTokens
		if tokensIn == 0 {
			tokensIn = costs.EstimateTokens(prompt)
		}
		if tokensOut == 0 {
			tokensOut = costs.EstimateTokens(resp.Content)
		}
	}

	entry, trackErr := r.tracker.Track(ctx, string(agent), provider.Model(), provider.Tier(),
		tokensIn, tokensOut, elapsed, result.Status == types.ReportSuccess,
		map[string]interface{}{"task_id": taskID}, errMsg)
	if trackErr != nil {
		// The invocation outcome stands; losing the entry is a logged defect.
		r.logger.Error("failed to record cost entry",
			zap.String("agent", string(agent)), zap.Error(trackErr))
	} else {
		result.CostUSD = entry.CostUSD
	}

	r.logger.Debug("sub-agent invocation complete",
		zap.String("agent", string(agent)),
		zap.String("task_id", taskID),
		zap.String("status", string(result.Status)),
		zap.Float64("cost_usd", result.CostUSD))

	return result, nil
}

// FormatPrompt renders a task spec as a prompt: the Goal, Details, Files, and
// Requirements fields concatenated when present, the whole spec serialized
// otherwise.
func FormatPrompt(spec map[string]interface{}) string {
	var parts []string
	for _, key := range []string{"Goal", "Details", "Files", "Requirements"} {
		v, ok := spec[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			parts = append(parts, fmt.Sprintf("%s: %s", key, val))
		case []string:
			parts = append(parts, fmt.Sprintf("%s: %s", key, strings.Join(val, ", ")))
		case []interface{}:
			strs := make([]string, 0, len(val))
			for _, item := range val {
				strs = append(strs, fmt.Sprintf("%v", item))
			}
			parts = append(parts, fmt.Sprintf("%s: %s", key, strings.Join(strs, ", ")))
		default:
			parts = append(parts, fmt.Sprintf("%s: %v", key, val))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Sprintf("%v", spec)
	}
	return string(raw)
}

func summarize(content string) string {
	s := strings.TrimSpace(content)
	if idx := strings.IndexByte(s, '\n'); idx > 0 {
		s = s[:idx]
	}
	if len(s) > summaryLimit {
		s = s[:summaryLimit]
	}
	return s
}
