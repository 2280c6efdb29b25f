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

// Package types contains the shared enums and wire payloads used across the
// Trinity roles. Payloads cross the bus as JSON objects; inside a role they
// are decoded into the typed structs in this package before dispatch.
package types

// Priority classifies signals and tasks. Higher priorities dequeue first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
)

// ParsePriority maps a raw string to a Priority, defaulting to NORMAL.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// QueuePriority maps a Priority to the numeric bus priority:
// CRITICAL=10, HIGH=5, NORMAL=0.
func (p Priority) QueuePriority() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 5
	default:
		return 0
	}
}

// ModelTier identifies a pricing tier for LLM calls.
type ModelTier string

const (
	TierLocal         ModelTier = "local"
	TierCloudMini     ModelTier = "cloud_mini"
	TierCloudStandard ModelTier = "cloud_standard"
	TierCloudPremium  ModelTier = "cloud_premium"
)

// Valid reports whether the tier is one of the four recognized tiers.
func (t ModelTier) Valid() bool {
	switch t {
	case TierLocal, TierCloudMini, TierCloudStandard, TierCloudPremium:
		return true
	}
	return false
}

// TaskType classifies an EXECUTOR task.
type TaskType string

const (
	TaskCodeGeneration TaskType = "code_generation"
	TaskTestGeneration TaskType = "test_generation"
	TaskToolCreation   TaskType = "tool_creation"
	TaskVerification   TaskType = "verification"
	TaskMerge          TaskType = "merge"
)

// PatternType classifies a detected pattern. The set is open; these are the
// well-known values WITNESS and ARCHITECT key their behavior on.
type PatternType string

const (
	PatternFailure                 PatternType = "failure"
	PatternOpportunity             PatternType = "opportunity"
	PatternUserIntent              PatternType = "user_intent"
	PatternConstitutionalViolation PatternType = "constitutional_violation"
	PatternCodeDuplication         PatternType = "code_duplication"
	PatternMissingTests            PatternType = "missing_tests"
)

// SubAgentType names one of the six specialized worker roles.
type SubAgentType string

const (
	AgentCodeWriter       SubAgentType = "code_writer"
	AgentTestArchitect    SubAgentType = "test_architect"
	AgentToolDeveloper    SubAgentType = "tool_developer"
	AgentImmunityEnforcer SubAgentType = "immunity_enforcer"
	AgentReleaseManager   SubAgentType = "release_manager"
	AgentTaskSummarizer   SubAgentType = "task_summarizer"
)

// AllSubAgents lists the fixed six roles in registry order.
func AllSubAgents() []SubAgentType {
	return []SubAgentType{
		AgentCodeWriter,
		AgentTestArchitect,
		AgentToolDeveloper,
		AgentImmunityEnforcer,
		AgentReleaseManager,
		AgentTaskSummarizer,
	}
}

// Queue names are a contract shared by all roles.
const (
	QueueTelemetry       = "telemetry_stream"
	QueuePersonalContext = "personal_context_stream"
	QueueImprovement     = "improvement_queue"
	QueueExecution       = "execution_queue"
)

// ReportStatus is the outcome of one EXECUTOR task.
type ReportStatus string

const (
	ReportSuccess ReportStatus = "success"
	ReportFailure ReportStatus = "failure"
)
