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
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Signal is the improvement_queue payload emitted by WITNESS.
type Signal struct {
	CorrelationID string                 `json:"correlation_id"`
	Priority      Priority               `json:"priority"`
	Pattern       string                 `json:"pattern"`
	Data          map[string]interface{} `json:"data"`
	EvidenceCount int                    `json:"evidence_count"`
	Confidence    float64                `json:"confidence"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Keywords extracts the data.keywords array, if present.
func (s *Signal) Keywords() []string {
	raw, ok := s.Data["keywords"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, k := range v {
			if str, ok := k.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// TaskSpec is the execution_queue payload emitted by ARCHITECT.
type TaskSpec struct {
	TaskID        string                 `json:"task_id"`
	CorrelationID string                 `json:"correlation_id"`
	Priority      Priority               `json:"priority"`
	TaskType      TaskType               `json:"task_type"`
	SubAgent      SubAgentType           `json:"sub_agent"`
	Spec          map[string]interface{} `json:"spec"`
	Dependencies  []string               `json:"dependencies"`
	Timestamp     time.Time              `json:"timestamp"`
}

// SubAgentReport summarizes one sub-agent invocation inside a telemetry report.
type SubAgentReport struct {
	Agent   string  `json:"agent"`
	Status  string  `json:"status"`
	Summary string  `json:"summary"`
	CostUSD float64 `json:"cost_usd"`
}

// TelemetryReport is the telemetry_stream payload closing one task's lifecycle.
// Every task entering execution_queue produces exactly one of these.
type TelemetryReport struct {
	Status             ReportStatus     `json:"status"`
	TaskID             string           `json:"task_id"`
	CorrelationID      string           `json:"correlation_id"`
	Details            string           `json:"details"`
	SubAgentReports    []SubAgentReport `json:"sub_agent_reports"`
	VerificationResult string           `json:"verification_result"`
	Timestamp          time.Time        `json:"timestamp"`
}

// ToPayload converts a typed value into the JSON-shaped map the bus stores.
func ToPayload(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to shape payload: %w", err)
	}
	return m, nil
}

// FromPayload decodes a bus payload into a typed value.
func FromPayload(m map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
