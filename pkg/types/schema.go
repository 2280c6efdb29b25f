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
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSON schemas for the two cross-role payload contracts. ARCHITECT validates
// incoming signals and EXECUTOR validates incoming tasks before dispatch, so a
// malformed producer fails loudly at the consumer boundary instead of deep in
// a cycle.

const signalSchema = `{
	"type": "object",
	"required": ["correlation_id", "priority", "pattern"],
	"properties": {
		"correlation_id": {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["CRITICAL", "HIGH", "NORMAL"]},
		"pattern": {"type": "string", "minLength": 1},
		"data": {"type": "object"},
		"evidence_count": {"type": "integer", "minimum": 0},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"timestamp": {"type": "string"}
	}
}`

const taskSchema = `{
	"type": "object",
	"required": ["task_id", "correlation_id", "task_type", "sub_agent"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"correlation_id": {"type": "string", "minLength": 1},
		"priority": {"type": "string", "enum": ["CRITICAL", "HIGH", "NORMAL"]},
		"task_type": {"type": "string", "minLength": 1},
		"sub_agent": {"type": "string", "minLength": 1},
		"spec": {"type": "object"},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"timestamp": {"type": "string"}
	}
}`

var (
	signalSchemaLoader = gojsonschema.NewStringLoader(signalSchema)
	taskSchemaLoader   = gojsonschema.NewStringLoader(taskSchema)
)

// ValidationError reports a payload that failed schema validation.
type ValidationError struct {
	Contract string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Contract, strings.Join(e.Problems, "; "))
}

// ValidateSignalPayload checks a raw bus payload against the signal contract.
func ValidateSignalPayload(payload map[string]interface{}) error {
	return validate("signal", signalSchemaLoader, payload)
}

// ValidateTaskPayload checks a raw bus payload against the task contract.
func ValidateTaskPayload(payload map[string]interface{}) error {
	return validate("task", taskSchemaLoader, payload)
}

func validate(contract string, schema gojsonschema.JSONLoader, payload map[string]interface{}) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Contract: contract, Problems: problems}
}
