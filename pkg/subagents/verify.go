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
package subagents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/observability"
)

// DefaultVerificationTimeout bounds one test-runner invocation.
const DefaultVerificationTimeout = 600 * time.Second

// SpanVerify names the gate's span.
const SpanVerify = "subagents.verify"

// VerificationResult is the outcome of one gate run. Passed is true only when
// the runner exited 0 within the timeout.
type VerificationResult struct {
	Passed          bool
	ExitCode        int
	TimedOut        bool
	Output          string
	DurationSeconds float64
}

// Gate invokes the external test runner: argv = [runner, "--run-all"], run
// from the project working directory. It is the only path to a success
// telemetry report; there is no bypass.
type Gate struct {
	Runner  string
	Dir     string
	Timeout time.Duration

	tracer observability.Tracer
	logger *zap.Logger
}

// NewGate builds a verification gate. A zero timeout selects the default.
func NewGate(runner, dir string, timeout time.Duration, tracer observability.Tracer, logger *zap.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultVerificationTimeout
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		Runner:  runner,
		Dir:     dir,
		Timeout: timeout,
		tracer:  tracer,
		logger:  logger,
	}
}

// Run executes the test runner once. The error return covers only setup
// problems (empty runner command); launch failures, non-zero exits, and
// timeouts all come back as a failed VerificationResult.
func (g *Gate) Run(ctx context.Context) (*VerificationResult, error) {
	if g.Runner == "" {
		return nil, fmt.Errorf("verification runner command is not configured")
	}

	var span *observability.Span
	ctx, span = g.tracer.StartSpan(ctx, SpanVerify, observability.WithSpanKind("verification"))
	defer g.tracer.EndSpan(span)

	runCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.Runner, "--run-all")
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &VerificationResult{
		DurationSeconds: elapsed.Seconds(),
	}

	switch {
	case runErr == nil:
		result.Passed = true
		result.ExitCode = 0
		result.Output = stdout.String()

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.TimedOut = true
		result.ExitCode = -1
		result.Output = combinedOutput(&stdout, &stderr)
		span.RecordError(fmt.Errorf("verification timed out after %s", g.Timeout))

	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			// Runner could not be launched at all. Hard failure by contract.
			result.ExitCode = -1
		}
		result.Output = combinedOutput(&stdout, &stderr)
		if result.Output == "" {
			result.Output = runErr.Error()
		}
		span.RecordError(runErr)
	}

	span.SetAttribute("passed", result.Passed)
	span.SetAttribute("exit_code", result.ExitCode)

	g.logger.Info("verification gate finished",
		zap.Bool("passed", result.Passed),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("elapsed", elapsed))

	return result, nil
}

func combinedOutput(stdout, stderr *bytes.Buffer) string {
	if stderr.Len() == 0 {
		return stdout.String()
	}
	if stdout.Len() == 0 {
		return stderr.String()
	}
	return stdout.String() + "\n" + stderr.String()
}
