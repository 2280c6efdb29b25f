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
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// writeRunner creates an executable shell script standing in for the project
// test runner.
func writeRunner(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script runner tests are posix-only")
	}
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestGatePasses(t *testing.T) {
	runner := writeRunner(t, `[ "$1" = "--run-all" ] || exit 2
echo "all tests passed"
exit 0`)

	g := NewGate(runner, t.TempDir(), 0, nil, zaptest.NewLogger(t))
	result, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Passed)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
	assert.Contains(t, result.Output, "all tests passed")
}

func TestGateFailsOnNonZeroExit(t *testing.T) {
	runner := writeRunner(t, `echo "2 tests failed" >&2
exit 1`)

	g := NewGate(runner, t.TempDir(), 0, nil, zaptest.NewLogger(t))
	result, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Output, "2 tests failed")
}

func TestGateTimesOut(t *testing.T) {
	runner := writeRunner(t, `sleep 30`)

	g := NewGate(runner, t.TempDir(), 200*time.Millisecond, nil, zaptest.NewLogger(t))
	result, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed)
	assert.True(t, result.TimedOut)
}

func TestGateFailsWhenRunnerMissing(t *testing.T) {
	g := NewGate(filepath.Join(t.TempDir(), "no-such-runner"), t.TempDir(), 0, nil, zaptest.NewLogger(t))
	result, err := g.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Passed, "unlaunchable runner is a hard failure")
	assert.NotEmpty(t, result.Output)
}

func TestGateRequiresRunnerCommand(t *testing.T) {
	g := NewGate("", t.TempDir(), 0, nil, zaptest.NewLogger(t))
	_, err := g.Run(context.Background())
	assert.Error(t, err)
}
