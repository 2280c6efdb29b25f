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
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Setenv("TRINITY_DATA_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.InDelta(t, 0.6, cfg.Witness.MinConfidence, 1e-9)
	assert.Equal(t, 3, cfg.Witness.EmitThreshold)
	assert.InDelta(t, 0.7, cfg.Architect.MinComplexity, 1e-9)
	assert.Equal(t, 600, cfg.Executor.VerificationTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Executor.VerificationTimeoutDuration())
	assert.InDelta(t, 80.0, cfg.Budget.AlertThresholdPct, 1e-9)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.OllamaEndpoint)
	assert.Equal(t, "0 * * * *", cfg.Bus.CompactionSpec)
	assert.Equal(t, 7*24*time.Hour, cfg.Bus.Retention())
	assert.Equal(t, filepath.Join(cfg.DataDir, "bus.db"), cfg.Storage.BusPath)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRINITY_DATA_DIR", dir)

	path := filepath.Join(dir, "trinity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
witness:
  min_confidence: 0.75
  emit_threshold: 5
executor:
  verification_runner: trinity-test
  verification_timeout: 120
storage:
  bus_path: ":memory:"
budget:
  limit_usd: 25.0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.75, cfg.Witness.MinConfidence, 1e-9)
	assert.Equal(t, 5, cfg.Witness.EmitThreshold)
	assert.Equal(t, "trinity-test", cfg.Executor.VerificationRunner)
	assert.Equal(t, 2*time.Minute, cfg.Executor.VerificationTimeoutDuration())
	assert.Equal(t, ":memory:", cfg.Storage.BusPath)
	assert.InDelta(t, 25.0, cfg.Budget.LimitUSD, 1e-9)

	// Unset keys fall back to defaults.
	assert.InDelta(t, 0.7, cfg.Architect.MinComplexity, 1e-9)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TRINITY_DATA_DIR", t.TempDir())
	t.Setenv("TRINITY_WITNESS_MIN_CONFIDENCE", "0.9")
	t.Setenv("TRINITY_LLM_OLLAMA_MODEL", "codestral-22b")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.InDelta(t, 0.9, cfg.Witness.MinConfidence, 1e-9)
	assert.Equal(t, "codestral-22b", cfg.LLM.OllamaModel)
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRINITY_DATA_DIR", dir)

	path := filepath.Join(dir, "trinity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("witness:\n  min_confidence: 1.5\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("executor:\n  verification_timeout: 0\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestMissingConfigFileIsAnError(t *testing.T) {
	t.Setenv("TRINITY_DATA_DIR", t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "trinity")
	t.Setenv("TRINITY_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.Architect.WorkspaceDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
