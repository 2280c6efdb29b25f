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

// Package config loads the Trinity configuration.
// Priority: CLI flags > config file > env vars > defaults. Environment
// variables use the TRINITY_ prefix with underscores for nesting
// (TRINITY_WITNESS_MIN_CONFIDENCE, TRINITY_BUDGET_LIMIT_USD, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the base name of the config file (trinity.yaml).
const DefaultConfigFileName = "trinity"

// Config is the root configuration.
type Config struct {
	// DataDir is the Trinity data directory, from TRINITY_DATA_DIR or
	// ~/.trinity. Set during load, never read from the config file.
	DataDir string `mapstructure:"-"`

	Witness   WitnessConfig   `mapstructure:"witness"`
	Architect ArchitectConfig `mapstructure:"architect"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Bus       BusConfig       `mapstructure:"bus"`
}

// WitnessConfig tunes perception.
type WitnessConfig struct {
	// MinConfidence discards detections below it. Default 0.6.
	MinConfidence float64 `mapstructure:"min_confidence"`

	// EmitThreshold is the times_seen count that promotes a NORMAL pattern.
	EmitThreshold int `mapstructure:"emit_threshold"`

	// RulesPath is the detector rule file; hot-reloaded on change.
	RulesPath string `mapstructure:"rules_path"`

	// WatchPersonalContext also subscribes to personal_context_stream.
	WatchPersonalContext bool `mapstructure:"watch_personal_context"`
}

// ArchitectConfig tunes cognition.
type ArchitectConfig struct {
	// MinComplexity is the score at or above which a spec is generated.
	// Default 0.7.
	MinComplexity float64 `mapstructure:"min_complexity"`

	// WorkspaceDir holds per-correlation strategy files.
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// ExecutorConfig tunes action.
type ExecutorConfig struct {
	// VerificationTimeout bounds one test-runner invocation in seconds.
	// Default 600.
	VerificationTimeout int `mapstructure:"verification_timeout"`

	// VerificationRunner is the external test runner invoked with --run-all.
	VerificationRunner string `mapstructure:"verification_runner"`

	// ProjectDir is the working directory the runner is launched from.
	ProjectDir string `mapstructure:"project_dir"`

	// WorkspaceDir holds per-task plan and error-log files.
	WorkspaceDir string `mapstructure:"workspace_dir"`
}

// BudgetConfig tunes the cost tracker.
type BudgetConfig struct {
	LimitUSD          float64 `mapstructure:"limit_usd"`
	AlertThresholdPct float64 `mapstructure:"alert_threshold_pct"`
}

// StorageConfig holds the durable store paths. ":memory:" selects the
// in-memory variant.
type StorageConfig struct {
	BusPath      string `mapstructure:"bus_path"`
	PatternsPath string `mapstructure:"patterns_path"`
	CostsPath    string `mapstructure:"costs_path"`
}

// EmbeddingConfig identifies the embedding model; opaque to the core.
type EmbeddingConfig struct {
	Model string `mapstructure:"model"`
}

// LLMConfig selects completion backends per concern.
type LLMConfig struct {
	// AnthropicAPIKey falls back to the ANTHROPIC_API_KEY env var.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`

	// OllamaEndpoint is the local backend. Default http://localhost:11434.
	OllamaEndpoint string `mapstructure:"ollama_endpoint"`

	// OllamaModel is the local model. Default llama3.1.
	OllamaModel string `mapstructure:"ollama_model"`
}

// LoggingConfig tunes the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// BusConfig tunes maintenance.
type BusConfig struct {
	// CompactionSpec is the cron schedule for compaction.
	CompactionSpec string `mapstructure:"compaction_spec"`

	// RetentionHours is how long processed messages are kept. Default 168.
	RetentionHours int `mapstructure:"retention_hours"`
}

// VerificationTimeoutDuration returns the configured timeout as a Duration.
func (e ExecutorConfig) VerificationTimeoutDuration() time.Duration {
	return time.Duration(e.VerificationTimeout) * time.Second
}

// Retention returns the configured message retention as a Duration.
func (b BusConfig) Retention() time.Duration {
	return time.Duration(b.RetentionHours) * time.Hour
}

// DataDir resolves the Trinity data directory.
func DataDir() string {
	if dir := os.Getenv("TRINITY_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".trinity"
	}
	return filepath.Join(home, ".trinity")
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("witness.min_confidence", 0.6)
	v.SetDefault("witness.emit_threshold", 3)
	v.SetDefault("witness.rules_path", filepath.Join(dataDir, "rules.yaml"))
	v.SetDefault("witness.watch_personal_context", false)

	v.SetDefault("architect.min_complexity", 0.7)
	v.SetDefault("architect.workspace_dir", filepath.Join(dataDir, "workspace"))

	v.SetDefault("executor.verification_timeout", 600)
	v.SetDefault("executor.verification_runner", "")
	v.SetDefault("executor.project_dir", ".")
	v.SetDefault("executor.workspace_dir", filepath.Join(dataDir, "workspace"))

	v.SetDefault("budget.limit_usd", 0.0)
	v.SetDefault("budget.alert_threshold_pct", 80.0)

	v.SetDefault("storage.bus_path", filepath.Join(dataDir, "bus.db"))
	v.SetDefault("storage.patterns_path", filepath.Join(dataDir, "patterns.db"))
	v.SetDefault("storage.costs_path", filepath.Join(dataDir, "costs.db"))

	v.SetDefault("embedding.model", "all-MiniLM-L6-v2")

	v.SetDefault("llm.ollama_endpoint", "http://localhost:11434")
	v.SetDefault("llm.ollama_model", "llama3.1")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("bus.compaction_spec", "0 * * * *")
	v.SetDefault("bus.retention_hours", 168)
}

// Load reads configuration from the given file (optional), the data dir, env
// vars, and defaults.
func Load(configFile string) (*Config, error) {
	dataDir := DataDir()

	v := viper.New()
	setDefaults(v, dataDir)

	v.SetEnvPrefix("TRINITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(dataDir)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing config file is fine; defaults and env apply.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = dataDir

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Witness.MinConfidence < 0 || c.Witness.MinConfidence > 1 {
		return fmt.Errorf("witness.min_confidence %v out of range [0,1]", c.Witness.MinConfidence)
	}
	if c.Architect.MinComplexity < 0 || c.Architect.MinComplexity > 1 {
		return fmt.Errorf("architect.min_complexity %v out of range [0,1]", c.Architect.MinComplexity)
	}
	if c.Executor.VerificationTimeout <= 0 {
		return fmt.Errorf("executor.verification_timeout must be positive")
	}
	if c.Budget.AlertThresholdPct < 0 || c.Budget.AlertThresholdPct > 100 {
		return fmt.Errorf("budget.alert_threshold_pct %v out of range [0,100]", c.Budget.AlertThresholdPct)
	}
	return nil
}

// EnsureDataDir creates the data and workspace directories.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.Architect.WorkspaceDir, c.Executor.WorkspaceDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
