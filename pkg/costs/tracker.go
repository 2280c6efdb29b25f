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

// Package costs records every LLM call with a deterministic tier-based price,
// aggregates spend, and enforces a soft budget. Entries are append-only and
// write-once; storage is pluggable between an in-memory backend and a durable
// SQLite backend.
package costs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/types"
)

// SpanTrack names the tracker's span for one recorded call.
const SpanTrack = "costs.track"

// Entry is one recorded LLM call. Append-only: entries are never updated.
type Entry struct {
	ID              int64                  `json:"id"`
	Timestamp       time.Time              `json:"timestamp"`
	Operation       string                 `json:"operation"`
	Model           string                 `json:"model"`
	Tier            types.ModelTier        `json:"model_tier"`
	TokensIn        int                    `json:"tokens_in"`
	TokensOut       int                    `json:"tokens_out"`
	CostUSD         float64                `json:"cost_usd"`
	DurationSeconds float64                `json:"duration_seconds"`
	Success         bool                   `json:"success"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// Filter restricts which entries an aggregate covers. Zero values mean no
// restriction. Metadata matches entries whose metadata contains every listed
// key with an equal value.
type Filter struct {
	Operation string
	Since     time.Time
	Until     time.Time
	Metadata  map[string]interface{}
}

// Matches reports whether the entry passes all filter clauses.
func (f Filter) Matches(e Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	for k, want := range f.Metadata {
		got, ok := e.Metadata[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Summary aggregates recorded calls.
type Summary struct {
	TotalCostUSD   float64            `json:"total_cost_usd"`
	TotalCalls     int                `json:"total_calls"`
	TotalTokensIn  int                `json:"total_tokens_in"`
	TotalTokensOut int                `json:"total_tokens_out"`
	SuccessRate    float64            `json:"success_rate"`
	ByOperation    map[string]float64 `json:"by_operation"`
	ByModel        map[string]float64 `json:"by_model"`
}

// BudgetStatus reports spend against the configured limit.
type BudgetStatus struct {
	LimitUSD          float64 `json:"limit_usd"`
	AlertThresholdPct float64 `json:"alert_threshold_pct"`
	SpentUSD          float64 `json:"spent_usd"`
	RemainingUSD      float64 `json:"remaining_usd"`
	PercentUsed       float64 `json:"percent_used"`
	AlertTriggered    bool    `json:"alert_triggered"`
	LimitExceeded     bool    `json:"limit_exceeded"`
}

// Backend is the pluggable entry store.
type Backend interface {
	// Append stores an entry and returns its id.
	Append(ctx context.Context, e Entry) (int64, error)

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, f Filter) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}

// Tracker records calls into a backend and answers spend queries.
type Tracker struct {
	backend Backend
	tracer  observability.Tracer
	logger  *zap.Logger

	mu          sync.Mutex
	limitUSD    float64
	budgetSet   bool
	alertPct    float64
	alertLogged bool
}

// NewTracker wraps a backend. tracer and logger may be nil.
func NewTracker(backend Backend, tracer observability.Tracer, logger *zap.Logger) *Tracker {
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		backend:  backend,
		tracer:   tracer,
		logger:   logger,
		alertPct: 80,
	}
}

// Track validates and appends one call record. Token counts must be
// non-negative and the tier must be recognized; cost is computed from the
// pricing table, never supplied by the caller.
func (t *Tracker) Track(ctx context.Context, operation, model string, tier types.ModelTier, tokensIn, tokensOut int, duration time.Duration, success bool, metadata map[string]interface{}, callErr string) (*Entry, error) {
	if tokensIn < 0 || tokensOut < 0 {
		return nil, fmt.Errorf("token counts cannot be negative: in=%d out=%d", tokensIn, tokensOut)
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown model tier %q", tier)
	}
	if operation == "" {
		return nil, fmt.Errorf("operation cannot be empty")
	}

	var span *observability.Span
	ctx, span = t.tracer.StartSpan(ctx, SpanTrack, observability.WithSpanKind("store"))
	defer t.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrModelTier, string(tier))

	e := Entry{
		Timestamp:       time.Now(),
		Operation:       operation,
		Model:           model,
		Tier:            tier,
		TokensIn:        tokensIn,
		TokensOut:       tokensOut,
		CostUSD:         Cost(tier, tokensIn, tokensOut),
		DurationSeconds: duration.Seconds(),
		Success:         success,
		Metadata:        metadata,
		Error:           callErr,
	}

	id, err := t.backend.Append(ctx, e)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to append cost entry: %w", err)
	}
	e.ID = id

	t.tracer.RecordMetric("trinity.cost_usd", e.CostUSD, map[string]string{
		"operation": operation,
		"tier":      string(tier),
	})

	t.maybeAlert(ctx)
	return &e, nil
}

// maybeAlert logs once when spend crosses the alert threshold.
func (t *Tracker) maybeAlert(ctx context.Context) {
	status, err := t.BudgetStatus(ctx)
	if err != nil || !status.AlertTriggered {
		return
	}
	t.mu.Lock()
	logged := t.alertLogged
	t.alertLogged = true
	t.mu.Unlock()
	if !logged {
		t.logger.Warn("budget alert threshold crossed",
			zap.Float64("spent_usd", status.SpentUSD),
			zap.Float64("limit_usd", status.LimitUSD),
			zap.Float64("percent_used", status.PercentUsed))
	}
}

// Summary aggregates entries matching the filter.
func (t *Tracker) Summary(ctx context.Context, f Filter) (*Summary, error) {
	entries, err := t.backend.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}

	s := &Summary{
		ByOperation: make(map[string]float64),
		ByModel:     make(map[string]float64),
	}
	successes := 0
	for _, e := range entries {
		s.TotalCostUSD += e.CostUSD
		s.TotalCalls++
		s.TotalTokensIn += e.TokensIn
		s.TotalTokensOut += e.TokensOut
		s.ByOperation[e.Operation] += e.CostUSD
		s.ByModel[e.Model] += e.CostUSD
		if e.Success {
			successes++
		}
	}
	if s.TotalCalls == 0 {
		s.SuccessRate = 1.0
	} else {
		s.SuccessRate = float64(successes) / float64(s.TotalCalls)
	}
	return s, nil
}

// SetBudget configures the spend limit and alert threshold. An explicit zero
// limit is a real budget — any spend exceeds it — distinct from never setting
// one. Thresholds outside [0,100] are rejected.
func (t *Tracker) SetBudget(limitUSD, alertThresholdPct float64) error {
	if limitUSD < 0 {
		return fmt.Errorf("budget limit cannot be negative: %v", limitUSD)
	}
	if alertThresholdPct < 0 || alertThresholdPct > 100 {
		return fmt.Errorf("alert threshold %v out of range [0,100]", alertThresholdPct)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limitUSD = limitUSD
	t.alertPct = alertThresholdPct
	t.budgetSet = true
	t.alertLogged = false
	return nil
}

// BudgetStatus reports current spend against the budget. With no limit set,
// remaining is 0 and no alert triggers.
func (t *Tracker) BudgetStatus(ctx context.Context) (*BudgetStatus, error) {
	entries, err := t.backend.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list cost entries: %w", err)
	}
	var spent float64
	for _, e := range entries {
		spent += e.CostUSD
	}

	t.mu.Lock()
	limit, pct, set := t.limitUSD, t.alertPct, t.budgetSet
	t.mu.Unlock()

	status := &BudgetStatus{
		LimitUSD:          limit,
		AlertThresholdPct: pct,
		SpentUSD:          spent,
	}
	if !set {
		return status, nil
	}
	status.RemainingUSD = limit - spent
	if status.RemainingUSD < 0 {
		status.RemainingUSD = 0
	}
	switch {
	case limit > 0:
		status.PercentUsed = spent / limit * 100
	case spent > 0:
		// Zero limit: any spend is full (over)use.
		status.PercentUsed = 100
	}
	status.AlertTriggered = status.PercentUsed >= pct
	status.LimitExceeded = spent > limit
	return status, nil
}

// HourlyRate returns the spend over the trailing hour.
func (t *Tracker) HourlyRate(ctx context.Context) (float64, error) {
	entries, err := t.backend.List(ctx, Filter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		return 0, fmt.Errorf("failed to list cost entries: %w", err)
	}
	var total float64
	for _, e := range entries {
		total += e.CostUSD
	}
	return total, nil
}

// DailyProjection extrapolates the trailing-hour rate to 24 hours.
func (t *Tracker) DailyProjection(ctx context.Context) (float64, error) {
	hourly, err := t.HourlyRate(ctx)
	if err != nil {
		return 0, err
	}
	return hourly * 24, nil
}

// ExportJSON serializes entries matching the filter as a JSON array.
func (t *Tracker) ExportJSON(ctx context.Context, f Filter) (string, error) {
	entries, err := t.backend.List(ctx, f)
	if err != nil {
		return "", fmt.Errorf("failed to list cost entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	out, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal cost entries: %w", err)
	}
	return string(out), nil
}

// Close closes the underlying backend.
func (t *Tracker) Close() error {
	return t.backend.Close()
}
