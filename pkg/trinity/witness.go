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

// Package trinity implements the three stateless role loops. WITNESS turns
// raw events into counted patterns and improvement signals, ARCHITECT turns
// signals into verified task graphs, EXECUTOR turns tasks into verified
// outcomes. All durable state lives in the bus and the pattern store; a role
// owns nothing across messages.
package trinity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/observability"
	"github.com/trinity-labs/trinity/pkg/patternstore"
	"github.com/trinity-labs/trinity/pkg/types"
)

// Witness span names.
const (
	SpanWitnessCycle = "witness.cycle"
)

// DefaultMinConfidence discards detections below it.
const DefaultMinConfidence = 0.6

// DefaultEmitThreshold is the times_seen count at which a NORMAL-priority
// pattern still produces an improvement signal.
const DefaultEmitThreshold = 3

// WitnessConfig tunes the perception role.
type WitnessConfig struct {
	// MinConfidence discards detections below it. Default 0.6.
	MinConfidence float64

	// EmitThreshold emits a signal once a pattern's times_seen reaches it,
	// regardless of priority. Default 3.
	EmitThreshold int

	// WatchPersonalContext also subscribes to personal_context_stream.
	WatchPersonalContext bool
}

// WitnessStats is a point-in-time snapshot of perception counters.
type WitnessStats struct {
	EventsProcessed int64
	TotalDetections int64
	SignalsEmitted  int64
	UniquePatterns  int
	MostCommon      string
}

// Witness is the perception role: it subscribes to the telemetry stream, runs
// the pattern detector on every event, records sightings in the pattern
// store, and promotes notable patterns into improvement signals.
type Witness struct {
	bus      *bus.Bus
	store    *patternstore.Store
	detector Detector
	cfg      WitnessConfig
	tracer   observability.Tracer
	logger   *zap.Logger

	eventsProcessed atomic.Int64
	totalDetections atomic.Int64
	signalsEmitted  atomic.Int64

	mu            sync.Mutex
	patternCounts map[string]int
}

// NewWitness wires the perception role.
func NewWitness(b *bus.Bus, store *patternstore.Store, detector Detector, cfg WitnessConfig, tracer observability.Tracer, logger *zap.Logger) *Witness {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.EmitThreshold <= 0 {
		cfg.EmitThreshold = DefaultEmitThreshold
	}
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Witness{
		bus:           b,
		store:         store,
		detector:      detector,
		cfg:           cfg,
		tracer:        tracer,
		logger:        logger.Named("witness"),
		patternCounts: make(map[string]int),
	}
}

// Run subscribes and processes events until ctx is canceled.
func (w *Witness) Run(ctx context.Context) error {
	telemetry, err := w.bus.Subscribe(ctx, types.QueueTelemetry, 16)
	if err != nil {
		return fmt.Errorf("witness failed to subscribe: %w", err)
	}

	var personal <-chan bus.Delivery
	if w.cfg.WatchPersonalContext {
		personal, err = w.bus.Subscribe(ctx, types.QueuePersonalContext, 16)
		if err != nil {
			return fmt.Errorf("witness failed to subscribe to personal context: %w", err)
		}
	}

	w.logger.Info("witness running",
		zap.Float64("min_confidence", w.cfg.MinConfidence),
		zap.Int("emit_threshold", w.cfg.EmitThreshold))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-telemetry:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, d)
		case d, ok := <-personal:
			if !ok {
				personal = nil
				continue
			}
			w.handleEvent(ctx, d)
		}
	}
}

// handleEvent runs one perception cycle. The event is always acked: detector
// errors drop the event with a failure report by contract, never a
// redelivery.
func (w *Witness) handleEvent(ctx context.Context, d bus.Delivery) {
	var span *observability.Span
	ctx, span = w.tracer.StartSpan(ctx, SpanWitnessCycle, observability.WithSpanKind("role"))
	defer w.tracer.EndSpan(span)
	span.SetAttribute(observability.AttrMessageID, d.MessageID)

	w.eventsProcessed.Add(1)

	detections, err := w.detector.Detect(d.Payload)
	if err != nil {
		span.RecordError(err)
		w.reportFailure(ctx, d, fmt.Sprintf("detector failed, event dropped: %v", err))
		w.ack(ctx, d.MessageID)
		return
	}

	for _, det := range detections {
		if det.Confidence < w.cfg.MinConfidence {
			continue
		}
		w.totalDetections.Add(1)
		w.countPattern(det.PatternName)

		id, err := w.store.StorePattern(ctx, det.PatternType, det.PatternName, det.Content,
			det.Confidence, det.Metadata, 1)
		if err != nil {
			w.logger.Error("failed to store pattern",
				zap.String("pattern", det.PatternName), zap.Error(err))
			w.reportFailure(ctx, d, fmt.Sprintf("pattern store write failed, signal dropped: %v", err))
			continue
		}

		pattern, err := w.store.Get(ctx, id)
		if err != nil || pattern == nil {
			w.logger.Error("failed to read stored pattern",
				zap.Int64("pattern_id", id), zap.Error(err))
			w.reportFailure(ctx, d, fmt.Sprintf("pattern store read failed, signal dropped: %v", err))
			continue
		}

		notable := det.Priority == types.PriorityHigh || det.Priority == types.PriorityCritical
		if notable || pattern.TimesSeen >= w.cfg.EmitThreshold {
			if err := w.emitSignal(ctx, d, det, pattern); err != nil {
				w.logger.Error("failed to emit improvement signal",
					zap.String("pattern", det.PatternName), zap.Error(err))
			}
		}
	}

	w.ack(ctx, d.MessageID)
}

func (w *Witness) emitSignal(ctx context.Context, d bus.Delivery, det Detection, pattern *patternstore.Pattern) error {
	correlationID := d.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	signal := types.Signal{
		CorrelationID: correlationID,
		Priority:      det.Priority,
		Pattern:       det.PatternName,
		Data: map[string]interface{}{
			"pattern_type": string(det.PatternType),
			"content":      det.Content,
		},
		EvidenceCount: pattern.EvidenceCount,
		Confidence:    det.Confidence,
		Timestamp:     time.Now(),
	}
	if len(det.Keywords) > 0 {
		signal.Data["keywords"] = det.Keywords
	}

	payload, err := types.ToPayload(&signal)
	if err != nil {
		return err
	}
	if err := types.ValidateSignalPayload(payload); err != nil {
		return fmt.Errorf("refusing to publish malformed signal: %w", err)
	}

	_, err = w.bus.Publish(ctx, types.QueueImprovement, payload,
		det.Priority.QueuePriority(), correlationID)
	if err != nil {
		return err
	}

	w.signalsEmitted.Add(1)
	w.logger.Info("improvement signal emitted",
		zap.String("pattern", det.PatternName),
		zap.String("priority", string(det.Priority)),
		zap.String("correlation_id", correlationID),
		zap.Int("times_seen", pattern.TimesSeen))
	return nil
}

// reportFailure publishes the failure entry that replaces a dropped event or
// signal, keeping the drop visible on the telemetry stream.
func (w *Witness) reportFailure(ctx context.Context, d bus.Delivery, reason string) {
	report := types.TelemetryReport{
		Status:        types.ReportFailure,
		CorrelationID: d.CorrelationID,
		Details:       reason,
		Timestamp:     time.Now(),
	}
	payload, err := types.ToPayload(&report)
	if err != nil {
		w.logger.Error("failed to build witness failure report", zap.Error(err))
		return
	}
	if _, err := w.bus.Publish(ctx, types.QueueTelemetry, payload,
		types.PriorityCritical.QueuePriority(), d.CorrelationID); err != nil {
		w.logger.Error("failed to publish witness failure report", zap.Error(err))
	}
}

func (w *Witness) ack(ctx context.Context, id int64) {
	if err := w.bus.Ack(ctx, id); err != nil {
		w.logger.Error("failed to ack event", zap.Int64("message_id", id), zap.Error(err))
	}
}

func (w *Witness) countPattern(name string) {
	w.mu.Lock()
	w.patternCounts[name]++
	w.mu.Unlock()
}

// Stats snapshots the perception counters.
func (w *Witness) Stats() WitnessStats {
	w.mu.Lock()
	unique := len(w.patternCounts)
	mostCommon := ""
	best := 0
	for name, n := range w.patternCounts {
		if n > best || (n == best && name < mostCommon) {
			mostCommon = name
			best = n
		}
	}
	w.mu.Unlock()

	return WitnessStats{
		EventsProcessed: w.eventsProcessed.Load(),
		TotalDetections: w.totalDetections.Load(),
		SignalsEmitted:  w.signalsEmitted.Load(),
		UniquePatterns:  unique,
		MostCommon:      mostCommon,
	}
}
