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
package observability

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ZapTracer exports completed spans and metrics to a zap logger. Spans land
// at debug level, metrics and standalone events at debug, errors at warn.
type ZapTracer struct {
	logger *zap.Logger
}

// NewZapTracer creates a tracer that logs spans via zap.
func NewZapTracer(logger *zap.Logger) *ZapTracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapTracer{logger: logger.Named("trace")}
}

// StartSpan creates a span linked to any parent found in the context.
func (t *ZapTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, *Span) {
	span := &Span{
		TraceID:    uuid.New().String(),
		SpanID:     uuid.New().String(),
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(span)
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}
	return ContextWithSpan(ctx, span), span
}

// EndSpan completes the span and logs it.
func (t *ZapTracer) EndSpan(span *Span) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)

	fields := []zap.Field{
		zap.String("trace_id", span.TraceID),
		zap.String("span", span.Name),
		zap.Duration("duration", span.Duration),
	}
	if len(span.Attributes) > 0 {
		fields = append(fields, zap.Any("attributes", span.Attributes))
	}
	if span.Status.Code == StatusError {
		fields = append(fields, zap.String("error", span.Status.Message))
		t.logger.Warn("span failed", fields...)
		return
	}
	t.logger.Debug("span completed", fields...)
}

// RecordMetric logs a metric sample.
func (t *ZapTracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.logger.Debug("metric",
		zap.String("name", name),
		zap.Float64("value", value),
		zap.Any("labels", labels))
}

// RecordEvent logs a standalone event.
func (t *ZapTracer) RecordEvent(ctx context.Context, name string, attributes map[string]interface{}) {
	t.logger.Debug("event", zap.String("name", name), zap.Any("attributes", attributes))
}

// Flush is a no-op; zap handles its own buffering.
func (t *ZapTracer) Flush(ctx context.Context) error {
	return t.logger.Sync()
}

var _ Tracer = (*ZapTracer)(nil)
