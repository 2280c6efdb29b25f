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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpTracerSpanLifecycle(t *testing.T) {
	tracer := NewNoOpTracer()
	ctx := context.Background()

	ctx, span := tracer.StartSpan(ctx, "bus.publish", WithSpanKind("bus"))
	require.NotNil(t, span)
	assert.Equal(t, "bus.publish", span.Name)
	assert.Equal(t, "bus", span.Attributes["span.kind"])

	// Child span inherits trace and parent IDs.
	_, child := tracer.StartSpan(ctx, "bus.persist")
	assert.Equal(t, span.TraceID, child.TraceID)
	assert.Equal(t, span.SpanID, child.ParentID)

	tracer.EndSpan(span)
	assert.False(t, span.EndTime.IsZero())
}

func TestSpanRecordError(t *testing.T) {
	span := &Span{Name: "store.pattern"}

	span.RecordError(nil)
	assert.Equal(t, StatusUnset, span.Status.Code)

	span.RecordError(errors.New("disk full"))
	assert.Equal(t, StatusError, span.Status.Code)
	assert.Equal(t, "disk full", span.Attributes[AttrErrorMessage])
}

func TestSpanFromContext(t *testing.T) {
	assert.Nil(t, SpanFromContext(context.Background()))

	span := &Span{SpanID: "s1"}
	ctx := ContextWithSpan(context.Background(), span)
	assert.Same(t, span, SpanFromContext(ctx))
}
