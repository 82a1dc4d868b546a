// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Package ingress defines the events the Kafka ingress hands over to the
// invocation engine and the interfaces used to deliver them.
package ingress

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// ErrDispatcherClosed is returned when the downstream dispatcher no longer
// accepts events. It is terminal: the invocation engine is gone.
var ErrDispatcherClosed = errors.New("ingress dispatcher channel is closed")

// Dispatcher hands events to the invocation engine.
type Dispatcher interface {
	// Dispatch submits the event and blocks until it has been accepted, or
	// until ctx is done. Implementations may block to apply backpressure.
	Dispatch(ctx context.Context, event Event) error
}

// DispatcherFunc is a function type that implements the Dispatcher interface.
type DispatcherFunc func(context.Context, Event) error

// Dispatch implements the Dispatcher interface.
func (f DispatcherFunc) Dispatch(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Header is an attribute attached to an Event.
type Header struct {
	Name  string
	Value string
}

// SpanRelationKind defines how a span relates to the span of an Event.
type SpanRelationKind uint8

const (
	// SpanRelationNone means the event has no related span.
	SpanRelationNone SpanRelationKind = iota
	// SpanRelationParent means the related span is the parent.
	SpanRelationParent
	// SpanRelationCausedBy means the related span caused the event and is
	// linked rather than parented.
	SpanRelationCausedBy
)

// SpanRelation links the spans created while processing an Event to the span
// which received it.
type SpanRelation struct {
	Kind        SpanRelationKind
	SpanContext trace.SpanContext
}

// Context returns ctx with the related span set as remote parent, when the
// relation is SpanRelationParent. Otherwise ctx is returned as is.
func (r SpanRelation) Context(ctx context.Context) context.Context {
	if r.Kind != SpanRelationParent || !r.SpanContext.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, r.SpanContext)
}

// StartOptions returns the span start options needed to link a new span to
// the related span, when the relation is SpanRelationCausedBy.
func (r SpanRelation) StartOptions() []trace.SpanStartOption {
	if r.Kind != SpanRelationCausedBy || !r.SpanContext.IsValid() {
		return nil
	}
	return []trace.SpanStartOption{
		trace.WithLinks(trace.Link{SpanContext: r.SpanContext}),
	}
}
