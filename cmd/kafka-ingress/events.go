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

package main

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	ingress "github.com/elastic/kafka-ingress"
	"github.com/elastic/kafka-ingress/dispatcher"
	"github.com/elastic/kafka-ingress/ingresscontext"
	"github.com/elastic/kafka-ingress/kafka"
)

// drain logs every dispatched event until the channel is closed, then logs
// the events still buffered.
func drain(events *dispatcher.Channel, logger *zap.Logger, tracer trace.Tracer) {
	for {
		select {
		case e := <-events.Events():
			logEvent(e, logger, tracer)
		case <-events.Done():
			for {
				select {
				case e := <-events.Events():
					logEvent(e, logger, tracer)
				default:
					return
				}
			}
		}
	}
}

func logEvent(e ingress.Event, logger *zap.Logger, tracer trace.Tracer) {
	ctx := ingresscontext.WithHeaders(context.Background(), e.Headers)
	ctx = e.SpanRelation.Context(ctx)
	_, span := tracer.Start(ctx, "invoke "+e.Target.Service+"/"+e.Target.Handler,
		e.SpanRelation.StartOptions()...,
	)
	defer span.End()

	fields := []zap.Field{
		zap.String("subscription.id", e.SubscriptionID),
		zap.Stringer("target.kind", e.Target.Kind),
		zap.String("target.service", e.Target.Service),
		zap.String("target.handler", e.Target.Handler),
		zap.Stringer("dedup.id", e.DeduplicationID),
		zap.Uint64("dedup.index", e.DeduplicationIndex),
		zap.Int("payload.size", len(e.Payload)),
	}
	if e.Target.Key != "" {
		fields = append(fields, zap.String("target.key", e.Target.Key))
	}
	if topic, ok := ingresscontext.Header(ctx, kafka.HeaderTopic); ok {
		fields = append(fields, zap.String("topic", topic))
	}
	if v, ok := ingresscontext.Header(ctx, kafka.HeaderPartition); ok {
		if partition, err := strconv.ParseInt(v, 10, 32); err == nil {
			fields = append(fields, zap.Int32("partition", int32(partition)))
		}
	}
	if sc := span.SpanContext(); sc.IsValid() {
		fields = append(fields, zap.Stringer("trace.id", sc.TraceID()))
	}
	logger.Info("received ingress event", fields...)
}
