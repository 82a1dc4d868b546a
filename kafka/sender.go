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

package kafka

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	ingress "github.com/elastic/kafka-ingress"
	"github.com/elastic/kafka-ingress/ingresscontext"
)

const consumeSpanName = "kafka_ingress_consume"

// Header names set on every ingress event.
const (
	HeaderOffset         = "kafka.offset"
	HeaderTopic          = "kafka.topic"
	HeaderPartition      = "kafka.partition"
	HeaderTimestamp      = "kafka.timestamp"
	HeaderSubscriptionID = "subscription.id"
	HeaderKey            = "kafka.key"
)

// MessageSenderConfig holds the configuration of a MessageSender.
type MessageSenderConfig struct {
	// Subscription the messages are consumed for.
	Subscription ingress.Subscription
	// Dispatcher receives the ingress events.
	Dispatcher ingress.Dispatcher
	// IngressNext is forwarded to every event.
	IngressNext bool
	// Logger to use for any errors.
	Logger *zap.Logger
	// TracerProvider allows specifying a custom otel tracer provider.
	// Defaults to the global one.
	TracerProvider trace.TracerProvider
	// MeterProvider allows specifying a custom otel meter provider.
	// Defaults to the global one.
	MeterProvider metric.MeterProvider
}

// Validate ensures the configuration is valid, otherwise, returns an error.
func (cfg MessageSenderConfig) Validate() error {
	var errs []error
	if err := cfg.Subscription.Validate(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Dispatcher == nil {
		errs = append(errs, errors.New("kafka: dispatcher must be set"))
	}
	if cfg.Logger == nil {
		errs = append(errs, errors.New("kafka: logger must be set"))
	}
	return errors.Join(errs...)
}

// MessageSender turns the messages of a subscription into ingress events
// and hands them to the dispatcher. It is safe for concurrent use.
type MessageSender struct {
	sub         ingress.Subscription
	dispatcher  ingress.Dispatcher
	ingressNext bool
	proxy       bool
	logger      *zap.Logger
	tracer      trace.Tracer
	requests    metric.Int64Counter
	requestAttr metric.MeasurementOption
}

// NewMessageSender returns a new MessageSender.
func NewMessageSender(cfg MessageSenderConfig) (*MessageSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid message sender config: %w", err)
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	requests, err := newRequestsCounter(mp)
	if err != nil {
		return nil, err
	}
	return &MessageSender{
		sub:         cfg.Subscription,
		dispatcher:  cfg.Dispatcher,
		ingressNext: cfg.IngressNext,
		proxy:       DeduplicationRequiresProxying(cfg.Subscription),
		logger:      cfg.Logger.With(zap.String("subscription.id", cfg.Subscription.ID)),
		tracer:      tp.Tracer(instrumentName),
		requests:    requests,
		requestAttr: metric.WithAttributes(subscriptionAttr(cfg.Subscription.ID)),
	}, nil
}

// Subscription returns the subscription the sender is bound to.
func (s *MessageSender) Subscription() ingress.Subscription {
	return s.sub
}

// Send builds the ingress event for msg and blocks until the dispatcher
// accepted it. msg isn't referenced after Send returns.
func (s *MessageSender) Send(ctx context.Context, consumerGroup string, msg *Message) error {
	parent := ctx
	if msg.Context != nil {
		parent = trace.ContextWithSpanContext(ctx, trace.SpanContextFromContext(msg.Context))
	}
	ctx, span := s.tracer.Start(parent, consumeSpanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingOperationReceive,
			semconv.MessagingSourceName(msg.Topic),
			semconv.MessagingDestinationName(s.sub.Sink.String()),
			attribute.String("subscription.id", s.sub.ID),
			semconv.MessagingKafkaConsumerGroup(consumerGroup),
			semconv.MessagingKafkaSourcePartition(int(msg.Partition)),
			attribute.Int64("messaging.kafka.message.offset", msg.Offset),
		),
	)
	defer span.End()
	s.logger.Debug("processing kafka ingress request",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)

	key := bytes.Clone(msg.Key)
	payload := bytes.Clone(msg.Value)
	headers := eventHeaders(msg, s.sub.ID)
	event, err := ingress.NewEvent(
		s.sub,
		key,
		payload,
		ingress.SpanRelation{
			Kind:        ingress.SpanRelationParent,
			SpanContext: span.SpanContext(),
		},
		generateDeduplicationID(consumerGroup, msg.Topic, msg.Partition),
		generateDeduplicationIndex(msg.Offset),
		headers,
		s.ingressNext,
	)
	if err != nil {
		err = &EventError{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Cause:     err,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	event.ProxyDeduplication = s.proxy

	s.requests.Add(ctx, 1, s.requestAttr)
	if err := s.dispatcher.Dispatch(ingresscontext.WithHeaders(ctx, headers), event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ingress.ErrDispatcherClosed) {
			return err
		}
		return fmt.Errorf("%w: %w", ingress.ErrDispatcherClosed, err)
	}
	return nil
}

// eventHeaders returns the headers describing msg, in a fixed order.
func eventHeaders(msg *Message, subscriptionID string) []ingress.Header {
	headers := make([]ingress.Header, 0, 6)
	headers = append(headers,
		ingress.Header{Name: HeaderOffset, Value: strconv.FormatInt(msg.Offset, 10)},
		ingress.Header{Name: HeaderTopic, Value: msg.Topic},
		ingress.Header{Name: HeaderPartition, Value: strconv.FormatInt(int64(msg.Partition), 10)},
	)
	// Records without timestamp carry -1.
	if ms := msg.Timestamp.UnixMilli(); !msg.Timestamp.IsZero() && ms >= 0 {
		headers = append(headers, ingress.Header{
			Name:  HeaderTimestamp,
			Value: strconv.FormatInt(ms, 10),
		})
	}
	headers = append(headers, ingress.Header{Name: HeaderSubscriptionID, Value: subscriptionID})
	if msg.Key != nil {
		headers = append(headers, ingress.Header{
			Name:  HeaderKey,
			Value: base64.URLEncoding.EncodeToString(msg.Key),
		})
	}
	return headers
}
