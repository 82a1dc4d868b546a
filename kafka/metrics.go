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
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const (
	instrumentName = "github.com/elastic/kafka-ingress/kafka"

	unitCount = "1"

	requestsCounterKey       = "kafka_ingress.requests"
	messageFetchedCounterKey = "consumer.messages.fetched"
	consumerLagGaugeKey      = "consumer_group_lag"
)

var _ kgo.HookFetchRecordUnbuffered = new(metricHooks)

type metricHooks struct {
	messageFetched metric.Int64Counter
}

func newKgoHooks(mp metric.MeterProvider) (*metricHooks, error) {
	m := mp.Meter(instrumentName)
	fetched, err := m.Int64Counter(
		messageFetchedCounterKey,
		metric.WithDescription("The number of messages handed to the consumer"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", messageFetchedCounterKey, err)
	}
	return &metricHooks{messageFetched: fetched}, nil
}

// OnFetchRecordUnbuffered implements kgo.HookFetchRecordUnbuffered.
func (h *metricHooks) OnFetchRecordUnbuffered(r *kgo.Record, polled bool) {
	if !polled {
		return
	}
	h.messageFetched.Add(context.Background(), 1, metric.WithAttributes(
		semconv.MessagingSourceName(r.Topic),
		semconv.MessagingKafkaSourcePartition(int(r.Partition)),
	))
}

func newRequestsCounter(mp metric.MeterProvider) (metric.Int64Counter, error) {
	c, err := mp.Meter(instrumentName).Int64Counter(
		requestsCounterKey,
		metric.WithDescription("Number of Kafka ingress requests handed to the dispatcher"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", requestsCounterKey, err)
	}
	return c, nil
}

func subscriptionAttr(id string) attribute.KeyValue {
	return attribute.String("subscription", id)
}
