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
	"errors"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ManagerConfig holds configuration for inspecting the consumer groups of
// the ingress subscriptions.
type ManagerConfig struct {
	CommonConfig
}

// finalize ensures the configuration is valid, setting default values from
// environment variables as described in doc comments, returning an error if
// any configuration is invalid.
func (cfg *ManagerConfig) finalize() error {
	return cfg.CommonConfig.finalize()
}

// GroupTopic identifies a topic consumed by a consumer group.
type GroupTopic struct {
	Group string
	Topic string
}

// Manager reports the health and consumer lag of the ingress consumers.
type Manager struct {
	cfg         ManagerConfig
	client      *kgo.Client
	adminClient *kadm.Client
	tracer      trace.Tracer
}

// NewManager returns a new Manager with the given config.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid manager config: %w", err)
	}
	client, err := cfg.newClient()
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:         cfg,
		client:      client,
		adminClient: kadm.NewClient(client),
		tracer:      cfg.tracerProvider().Tracer(instrumentName),
	}, nil
}

// Close closes the manager's resources, including its connections to the
// Kafka brokers and any associated goroutines.
func (m *Manager) Close() error {
	m.client.Close()
	return nil
}

// Healthy returns an error if the Kafka client fails to reach a discovered broker.
func (m *Manager) Healthy(ctx context.Context) error {
	if err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping kafka brokers: %w", err)
	}
	return nil
}

// CommittedOffsets returns the offsets committed by group, by topic and
// partition.
func (m *Manager) CommittedOffsets(ctx context.Context, group string) (map[string]map[int32]int64, error) {
	ctx, span := m.tracer.Start(ctx, "CommittedOffsets", trace.WithAttributes(
		semconv.MessagingSystemKey.String("kafka"),
		semconv.MessagingKafkaConsumerGroup(group),
	))
	defer span.End()

	resp, err := m.adminClient.FetchOffsets(ctx, group)
	if err == nil {
		err = resp.Error()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch committed offsets of group %q: %w", group, err)
	}
	offsets := make(map[string]map[int32]int64)
	resp.Each(func(o kadm.OffsetResponse) {
		if offsets[o.Topic] == nil {
			offsets[o.Topic] = make(map[int32]int64)
		}
		offsets[o.Topic][o.Partition] = o.At
	})
	return offsets, nil
}

// MonitorConsumerLag registers a callback with OpenTelemetry to measure the
// lag of the given consumer groups on the given topics.
func (m *Manager) MonitorConsumerLag(targets []GroupTopic) (metric.Registration, error) {
	if len(targets) == 0 {
		return nil, errors.New("kafka: at least one group topic must be set")
	}
	monitored := make(map[GroupTopic]struct{}, len(targets))
	groupSet := make(map[string]struct{})
	for _, gt := range targets {
		monitored[gt] = struct{}{}
		groupSet[gt.Group] = struct{}{}
	}
	groups := make([]string, 0, len(groupSet))
	for group := range groupSet {
		groups = append(groups, group)
	}
	sort.Strings(groups)

	meter := m.cfg.meterProvider().Meter(instrumentName)
	lagGauge, err := meter.Int64ObservableGauge(consumerLagGaugeKey,
		metric.WithDescription("The number of records a consumer group has yet to consume"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create %s metric: %w", consumerLagGaugeKey, err)
	}

	gatherMetrics := func(ctx context.Context, o metric.Observer) error {
		ctx, span := m.tracer.Start(ctx, "GatherMetrics")
		defer span.End()

		described, err := m.adminClient.DescribeGroups(ctx, groups...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to describe groups: %w", err)
		}
		consumerGroups := make([]string, 0, len(described))
		for _, group := range described.Sorted() {
			if group.ProtocolType != "consumer" {
				m.cfg.Logger.Debug("ignoring non-consumer group",
					zap.String("group", group.Group),
					zap.String("protocol_type", group.ProtocolType),
				)
				continue
			}
			consumerGroups = append(consumerGroups, group.Group)
		}
		commits := m.adminClient.FetchManyOffsets(ctx, consumerGroups...)

		var endOffsets kadm.ListedOffsets
		listPartitions := described.AssignedPartitions()
		listPartitions.Merge(commits.CommittedPartitions())
		if topics := listPartitions.Topics(); len(topics) > 0 {
			if endOffsets, err = m.adminClient.ListEndOffsets(ctx, topics...); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return fmt.Errorf("error fetching end offsets: %w", err)
			}
		}

		for _, group := range described {
			if group.ProtocolType != "consumer" || group.Err != nil {
				continue
			}
			groupLag := kadm.CalculateGroupLag(group, commits[group.Group].Fetched, endOffsets)
			for topic, partitions := range groupLag {
				if _, ok := monitored[GroupTopic{Group: group.Group, Topic: topic}]; !ok {
					continue
				}
				for partition, lag := range partitions {
					if lag.Err != nil {
						m.cfg.Logger.Warn("error getting consumer group lag",
							zap.String("group", group.Group),
							zap.String("topic", topic),
							zap.Int32("partition", partition),
							zap.Error(lag.Err),
						)
						continue
					}
					o.ObserveInt64(lagGauge, lag.Lag, metric.WithAttributes(
						attribute.String("group", group.Group),
						attribute.String("topic", topic),
						attribute.Int("partition", int(partition)),
					))
				}
			}
		}
		return nil
	}
	return meter.RegisterCallback(gatherMetrics, lagGauge)
}
