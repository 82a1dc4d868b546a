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
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	ingress "github.com/elastic/kafka-ingress"
	"github.com/elastic/kafka-ingress/internal/task"
)

// ServiceConfig holds the configuration of a Service.
type ServiceConfig struct {
	CommonConfig
	// Clusters holds the client properties of every Kafka cluster a
	// subscription source may reference, by cluster name.
	Clusters map[string]ClientConfig
	// Dispatcher receives the events of all subscriptions.
	Dispatcher ingress.Dispatcher
	// IngressNext is forwarded to every event.
	IngressNext bool
}

// Validate ensures the configuration is valid, otherwise, returns an error.
func (cfg ServiceConfig) Validate() error {
	var errs []error
	if cfg.Logger == nil {
		errs = append(errs, errors.New("kafka: logger must be set"))
	}
	if cfg.Dispatcher == nil {
		errs = append(errs, errors.New("kafka: dispatcher must be set"))
	}
	if len(cfg.Clusters) == 0 {
		errs = append(errs, errors.New("kafka: at least one cluster must be set"))
	}
	return errors.Join(errs...)
}

// Service runs a ConsumerTask for every started subscription.
type Service struct {
	cfg    ServiceConfig
	logger *zap.Logger
	tasks  *task.Center

	mu      sync.Mutex
	running map[string]runningSubscription
}

type runningSubscription struct {
	task     task.ID
	cluster  string
	consumed GroupTopic
}

// NewService returns a new Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kafka: invalid service config: %w", err)
	}
	logger := cfg.Logger.Named("ingress")
	tasks, err := task.NewCenter(logger, cfg.meterProvider())
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:     cfg,
		logger:  logger,
		tasks:   tasks,
		running: make(map[string]runningSubscription),
	}, nil
}

// ParseSource returns the cluster and topic of a subscription source of the
// form "kafka://<cluster>/<topic>".
func ParseSource(source string) (cluster, topic string, err error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", "", fmt.Errorf("invalid source %q: %w", source, err)
	}
	if u.Scheme != "kafka" {
		return "", "", fmt.Errorf("invalid source %q: scheme must be kafka", source)
	}
	topic = strings.Trim(u.Path, "/")
	if u.Host == "" || topic == "" || strings.Contains(topic, "/") {
		return "", "", fmt.Errorf("invalid source %q: expected kafka://<cluster>/<topic>", source)
	}
	return u.Host, topic, nil
}

// clientConfig returns the client properties of the cluster, overridden by
// the subscription metadata. The consumer group defaults to the
// subscription id.
func (s *Service) clientConfig(cluster string, sub ingress.Subscription) (ClientConfig, error) {
	base, ok := s.cfg.Clusters[cluster]
	if !ok {
		return nil, fmt.Errorf("unknown kafka cluster %q", cluster)
	}
	props := make(ClientConfig, len(base)+len(sub.Metadata)+1)
	for k, v := range base {
		props[k] = v
	}
	for k, v := range sub.Metadata {
		props[k] = v
	}
	if _, ok := props.GroupID(); !ok {
		props[propGroupID] = sub.ID
	}
	return props, nil
}

// StartSubscription starts consuming the source of sub.
func (s *Service) StartSubscription(sub ingress.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	cluster, topic, err := ParseSource(sub.Source)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	props, err := s.clientConfig(cluster, sub)
	if err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	sender, err := NewMessageSender(MessageSenderConfig{
		Subscription:   sub,
		Dispatcher:     s.cfg.Dispatcher,
		IngressNext:    s.cfg.IngressNext,
		Logger:         s.logger,
		TracerProvider: s.cfg.TracerProvider,
		MeterProvider:  s.cfg.MeterProvider,
	})
	if err != nil {
		return err
	}
	consumer, err := NewConsumerTask(ConsumerTaskConfig{
		CommonConfig: s.cfg.CommonConfig,
		Client:       props,
		Topics:       []string{topic},
		Sender:       sender,
		tasks:        s.tasks,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[sub.ID]; ok {
		return fmt.Errorf("kafka: subscription %q is already running", sub.ID)
	}
	id, err := s.tasks.Spawn(task.KindConsumer, "kafka-ingress-"+sub.ID, func(ctx context.Context) error {
		defer s.finished(ctx, sub.ID)
		return consumer.Run(ctx)
	})
	if err != nil {
		return err
	}
	group, _ := props.GroupID()
	s.running[sub.ID] = runningSubscription{
		task:     id,
		cluster:  cluster,
		consumed: GroupTopic{Group: group, Topic: topic},
	}
	s.logger.Info("started subscription",
		zap.String("subscription.id", sub.ID),
		zap.String("source", sub.Source),
		zap.Stringer("sink", sub.Sink),
		zap.Stringer("client", props),
	)
	return nil
}

// finished forgets the subscription unless it was stopped, which already
// removed it.
func (s *Service) finished(ctx context.Context, subscriptionID string) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, subscriptionID)
}

// StopSubscription stops consuming for the subscription and waits until
// its consumer task returned or ctx is done.
func (s *Service) StopSubscription(ctx context.Context, subscriptionID string) error {
	s.mu.Lock()
	running, ok := s.running[subscriptionID]
	delete(s.running, subscriptionID)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("kafka: subscription %q is not running", subscriptionID)
	}
	s.tasks.Cancel(running.task)
	select {
	case <-s.tasks.Done(running.task):
		s.logger.Info("stopped subscription", zap.String("subscription.id", subscriptionID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscriptions returns the ids of the running subscriptions.
func (s *Service) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupTopics returns the consumer group and topic of every running
// subscription consuming from cluster, sorted by group and topic.
func (s *Service) GroupTopics(cluster string) []GroupTopic {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []GroupTopic
	for _, r := range s.running {
		if r.cluster == cluster {
			out = append(out, r.consumed)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}

// Close stops all subscriptions, waiting for their consumer tasks and
// partition workers until ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.running = make(map[string]runningSubscription)
	s.mu.Unlock()
	return s.tasks.Shutdown(ctx)
}
