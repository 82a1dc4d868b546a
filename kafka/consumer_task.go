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
	"time"

	"go.uber.org/zap"

	"github.com/elastic/kafka-ingress/ingresscontext"
	"github.com/elastic/kafka-ingress/internal/task"
)

const workerShutdownTimeout = 10 * time.Second

// ConsumerTaskConfig defines the configuration for a ConsumerTask.
type ConsumerTaskConfig struct {
	CommonConfig
	// Client holds the client properties of the subscription. "group.id"
	// is required. When CommonConfig.Brokers is empty,
	// "bootstrap.servers" seeds the client.
	Client ClientConfig
	// Topics to consume.
	Topics []string
	// Sender turns the consumed messages into ingress events.
	Sender *MessageSender

	// tasks runs the partition workers. A task center owned by the
	// ConsumerTask is created when nil.
	tasks *task.Center
	// newBroker overrides the kgo backed broker.
	newBroker func() (Broker, error)
}

// finalize ensures the configuration is valid, setting default values from
// environment variables as described in doc comments, returning an error if
// any configuration is invalid.
func (cfg *ConsumerTaskConfig) finalize() error {
	var errs []error
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = cfg.Client.Brokers()
	}
	cfg.securityProtocol = cfg.Client.securityProtocol()
	if err := cfg.CommonConfig.finalize(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Client.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(cfg.Topics) == 0 {
		errs = append(errs, errors.New("kafka: at least one topic must be set"))
	}
	if cfg.Sender == nil {
		errs = append(errs, errors.New("kafka: sender must be set"))
	}
	return errors.Join(errs...)
}

// ConsumerTask consumes the topics of a subscription. The records of every
// partition are handled in order by a dedicated worker, and their offsets
// are only stored once the dispatcher accepted the matching event.
type ConsumerTask struct {
	cfg       ConsumerTaskConfig
	groupID   string
	logger    *zap.Logger
	tasks     *task.Center
	ownTasks  bool
	newBroker func() (Broker, error)
}

// NewConsumerTask returns a new ConsumerTask. It fails when the client
// properties carry no "group.id".
func NewConsumerTask(cfg ConsumerTaskConfig) (*ConsumerTask, error) {
	groupID, ok := cfg.Client.GroupID()
	if !ok {
		return nil, fmt.Errorf("kafka: %s must be set in the client properties", propGroupID)
	}
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid consumer task config: %w", err)
	}
	t := &ConsumerTask{
		cfg:     cfg,
		groupID: groupID,
		logger: cfg.Logger.Named("consumer_task").With(
			zap.String("subscription.id", cfg.Sender.Subscription().ID),
			zap.String("group", groupID),
		),
		tasks:     cfg.tasks,
		newBroker: cfg.newBroker,
	}
	if t.tasks == nil {
		center, err := task.NewCenter(t.logger, cfg.meterProvider())
		if err != nil {
			return nil, fmt.Errorf("kafka: cannot create task center: %w", err)
		}
		t.tasks = center
		t.ownTasks = true
	}
	if t.newBroker == nil {
		t.newBroker = func() (Broker, error) {
			return newKgoBroker(t.cfg.CommonConfig, t.cfg.Client), nil
		}
	}
	return t, nil
}

// Run consumes the subscription topics until ctx is cancelled, which is a
// clean shutdown and returns nil. Any broker, event or dispatch error stops
// the task and is returned. Run must only be called once.
func (t *ConsumerTask) Run(ctx context.Context) error {
	broker, err := t.newBroker()
	if err != nil {
		return &BrokerError{Op: "create", Err: err}
	}
	defer func() {
		if err := broker.Close(); err != nil {
			t.logger.Warn("failed to close broker", zap.Error(err))
		}
	}()
	if err := broker.Subscribe(t.cfg.Topics...); err != nil {
		return &BrokerError{Op: "subscribe", Err: err}
	}
	t.logger.Info("consumer task started", zap.Strings("topics", t.cfg.Topics))

	workers := make(map[topicPartition]task.ID)
	defer t.stopWorkers(workers)
	for {
		msg, err := broker.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				t.logger.Info("consumer task stopped")
				return nil
			}
			var brokerErr *BrokerError
			if errors.As(err, &brokerErr) {
				return err
			}
			return &BrokerError{Op: "receive", Err: err}
		}

		tp := topicPartition{topic: msg.Topic, partition: msg.Partition}
		if _, ok := workers[tp]; !ok {
			queue, ok := broker.SplitPartitionQueue(msg.Topic, msg.Partition)
			if !ok {
				return &PartitionSplitError{Topic: msg.Topic, Partition: msg.Partition}
			}
			logger := t.logger.With(
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
			)
			id, err := t.tasks.Spawn(
				task.KindPartitionQueue,
				fmt.Sprintf("partition-queue-%s-%d-%s", msg.Topic, msg.Partition, t.cfg.Sender.Subscription().ID),
				func(ctx context.Context) error {
					return partitionQueueConsumptionLoop(ctx, t.groupID, queue, broker, t.cfg.Sender)
				},
			)
			if err != nil {
				queue.Stop()
				logger.Info("not consuming partition, shutting down", zap.Error(err))
				return nil
			}
			logger.Debug("partition queue split", zap.Uint64("task.id", uint64(id)))
			workers[tp] = id
		}

		if err := t.cfg.Sender.Send(ingresscontext.DetachedContext(ctx), t.groupID, msg); err != nil {
			return err
		}
		if err := broker.StoreOffset(msg.Topic, msg.Partition, msg.Offset); err != nil {
			return &BrokerError{Op: "store offset", Err: err}
		}
	}
}

func (t *ConsumerTask) stopWorkers(workers map[topicPartition]task.ID) {
	for _, id := range workers {
		t.tasks.Cancel(id)
	}
	if !t.ownTasks {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), workerShutdownTimeout)
	defer cancel()
	if err := t.tasks.Shutdown(ctx); err != nil {
		t.logger.Warn("partition workers did not stop in time", zap.Error(err))
	}
}

// partitionQueueConsumptionLoop sends the messages of a split partition
// until ctx is cancelled. The queue is stopped on return, so a failed
// partition is no longer fetched.
func partitionQueueConsumptionLoop(
	ctx context.Context,
	consumerGroup string,
	queue PartitionQueue,
	broker Broker,
	sender *MessageSender,
) error {
	defer queue.Stop()
	for {
		msg, err := queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BrokerError{Op: "receive", Err: err}
		}
		if err := sender.Send(ingresscontext.DetachedContext(ctx), consumerGroup, msg); err != nil {
			return err
		}
		if err := broker.StoreOffset(msg.Topic, msg.Partition, msg.Offset); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &BrokerError{Op: "store offset", Err: err}
		}
	}
}
