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
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Message is a record consumed from Kafka.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	// Timestamp is zero when the record carries no timestamp.
	Timestamp time.Time
	// Context carries the span context the record was fetched with.
	Context context.Context
}

// Broker is the consumer side of a Kafka client.
//
// Records are returned by Receive until their partition is split with
// SplitPartitionQueue, from then on they are only returned by the
// returned PartitionQueue. StoreOffset must be safe for concurrent use.
type Broker interface {
	Subscribe(topics ...string) error
	Receive(ctx context.Context) (*Message, error)
	SplitPartitionQueue(topic string, partition int32) (PartitionQueue, bool)
	StoreOffset(topic string, partition int32, offset int64) error
	Close() error
}

// PartitionQueue returns the records of a single partition.
//
// Stop is called once nothing receives from the queue anymore. Buffered
// records are dropped and the partition isn't fetched anymore, its
// committed offset stays at the last stored record.
type PartitionQueue interface {
	Receive(ctx context.Context) (*Message, error)
	Stop()
}

type topicPartition struct {
	topic     string
	partition int32
}

type delivery struct {
	msg *Message
	err error
}

const (
	closeCommitTimeout = 5 * time.Second
	// maxPollRecords bounds the records returned by a single poll, and so
	// how many records a partition queue may take after being paused.
	maxPollRecords = 100
)

// kgoBroker implements Broker on top of a kgo group consumer. A single
// goroutine polls the client and routes every record either to the queue
// of its partition or, when the partition isn't split yet, to Receive.
//
// Receive announces its demand before a record is routed to it, so the
// routing of a record is only decided once the previous record returned by
// Receive was fully handled, including a possible split of its partition.
// A split also wakes up a pump waiting for demand.
type kgoBroker struct {
	cfg       CommonConfig
	props     ClientConfig
	logger    *zap.Logger
	queueSize int
	pollSize  int

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	pumpDone chan struct{}

	demand  chan struct{}
	split   chan struct{}
	shared  chan delivery
	pending bool // Owned by the pump goroutine.

	mu       sync.RWMutex
	client   *kgo.Client
	queues   map[topicPartition]*partitionQueue
	assigned map[topicPartition]struct{}
	stored   map[topicPartition]int64

	closeOnce sync.Once
	closeErr  error
}

// newKgoBroker returns a Broker. cfg must be finalized and props valid.
func newKgoBroker(cfg CommonConfig, props ClientConfig) *kgoBroker {
	ctx, cancel := context.WithCancel(context.Background())
	queueSize, _ := props.queuedMaxMessages()
	return &kgoBroker{
		cfg:       cfg,
		props:     props,
		logger:    cfg.Logger,
		queueSize: queueSize,
		pollSize:  min(maxPollRecords, queueSize),
		ctx:       ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		demand:   make(chan struct{}),
		split:    make(chan struct{}, 1),
		shared:   make(chan delivery, 1),
		queues:   make(map[topicPartition]*partitionQueue),
		assigned: make(map[topicPartition]struct{}),
		stored:   make(map[topicPartition]int64),
	}
}

// Subscribe creates the group consumer and starts fetching topics.
func (b *kgoBroker) Subscribe(topics ...string) error {
	if len(topics) == 0 {
		return errors.New("kafka: at least one topic must be set")
	}
	groupID, ok := b.props.GroupID()
	if !ok {
		return fmt.Errorf("kafka: %s must be set", propGroupID)
	}
	opts, err := b.props.opts()
	if err != nil {
		return err
	}
	if b.queueSize <= 0 {
		return fmt.Errorf("kafka: invalid %s", propQueuedMaxMessages)
	}
	opts = append(opts,
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(b.onAssigned),
		kgo.OnPartitionsRevoked(b.onRevoked),
		kgo.OnPartitionsLost(b.onRevoked),
	)

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	if b.client != nil {
		return errors.New("kafka: already subscribed")
	}
	b.logger = b.logger.With(zap.String("group", groupID))
	client, err := b.cfg.newClient(opts...)
	if err != nil {
		return err
	}
	b.client = client
	go b.pump()
	return nil
}

func (b *kgoBroker) onAssigned(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, partitions := range assigned {
		for _, p := range partitions {
			b.assigned[topicPartition{topic: topic, partition: p}] = struct{}{}
		}
	}
	b.logger.Info("partitions assigned", zap.Any("partitions", assigned))
}

func (b *kgoBroker) onRevoked(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
	b.mu.Lock()
	for topic, partitions := range revoked {
		for _, p := range partitions {
			tp := topicPartition{topic: topic, partition: p}
			delete(b.assigned, tp)
			delete(b.stored, tp)
			if q, ok := b.queues[tp]; ok {
				q.clear()
			}
		}
	}
	b.mu.Unlock()
	b.logger.Info("partitions revoked", zap.Any("partitions", revoked))
	if err := client.CommitMarkedOffsets(ctx); err != nil {
		b.logger.Warn("failed to commit offsets of revoked partitions", zap.Error(err))
	}
}

func (b *kgoBroker) pump() {
	defer close(b.pumpDone)
	for {
		fetches := b.client.PollRecords(b.ctx, b.pollSize)
		if fetches.IsClientClosed() || b.ctx.Err() != nil {
			return
		}
		var stopped bool
		fetches.EachError(func(topic string, partition int32, err error) {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			if kerr.IsRetriable(err) {
				b.logger.Warn("retriable error fetching records",
					zap.String("topic", topic),
					zap.Int32("partition", partition),
					zap.Error(err),
				)
				return
			}
			stopped = !b.deliver(topicPartition{topic: topic, partition: partition}, delivery{
				err: &BrokerError{Op: "fetch", Err: err},
			})
		})
		for iter := fetches.RecordIter(); !stopped && !iter.Done(); {
			r := iter.Next()
			stopped = !b.deliver(
				topicPartition{topic: r.Topic, partition: r.Partition},
				delivery{msg: newMessage(r)},
			)
		}
		if stopped {
			return
		}
	}
}

// deliver routes d, returning false if the broker was closed.
func (b *kgoBroker) deliver(tp topicPartition, d delivery) bool {
	for {
		if q := b.queue(tp); q != nil {
			q.push(d)
			return true
		}
		if b.pending {
			select {
			case b.shared <- d:
				b.pending = false
				return true
			case <-b.ctx.Done():
				return false
			}
		}
		select {
		case <-b.demand:
			b.pending = true
		case <-b.split:
		case <-b.ctx.Done():
			return false
		}
	}
}

func (b *kgoBroker) queue(tp topicPartition) *partitionQueue {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.queues[tp]
}

// Receive returns the next record of a partition that isn't split.
func (b *kgoBroker) Receive(ctx context.Context) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	subscribed := b.client != nil
	b.mu.RUnlock()
	if !subscribed {
		return nil, errors.New("kafka: receive called before subscribe")
	}
	select {
	case b.demand <- struct{}{}:
	case d := <-b.shared:
		return d.msg, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBrokerClosed
	}
	select {
	case d := <-b.shared:
		return d.msg, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrBrokerClosed
	}
}

// SplitPartitionQueue moves the delivery of the records of the partition
// to the returned queue. It returns false if the broker is closed or the
// partition was already split.
func (b *kgoBroker) SplitPartitionQueue(topic string, partition int32) (PartitionQueue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return nil, false
	default:
	}
	tp := topicPartition{topic: topic, partition: partition}
	if _, ok := b.queues[tp]; ok {
		return nil, false
	}
	q := newPartitionQueue(b.done, b.queueSize, b.pollSize, fetchToggle(b.client, topic, partition))
	b.queues[tp] = q
	select {
	case b.split <- struct{}{}:
	default:
	}
	return q, true
}

// StoreOffset marks offset as processed. Marked offsets are committed
// periodically and when the partition is revoked. Offsets lower than an
// already stored one, and offsets of partitions no longer assigned, are
// ignored.
func (b *kgoBroker) StoreOffset(topic string, partition int32, offset int64) error {
	select {
	case <-b.done:
		return ErrBrokerClosed
	default:
	}
	tp := topicPartition{topic: topic, partition: partition}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return errors.New("kafka: store offset called before subscribe")
	}
	if _, ok := b.assigned[tp]; !ok {
		return nil
	}
	next := offset + 1
	if stored, ok := b.stored[tp]; ok && next <= stored {
		return nil
	}
	b.stored[tp] = next
	b.client.MarkCommitOffsets(map[string]map[int32]kgo.EpochOffset{
		topic: {partition: {Epoch: -1, Offset: next}},
	})
	return nil
}

// Close stops fetching, commits the stored offsets and leaves the group.
func (b *kgoBroker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.cancel()
		close(b.done)
		client := b.client
		b.mu.Unlock()
		if client == nil {
			return
		}
		<-b.pumpDone
		ctx, cancel := context.WithTimeout(context.Background(), closeCommitTimeout)
		defer cancel()
		if err := client.CommitMarkedOffsets(ctx); err != nil {
			b.closeErr = &BrokerError{Op: "commit", Err: err}
		}
		client.Close()
	})
	return b.closeErr
}

// fetchToggle returns a function pausing or resuming the fetches of a
// single partition.
func fetchToggle(client *kgo.Client, topic string, partition int32) func(pause bool) {
	return func(pause bool) {
		if client == nil {
			return
		}
		tp := map[string][]int32{topic: {partition}}
		if pause {
			client.PauseFetchPartitions(tp)
		} else {
			client.ResumeFetchPartitions(tp)
		}
	}
}

func newMessage(r *kgo.Record) *Message {
	ts := r.Timestamp
	if ts.UnixMilli() < 0 {
		ts = time.Time{}
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: ts,
		Context:   r.Context,
	}
}

// partitionQueue buffers the records of a split partition. Pushing never
// blocks so a slow or stopped worker doesn't hold back other partitions.
// Instead the partition stops being fetched once the buffer may not hold
// another poll, and is fetched again when at most half of it is used and a
// whole poll fits. Records
// already fetched for a paused partition are fetched again on resume.
type partitionQueue struct {
	mu      sync.Mutex
	buf     []delivery
	paused  bool
	stopped bool
	// pauseAt is the buffer length pausing the partition, the records of
	// the poll in progress still fit below size. resumeAt stays below
	// pauseAt so that a whole poll fits after resuming.
	pauseAt  int
	resumeAt int
	toggle   func(pause bool)

	notify chan struct{}
	done   <-chan struct{}
}

func newPartitionQueue(done <-chan struct{}, size, pollSize int, toggle func(pause bool)) *partitionQueue {
	pauseAt := max(size-pollSize+1, 1)
	return &partitionQueue{
		pauseAt:  pauseAt,
		resumeAt: min(size/2, pauseAt-1),
		toggle:   toggle,
		notify:   make(chan struct{}, 1),
		done:     done,
	}
}

func (q *partitionQueue) push(d delivery) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, d)
	if !q.paused && len(q.buf) >= q.pauseAt {
		q.paused = true
		q.toggle(true)
	}
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// clear drops the buffered records of a revoked partition.
func (q *partitionQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = nil
	if q.paused && !q.stopped {
		q.paused = false
		q.toggle(false)
	}
}

func (q *partitionQueue) pop() (delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return delivery{}, false
	}
	d := q.buf[0]
	q.buf[0] = delivery{}
	q.buf = q.buf[1:]
	if q.paused && !q.stopped && len(q.buf) <= q.resumeAt {
		q.paused = false
		q.toggle(false)
	}
	return d, true
}

func (q *partitionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stop drops the buffered records and pauses the partition.
func (q *partitionQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.buf = nil
	if !q.paused {
		q.paused = true
		q.toggle(true)
	}
}

// Receive blocks until a record of the partition is available.
func (q *partitionQueue) Receive(ctx context.Context) (*Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d, ok := q.pop(); ok {
			return d.msg, d.err
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrBrokerClosed
		}
	}
}
