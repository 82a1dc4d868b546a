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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	ingress "github.com/elastic/kafka-ingress"
)

type consumerTaskBench struct {
	partitions int
	records    int
}

func BenchmarkConsumerTask(b *testing.B) {
	for _, cfg := range []consumerTaskBench{
		{partitions: 1, records: 1},
		{partitions: 10, records: 1},
		{partitions: 1, records: 50},
		{partitions: 10, records: 50},
		{partitions: 50, records: 10},
	} {
		name := fmt.Sprintf("%d partition %d records", cfg.partitions, cfg.records)
		b.Run(name, func(b *testing.B) {
			benchmarkConsumerTask(b, cfg)
		})
	}
}

func benchmarkConsumerTask(b *testing.B, bCfg consumerTaskBench) {
	addrs := newClusterAddrWithTopics(b, int32(bCfg.partitions), "orders")
	producer := newManualProducer(b, addrs)

	var dispatched atomic.Int64
	sender, err := NewMessageSender(MessageSenderConfig{
		Subscription: testSubscription(serviceSink),
		Dispatcher: ingress.DispatcherFunc(func(context.Context, ingress.Event) error {
			dispatched.Add(1)
			return nil
		}),
		Logger: zap.NewNop(),
	})
	require.NoError(b, err)
	props := testClientConfig(addrs)
	props["group.id"] = b.Name()
	ct, err := NewConsumerTask(ConsumerTaskConfig{
		CommonConfig: CommonConfig{Logger: zap.NewNop(), DisableTelemetry: true},
		Client:       props,
		Topics:       []string{"orders"},
		Sender:       sender,
	})
	require.NoError(b, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- ct.Run(ctx) }()

	records := make([]*kgo.Record, 0, bCfg.partitions*bCfg.records)
	for i := 0; i < bCfg.records; i++ {
		for p := 0; p < bCfg.partitions; p++ {
			records = append(records, &kgo.Record{
				Topic:     "orders",
				Partition: int32(p),
				Value:     []byte("random string of bytes produced to the kafka queue"),
			})
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		require.NoError(b, producer.ProduceSync(ctx, records...).FirstErr())
	}
	want := int64(b.N * len(records))
	for dispatched.Load() < want && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	b.StopTimer()
	cancel()
	assert.NoError(b, <-result)
	b.ReportMetric(float64(dispatched.Load())/b.Elapsed().Seconds(), "dispatched/s")
}
