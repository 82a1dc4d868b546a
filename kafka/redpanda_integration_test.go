//go:build integration

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

const redpandaImage = "docker.redpanda.com/redpandadata/redpanda:v23.3.8"

// newRedpanda starts a single node redpanda container with the topic
// created and returns its seed broker.
func newRedpanda(t *testing.T, partitions int32, topic string) []string {
	t.Helper()
	ctx := context.Background()
	rp, err := redpanda.Run(ctx, redpandaImage)
	require.NoError(t, err)
	t.Cleanup(func() { tc.TerminateContainer(rp) })

	seed, err := rp.KafkaSeedBroker(ctx)
	require.NoError(t, err)
	addrs := []string{seed}

	client, err := kgo.NewClient(kgo.SeedBrokers(addrs...))
	require.NoError(t, err)
	defer client.Close()
	_, err = kadm.NewClient(client).CreateTopic(ctx, partitions, 1, nil, topic)
	require.NoError(t, err)
	return addrs
}

func TestServiceRedpanda(t *testing.T) {
	const partitions = 3
	const perPartition = 10
	addrs := newRedpanda(t, partitions, "orders")
	producer := newManualProducer(t, addrs)
	ctx := context.Background()
	for p := int32(0); p < partitions; p++ {
		for i := 0; i < perPartition; i++ {
			produceRecord(ctx, t, producer, &kgo.Record{
				Topic:     "orders",
				Partition: p,
				Key:       []byte(fmt.Sprintf("user-%d", i)),
				Value:     []byte("v"),
			})
		}
	}

	props := testClientConfig(addrs)
	delete(props, "group.id")
	d := &recordingDispatcher{}
	s, err := NewService(ServiceConfig{
		CommonConfig: CommonConfig{Logger: zapTest(t)},
		Clusters:     map[string]ClientConfig{"my-cluster": props},
		Dispatcher:   d,
	})
	require.NoError(t, err)
	require.NoError(t, s.StartSubscription(testSubscription(objectSink)))

	require.Eventually(t, func() bool {
		return len(d.Events()) == partitions*perPartition
	}, time.Minute, 50*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, s.Close(closeCtx))

	client, err := kgo.NewClient(kgo.SeedBrokers(addrs...))
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, map[int32]int64{0: perPartition, 1: perPartition, 2: perPartition},
		getCommittedOffsets(ctx, t, kadm.NewClient(client), "sub_1", "orders"),
	)
}
