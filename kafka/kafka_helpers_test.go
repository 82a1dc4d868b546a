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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func produceRecord(ctx context.Context, t testing.TB, c *kgo.Client, r *kgo.Record) {
	t.Helper()
	results := c.ProduceSync(ctx, r)
	require.NoError(t, results.FirstErr())
	r, err := results.First()
	assert.NoError(t, err)
	assert.NotNil(t, r)
}

func zapTest(t testing.TB, opts ...zaptest.LoggerOption) *zap.Logger {
	t.Helper()
	if len(opts) == 0 {
		opts = append(opts, zaptest.Level(zap.InfoLevel))
	}
	return zaptest.NewLogger(t, opts...)
}

func newClusterAddrWithTopics(t testing.TB, partitions int32, topics ...string) []string {
	t.Helper()
	cluster, err := kfake.NewCluster(
		// Just one broker to simplify dealing with sharded requests.
		kfake.NumBrokers(1),
		kfake.SeedTopics(partitions, topics...),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster.ListenAddrs()
}

// getCommittedOffsets returns the committed offset of every partition of
// topic.
func getCommittedOffsets(ctx context.Context, t testing.TB,
	c *kadm.Client, group, topic string,
) map[int32]int64 {
	t.Helper()
	res, err := c.FetchOffsets(ctx, group)
	require.NoError(t, err)

	offsets := make(map[int32]int64)
	res.Offsets().Each(func(o kadm.Offset) {
		if o.Topic == topic {
			offsets[o.Partition] = o.At
		}
	})
	return offsets
}
