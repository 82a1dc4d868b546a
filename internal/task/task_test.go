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

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/kafka-ingress/metrictest"
)

func newCenter(t testing.TB, logger *zap.Logger) (*Center, metrictest.TestMetric) {
	t.Helper()
	tm := metrictest.New()
	c, err := NewCenter(logger, tm.MeterProvider)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, c.Shutdown(ctx))
	})
	return c, tm
}

func waitDone(t testing.TB, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task to finish")
	}
}

func TestNewCenter(t *testing.T) {
	_, err := NewCenter(nil, metrictest.New().MeterProvider)
	assert.Error(t, err)
	_, err = NewCenter(zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestCenterCancel(t *testing.T) {
	c, tm := newCenter(t, zaptest.NewLogger(t))

	started := make(chan struct{})
	id, err := c.Spawn(KindPartitionQueue, "orders-0", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)
	waitDone(t, started)
	assert.Equal(t, 1, c.Running())

	c.Cancel(id)
	waitDone(t, c.Done(id))
	assert.Eventually(t, func() bool { return c.Running() == 0 }, time.Second, time.Millisecond)

	// Cancelling a finished task is a no-op.
	c.Cancel(id)
	c.Cancel(ID(42))

	failed, err := tm.Int64Sums(context.Background(), taskFailedCounterKey)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestCenterFailedTask(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	c, tm := newCenter(t, zap.New(core))

	id, err := c.Spawn(KindPartitionQueue, "orders-0", func(context.Context) error {
		return errors.New("busted")
	})
	require.NoError(t, err)
	waitDone(t, c.Done(id))

	panicked, err := c.Spawn(KindConsumer, "sub_1", func(context.Context) error {
		panic("boom")
	})
	require.NoError(t, err)
	waitDone(t, c.Done(panicked))

	entries := logs.FilterMessage("task failed").AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "busted", entries[0].ContextMap()["error"])
	assert.Equal(t, "partition-queue", entries[0].ContextMap()["task.kind"])
	assert.Contains(t, entries[1].ContextMap()["error"], "boom")

	failed, err := tm.Int64Sums(context.Background(), taskFailedCounterKey)
	require.NoError(t, err)
	assert.Equal(t, metrictest.Dimension{
		{K: "task.kind", V: "partition-queue"}: 1,
		{K: "task.kind", V: "kafka-consumer"}:  1,
	}, failed)
}

func TestCenterShutdown(t *testing.T) {
	c, _ := newCenter(t, zaptest.NewLogger(t))

	var stopped []ID
	for i := 0; i < 3; i++ {
		id, err := c.Spawn(KindPartitionQueue, "p", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		require.NoError(t, err)
		stopped = append(stopped, id)
	}
	require.NoError(t, c.Shutdown(context.Background()))
	for _, id := range stopped {
		waitDone(t, c.Done(id))
	}

	_, err := c.Spawn(KindPartitionQueue, "p", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCenterShutdownTimeout(t *testing.T) {
	c, _ := newCenter(t, zaptest.NewLogger(t))
	release := make(chan struct{})
	_, err := c.Spawn(KindConsumer, "stuck", func(context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
