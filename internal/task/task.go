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

// Package task supervises the goroutines of the ingress. Every task gets an
// ID which can be used to cancel it. Tasks which fail are logged and counted,
// their errors never propagate to the task which spawned them.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	instrumentName = "github.com/elastic/kafka-ingress/internal/task"

	taskFailedCounterKey = "task.failed"
)

// ErrShuttingDown is returned by Spawn once Shutdown has been called.
var ErrShuttingDown = errors.New("task: center is shutting down")

// Kind classifies tasks.
type Kind string

const (
	// KindConsumer is a consumer task running the main receive loop of a
	// subscription.
	KindConsumer Kind = "kafka-consumer"
	// KindPartitionQueue consumes a single split partition queue.
	KindPartitionQueue Kind = "partition-queue"
)

// ID identifies a spawned task.
type ID uint64

// Func is the function run by a task. The context is cancelled when the task
// is cancelled or the center shuts down.
type Func func(ctx context.Context) error

// Center spawns, cancels and waits for tasks.
type Center struct {
	logger *zap.Logger
	failed metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	lastID   ID
	running  map[ID]*handle
	shutdown bool
	g        errgroup.Group
}

type handle struct {
	kind   Kind
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCenter returns a new task center.
func NewCenter(logger *zap.Logger, mp metric.MeterProvider) (*Center, error) {
	if logger == nil {
		return nil, errors.New("task: logger must be set")
	}
	if mp == nil {
		return nil, errors.New("task: meter provider must be set")
	}
	failed, err := mp.Meter(instrumentName).Int64Counter(taskFailedCounterKey,
		metric.WithDescription("The number of tasks which returned an error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("task: cannot create %s metric: %w", taskFailedCounterKey, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		logger:  logger,
		failed:  failed,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[ID]*handle),
	}, nil
}

// Spawn runs fn in a new goroutine and returns the ID of the task.
func (c *Center) Spawn(kind Kind, name string, fn Func) (ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return 0, ErrShuttingDown
	}
	c.lastID++
	id := c.lastID
	ctx, cancel := context.WithCancel(c.ctx)
	h := &handle{kind: kind, name: name, cancel: cancel, done: make(chan struct{})}
	c.running[id] = h
	c.g.Go(func() error {
		defer close(h.done)
		defer c.remove(id)
		defer cancel()
		c.report(id, h, c.run(ctx, fn))
		return nil
	})
	return id, nil
}

func (c *Center) run(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (c *Center) report(id ID, h *handle, err error) {
	logger := c.logger.With(
		zap.Uint64("task.id", uint64(id)),
		zap.String("task.kind", string(h.kind)),
		zap.String("task.name", h.name),
	)
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Debug("task finished")
		return
	}
	logger.Error("task failed", zap.Error(err))
	c.failed.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("task.kind", string(h.kind)),
	))
}

func (c *Center) remove(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

// Cancel requests the task to stop. It doesn't wait for the task to finish.
// Cancelling an unknown or finished task is a no-op.
func (c *Center) Cancel(id ID) {
	c.mu.Lock()
	h, ok := c.running[id]
	c.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Done returns a channel which is closed once the task has finished. The
// returned channel is already closed for unknown or finished tasks.
func (c *Center) Done(id ID) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.running[id]; ok {
		return h.done
	}
	done := make(chan struct{})
	close(done)
	return done
}

// Running returns the number of running tasks.
func (c *Center) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Shutdown cancels all the tasks, refuses new ones and waits until all the
// tasks have finished or ctx is done.
func (c *Center) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	c.cancel()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		c.g.Wait()
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task: %d tasks still running: %w", c.Running(), ctx.Err())
	}
}
