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

// Package dispatcher provides in-process ingress.Dispatcher implementations.
package dispatcher

import (
	"context"
	"sync"

	ingress "github.com/elastic/kafka-ingress"
)

// Channel is a bounded in-process dispatcher. Dispatch blocks while the
// buffer is full, applying backpressure to the consumers.
type Channel struct {
	events    chan ingress.Event
	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel returns a Channel buffering up to size events.
func NewChannel(size int) *Channel {
	if size < 0 {
		size = 0
	}
	return &Channel{
		events: make(chan ingress.Event, size),
		closed: make(chan struct{}),
	}
}

// Dispatch blocks until the event is buffered, the channel is closed or
// ctx is done. Once closed it returns ingress.ErrDispatcherClosed.
func (c *Channel) Dispatch(ctx context.Context, event ingress.Event) error {
	select {
	case <-c.closed:
		return ingress.ErrDispatcherClosed
	default:
	}
	select {
	case c.events <- event:
		return nil
	case <-c.closed:
		return ingress.ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the dispatched events. The channel is never closed, use
// Done to stop reading.
func (c *Channel) Events() <-chan ingress.Event {
	return c.events
}

// Done is closed when the Channel is closed.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Close rejects any further event. Buffered events can still be read.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
