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

package dispatcher

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	ingress "github.com/elastic/kafka-ingress"
)

// Dedup forwards events to the next Dispatcher, dropping the events which
// require proxied deduplication and whose deduplication index is not
// greater than the last one forwarded for the same deduplication id.
type Dedup struct {
	next   ingress.Dispatcher
	logger *zap.Logger

	mu   sync.Mutex
	last map[ingress.DeduplicationID]uint64
}

// NewDedup returns a new Dedup dispatcher.
func NewDedup(next ingress.Dispatcher, logger *zap.Logger) (*Dedup, error) {
	var errs []error
	if next == nil {
		errs = append(errs, errors.New("dispatcher: next dispatcher must be set"))
	}
	if logger == nil {
		errs = append(errs, errors.New("dispatcher: logger must be set"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Dedup{
		next:   next,
		logger: logger,
		last:   make(map[ingress.DeduplicationID]uint64),
	}, nil
}

// Dispatch implements ingress.Dispatcher. Events of the same
// deduplication id are expected to be dispatched sequentially.
func (d *Dedup) Dispatch(ctx context.Context, event ingress.Event) error {
	if !event.ProxyDeduplication {
		return d.next.Dispatch(ctx, event)
	}
	d.mu.Lock()
	last, seen := d.last[event.DeduplicationID]
	d.mu.Unlock()
	if seen && event.DeduplicationIndex <= last {
		fields := []zap.Field{
			zap.Stringer("deduplication.id", event.DeduplicationID),
			zap.Uint64("deduplication.index", event.DeduplicationIndex),
			zap.Uint64("deduplication.last_index", last),
		}
		// A lower index was overtaken by a later one and is lost, unlike a
		// redelivered one.
		if event.DeduplicationIndex < last {
			d.logger.Warn("dropping event overtaken by a later one", fields...)
		} else {
			d.logger.Debug("dropping duplicate event", fields...)
		}
		return nil
	}
	if err := d.next.Dispatch(ctx, event); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.last[event.DeduplicationID]; !ok || event.DeduplicationIndex > cur {
		d.last[event.DeduplicationID] = event.DeduplicationIndex
	}
	return nil
}
