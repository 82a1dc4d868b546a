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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	ingress "github.com/elastic/kafka-ingress"
)

type recorder struct {
	events []ingress.Event
	err    error
}

func (r *recorder) Dispatch(_ context.Context, e ingress.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func indexes(events []ingress.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, e := range events {
		out = append(out, e.DeduplicationIndex)
	}
	return out
}

func TestNewDedup(t *testing.T) {
	_, err := NewDedup(nil, nil)
	assert.EqualError(t, err, "dispatcher: next dispatcher must be set\ndispatcher: logger must be set")
}

func TestDedup(t *testing.T) {
	idA := ingress.DeduplicationID{ConsumerGroup: "g", Topic: "t", Partition: 0}
	idB := ingress.DeduplicationID{ConsumerGroup: "g", Topic: "t", Partition: 1}
	testCases := map[string]struct {
		events []ingress.Event
		want   []uint64
	}{
		"increasing": {
			events: []ingress.Event{
				{DeduplicationID: idA, DeduplicationIndex: 0, ProxyDeduplication: true},
				{DeduplicationID: idA, DeduplicationIndex: 1, ProxyDeduplication: true},
			},
			want: []uint64{0, 1},
		},
		"redelivered": {
			events: []ingress.Event{
				{DeduplicationID: idA, DeduplicationIndex: 4, ProxyDeduplication: true},
				{DeduplicationID: idA, DeduplicationIndex: 5, ProxyDeduplication: true},
				{DeduplicationID: idA, DeduplicationIndex: 5, ProxyDeduplication: true},
				{DeduplicationID: idA, DeduplicationIndex: 3, ProxyDeduplication: true},
				{DeduplicationID: idA, DeduplicationIndex: 6, ProxyDeduplication: true},
			},
			want: []uint64{4, 5, 6},
		},
		"independent ids": {
			events: []ingress.Event{
				{DeduplicationID: idA, DeduplicationIndex: 7, ProxyDeduplication: true},
				{DeduplicationID: idB, DeduplicationIndex: 2, ProxyDeduplication: true},
			},
			want: []uint64{7, 2},
		},
		"not proxied": {
			events: []ingress.Event{
				{DeduplicationID: idA, DeduplicationIndex: 1},
				{DeduplicationID: idA, DeduplicationIndex: 1},
			},
			want: []uint64{1, 1},
		},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			next := &recorder{}
			d, err := NewDedup(next, zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel)))
			require.NoError(t, err)
			for _, e := range tc.events {
				require.NoError(t, d.Dispatch(context.Background(), e))
			}
			assert.Equal(t, tc.want, indexes(next.events))
		})
	}
}

func TestDedupFailedDispatchNotRecorded(t *testing.T) {
	next := &recorder{err: errors.New("boom")}
	d, err := NewDedup(next, zap.NewNop())
	require.NoError(t, err)
	event := ingress.Event{DeduplicationIndex: 1, ProxyDeduplication: true}

	assert.EqualError(t, d.Dispatch(context.Background(), event), "boom")
	next.err = nil
	require.NoError(t, d.Dispatch(context.Background(), event))
	assert.Equal(t, []uint64{1}, indexes(next.events))
}

func TestDedupLogsDroppedEvents(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	d, err := NewDedup(&recorder{}, zap.New(core))
	require.NoError(t, err)
	id := ingress.DeduplicationID{ConsumerGroup: "g", Topic: "t", Partition: 0}
	for _, index := range []uint64{5, 5, 4} {
		require.NoError(t, d.Dispatch(context.Background(), ingress.Event{
			DeduplicationID:    id,
			DeduplicationIndex: index,
			ProxyDeduplication: true,
		}))
	}

	duplicate := logs.FilterMessage("dropping duplicate event").All()
	require.Len(t, duplicate, 1)
	assert.Equal(t, zap.DebugLevel, duplicate[0].Level)
	overtaken := logs.FilterMessage("dropping event overtaken by a later one").All()
	require.Len(t, overtaken, 1)
	assert.Equal(t, zap.WarnLevel, overtaken[0].Level)
	assert.Equal(t, uint64(4), overtaken[0].ContextMap()["deduplication.index"])
}
