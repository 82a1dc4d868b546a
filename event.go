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

package ingress

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// DeduplicationID identifies a single consumption stream: a partition of a
// topic read by a consumer group. It is comparable and can be used as a map
// key.
type DeduplicationID struct {
	ConsumerGroup string
	Topic         string
	Partition     int32
}

func (id DeduplicationID) String() string {
	return fmt.Sprintf("%s-%s-%d", id.ConsumerGroup, id.Topic, id.Partition)
}

// Target is the invocation target derived from a subscription sink.
type Target struct {
	Kind    TargetKind
	Service string
	Handler string
	// Key is only set for keyed targets.
	Key string
}

// Event is the normalized representation of a consumed Kafka record.
type Event struct {
	SubscriptionID string
	Target         Target
	// Key holds the raw record key.
	Key     []byte
	Payload []byte
	Headers []Header

	SpanRelation SpanRelation

	DeduplicationID    DeduplicationID
	DeduplicationIndex uint64
	// ProxyDeduplication is set when the deduplication id must be applied
	// by a single routing point instead of the partition owning the target.
	ProxyDeduplication bool

	// IngressNext enables the experimental ingress processing path.
	IngressNext bool
}

// NewEvent builds the event for a record consumed by sub. It returns an error
// when no invocation target can be derived for the record.
func NewEvent(
	sub Subscription,
	key, payload []byte,
	relation SpanRelation,
	id DeduplicationID,
	index uint64,
	headers []Header,
	ingressNext bool,
) (Event, error) {
	target, err := newTarget(sub.Sink, key)
	if err != nil {
		return Event{}, err
	}
	return Event{
		SubscriptionID:     sub.ID,
		Target:             target,
		Key:                key,
		Payload:            payload,
		Headers:            headers,
		SpanRelation:       relation,
		DeduplicationID:    id,
		DeduplicationIndex: index,
		IngressNext:        ingressNext,
	}, nil
}

func newTarget(sink Sink, key []byte) (Target, error) {
	if sink.Service == "" || sink.Handler == "" {
		return Target{}, fmt.Errorf("invalid sink %q: service and handler must be set", sink)
	}
	target := Target{
		Kind:    sink.TargetKind(),
		Service: sink.Service,
		Handler: sink.Handler,
	}
	switch target.Kind {
	case TargetKindService:
	case TargetKindVirtualObject, TargetKindWorkflow:
		if len(key) == 0 {
			return Target{}, errors.New("the record key is required to invoke a keyed target")
		}
		if !utf8.Valid(key) {
			return Target{}, errors.New("the record key must be valid UTF-8 to invoke a keyed target")
		}
		target.Key = string(key)
	default:
		return Target{}, fmt.Errorf("unsupported target kind %d", target.Kind)
	}
	return target, nil
}
