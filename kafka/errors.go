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
	"errors"
	"fmt"
)

// ErrBrokerClosed is returned by a Broker once Close was called.
var ErrBrokerClosed = errors.New("kafka: broker closed")

// BrokerError reports a failure of the underlying Kafka client.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("kafka: %s: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// EventError is returned when a message can't be turned into an ingress
// event. The offset of such a message is never stored.
type EventError struct {
	Topic     string
	Partition int32
	Offset    int64
	Cause     error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("error processing message topic %s partition %d offset %d: %v",
		e.Topic, e.Partition, e.Offset, e.Cause,
	)
}

func (e *EventError) Unwrap() error { return e.Cause }

// PartitionSplitError is returned when the broker refuses to give a
// partition its own queue.
type PartitionSplitError struct {
	Topic     string
	Partition int32
}

func (e *PartitionSplitError) Error() string {
	return fmt.Sprintf("topic %s partition %d queue split didn't succeed", e.Topic, e.Partition)
}
