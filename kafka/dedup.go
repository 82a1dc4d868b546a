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
	ingress "github.com/elastic/kafka-ingress"
)

func generateDeduplicationID(consumerGroup, topic string, partition int32) ingress.DeduplicationID {
	return ingress.DeduplicationID{
		ConsumerGroup: consumerGroup,
		Topic:         topic,
		Partition:     partition,
	}
}

// generateDeduplicationIndex returns the sequence number of a message
// within its deduplication id.
func generateDeduplicationIndex(offset int64) uint64 {
	return uint64(offset)
}

// DeduplicationRequiresProxying reports whether events produced for sub
// must be deduplicated by the ingress proxy. Virtual object and workflow
// targets are deduplicated by their key, plain services are not.
func DeduplicationRequiresProxying(sub ingress.Subscription) bool {
	switch sub.Sink.Kind {
	case ingress.SinkKindService:
		return sub.Sink.ServiceType == ingress.ServiceTypeService
	case ingress.SinkKindInvocation:
		return sub.Sink.Target == ingress.TargetKindService
	}
	return false
}
