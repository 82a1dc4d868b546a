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
	"strings"

	"github.com/google/uuid"
)

const subscriptionIDPrefix = "sub_"

// SinkKind defines the type of sink the subscription delivers events to.
type SinkKind uint8

const (
	_ SinkKind = iota
	// SinkKindService is the legacy service sink, addressing the handler of
	// an event receiver service.
	SinkKindService
	// SinkKindInvocation addresses an invocation target template.
	SinkKindInvocation
)

func (k SinkKind) String() string {
	switch k {
	case SinkKindService:
		return "service"
	case SinkKindInvocation:
		return "invocation"
	default:
		return ""
	}
}

// ServiceType is the receiver type of a SinkKindService sink.
type ServiceType uint8

const (
	// ServiceTypeService is a stateless service receiver.
	ServiceTypeService ServiceType = iota
	// ServiceTypeVirtualObject is a keyed service receiver.
	ServiceTypeVirtualObject
)

// TargetKind is the kind of service addressed by an invocation target.
type TargetKind uint8

const (
	// TargetKindService addresses a stateless service.
	TargetKindService TargetKind = iota
	// TargetKindVirtualObject addresses a virtual object, keyed by the
	// record key.
	TargetKindVirtualObject
	// TargetKindWorkflow addresses a workflow, keyed by the record key.
	TargetKindWorkflow
)

func (k TargetKind) String() string {
	switch k {
	case TargetKindService:
		return "service"
	case TargetKindVirtualObject:
		return "virtual_object"
	case TargetKindWorkflow:
		return "workflow"
	default:
		return ""
	}
}

// ErrUnsupportedTargetKind is returned when the target kind is unknown.
var ErrUnsupportedTargetKind = errors.New("invalid target kind")

// ParseTargetKind returns the target kind.
func ParseTargetKind(s string) (TargetKind, error) {
	switch strings.ToLower(s) {
	case "service", "":
		return TargetKindService, nil
	case "virtual_object", "object":
		return TargetKindVirtualObject, nil
	case "workflow":
		return TargetKindWorkflow, nil
	default:
		return 0, ErrUnsupportedTargetKind
	}
}

// Sink is the destination of the events of a subscription.
type Sink struct {
	Kind SinkKind
	// Service is the name of the service receiving the events.
	Service string
	// Handler is the handler invoked for every event.
	Handler string
	// ServiceType is only used by SinkKindService sinks.
	ServiceType ServiceType
	// Target is only used by SinkKindInvocation sinks.
	Target TargetKind
}

// String returns the sink as a service URI, for example
// "service://counter/add".
func (s Sink) String() string {
	return fmt.Sprintf("service://%s/%s", s.Service, s.Handler)
}

// TargetKind returns the kind of service the sink addresses.
func (s Sink) TargetKind() TargetKind {
	if s.Kind == SinkKindService {
		if s.ServiceType == ServiceTypeVirtualObject {
			return TargetKindVirtualObject
		}
		return TargetKindService
	}
	return s.Target
}

// Subscription binds a Kafka source to a Sink.
type Subscription struct {
	// ID uniquely identifies the subscription.
	ID string
	// Source is the URI of the source, for example "kafka://cluster/topic".
	Source string
	Sink   Sink
	// Metadata holds free form subscription options.
	Metadata map[string]string
}

// NewSubscriptionID returns a new random subscription identifier.
func NewSubscriptionID() string {
	return subscriptionIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Validate ensures the subscription is valid, otherwise, returns an error.
func (s Subscription) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("ingress: subscription id must be set"))
	}
	if s.Sink.Kind != SinkKindService && s.Sink.Kind != SinkKindInvocation {
		errs = append(errs, errors.New("ingress: subscription sink kind must be set"))
	}
	if s.Sink.Service == "" {
		errs = append(errs, errors.New("ingress: subscription sink service must be set"))
	}
	if s.Sink.Handler == "" {
		errs = append(errs, errors.New("ingress: subscription sink handler must be set"))
	}
	return errors.Join(errs...)
}
