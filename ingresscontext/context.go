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

// Package ingresscontext carries ingress event metadata through a
// context.Context.
package ingresscontext

import (
	"context"

	ingress "github.com/elastic/kafka-ingress"
)

type headersKey struct{}

// WithHeaders returns a copy of ctx carrying the headers of an event.
func WithHeaders(ctx context.Context, headers []ingress.Header) context.Context {
	return context.WithValue(ctx, headersKey{}, headers)
}

// HeadersFromContext returns the event headers stored in ctx and whether
// they were present.
func HeadersFromContext(ctx context.Context) ([]ingress.Header, bool) {
	headers, ok := ctx.Value(headersKey{}).([]ingress.Header)
	return headers, ok
}

// Header returns the value of the named header stored in ctx, if any.
func Header(ctx context.Context, name string) (string, bool) {
	headers, _ := HeadersFromContext(ctx)
	for _, h := range headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// DetachedContext returns a context which is never cancelled and has no
// deadline, but still resolves the values of ctx.
//
// Dispatching an event which was already received uses a detached context,
// so stopping the consumer never abandons it halfway.
func DetachedContext(ctx context.Context) context.Context {
	return detachedContext{Context: context.Background(), orig: ctx}
}

type detachedContext struct {
	context.Context
	orig context.Context
}

func (c detachedContext) Value(key any) any {
	return c.orig.Value(key)
}
