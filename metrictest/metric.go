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

// Package metrictest provides helpers for metric testing.
package metrictest

import (
	"context"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// TestMetric holds a manual reader and the meter provider reading from it.
type TestMetric struct {
	Reader        sdkmetric.Reader
	MeterProvider *sdkmetric.MeterProvider
}

// New creates a manual reader with cumulative temporality and a meter
// provider using it.
func New() (tm TestMetric) {
	tm.Reader = sdkmetric.NewManualReader()
	tm.MeterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(tm.Reader))
	return
}

// Collect returns the metrics from the reader.
func (tm TestMetric) Collect(ctx context.Context) (
	rm metricdata.ResourceMetrics, err error,
) {
	err = tm.Reader.Collect(ctx, &rm)
	return
}

// KV holds the key and value of an attribute.
type KV struct{ K, V string }

// Dimension maps a single attribute to the sum of the data points carrying
// it. Data points without attributes are summed under the zero KV.
type Dimension map[KV]int64

// Int64Sums collects the reader and returns the int64 sums of the named
// metric grouped by attribute.
func (tm TestMetric) Int64Sums(ctx context.Context, name string) (Dimension, error) {
	rm, err := tm.Collect(ctx)
	if err != nil {
		return nil, err
	}
	observed := Dimension{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			data, ok := m.Data.(metricdata.Sum[int64])
			if !ok || m.Name != name {
				continue
			}
			for _, dp := range data.DataPoints {
				if dp.Attributes.Len() == 0 {
					observed[KV{}] += dp.Value
				}
				iter := dp.Attributes.Iter()
				for iter.Next() {
					attr := iter.Attribute()
					observed[KV{string(attr.Key), attr.Value.Emit()}] += dp.Value
				}
			}
		}
	}
	return observed, nil
}
