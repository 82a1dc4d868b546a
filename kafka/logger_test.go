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
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHookLogsFailedDial(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	core, logs := observer.New(zap.ErrorLevel)
	cfg := CommonConfig{
		Brokers:          cluster.ListenAddrs(),
		Logger:           zap.New(core),
		DisableTelemetry: true,
	}
	// Simulate returning an error when dialing the broker.
	const errorMsg = "busted"
	cfg.Dialer = func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New(errorMsg)
	}
	require.NoError(t, cfg.finalize())

	// Calling newClient triggers the metadata refresh, forcing a connection to the fake cluster
	// using the broken dialer.
	c, err := cfg.newClient()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	assert.Error(t, c.Ping(context.Background()))

	observedLogs := logs.FilterMessage("failed to connect to broker").TakeAll()
	require.NotEmpty(t, observedLogs)

	// The error message should contain the error message from the dialer.
	assert.EqualValues(t, errorMsg, observedLogs[0].ContextMap()["error"])
	assert.Contains(t, observedLogs[0].ContextMap(), "event.duration")
}

func TestHookLogsGroupManageError(t *testing.T) {
	testCases := map[string]struct {
		err  error
		logs int
	}{
		"canceled": {err: context.Canceled},
		"failure":  {err: errors.New("heartbeat failed"), logs: 1},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			h := &loggerHook{logger: zap.New(core)}
			h.OnGroupManageError(tc.err)
			assert.Equal(t, tc.logs, logs.FilterMessage("consumer group management failed").Len())
		})
	}
}
