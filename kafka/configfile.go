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
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileConfig is the layout of the kafka config file:
//
//	bootstrap:
//	  servers: broker-1:9092,broker-2:9092
//	sasl:
//	  mechanism: PLAIN
//	  username: user
//	  password: secret
type fileConfig struct {
	Bootstrap struct {
		Servers string `yaml:"servers"`
	} `yaml:"bootstrap"`
	SASL saslConfigProperties `yaml:"sasl"`
}

func (c fileConfig) brokers() []string {
	if c.Bootstrap.Servers == "" {
		return nil
	}
	return strings.Split(c.Bootstrap.Servers, ",")
}

func readFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("error reading kafka config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error parsing kafka config file %q: %w", path, err)
	}
	if err := cfg.SASL.finalize(); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

// configFileHook re-reads the config file whenever a broker connection
// fails and updates the client's seed brokers if they changed.
type configFileHook struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	client   *kgo.Client
	servers  string
	lastAuth plain.Auth
}

// newConfigFileHook returns the hook for path along with the seed brokers
// and SASL mechanism configured in the file. Either may be empty.
func newConfigFileHook(path string, logger *zap.Logger) (*configFileHook, []string, sasl.Mechanism, error) {
	cfg, err := readFileConfig(path)
	if err != nil {
		return nil, nil, nil, err
	}
	h := &configFileHook{
		path:    path,
		logger:  logger,
		servers: cfg.Bootstrap.Servers,
	}
	var mech sasl.Mechanism
	switch cfg.SASL.Mechanism {
	case saslPlain:
		mech = plain.Plain(h.plainAuth)
	case saslAWSMSKIAM:
		if mech, err = newAWSMSKIAMSASL(); err != nil {
			return nil, nil, nil, fmt.Errorf("kafka: error configuring SASL/AWS_MSK_IAM: %w", err)
		}
	}
	return h, cfg.brokers(), mech, nil
}

// plainAuth reads the SASL/PLAIN credentials from the file on every
// authentication attempt.
func (h *configFileHook) plainAuth(context.Context) (plain.Auth, error) {
	cfg, err := readFileConfig(h.path)
	if err != nil {
		return plain.Auth{}, fmt.Errorf("failed to reload kafka config: %w", err)
	}
	auth := plain.Auth{User: cfg.SASL.Username, Pass: cfg.SASL.Password}
	h.mu.Lock()
	defer h.mu.Unlock()
	if auth != h.lastAuth {
		h.lastAuth = auth
		h.logger.Info(
			"updated SASL/PLAIN credentials from kafka config file",
			zap.String("username", auth.User),
		)
	}
	return auth, nil
}

// OnNewClient implements kgo.HookNewClient.
func (h *configFileHook) OnNewClient(client *kgo.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.client = client
}

// OnBrokerConnect implements kgo.HookBrokerConnect.
func (h *configFileHook) OnBrokerConnect(_ kgo.BrokerMetadata, _ time.Duration, _ net.Conn, err error) {
	if err == nil {
		return
	}
	h.logger.Debug("kafka broker connection failed, reloading kafka config")
	cfg, err := readFileConfig(h.path)
	if err != nil {
		h.logger.Warn("failed to reload kafka config", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.client == nil || cfg.Bootstrap.Servers == h.servers {
		return
	}
	brokers := cfg.brokers()
	if err := h.client.UpdateSeedBrokers(brokers...); err != nil {
		h.logger.Warn("error updating kafka seed brokers",
			zap.Strings("addresses", brokers), zap.Error(err),
		)
		return
	}
	h.logger.Info("updated kafka seed brokers", zap.Strings("addresses", brokers))
	h.servers = cfg.Bootstrap.Servers
}
