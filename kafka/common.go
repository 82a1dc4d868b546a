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
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/plugin/kotel"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// SASLMechanism type alias to sasl.Mechanism
type SASLMechanism = sasl.Mechanism

// CommonConfig defines common configuration for Kafka consumer tasks and
// managers.
type CommonConfig struct {
	// Brokers is the list of kafka brokers used to seed the Kafka client.
	//
	// If Brokers is empty, the "bootstrap.servers" property of the config
	// file is used, followed by the $KAFKA_BROKERS environment variable
	// (comma separated).
	Brokers []string

	// ClientID to use when connecting to Kafka. This is used for logging
	// and client identification purposes.
	ClientID string

	// Version is the software version to use in the Kafka client. This is
	// useful since it shows up in Kafka metrics and logs.
	Version string

	// ConfigFile holds the path to a YAML file holding the kafka
	// "bootstrap.servers" and "sasl" properties. When set, the brokers are
	// reloaded from the file whenever connecting to a broker fails.
	//
	// Defaults to the $KAFKA_CONFIG_FILE environment variable.
	ConfigFile string

	// SASL configures the kgo.Client to use SASL authorization.
	//
	// If SASL is nil, it is loaded from the config file, followed by
	// $KAFKA_SASL_MECHANISM, $KAFKA_USERNAME and $KAFKA_PASSWORD.
	SASL SASLMechanism

	// TLS configures the kgo.Client to use TLS for authentication.
	// This option conflicts with Dialer. Only one can be used.
	//
	// If neither TLS nor Dialer are set, TLS is enabled unless
	// $KAFKA_PLAINTEXT is "true". $KAFKA_TLS_INSECURE,
	// $KAFKA_TLS_SERVER_NAME, $KAFKA_TLS_CA_CERT_PATH, $KAFKA_TLS_CERT_PATH
	// and $KAFKA_TLS_KEY_PATH tune the TLS configuration.
	TLS *tls.Config

	// Dialer uses fn to dial addresses, overriding the default dialer that uses a
	// 10s dial timeout and no TLS (unless TLS option is set).
	//
	// This option conflicts with TLS. Only one can be used.
	Dialer func(ctx context.Context, network, address string) (net.Conn, error)

	// Logger to use for any errors.
	Logger *zap.Logger

	// DisableTelemetry disables the OpenTelemetry hook.
	DisableTelemetry bool

	// TracerProvider allows specifying a custom otel tracer provider.
	// Defaults to the global one.
	TracerProvider trace.TracerProvider

	// MeterProvider allows specifying a custom otel meter provider.
	// Defaults to the global one.
	MeterProvider metric.MeterProvider

	// securityProtocol is the client "security.protocol" property. It
	// takes precedence over $KAFKA_PLAINTEXT.
	securityProtocol string

	hooks []kgo.Hook
}

// finalize ensures the configuration is valid, setting default values from
// environment variables as described in doc comments, returning an error if
// any configuration is invalid.
func (cfg *CommonConfig) finalize() error {
	var errs []error
	if cfg.Logger == nil {
		errs = append(errs, errors.New("kafka: logger must be set"))
		cfg.Logger = zap.NewNop()
	}
	env, err := loadEnvConfig(cfg.Logger, cfg.ConfigFile, cfg.securityProtocol)
	if err != nil {
		errs = append(errs, err)
	}
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = env.configFile
	}
	if cfg.ConfigFile != "" {
		hook, brokers, saslMech, err := newConfigFileHook(cfg.ConfigFile, cfg.Logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("kafka: error loading config file: %w", err))
		} else {
			cfg.hooks = append(cfg.hooks, hook)
			if len(cfg.Brokers) == 0 {
				cfg.Brokers = brokers
			}
			if cfg.SASL == nil {
				cfg.SASL = saslMech
			}
		}
	}
	if len(cfg.Brokers) == 0 {
		cfg.Brokers = env.brokers
	}
	if cfg.TLS == nil && cfg.Dialer == nil && !env.plainText {
		cfg.TLS = env.tls.Config
		cfg.Dialer = env.tls.Dialer
	}
	if cfg.SASL == nil {
		cfg.SASL = env.sasl
	}
	if len(cfg.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker must be set"))
	}
	if cfg.TLS != nil && cfg.Dialer != nil {
		errs = append(errs, errors.New("kafka: only one of TLS or Dialer can be set"))
	}
	cfg.hooks = append(cfg.hooks, &loggerHook{logger: cfg.Logger})
	return errors.Join(errs...)
}

func (cfg *CommonConfig) tracerProvider() trace.TracerProvider {
	if cfg.TracerProvider != nil {
		return cfg.TracerProvider
	}
	return otel.GetTracerProvider()
}

func (cfg *CommonConfig) meterProvider() metric.MeterProvider {
	if cfg.MeterProvider != nil {
		return cfg.MeterProvider
	}
	return otel.GetMeterProvider()
}

func (cfg *CommonConfig) newClient(additionalOpts ...kgo.Opt) (*kgo.Client, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithLogger(kzap.New(cfg.Logger.Named("kafka"))),
		kgo.WithHooks(cfg.hooks...),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
		if cfg.Version != "" {
			opts = append(opts, kgo.SoftwareNameAndVersion(
				cfg.ClientID, cfg.Version,
			))
		}
	}
	if cfg.Dialer != nil {
		opts = append(opts, kgo.Dialer(cfg.Dialer))
	} else if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS.Clone()))
	}
	if cfg.SASL != nil {
		opts = append(opts, kgo.SASL(cfg.SASL))
	}
	if !cfg.DisableTelemetry {
		kotelService := kotel.NewKotel(
			kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(cfg.tracerProvider()))),
			kotel.WithMeter(kotel.NewMeter(kotel.MeterProvider(cfg.meterProvider()))),
		)
		opts = append(opts, kgo.WithHooks(kotelService.Hooks()...))
		metricHooks, err := newKgoHooks(cfg.meterProvider())
		if err != nil {
			return nil, fmt.Errorf("kafka: failed creating kafka metrics: %w", err)
		}
		opts = append(opts, kgo.WithHooks(metricHooks))
	}
	opts = append(opts, additionalOpts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating kafka client: %w", err)
	}
	// Issue a metadata refresh request on construction, so the broker list is populated.
	client.ForceMetadataRefresh()
	return client, nil
}
