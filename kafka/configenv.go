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
	"os"
	"strings"

	"github.com/twmb/franz-go/pkg/sasl/plain"
	"go.uber.org/zap"
)

// Environment variables read by CommonConfig.finalize.
const (
	envConfigFile    = "KAFKA_CONFIG_FILE"
	envBrokers       = "KAFKA_BROKERS"
	envPlainText     = "KAFKA_PLAINTEXT"
	envTLSInsecure   = "KAFKA_TLS_INSECURE"
	envTLSServerName = "KAFKA_TLS_SERVER_NAME"
	envTLSCACert     = "KAFKA_TLS_CA_CERT_PATH"
	envTLSCert       = "KAFKA_TLS_CERT_PATH"
	envTLSKey        = "KAFKA_TLS_KEY_PATH"
	envSASLMechanism = "KAFKA_SASL_MECHANISM"
	envUsername      = "KAFKA_USERNAME"
	envPassword      = "KAFKA_PASSWORD"
)

// envConfig holds the connection settings derived from the environment.
type envConfig struct {
	configFile string
	brokers    []string
	plainText  bool
	tls        tlsSettings
	sasl       SASLMechanism
}

func loadEnvConfig(logger *zap.Logger, configFile, securityProtocol string) (envConfig, error) {
	cfg := envConfig{configFile: configFile}
	if cfg.configFile == "" {
		cfg.configFile = os.Getenv(envConfigFile)
	}
	if v := os.Getenv(envBrokers); v != "" {
		for _, broker := range strings.Split(v, ",") {
			if broker = strings.TrimSpace(broker); broker != "" {
				cfg.brokers = append(cfg.brokers, broker)
			}
		}
	}

	var errs []error
	cfg.plainText = os.Getenv(envPlainText) == "true"
	switch securityProtocol {
	case "PLAINTEXT", "SASL_PLAINTEXT":
		cfg.plainText = true
	case "SSL", "SASL_SSL":
		cfg.plainText = false
	}
	if !cfg.plainText {
		tlsCfg, err := loadTLSSettings(logger)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.tls = tlsCfg
	}
	// Client certificates authenticate the connection, SASL is only
	// configured when mutual TLS isn't.
	if !cfg.tls.files.mutual() {
		mech, err := loadEnvSASL()
		if err != nil {
			errs = append(errs, err)
		}
		cfg.sasl = mech
	}
	return cfg, errors.Join(errs...)
}

func loadTLSSettings(logger *zap.Logger) (tlsSettings, error) {
	files := certFiles{
		caPath:   os.Getenv(envTLSCACert),
		certPath: os.Getenv(envTLSCert),
		keyPath:  os.Getenv(envTLSKey),
	}
	s := tlsSettings{files: files, Config: newTLSConfig()}
	if name, ok := os.LookupEnv(envTLSServerName); ok {
		logger.Debug("overriding TLS server name", zap.String("server_name", name))
		s.Config.ServerName = name
	}
	if os.Getenv(envTLSInsecure) == "true" {
		if !files.empty() {
			return s, fmt.Errorf(
				"kafka: cannot set %s when either of %s, %s, or %s are set",
				envTLSInsecure, envTLSCACert, envTLSCert, envTLSKey,
			)
		}
		s.Config.InsecureSkipVerify = true
	}
	if files.empty() {
		return s, nil
	}
	dial, err := newCertReloadingDialer(files, certReloadInterval, s.Config)
	if err != nil {
		return s, fmt.Errorf("kafka: error creating dialer with CA cert: %w", err)
	}
	s.Dialer = dial
	s.Config = nil
	return s, nil
}

func loadEnvSASL() (SASLMechanism, error) {
	props := saslConfigProperties{
		Mechanism: os.Getenv(envSASLMechanism),
		Username:  os.Getenv(envUsername),
		Password:  os.Getenv(envPassword),
	}
	if err := props.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: error configuring SASL: %w", err)
	}
	switch props.Mechanism {
	case saslPlain:
		auth := plain.Auth{User: props.Username, Pass: props.Password}
		if auth == (plain.Auth{}) {
			return nil, nil
		}
		return auth.AsMechanism(), nil
	case saslAWSMSKIAM:
		mech, err := newAWSMSKIAMSASL()
		if err != nil {
			return nil, fmt.Errorf("kafka: error configuring SASL/AWS_MSK_IAM: %w", err)
		}
		return mech, nil
	}
	return nil, nil
}
