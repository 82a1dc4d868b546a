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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/sasl"
	saslaws "github.com/twmb/franz-go/pkg/sasl/aws"
)

const (
	saslPlain     = "PLAIN"
	saslAWSMSKIAM = "AWS_MSK_IAM"
)

type saslConfigProperties struct {
	Mechanism string `yaml:"mechanism"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// finalize infers PLAIN when only credentials are given and rejects
// mechanisms the client can't use.
func (s *saslConfigProperties) finalize() error {
	switch s.Mechanism {
	case "":
		if s.Username != "" {
			s.Mechanism = saslPlain
		}
	case saslPlain, saslAWSMSKIAM:
	default:
		return fmt.Errorf("kafka: unsupported SASL mechanism %q", s.Mechanism)
	}
	return nil
}

// newAWSMSKIAMSASL returns a sasl.Mechanism authenticating with the AWS
// credentials resolved by the default credential chain. Credentials are
// retrieved on every authentication so rotated keys are picked up.
func newAWSMSKIAMSASL() (sasl.Mechanism, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("kafka: error loading AWS config: %w", err)
	}
	return saslaws.ManagedStreamingIAM(func(ctx context.Context) (saslaws.Auth, error) {
		creds, err := awsCfg.Credentials.Retrieve(ctx)
		if err != nil {
			return saslaws.Auth{}, err
		}
		return saslaws.Auth{
			AccessKey:    creds.AccessKeyID,
			SecretKey:    creds.SecretAccessKey,
			SessionToken: creds.SessionToken,
			UserAgent:    "kafka-ingress",
		}, nil
	}), nil
}
