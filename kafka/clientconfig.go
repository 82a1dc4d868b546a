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
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Client property names understood by ClientConfig.
const (
	propGroupID            = "group.id"
	propBootstrapServers   = "bootstrap.servers"
	propClientID           = "client.id"
	propAutoOffsetReset    = "auto.offset.reset"
	propAutoCommitInterval = "auto.commit.interval.ms"
	propSessionTimeout     = "session.timeout.ms"
	propFetchMaxWait       = "fetch.max.wait.ms"
	propFetchMinBytes      = "fetch.min.bytes"
	propFetchMaxBytes      = "fetch.max.bytes"
	propSecurityProtocol   = "security.protocol"
	propSASLMechanism      = "sasl.mechanism"
	propSASLUsername       = "sasl.username"
	propSASLPassword       = "sasl.password"
	propQueuedMaxMessages  = "queued.max.messages"
)

// defaultQueuedMaxMessages is the number of records buffered for a split
// partition when "queued.max.messages" isn't set.
const defaultQueuedMaxMessages = 10000

// ClientConfig holds the librdkafka style client properties of a
// subscription, for example:
//
//	group.id: my-group
//	bootstrap.servers: localhost:9092
//	auto.offset.reset: earliest
type ClientConfig map[string]string

// GroupID returns the consumer group of the client.
func (c ClientConfig) GroupID() (string, bool) {
	id, ok := c[propGroupID]
	return id, ok && id != ""
}

// Brokers returns the seed brokers set in "bootstrap.servers".
func (c ClientConfig) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c[propBootstrapServers], ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Validate returns an error if the consumer group is missing or any
// property can't be translated into a client option.
func (c ClientConfig) Validate() error {
	var errs []error
	if _, ok := c.GroupID(); !ok {
		errs = append(errs, fmt.Errorf("kafka: %s must be set", propGroupID))
	}
	if _, err := c.opts(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// opts translates the properties into client options. "group.id" and
// "bootstrap.servers" are handled by the callers.
func (c ClientConfig) opts() ([]kgo.Opt, error) {
	var opts []kgo.Opt
	var errs []error
	var user, pass, mechanism string
	for _, k := range c.keys() {
		v := c[k]
		switch k {
		case propGroupID, propBootstrapServers:
		case propClientID:
			opts = append(opts, kgo.ClientID(v))
		case propAutoOffsetReset:
			switch strings.ToLower(v) {
			case "earliest", "smallest", "beginning":
				opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
			case "latest", "largest", "end":
				opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
			default:
				errs = append(errs, fmt.Errorf("kafka: invalid %s %q", k, v))
			}
		case propAutoCommitInterval:
			d, err := parseMillis(k, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			opts = append(opts, kgo.AutoCommitInterval(d))
		case propSessionTimeout:
			d, err := parseMillis(k, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			opts = append(opts, kgo.SessionTimeout(d))
		case propFetchMaxWait:
			d, err := parseMillis(k, v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			opts = append(opts, kgo.FetchMaxWait(d))
		case propFetchMinBytes, propFetchMaxBytes:
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("kafka: invalid %s %q", k, v))
				continue
			}
			if k == propFetchMinBytes {
				opts = append(opts, kgo.FetchMinBytes(int32(n)))
			} else {
				opts = append(opts, kgo.FetchMaxBytes(int32(n)))
			}
		case propQueuedMaxMessages:
			if _, err := c.queuedMaxMessages(); err != nil {
				errs = append(errs, err)
			}
		case propSecurityProtocol:
			// Applied through CommonConfig, see securityProtocol.
			switch strings.ToUpper(v) {
			case "PLAINTEXT", "SASL_PLAINTEXT", "SSL", "SASL_SSL":
			default:
				errs = append(errs, fmt.Errorf("kafka: invalid %s %q", k, v))
			}
		case propSASLMechanism:
			mechanism = strings.ToUpper(v)
		case propSASLUsername:
			user = v
		case propSASLPassword:
			pass = v
		default:
			errs = append(errs, fmt.Errorf("kafka: unsupported client property %q", k))
		}
	}
	if mechanism != "" || user != "" {
		props := saslConfigProperties{Mechanism: mechanism, Username: user, Password: pass}
		if err := props.finalize(); err != nil {
			errs = append(errs, err)
		} else if props.Mechanism == saslPlain {
			opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
		} else {
			errs = append(errs, fmt.Errorf("kafka: SASL mechanism %q can't be set in client properties", props.Mechanism))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return opts, nil
}

// queuedMaxMessages returns the maximum number of records buffered for a
// split partition.
func (c ClientConfig) queuedMaxMessages() (int, error) {
	v, ok := c[propQueuedMaxMessages]
	if !ok {
		return defaultQueuedMaxMessages, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("kafka: invalid %s %q", propQueuedMaxMessages, v)
	}
	return n, nil
}

// securityProtocol returns the upper cased "security.protocol".
func (c ClientConfig) securityProtocol() string {
	return strings.ToUpper(c[propSecurityProtocol])
}

func (c ClientConfig) keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the properties with secrets redacted.
func (c ClientConfig) String() string {
	var b strings.Builder
	for i, k := range c.keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		v := c[k]
		if k == propSASLPassword {
			v = "[REDACTED]"
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func parseMillis(key, v string) (time.Duration, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("kafka: invalid %s %q", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}
