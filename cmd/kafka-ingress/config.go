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

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	ingress "github.com/elastic/kafka-ingress"
	"github.com/elastic/kafka-ingress/kafka"
)

type config struct {
	path         string
	verbose      bool
	otlpEndpoint string
	file         fileConfig
}

// fileConfig is the layout of the -config file.
type fileConfig struct {
	// IngressNext is forwarded to every event.
	IngressNext bool `yaml:"ingress_next"`
	// DispatchBuffer is the number of events buffered before consumers
	// are blocked.
	DispatchBuffer int                           `yaml:"dispatch_buffer"`
	Clusters       map[string]map[string]string `yaml:"clusters"`
	Subscriptions  []subscriptionConfig         `yaml:"subscriptions"`
}

type subscriptionConfig struct {
	ID       string            `yaml:"id"`
	Source   string            `yaml:"source"`
	Sink     sinkConfig        `yaml:"sink"`
	Metadata map[string]string `yaml:"metadata"`
}

type sinkConfig struct {
	// Kind is either "service" or "invocation".
	Kind    string `yaml:"kind"`
	Service string `yaml:"service"`
	Handler string `yaml:"handler"`
	// Type is the receiver type of "service" sinks, either "service" or
	// "virtual_object".
	Type string `yaml:"type"`
	// Target is the target kind of "invocation" sinks.
	Target string `yaml:"target"`
}

func (c *config) Parse() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	c.bindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	return c.load()
}

func (c *config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.path, "config", "kafka-ingress.yml", "Path of the YAML file listing clusters and subscriptions")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
	fs.StringVar(&c.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint receiving the ingress traces, disabled when empty")
}

func (c *config) load() error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("cannot open config file: %w", err)
	}
	defer f.Close()
	return c.decode(f)
}

func (c *config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c.file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("cannot parse config file %q: %w", c.path, err)
	}
	if c.file.DispatchBuffer <= 0 {
		c.file.DispatchBuffer = 128
	}
	if len(c.file.Clusters) == 0 {
		return errors.New("config file must list at least one cluster")
	}
	if len(c.file.Subscriptions) == 0 {
		return errors.New("config file must list at least one subscription")
	}
	return nil
}

func (c *config) clusters() map[string]kafka.ClientConfig {
	out := make(map[string]kafka.ClientConfig, len(c.file.Clusters))
	for name, props := range c.file.Clusters {
		out[name] = kafka.ClientConfig(props)
	}
	return out
}

// subscriptions returns the configured subscriptions, generating the ids
// of the ones without one.
func (c *config) subscriptions() ([]ingress.Subscription, error) {
	subs := make([]ingress.Subscription, 0, len(c.file.Subscriptions))
	var errs []error
	for i, sc := range c.file.Subscriptions {
		sink, err := sc.Sink.sink()
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %d: %w", i, err))
			continue
		}
		id := sc.ID
		if id == "" {
			id = ingress.NewSubscriptionID()
		}
		subs = append(subs, ingress.Subscription{
			ID:       id,
			Source:   sc.Source,
			Sink:     sink,
			Metadata: sc.Metadata,
		})
	}
	return subs, errors.Join(errs...)
}

func (sc sinkConfig) sink() (ingress.Sink, error) {
	sink := ingress.Sink{Service: sc.Service, Handler: sc.Handler}
	switch strings.ToLower(sc.Kind) {
	case "service":
		sink.Kind = ingress.SinkKindService
		switch strings.ToLower(sc.Type) {
		case "", "service":
			sink.ServiceType = ingress.ServiceTypeService
		case "virtual_object":
			sink.ServiceType = ingress.ServiceTypeVirtualObject
		default:
			return sink, fmt.Errorf("unsupported service type %q", sc.Type)
		}
	case "invocation", "":
		sink.Kind = ingress.SinkKindInvocation
		target, err := ingress.ParseTargetKind(sc.Target)
		if err != nil {
			return sink, fmt.Errorf("%w %q", err, sc.Target)
		}
		sink.Target = target
	default:
		return sink, fmt.Errorf("unsupported sink kind %q", sc.Kind)
	}
	return sink, nil
}
