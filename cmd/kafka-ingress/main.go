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

// Command kafka-ingress consumes the Kafka topics of the configured
// subscriptions and logs the resulting ingress events.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/kafka-ingress/dispatcher"
	"github.com/elastic/kafka-ingress/kafka"
)

const (
	shutdownTimeout = 30 * time.Second
	healthTimeout   = 10 * time.Second
)

func main() {
	// NOTE: intercept any panic and terminate gracefully
	// This allows using log.Panic in main which triggers
	// deferred functions (whereas log.Fatal don't).
	defer func() {
		if r := recover(); r != nil {
			log.Fatal(r)
		}
	}()

	cfg := config{}
	if err := cfg.Parse(); err != nil {
		log.Panicf("invalid configuration: %s", err)
	}

	logger := logging(cfg.verbose)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mp, rdr := metering()
	tp, err := tracing(ctx, cfg.otlpEndpoint)
	if err != nil {
		log.Panicf("cannot set up tracing: %s", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	common := kafka.CommonConfig{
		Logger:         logger,
		TracerProvider: tp,
		MeterProvider:  mp,
	}
	if err := run(ctx, cfg, common); err != nil {
		logger.Error("kafka ingress stopped with an error", zap.Error(err))
	}
	report(rdr, logger)
}

func run(ctx context.Context, cfg config, common kafka.CommonConfig) error {
	logger := common.Logger
	subs, err := cfg.subscriptions()
	if err != nil {
		return err
	}

	events := dispatcher.NewChannel(cfg.file.DispatchBuffer)
	dedup, err := dispatcher.NewDedup(events, logger.Named("dedup"))
	if err != nil {
		return err
	}
	svc, err := kafka.NewService(kafka.ServiceConfig{
		CommonConfig: common,
		Clusters:     cfg.clusters(),
		Dispatcher:   dedup,
		IngressNext:  cfg.file.IngressNext,
	})
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error {
		drain(events, logger.Named("events"), common.TracerProvider.Tracer(serviceName))
		return nil
	})
	defer func() {
		events.Close()
		g.Wait()
	}()

	for _, sub := range subs {
		if err := svc.StartSubscription(sub); err != nil {
			closeService(svc, logger)
			return err
		}
	}
	stopMonitoring := monitorClusters(ctx, cfg, common, svc)
	defer stopMonitoring()

	logger.Info("kafka ingress started", zap.Strings("subscriptions", svc.Subscriptions()))
	<-ctx.Done()
	logger.Info("shutting down kafka ingress")
	return closeService(svc, logger)
}

func closeService(svc *kafka.Service, logger *zap.Logger) error {
	// NOTE: the main context is already done at this point.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("consumers did not stop in time", zap.Error(err))
		return err
	}
	return nil
}

// monitorClusters checks the health of every configured cluster and
// registers the consumer lag gauge of the subscriptions consuming from it.
// The returned function unregisters the gauges and closes the managers.
func monitorClusters(ctx context.Context, cfg config, common kafka.CommonConfig, svc *kafka.Service) func() {
	clusters := cfg.clusters()
	names := make([]string, 0, len(clusters))
	for name := range clusters {
		names = append(names, name)
	}
	sort.Strings(names)

	var managers []*kafka.Manager
	var registrations []metric.Registration
	for _, name := range names {
		logger := common.Logger.With(zap.String("cluster", name))
		mcfg := kafka.ManagerConfig{CommonConfig: common}
		mcfg.Logger = logger
		mcfg.Brokers = clusters[name].Brokers()
		m, err := kafka.NewManager(mcfg)
		if err != nil {
			logger.Warn("cannot monitor kafka cluster", zap.Error(err))
			continue
		}
		managers = append(managers, m)

		hctx, cancel := context.WithTimeout(ctx, healthTimeout)
		if err := m.Healthy(hctx); err != nil {
			logger.Warn("kafka cluster is not healthy", zap.Error(err))
		}
		cancel()

		if targets := svc.GroupTopics(name); len(targets) > 0 {
			reg, err := m.MonitorConsumerLag(targets)
			if err != nil {
				logger.Warn("cannot monitor consumer lag", zap.Error(err))
				continue
			}
			registrations = append(registrations, reg)
		}
	}
	return func() {
		for _, reg := range registrations {
			reg.Unregister()
		}
		for _, m := range managers {
			m.Close()
		}
	}
}

func logging(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("cannot create zap logger: %s", err)
	}
	return logger
}
