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
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const certReloadInterval = 30 * time.Second

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type tlsSettings struct {
	Config *tls.Config
	Dialer dialFunc
	files  certFiles
}

func newTLSConfig() *tls.Config {
	return &tls.Config{}
}

// certFiles references PEM encoded files on disk.
type certFiles struct {
	caPath   string
	certPath string
	keyPath  string
}

func (f certFiles) empty() bool {
	return f.caPath == "" && f.certPath == "" && f.keyPath == ""
}

func (f certFiles) mutual() bool {
	return f.certPath != "" && f.keyPath != ""
}

func (f certFiles) modTime() (time.Time, error) {
	var latest time.Time
	for _, path := range []string{f.caPath, f.certPath, f.keyPath} {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, err
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest, nil
}

// apply loads the files into a clone of base.
func (f certFiles) apply(base *tls.Config) (*tls.Config, error) {
	cfg := base.Clone()
	if f.caPath != "" {
		pem, err := os.ReadFile(f.caPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to append CA cert: no certificates found")
		}
		cfg.RootCAs = pool
	}
	if f.certPath != "" || f.keyPath != "" {
		if !f.mutual() {
			return nil, errors.New("both the client certificate and key must be set")
		}
		pair, err := tls.LoadX509KeyPair(f.certPath, f.keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

type certReloader struct {
	files    certFiles
	base     *tls.Config
	interval time.Duration
	dialer   net.Dialer

	mu        sync.Mutex
	cfg       *tls.Config
	modTime   time.Time
	lastCheck time.Time
}

// newCertReloadingDialer returns a dialer which wraps connections in TLS,
// reloading the certificate files when they change on disk. Files are
// checked at most once per interval.
func newCertReloadingDialer(files certFiles, interval time.Duration, base *tls.Config) (dialFunc, error) {
	r, err := newCertReloader(files, interval, base)
	if err != nil {
		return nil, err
	}
	return r.dial, nil
}

func newCertReloader(files certFiles, interval time.Duration, base *tls.Config) (*certReloader, error) {
	if base == nil {
		base = newTLSConfig()
	}
	r := &certReloader{
		files:    files,
		base:     base,
		interval: interval,
		dialer:   net.Dialer{Timeout: 10 * time.Second},
	}
	if _, err := r.config(time.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *certReloader) config(now time.Time) (*tls.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg != nil && now.Sub(r.lastCheck) < r.interval {
		return r.cfg, nil
	}
	r.lastCheck = now
	modTime, statErr := r.files.modTime()
	if r.cfg != nil && (statErr != nil || !modTime.After(r.modTime)) {
		return r.cfg, nil
	}
	cfg, err := r.files.apply(r.base)
	if err != nil {
		if r.cfg != nil {
			// Keep using the last good configuration.
			return r.cfg, nil
		}
		return nil, err
	}
	r.cfg = cfg
	r.modTime = modTime
	return cfg, nil
}

func (r *certReloader) dial(ctx context.Context, network, address string) (net.Conn, error) {
	cfg, err := r.config(time.Now())
	if err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		cfg.ServerName = host
	}
	d := tls.Dialer{NetDialer: &r.dialer, Config: cfg}
	return d.DialContext(ctx, network, address)
}
