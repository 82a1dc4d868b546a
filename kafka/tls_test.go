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
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// generateCert creates a self-signed CA certificate and its key in PEM
// format.
func generateCert(t testing.TB, commonName string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM
}

func writeFile(t testing.TB, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestTLSCACertPath(t *testing.T) {
	t.Run("valid cert", func(t *testing.T) {
		t.Setenv("KAFKA_PLAINTEXT", "") // clear plaintext mode
		cert, _ := generateCert(t, "Test CA")
		t.Setenv("KAFKA_TLS_CA_CERT_PATH", writeFile(t, t.TempDir(), "ca_cert.pem", cert))

		cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
		require.NoError(t, cfg.finalize())
		assert.Nil(t, cfg.TLS)
		assert.NotNil(t, cfg.Dialer)
	})
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("KAFKA_PLAINTEXT", "")
		t.Setenv("KAFKA_TLS_CA_CERT_PATH", filepath.Join(t.TempDir(), "nonexistent_cert.pem"))
		cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
		err := cfg.finalize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read CA cert")
	})
	t.Run("invalid cert", func(t *testing.T) {
		t.Setenv("KAFKA_PLAINTEXT", "")
		t.Setenv("KAFKA_TLS_CA_CERT_PATH", writeFile(t, t.TempDir(), "invalid_cert.pem", []byte("invalid pem data")))
		cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
		err := cfg.finalize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to append CA cert")
	})
	t.Run("cert without key", func(t *testing.T) {
		t.Setenv("KAFKA_PLAINTEXT", "")
		cert, _ := generateCert(t, "client")
		t.Setenv("KAFKA_TLS_CERT_PATH", writeFile(t, t.TempDir(), "cert.pem", cert))
		cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
		err := cfg.finalize()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "both the client certificate and key must be set")
	})
}

func TestMutualTLSSkipsSASL(t *testing.T) {
	t.Setenv("KAFKA_PLAINTEXT", "")
	dir := t.TempDir()
	cert, key := generateCert(t, "client")
	t.Setenv("KAFKA_TLS_CERT_PATH", writeFile(t, dir, "cert.pem", cert))
	t.Setenv("KAFKA_TLS_KEY_PATH", writeFile(t, dir, "key.pem", key))
	t.Setenv("KAFKA_USERNAME", "ignored")

	cfg := CommonConfig{Brokers: []string{"broker"}, Logger: zap.NewNop()}
	require.NoError(t, cfg.finalize())
	assert.NotNil(t, cfg.Dialer)
	assert.Nil(t, cfg.SASL)
}

func TestCertReloader(t *testing.T) {
	dir := t.TempDir()
	cert, key := generateCert(t, "first")
	files := certFiles{
		caPath:   writeFile(t, dir, "ca.pem", cert),
		certPath: writeFile(t, dir, "cert.pem", cert),
		keyPath:  writeFile(t, dir, "key.pem", key),
	}
	r, err := newCertReloader(files, time.Minute, nil)
	require.NoError(t, err)
	first, err := r.config(time.Now())
	require.NoError(t, err)
	require.Len(t, first.Certificates, 1)

	// Rewrite the files with a newer modification time.
	cert2, key2 := generateCert(t, "second")
	writeFile(t, dir, "ca.pem", cert2)
	writeFile(t, dir, "cert.pem", cert2)
	writeFile(t, dir, "key.pem", key2)
	future := time.Now().Add(time.Hour)
	for _, path := range []string{files.caPath, files.certPath, files.keyPath} {
		require.NoError(t, os.Chtimes(path, future, future))
	}

	// Within the interval the cached configuration is used.
	cached, err := r.config(time.Now())
	require.NoError(t, err)
	assert.Same(t, first, cached)

	reloaded, err := r.config(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
	parsed, err := x509.ParseCertificate(reloaded.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "second", parsed.Subject.CommonName)

	// Broken files keep the last good configuration.
	writeFile(t, dir, "ca.pem", []byte("broken"))
	later := future.Add(time.Hour)
	require.NoError(t, os.Chtimes(files.caPath, later, later))
	kept, err := r.config(time.Now().Add(4 * time.Minute))
	require.NoError(t, err)
	assert.Same(t, reloaded, kept)
}
