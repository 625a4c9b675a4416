// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tlsconf builds *tls.Config values for both halves of the proxy
// from certificate/key/CA file paths, the way the rest of the corpus wires
// up TLS for its own listeners and clients.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Mode controls how strictly a TLS peer is verified, mirroring all six
// values of PostgreSQL's own sslmode vocabulary.
type Mode string

const (
	// ModeDisable never negotiates TLS.
	ModeDisable Mode = "disable"
	// ModeAllow negotiates TLS if the peer offers it, but proceeds in
	// plaintext if the peer refuses.
	ModeAllow Mode = "allow"
	// ModePrefer behaves like ModeAllow for this proxy: TLS is attempted and
	// a refusal falls back to plaintext rather than failing the connection.
	ModePrefer Mode = "prefer"
	// ModeRequire negotiates TLS but does not verify the peer certificate.
	ModeRequire Mode = "require"
	// ModeVerifyCA negotiates TLS and verifies the peer certificate against
	// the configured CA, without checking the hostname.
	ModeVerifyCA Mode = "verify-ca"
	// ModeVerifyFull negotiates TLS, verifies the peer certificate against
	// the configured CA, and checks the hostname.
	ModeVerifyFull Mode = "verify-full"
)

// Set implements pflag.Value so Mode can be bound directly to a flag and
// decoded uniformly from a flag, an env var, or a config-file string.
func (m *Mode) Set(s string) error {
	switch Mode(s) {
	case ModeDisable, ModeAllow, ModePrefer, ModeRequire, ModeVerifyCA, ModeVerifyFull:
		*m = Mode(s)
		return nil
	default:
		return fmt.Errorf("tlsconf: invalid TLS mode %q (want disable, allow, prefer, require, verify-ca, or verify-full)", s)
	}
}

func (m *Mode) String() string { return string(*m) }

func (m *Mode) Type() string { return "tlsconf.Mode" }

// Files names the certificate material used to build a *tls.Config.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// ServerConfig builds a *tls.Config for the client-facing listener. CertFile
// and KeyFile are required; CAFile is optional and, if set, enables client
// certificate verification.
func ServerConfig(files Files) (*tls.Config, error) {
	if files.CertFile == "" || files.KeyFile == "" {
		return nil, fmt.Errorf("tlsconf: server TLS requires both cert_file and key_file")
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if files.CAFile != "" {
		pool, err := loadCertPool(files.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return cfg, nil
}

// ClientConfig builds a *tls.Config for dialing a backend PostgreSQL server
// under the given verification mode. serverName is used for hostname
// verification under ModeVerifyFull.
func ClientConfig(mode Mode, files Files, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	switch mode {
	case ModeDisable:
		return nil, nil
	case ModeAllow, ModePrefer, ModeRequire:
		cfg.InsecureSkipVerify = true
	case ModeVerifyCA:
		cfg.InsecureSkipVerify = true
		pool, err := loadCertPool(files.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.VerifyPeerCertificate = verifyAgainstPool(pool)
	case ModeVerifyFull:
		if files.CAFile != "" {
			pool, err := loadCertPool(files.CAFile)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
	default:
		return nil, fmt.Errorf("tlsconf: unknown TLS mode %q", mode)
	}

	if files.CertFile != "" && files.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsconf: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: reading CA file %q: %w", caFile, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("tlsconf: no certificates found in %q", caFile)
	}
	return pool, nil
}

// verifyAgainstPool implements chain-only verification (no hostname check)
// for ModeVerifyCA, since tls.Config.InsecureSkipVerify disables Go's
// built-in chain verification entirely once set.
func verifyAgainstPool(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("tlsconf: no certificate presented")
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("tlsconf: parsing presented certificate: %w", err)
		}
		opts := x509.VerifyOptions{Roots: pool}
		_, err = cert.Verify(opts)
		return err
	}
}
