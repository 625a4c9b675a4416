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

// pgconduit is a PostgreSQL connection pooler/proxy: it accepts client
// connections, authenticates them, and relays their traffic to a pool of
// backend PostgreSQL connections, releasing each backend back to its pool
// per the configured pool mode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pgconduit/pgconduit/internal/confval"
	"github.com/pgconduit/pgconduit/internal/pglog"
	"github.com/pgconduit/pgconduit/internal/pool"
	"github.com/pgconduit/pgconduit/internal/proxy"
	"github.com/pgconduit/pgconduit/internal/server"
	"github.com/pgconduit/pgconduit/internal/session"
	"github.com/pgconduit/pgconduit/internal/tlsconf"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	reg := confval.NewRegistry()
	cfg := newConfig(reg)

	cmd := &cobra.Command{
		Use:   "pgconduit",
		Short: "A PostgreSQL connection pooler",
		Long:  "pgconduit accepts PostgreSQL client connections and pools backend connections on their behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	registerFlags(cmd.Flags(), cfg)
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if err := confval.BindFlags(reg, cmd.Flags()); err != nil {
			return err
		}
		if err := reg.LoadFile(cfg.configFile.Get()); err != nil {
			return err
		}
		if cfg.configFile.Get() != "" {
			reg.WatchFile(func() {
				slog.Default().Info("config file changed; settings will apply on next read")
			})
		}
		return nil
	}

	return cmd
}

// cliConfig is every confval.Value this binary exposes, bound once at
// startup and read after flag parsing in run.
type cliConfig struct {
	listenHost *confval.Value[string]
	listenPort *confval.Value[int]
	serverHost *confval.Value[string]
	serverPort *confval.Value[int]

	poolMode      *confval.Value[pool.Mode]
	maxClientConn *confval.Value[int]
	poolSize      *confval.Value[int]

	serverConnectTimeout *confval.Value[time.Duration]
	clientLoginTimeout   *confval.Value[time.Duration]
	serverIdleTimeout    *confval.Value[time.Duration]
	clientIdleTimeout    *confval.Value[time.Duration]

	authMode       *confval.Value[string]
	authPassword   *confval.Value[string]
	clientTLSMode  *confval.Value[tlsconf.Mode]
	clientKeyFile  *confval.Value[string]
	clientCertFile *confval.Value[string]
	clientCAFile   *confval.Value[string]

	serverTLSMode  *confval.Value[tlsconf.Mode]
	serverKeyFile  *confval.Value[string]
	serverCertFile *confval.Value[string]
	serverCAFile   *confval.Value[string]

	logLevel  *confval.Value[string]
	logFormat *confval.Value[string]
	logOutput *confval.Value[string]

	configFile *confval.Value[string]
}

// decodePoolMode and decodeTLSMode adapt pool.Mode/tlsconf.Mode's own
// pflag.Value.Set validation into confval's Decode hook, so a config-file or
// env-var string gets the same validation a flag assignment would, rather
// than duplicating the allowed-values list here.
func decodePoolMode(v *viper.Viper, key string) (pool.Mode, error) {
	var m pool.Mode
	s, ok := v.Get(key).(string)
	if !ok {
		return m, fmt.Errorf("pgconduit: %s must be a string, got %T", key, v.Get(key))
	}
	if err := m.Set(s); err != nil {
		return m, err
	}
	return m, nil
}

func decodeTLSMode(v *viper.Viper, key string) (tlsconf.Mode, error) {
	var m tlsconf.Mode
	s, ok := v.Get(key).(string)
	if !ok {
		return m, fmt.Errorf("pgconduit: %s must be a string, got %T", key, v.Get(key))
	}
	if err := m.Set(s); err != nil {
		return m, err
	}
	return m, nil
}

func newConfig(reg *confval.Registry) *cliConfig {
	return &cliConfig{
		listenHost: confval.Configure(reg, "listen_host", confval.Options[string]{Default: "0.0.0.0", FlagName: "listen-host"}),
		listenPort: confval.Configure(reg, "listen_port", confval.Options[int]{Default: 6432, FlagName: "listen-port"}),
		serverHost: confval.Configure(reg, "server_host", confval.Options[string]{Default: "127.0.0.1", FlagName: "server-host"}),
		serverPort: confval.Configure(reg, "server_port", confval.Options[int]{Default: 5432, FlagName: "server-port"}),

		poolMode:      confval.Configure(reg, "pool_mode", confval.Options[pool.Mode]{Default: pool.ModeSession, FlagName: "pool-mode", Decode: decodePoolMode}),
		maxClientConn: confval.Configure(reg, "max_client_conn", confval.Options[int]{Default: 100, FlagName: "max-client-conn"}),
		poolSize:      confval.Configure(reg, "pool_size", confval.Options[int]{Default: 20, FlagName: "pool-size"}),

		serverConnectTimeout: confval.Configure(reg, "server_connect_timeout", confval.Options[time.Duration]{Default: 5 * time.Second, FlagName: "server-connect-timeout"}),
		clientLoginTimeout:   confval.Configure(reg, "client_login_timeout", confval.Options[time.Duration]{Default: 30 * time.Second, FlagName: "client-login-timeout"}),
		serverIdleTimeout:    confval.Configure(reg, "server_idle_timeout", confval.Options[time.Duration]{Default: 10 * time.Minute, FlagName: "server-idle-timeout"}),
		clientIdleTimeout:    confval.Configure(reg, "client_idle_timeout", confval.Options[time.Duration]{Default: 0, FlagName: "client-idle-timeout"}),

		authMode:       confval.Configure(reg, "auth_mode", confval.Options[string]{Default: "trust", FlagName: "auth-mode"}),
		authPassword:   confval.Configure(reg, "auth_password", confval.Options[string]{FlagName: "auth-password"}),
		clientTLSMode:  confval.Configure(reg, "client_tls_mode", confval.Options[tlsconf.Mode]{Default: tlsconf.ModeDisable, FlagName: "client-tls-mode", Decode: decodeTLSMode}),
		clientKeyFile:  confval.Configure(reg, "client_tls_key_file", confval.Options[string]{FlagName: "client-tls-key-file"}),
		clientCertFile: confval.Configure(reg, "client_tls_cert_file", confval.Options[string]{FlagName: "client-tls-cert-file"}),
		clientCAFile:   confval.Configure(reg, "client_tls_ca_file", confval.Options[string]{FlagName: "client-tls-ca-file"}),

		serverTLSMode:  confval.Configure(reg, "server_tls_mode", confval.Options[tlsconf.Mode]{Default: tlsconf.ModeDisable, FlagName: "server-tls-mode", Decode: decodeTLSMode}),
		serverKeyFile:  confval.Configure(reg, "server_tls_key_file", confval.Options[string]{FlagName: "server-tls-key-file"}),
		serverCertFile: confval.Configure(reg, "server_tls_cert_file", confval.Options[string]{FlagName: "server-tls-cert-file"}),
		serverCAFile:   confval.Configure(reg, "server_tls_ca_file", confval.Options[string]{FlagName: "server-tls-ca-file"}),

		logLevel:  confval.Configure(reg, "log_level", confval.Options[string]{Default: "info", FlagName: "log-level"}),
		logFormat: confval.Configure(reg, "log_format", confval.Options[string]{Default: "json", FlagName: "log-format"}),
		logOutput: confval.Configure(reg, "log_output", confval.Options[string]{Default: "stdout", FlagName: "log-output"}),

		configFile: confval.Configure(reg, "config_file", confval.Options[string]{FlagName: "config-file"}),
	}
}

func registerFlags(fs *pflag.FlagSet, cfg *cliConfig) {
	fs.String("listen-host", cfg.listenHost.Default(), "Host to accept client connections on")
	fs.Int("listen-port", cfg.listenPort.Default(), "Port to accept client connections on")
	fs.String("server-host", cfg.serverHost.Default(), "Host of the backend PostgreSQL server")
	fs.Int("server-port", cfg.serverPort.Default(), "Port of the backend PostgreSQL server")

	fs.String("pool-mode", string(cfg.poolMode.Default()), "Pool mode: session, transaction, or statement")
	fs.Int("max-client-conn", cfg.maxClientConn.Default(), "Maximum total backend connections")
	fs.Int("pool-size", cfg.poolSize.Default(), "Soft per-key target pool size (informational; max_client_conn is the enforced cap)")

	fs.Duration("server-connect-timeout", cfg.serverConnectTimeout.Default(), "Timeout covering backend dial, TLS, and authentication")
	fs.Duration("client-login-timeout", cfg.clientLoginTimeout.Default(), "Timeout for a client to complete startup and authentication; 0 disables")
	fs.Duration("server-idle-timeout", cfg.serverIdleTimeout.Default(), "Idle backend connections older than this are evicted; 0 disables")
	fs.Duration("client-idle-timeout", cfg.clientIdleTimeout.Default(), "Idle client sessions older than this are closed; 0 disables")

	fs.String("auth-mode", cfg.authMode.Default(), "Client authentication mode: trust, cleartext, or md5")
	fs.String("auth-password", cfg.authPassword.Default(), "Shared password required when auth-mode is cleartext or md5, also used to authenticate to the backend")
	fs.String("client-tls-mode", string(cfg.clientTLSMode.Default()), "Client-facing TLS mode: disable, allow, prefer, require, verify-ca, or verify-full")
	fs.String("client-tls-key-file", cfg.clientKeyFile.Default(), "Server private key for client-facing TLS")
	fs.String("client-tls-cert-file", cfg.clientCertFile.Default(), "Server certificate for client-facing TLS")
	fs.String("client-tls-ca-file", cfg.clientCAFile.Default(), "CA bundle used to verify client certificates")

	fs.String("server-tls-mode", string(cfg.serverTLSMode.Default()), "Backend TLS mode: disable, allow, prefer, require, verify-ca, or verify-full")
	fs.String("server-tls-key-file", cfg.serverKeyFile.Default(), "Client private key presented to the backend, if it requires one")
	fs.String("server-tls-cert-file", cfg.serverCertFile.Default(), "Client certificate presented to the backend, if it requires one")
	fs.String("server-tls-ca-file", cfg.serverCAFile.Default(), "CA bundle used to verify the backend certificate")

	fs.String("log-level", cfg.logLevel.Default(), "Log level: debug, info, warn, or error")
	fs.String("log-format", cfg.logFormat.Default(), "Log format: json or text")
	fs.String("log-output", cfg.logOutput.Default(), "Log output: stdout, stderr, or a file path")

	fs.String("config-file", cfg.configFile.Default(), "Path to a config file (YAML, JSON, or TOML)")
}

func run(ctx context.Context, cfg *cliConfig) error {
	log, err := pglog.New(pglog.Options{
		Level:  cfg.logLevel.Get(),
		Format: cfg.logFormat.Get(),
		Output: cfg.logOutput.Get(),
	})
	if err != nil {
		return err
	}

	backendAddr := net.JoinHostPort(cfg.serverHost.Get(), strconv.Itoa(cfg.serverPort.Get()))
	listenAddr := net.JoinHostPort(cfg.listenHost.Get(), strconv.Itoa(cfg.listenPort.Get()))

	poolCfg := pool.Config{
		BackendAddr: backendAddr,
		TLSMode:     cfg.serverTLSMode.Get(),
		TLSFiles: tlsconf.Files{
			KeyFile:  cfg.serverKeyFile.Get(),
			CertFile: cfg.serverCertFile.Get(),
			CAFile:   cfg.serverCAFile.Get(),
		},
		Mode:          cfg.poolMode.Get(),
		MaxClientConn: cfg.maxClientConn.Get(),
		PoolSize:      cfg.poolSize.Get(),
		MaxIdlePerKey: pool.DefaultConfig().MaxIdlePerKey,
		IdleTimeout:   cfg.serverIdleTimeout.Get(),
		DialTimeout:   cfg.serverConnectTimeout.Get(),
	}

	mgr := pool.NewManager(poolCfg, log)
	evictCtx, stopEvict := context.WithCancel(ctx)
	go mgr.RunEvictionLoop(evictCtx, poolCfg.IdleTimeout)
	defer stopEvict()

	engine := proxy.New(mgr, poolCfg.Mode, log)

	sessionOpts := session.Options{
		AuthMode:     session.AuthMode(cfg.authMode.Get()),
		LoginTimeout: cfg.clientLoginTimeout.Get(),
		IdleTimeout:  cfg.clientIdleTimeout.Get(),
		Pool:         mgr,
	}
	if password := cfg.authPassword.Get(); password != "" {
		sessionOpts.PasswordLookup = func(user, database string) (string, bool) {
			return password, true
		}
	}
	if cfg.clientTLSMode.Get() != tlsconf.ModeDisable {
		tlsCfg, err := tlsconf.ServerConfig(tlsconf.Files{
			KeyFile:  cfg.clientKeyFile.Get(),
			CertFile: cfg.clientCertFile.Get(),
			CAFile:   cfg.clientCAFile.Get(),
		})
		if err != nil {
			return err
		}
		sessionOpts.TLSConfig = tlsCfg
		switch cfg.clientTLSMode.Get() {
		case tlsconf.ModeRequire, tlsconf.ModeVerifyCA, tlsconf.ModeVerifyFull:
			sessionOpts.RequireTLS = true
		}
	}

	ln, err := server.New(server.Config{
		Address:        listenAddr,
		Engine:         engine,
		SessionOptions: sessionOpts,
		Logger:         log,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- ln.Serve() }()

	log.Info("pgconduit listening", "addr", ln.Addr().String(), "backend", poolCfg.BackendAddr, "mode", poolCfg.Mode)

	select {
	case <-runCtx.Done():
		log.Info("shutting down")
		_ = ln.Close()
		mgr.Shutdown()
		return nil
	case err := <-serveErr:
		return err
	}
}
