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

// Package server accepts client sockets, drives each through session
// negotiation, and hands authenticated sessions off to a proxy.Engine.
package server

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pgconduit/pgconduit/internal/pool"
	"github.com/pgconduit/pgconduit/internal/proxy"
	"github.com/pgconduit/pgconduit/internal/session"
)

const clientBufferSize = 16 * 1024

// Listener accepts PostgreSQL client connections and serves each through the
// proxy engine.
type Listener struct {
	ln     net.Listener
	engine *proxy.Engine
	opts   session.Options
	log    *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config configures a Listener.
type Config struct {
	Address string
	Engine  *proxy.Engine
	// SessionOptions configures how each accepted client is authenticated
	// and negotiated (TLS, auth mode, password lookup).
	SessionOptions session.Options
	Logger         *slog.Logger
}

// New binds Address and returns a Listener ready to Serve.
func New(cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		ln:     ln,
		engine: cfg.Engine,
		opts:   cfg.SessionOptions,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts connections until Close is called, spawning one goroutine
// per connection. It blocks until the listener is closed.
func (l *Listener) Serve() error {
	for {
		netConn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return nil
			default:
				l.log.Error("accept failed", "error", err)
				continue
			}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(netConn)
		}()
	}
}

// handle negotiates and serves a single accepted client, recovering from any
// panic so one misbehaving connection cannot take down the listener.
func (l *Listener) handle(netConn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("panic handling client connection", "panic", r, "remote_addr", netConn.RemoteAddr())
			_ = netConn.Close()
		}
	}()

	c := session.Accept(netConn, l.opts, clientBufferSize)
	l.log.Info("client connected", "remote_addr", netConn.RemoteAddr(), "session", c.ID)
	defer func() {
		_ = c.Close()
		l.log.Info("client disconnected", "session", c.ID)
	}()

	if _, err := c.Negotiate(l.ctx); err != nil {
		l.log.Warn("client negotiation failed", "session", c.ID, "error", err)
		return
	}
	l.log.Info("client authenticated", "session", c.ID, "user", c.Key.User, "database", c.Key.Database)

	if err := l.engine.Serve(l.ctx, c, l.backendPassword(c.Key)); err != nil {
		l.log.Warn("session ended with error", "session", c.ID, "error", err)
	}
}

// backendPassword resolves the password used to authenticate to the backend
// for key, via the same lookup the session used for the client side.
func (l *Listener) backendPassword(key pool.Key) string {
	if l.opts.PasswordLookup == nil {
		return ""
	}
	password, _ := l.opts.PasswordLookup(key.User, key.Database)
	return password
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
