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

// Package proxy implements the bidirectional relay loop: it forwards bytes
// between an authenticated client session and its backend connection while
// snooping a copy of the backend's replies to detect transaction
// boundaries, which drive when (or whether) the backend is returned to the
// pool between client messages.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/pgconduit/pgconduit/internal/pgwire"
	"github.com/pgconduit/pgconduit/internal/pool"
	"github.com/pgconduit/pgconduit/internal/poolerr"
	"github.com/pgconduit/pgconduit/internal/session"
)

// Engine drives one client session's relay loop against a pool Manager.
type Engine struct {
	Manager *pool.Manager
	Mode    pool.Mode
	Log     *slog.Logger
}

// New constructs an Engine. log may be nil, in which case slog.Default is
// used.
func New(mgr *pool.Manager, mode pool.Mode, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{Manager: mgr, Mode: mode, Log: log}
}

// Serve runs the relay loop for client until the client disconnects, sends
// Terminate, or a protocol/backend error occurs. It always attempts to
// release whatever backend it is holding before returning.
func (e *Engine) Serve(ctx context.Context, c *session.Client, password string) error {
	// c.Backend is already set when Negotiate acquired it at login time for
	// pool_mode=session; every other mode starts with a nil backend and
	// acquires lazily below.
	backend := c.Backend
	defer func() {
		if backend != nil {
			e.Manager.Release(c.ID, backend, true)
		}
	}()

	for {
		c.ApplyIdleDeadline()
		tag, _, err := c.Reader.PeekHeader()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				e.Log.Info("closing idle client session", "session", c.ID)
				return nil
			}
			return poolerr.Protocol("reading client frame: %v", err)
		}

		if backend == nil {
			// A Terminate with no backend held needs none: end the session
			// without acquiring one.
			if tag == pgwire.MsgTerminate {
				return nil
			}
			backend, err = e.Manager.Acquire(ctx, c.Key, c.ID, password)
			if err != nil {
				e.Log.Warn("assignment exhausted mid-session", "session", c.ID, "error", err)
				e.emitFatal(c, "No available connections")
				if _, derr := c.Reader.ReadMessage(); derr != nil {
					return poolerr.Protocol("draining client frame after exhaustion: %v", derr)
				}
				continue
			}
		}

		if err := e.relayClientFrame(c, backend, tag); err != nil {
			e.Manager.Release(c.ID, backend, false)
			backend = nil
			e.failBackend(c, err)
			return err
		}

		if tag == pgwire.MsgTerminate {
			return nil
		}

		txStatus, err := e.pumpBackendReplies(c, backend)
		if err != nil {
			e.Manager.Release(c.ID, backend, false)
			backend = nil
			e.failBackend(c, err)
			return err
		}

		if e.shouldRelease(txStatus) {
			e.Manager.Release(c.ID, backend, true)
			backend = nil
		}
	}
}

// failBackend emits the per-backend fault-handling ErrorResponse when err
// was raised against the backend connection itself; a failure that
// originated from the client's own malformed bytes closes without a
// message, matching the protocol-error taxonomy.
func (e *Engine) failBackend(c *session.Client, err error) {
	if poolerr.IsBackend(err) {
		e.emitFatal(c, "Server connection error")
	}
}

func (e *Engine) emitFatal(c *session.Client, message string) {
	if err := c.Writer.WriteFatalError(message); err != nil {
		return
	}
	_ = c.BufWriter().Flush()
}

// shouldRelease reports whether the backend should be returned to the pool
// after the exchange that just completed, per the active pool mode. Session
// mode never releases here; the backend is only released when the client
// session itself ends.
func (e *Engine) shouldRelease(txStatus byte) bool {
	switch e.Mode {
	case pool.ModeStatement:
		return true
	case pool.ModeTransaction:
		return txStatus == pgwire.TxStatusIdle
	case pool.ModeSession:
		return false
	default:
		return txStatus == pgwire.TxStatusIdle
	}
}

// relayClientFrame forwards exactly one client-originated frame to the
// backend. Simple Query text is sniffed (not parsed) for the leading verb
// purely as an advisory log hint; the authoritative boundary signal is
// always the backend's own ReadyForQuery status byte, read in
// pumpBackendReplies.
func (e *Engine) relayClientFrame(c *session.Client, backend *pool.Conn, tag byte) error {
	if tag == pgwire.MsgQuery {
		msg, err := c.Reader.ReadMessage()
		if err != nil {
			return poolerr.Protocol("reading query message: %v", err)
		}
		if sql, err := pgwire.QueryString(msg.Data); err == nil {
			e.logVerbHint(c, sql)
		}
		if err := backend.Writer.WriteMessage(tag, msg.Data); err != nil {
			return poolerr.Backend("writing query to backend: %v", err)
		}
		return flush(backend)
	}

	if _, err := c.Reader.Forward(backend.BufWriter()); err != nil {
		return poolerr.Protocol("forwarding client frame: %v", err)
	}
	return flush(backend)
}

func (e *Engine) logVerbHint(c *session.Client, sql string) {
	verb := leadingVerb(sql)
	switch verb {
	case "BEGIN", "START":
		e.Log.Debug("client verb hint: transaction start", "session", c.ID)
	case "COMMIT", "END":
		e.Log.Debug("client verb hint: transaction commit", "session", c.ID)
	case "ROLLBACK", "ABORT":
		e.Log.Debug("client verb hint: transaction rollback", "session", c.ID)
	}
}

func leadingVerb(sql string) string {
	trimmed := strings.TrimSpace(sql)
	end := strings.IndexAny(trimmed, " ;\t\n")
	if end == -1 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}

// pumpBackendReplies forwards every frame the backend sends until and
// including the ReadyForQuery that closes out the exchange, and returns its
// transaction status byte.
func (e *Engine) pumpBackendReplies(c *session.Client, backend *pool.Conn) (byte, error) {
	for {
		tag, _, err := backend.Reader.PeekHeader()
		if err != nil {
			return 0, poolerr.Backend("reading backend frame: %v", err)
		}

		if tag == pgwire.MsgReadyForQuery {
			msg, err := backend.Reader.ReadMessage()
			if err != nil {
				return 0, poolerr.Backend("reading ReadyForQuery: %v", err)
			}
			if err := c.Writer.WriteMessage(tag, msg.Data); err != nil {
				return 0, poolerr.Protocol("writing ReadyForQuery to client: %v", err)
			}
			if err := clientFlush(c); err != nil {
				return 0, err
			}
			if len(msg.Data) == 0 {
				return pgwire.TxStatusIdle, nil
			}
			return msg.Data[0], nil
		}

		if _, err := backend.Reader.Forward(c.BufWriter()); err != nil {
			return 0, poolerr.Backend("forwarding backend frame: %v", err)
		}
	}
}

func flush(c *pool.Conn) error {
	if err := c.BufWriter().Flush(); err != nil {
		return poolerr.Backend("flushing write to backend: %v", err)
	}
	return nil
}

func clientFlush(c *session.Client) error {
	if err := c.BufWriter().Flush(); err != nil {
		return poolerr.Protocol("flushing write to client: %v", err)
	}
	return nil
}
