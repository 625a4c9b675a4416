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

package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pgconduit/pgconduit/internal/pgwire"
	"github.com/pgconduit/pgconduit/internal/pool"
	"github.com/pgconduit/pgconduit/internal/poolerr"
)

// AuthMode selects how the client side authenticates a connecting client.
type AuthMode string

const (
	AuthTrust     AuthMode = "trust"
	AuthCleartext AuthMode = "cleartext"
	AuthMD5       AuthMode = "md5"
)

// Options configures a Client's startup behavior.
type Options struct {
	AuthMode       AuthMode
	PasswordLookup func(user, database string) (string, bool)
	TLSConfig      *tls.Config // nil disables TLS entirely
	RequireTLS     bool
	LoginTimeout   time.Duration
	IdleTimeout    time.Duration
	ServerParams   map[string]string
	// Pool, if set, is consulted during Negotiate for pool_mode=session,
	// where the backend is acquired at login time rather than lazily by the
	// proxy engine on the first client frame. Other modes ignore it; the
	// engine performs their acquire itself.
	Pool *pool.Manager
}

// Client is one accepted client socket, carried through negotiation and
// authentication up to the point where the proxy engine takes over relaying
// bytes. Client owns the state machine; ID, Key, and BackendKey are filled
// in as startup proceeds.
type Client struct {
	ID         string
	Key        pool.Key
	BackendKey [8]byte // process ID + secret key sent to the client

	// Backend is set by Negotiate only for pool_mode=session, where the
	// backend is acquired at login time; the proxy engine picks it up
	// instead of performing its own lazy first-frame acquire.
	Backend *pool.Conn

	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	Reader  *pgwire.Reader
	Writer  *pgwire.Writer

	machine *Machine
	opts    Options
}

// Accept wraps an accepted socket and assigns it a random session ID,
// grounded on the teacher's crypto/rand-backed backend-key generator.
func Accept(netConn net.Conn, opts Options, bufSize int) *Client {
	br := bufio.NewReaderSize(netConn, bufSize)
	bw := bufio.NewWriterSize(netConn, bufSize)
	return &Client{
		ID:      generateSessionID(),
		netConn: netConn,
		br:      br,
		bw:      bw,
		Reader:  pgwire.NewReader(br),
		Writer:  pgwire.NewWriter(bw),
		machine: NewMachine(),
		opts:    opts,
	}
}

// State returns the client's current state-machine state.
func (c *Client) State() State { return c.machine.Current() }

// Conn returns the underlying net.Conn, which Negotiate may have replaced
// with a *tls.Conn.
func (c *Client) Conn() net.Conn { return c.netConn }

// BufWriter exposes the client's buffered writer so the proxy engine can
// forward raw, unparsed backend frame bytes directly onto it.
func (c *Client) BufWriter() *bufio.Writer { return c.bw }

// ApplyIdleDeadline resets the socket's read deadline ahead of waiting for
// the client's next frame, enforcing client_idle_timeout. A zero IdleTimeout
// disables the deadline.
func (c *Client) ApplyIdleDeadline() {
	if c.opts.IdleTimeout > 0 {
		_ = c.netConn.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	}
}

// Negotiate drives the client through TLS negotiation, the startup
// message, and authentication, leaving it in StateActive and ready for the
// proxy engine to take over. It records the requested database/user in
// c.Key and returns the client-supplied startup parameters. Every rejection named
// by the client-session state machine's transition table is flushed to the
// client as an ErrorResponse before the connection closes; a bare parse
// failure closes silently.
func (c *Client) Negotiate(ctx context.Context) (map[string]string, error) {
	if c.opts.LoginTimeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(c.opts.LoginTimeout))
	}
	defer func() {
		_ = c.netConn.SetDeadline(time.Time{})
	}()

	pkt, err := c.Reader.ReadStartupPacket()
	if err != nil {
		return nil, c.loginFail(err, "reading startup packet: %v", err)
	}

	if pkt.IsGSSEncRequest() {
		if err := c.refuseNegotiation(); err != nil {
			return nil, err
		}
		pkt, err = c.Reader.ReadStartupPacket()
		if err != nil {
			return nil, c.loginFail(err, "reading startup packet after GSS refusal: %v", err)
		}
	}

	if pkt.IsSSLRequest() {
		if err := c.machine.Transition(StateNegotiatingTLS); err != nil {
			return nil, err
		}
		pkt, err = c.negotiateTLS()
		if err != nil {
			return nil, err
		}
	} else if c.opts.RequireTLS {
		c.emitFatal("Server requires TLS")
		_ = c.machine.Transition(StateClosed)
		return nil, poolerr.Policy("TLS is required but client did not request it")
	}

	if pkt.IsCancelRequest() {
		return nil, poolerr.Protocol("cancel requests are not served on this listener")
	}

	if err := c.machine.Transition(StateAuthenticating); err != nil {
		return nil, err
	}

	user := pkt.Parameters["user"]
	database := pkt.Parameters["database"]
	if database == "" {
		database = user
	}
	c.Key = pool.Key{User: user, Database: database}

	if err := c.authenticate(); err != nil {
		return nil, err
	}

	if err := c.acquireForSession(ctx); err != nil {
		_ = c.machine.Transition(StateClosed)
		return nil, err
	}

	if err := c.sendWelcome(); err != nil {
		return nil, err
	}

	if err := c.machine.Transition(StateActive); err != nil {
		return nil, err
	}
	return pkt.Parameters, nil
}

// acquireForSession performs the pool manager's acquire at login time for
// pool_mode=session, where the client is told it is Active only once a
// backend is actually pinned to it. Transaction and statement mode acquire
// lazily, inside the proxy engine, and are left alone here.
func (c *Client) acquireForSession(ctx context.Context) error {
	if c.opts.Pool == nil || c.opts.Pool.Mode() != pool.ModeSession {
		return nil
	}
	password, _ := c.lookupPassword()
	backend, err := c.opts.Pool.Acquire(ctx, c.Key, c.ID, password)
	if err != nil {
		c.emitFatal("Connection pool exhausted")
		return err
	}
	c.Backend = backend
	return nil
}

// emitFatal writes a pooler-synthesized ErrorResponse to the client,
// best-effort: the connection is being torn down regardless of whether the
// write succeeds.
func (c *Client) emitFatal(message string) {
	if err := c.Writer.WriteFatalError(message); err != nil {
		return
	}
	_ = c.bw.Flush()
}

// loginFail classifies a read failure that occurred before the client
// reached StateActive. A deadline exceeded on the login-timeout-bounded
// socket gets a client-visible "Login timeout" ErrorResponse; any other
// read failure is a bare protocol error and closes silently.
func (c *Client) loginFail(err error, format string, args ...any) error {
	if isTimeout(err) {
		c.emitFatal("Login timeout")
		return poolerr.Timeout(format, args...)
	}
	return poolerr.Protocol(format, args...)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) refuseNegotiation() error {
	if err := c.Writer.WriteSSLResponse(false); err != nil {
		return poolerr.Protocol("refusing GSS negotiation: %v", err)
	}
	return c.bw.Flush()
}

// negotiateTLS answers the SSLRequest and, if accepted, performs a full
// TLS server handshake over the raw socket, then re-reads the real startup
// packet over the encrypted channel.
func (c *Client) negotiateTLS() (*pgwire.StartupPacket, error) {
	if c.opts.TLSConfig == nil {
		if err := c.Writer.WriteSSLResponse(false); err != nil {
			return nil, poolerr.Protocol("refusing TLS: %v", err)
		}
		if err := c.bw.Flush(); err != nil {
			return nil, poolerr.Protocol("flushing TLS refusal: %v", err)
		}
		if c.opts.RequireTLS {
			c.emitFatal("Server requires TLS")
			return nil, poolerr.Policy("TLS is required but no server certificate is configured")
		}
		pkt, err := c.Reader.ReadStartupPacket()
		if err != nil {
			return nil, c.loginFail(err, "reading startup packet after TLS refusal: %v", err)
		}
		return pkt, nil
	}

	if err := c.Writer.WriteSSLResponse(true); err != nil {
		return nil, poolerr.Protocol("accepting TLS: %v", err)
	}
	if err := c.bw.Flush(); err != nil {
		return nil, poolerr.Protocol("flushing TLS acceptance: %v", err)
	}

	tlsConn := tls.Server(c.netConn, c.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return nil, poolerr.Policy("TLS handshake: %v", err)
	}
	c.netConn = tlsConn
	c.br = bufio.NewReaderSize(tlsConn, c.br.Size())
	c.bw = bufio.NewWriterSize(tlsConn, c.bw.Size())
	c.Reader = pgwire.NewReader(c.br)
	c.Writer = pgwire.NewWriter(c.bw)

	pkt, err := c.Reader.ReadStartupPacket()
	if err != nil {
		return nil, c.loginFail(err, "reading startup packet over TLS: %v", err)
	}
	return pkt, nil
}

func (c *Client) authenticate() error {
	switch c.opts.AuthMode {
	case "", AuthTrust:
		return c.Writer.WriteAuthenticationOK()
	case AuthCleartext:
		return c.authCleartext()
	case AuthMD5:
		return c.authMD5()
	default:
		return poolerr.Policy("unsupported client authentication mode %q", c.opts.AuthMode)
	}
}

func (c *Client) authCleartext() error {
	if err := c.Writer.WriteAuthenticationCleartextPassword(); err != nil {
		return poolerr.Protocol("requesting cleartext password: %v", err)
	}
	if err := c.bw.Flush(); err != nil {
		return poolerr.Protocol("flushing password request: %v", err)
	}
	msg, err := c.Reader.ReadMessage()
	if err != nil {
		return c.loginFail(err, "reading password message: %v", err)
	}
	if msg.Type != pgwire.MsgPasswordMessage {
		return poolerr.Protocol("expected PasswordMessage, got %q", msg.Type)
	}
	supplied := trimNull(msg.Data)
	if !c.passwordOK(supplied) {
		return poolerr.Policy("password authentication failed for user %q", c.Key.User)
	}
	return c.Writer.WriteAuthenticationOK()
}

func (c *Client) authMD5() error {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return poolerr.Protocol("generating MD5 salt: %v", err)
	}
	if err := c.Writer.WriteAuthenticationMD5Password(salt); err != nil {
		return poolerr.Protocol("requesting MD5 password: %v", err)
	}
	if err := c.bw.Flush(); err != nil {
		return poolerr.Protocol("flushing MD5 password request: %v", err)
	}
	msg, err := c.Reader.ReadMessage()
	if err != nil {
		return c.loginFail(err, "reading MD5 password message: %v", err)
	}
	if msg.Type != pgwire.MsgPasswordMessage {
		return poolerr.Protocol("expected PasswordMessage, got %q", msg.Type)
	}
	password, ok := c.lookupPassword()
	if !ok {
		return poolerr.Policy("unknown user %q", c.Key.User)
	}
	want := pool.MD5Password(password, c.Key.User, salt[:])
	if trimNull(msg.Data) != want {
		return poolerr.Policy("password authentication failed for user %q", c.Key.User)
	}
	return c.Writer.WriteAuthenticationOK()
}

func (c *Client) passwordOK(supplied string) bool {
	want, ok := c.lookupPassword()
	return ok && want == supplied
}

func (c *Client) lookupPassword() (string, bool) {
	if c.opts.PasswordLookup == nil {
		return "", false
	}
	return c.opts.PasswordLookup(c.Key.User, c.Key.Database)
}

func (c *Client) sendWelcome() error {
	params := c.opts.ServerParams
	if params == nil {
		params = map[string]string{"server_version": "16.0", "client_encoding": "UTF8"}
	}
	for name, value := range params {
		if err := c.Writer.WriteParameterStatus(name, value); err != nil {
			return poolerr.Protocol("sending ParameterStatus: %v", err)
		}
	}
	if _, err := rand.Read(c.BackendKey[:]); err != nil {
		return poolerr.Protocol("generating backend key: %v", err)
	}
	processID := int32(binary.BigEndian.Uint32(c.BackendKey[:4]))
	secretKey := int32(binary.BigEndian.Uint32(c.BackendKey[4:]))
	if err := c.Writer.WriteBackendKeyData(processID, secretKey); err != nil {
		return poolerr.Protocol("sending BackendKeyData: %v", err)
	}
	if err := c.Writer.WriteReadyForQuery(pgwire.TxStatusIdle); err != nil {
		return poolerr.Protocol("sending ReadyForQuery: %v", err)
	}
	return c.bw.Flush()
}

// Close closes the underlying connection and marks the state machine
// closed, regardless of what state it was in.
func (c *Client) Close() error {
	_ = c.machine.Transition(StateClosed)
	return c.netConn.Close()
}

func generateSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", b)
}

func trimNull(b []byte) string {
	if len(b) > 0 && b[len(b)-1] == 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}
