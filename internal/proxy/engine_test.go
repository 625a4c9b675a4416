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

package proxy

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgconduit/pgconduit/internal/pgwire"
	"github.com/pgconduit/pgconduit/internal/pool"
	"github.com/pgconduit/pgconduit/internal/session"
)

// fakeBackend speaks just enough of the backend side of the protocol to
// drive the engine's release-policy decisions: it completes the startup
// handshake and tracks transaction status across BEGIN/COMMIT/ROLLBACK the
// way a real PostgreSQL server would, so ReadyForQuery carries a meaningful
// status byte rather than a fixed one.
type fakeBackend struct {
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	accepted int
	txStatus byte
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBackend{ln: ln, txStatus: pgwire.TxStatusIdle}
	go fb.serve()
	t.Cleanup(func() {
		_ = ln.Close()
		fb.closeAll()
	})
	return fb
}

func (fb *fakeBackend) addr() string { return fb.ln.Addr().String() }

func (fb *fakeBackend) serve() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.accepted++
		fb.mu.Unlock()
		go fb.handle(conn)
	}
}

func (fb *fakeBackend) handle(conn net.Conn) {
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	r := pgwire.NewReader(br)
	w := pgwire.NewWriter(bw)

	if _, err := r.ReadStartupPacket(); err != nil {
		return
	}
	if err := w.WriteAuthenticationOK(); err != nil {
		return
	}
	if err := w.WriteReadyForQuery(pgwire.TxStatusIdle); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}

	for {
		tag, _, err := r.PeekHeader()
		if err != nil {
			return
		}
		msg, err := r.ReadMessage()
		if err != nil {
			return
		}
		if tag == pgwire.MsgTerminate {
			return
		}
		if tag != pgwire.MsgQuery {
			continue
		}

		sql, _ := pgwire.QueryString(msg.Data)
		verb := strings.ToUpper(strings.TrimSpace(sql))
		fb.mu.Lock()
		switch {
		case strings.HasPrefix(verb, "BEGIN"):
			fb.txStatus = pgwire.TxStatusInTx
		case strings.HasPrefix(verb, "COMMIT"), strings.HasPrefix(verb, "ROLLBACK"):
			fb.txStatus = pgwire.TxStatusIdle
		}
		status := fb.txStatus
		fb.mu.Unlock()

		if err := w.WriteCommandComplete("SELECT 1"); err != nil {
			return
		}
		if err := w.WriteReadyForQuery(status); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
	}
}

func (fb *fakeBackend) closeAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.conns {
		_ = c.Close()
	}
}

func (fb *fakeBackend) acceptedCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.accepted
}

func newTestManager(addr string, mode pool.Mode, maxClientConn int) *pool.Manager {
	return pool.NewManager(pool.Config{
		BackendAddr:   addr,
		Mode:          mode,
		MaxClientConn: maxClientConn,
		MaxIdlePerKey: 5,
		DialTimeout:   2 * time.Second,
	}, nil)
}

// testClient drives the client half of a net.Pipe as a raw pgwire peer,
// standing in for a socket-connected client driving the engine.
type testClient struct {
	t  *testing.T
	r  *pgwire.Reader
	w  *pgwire.Writer
	bw *bufio.Writer
}

func newTestClient(t *testing.T, conn net.Conn) *testClient {
	t.Helper()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)
	return &testClient{t: t, r: pgwire.NewReader(br), w: pgwire.NewWriter(bw), bw: bw}
}

func (tc *testClient) sendQuery(sql string) {
	tc.t.Helper()
	require.NoError(tc.t, tc.w.WriteQuery(sql))
	require.NoError(tc.t, tc.bw.Flush())
}

func (tc *testClient) sendTerminate() {
	tc.t.Helper()
	require.NoError(tc.t, tc.w.WriteTerminate())
	require.NoError(tc.t, tc.bw.Flush())
}

// readUntilReadyForQuery discards frames until it sees ReadyForQuery and
// returns its transaction status byte.
func (tc *testClient) readUntilReadyForQuery() byte {
	tc.t.Helper()
	for {
		msg, err := tc.r.ReadMessage()
		require.NoError(tc.t, err)
		if msg.Type == pgwire.MsgReadyForQuery {
			require.Len(tc.t, msg.Data, 1)
			return msg.Data[0]
		}
	}
}

func (tc *testClient) readErrorMessage() string {
	tc.t.Helper()
	msg, err := tc.r.ReadMessage()
	require.NoError(tc.t, err)
	require.Equal(tc.t, byte(pgwire.MsgErrorResponse), msg.Type)
	fields, err := pgwire.ErrorFields(msg.Data)
	require.NoError(tc.t, err)
	return fields[pgwire.FieldMessage]
}

// newEngineTestSession builds a session.Client directly on one end of a
// net.Pipe, bypassing Negotiate entirely: these tests drive Engine.Serve in
// isolation, so only the fields Serve actually reads (Reader, Writer,
// BufWriter, ID, Key, Backend) need to be populated.
func newEngineTestSession(t *testing.T, key pool.Key) (*session.Client, *testClient) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })
	c := session.Accept(serverSide, session.Options{}, 4096)
	c.Key = key
	return c, newTestClient(t, clientSide)
}

func runEngine(t *testing.T, e *Engine, c *session.Client, password string) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- e.Serve(t.Context(), c, password) }()
	return errCh
}

func TestEngineStatementModeReusesOneBackend(t *testing.T) {
	fb := startFakeBackend(t)
	key := pool.Key{User: "app", Database: "app"}
	mgr := newTestManager(fb.addr(), pool.ModeStatement, 10)
	e := New(mgr, pool.ModeStatement, nil)
	c, tc := newEngineTestSession(t, key)

	errCh := runEngine(t, e, c, "")

	tc.sendQuery("SELECT 1")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())

	tc.sendQuery("SELECT 2")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())

	tc.sendTerminate()
	require.NoError(t, <-errCh)

	require.Equal(t, 1, fb.acceptedCount(), "statement mode should reuse one dialed backend across releases")
	require.Equal(t, int64(1), mgr.Stats().PerKey[key].Idle)
}

func TestEngineTransactionModeReleasesOnlyAfterCommit(t *testing.T) {
	fb := startFakeBackend(t)
	key := pool.Key{User: "app", Database: "app"}
	mgr := newTestManager(fb.addr(), pool.ModeTransaction, 10)
	e := New(mgr, pool.ModeTransaction, nil)
	c, tc := newEngineTestSession(t, key)

	errCh := runEngine(t, e, c, "")

	tc.sendQuery("BEGIN")
	require.Equal(t, byte(pgwire.TxStatusInTx), tc.readUntilReadyForQuery())
	require.Equal(t, int64(0), mgr.Stats().PerKey[key].Idle, "backend must stay held inside an open transaction")

	tc.sendQuery("SELECT 1")
	require.Equal(t, byte(pgwire.TxStatusInTx), tc.readUntilReadyForQuery())

	tc.sendQuery("COMMIT")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())
	require.Eventually(t, func() bool {
		return mgr.Stats().PerKey[key].Idle == 1
	}, time.Second, time.Millisecond, "backend should be released once the transaction commits")

	tc.sendTerminate()
	require.NoError(t, <-errCh)
}

func TestEngineSessionModeNeverReleasesBetweenQueries(t *testing.T) {
	fb := startFakeBackend(t)
	key := pool.Key{User: "app", Database: "app"}
	mgr := newTestManager(fb.addr(), pool.ModeSession, 10)
	e := New(mgr, pool.ModeSession, nil)
	c, tc := newEngineTestSession(t, key)

	// pool_mode=session acquires at login time, before the engine ever sees
	// the session; reproduce that handoff directly rather than through
	// Negotiate, which this test deliberately does not exercise.
	backend, err := mgr.Acquire(t.Context(), key, c.ID, "")
	require.NoError(t, err)
	c.Backend = backend

	errCh := runEngine(t, e, c, "")

	tc.sendQuery("SELECT 1")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())
	require.Equal(t, int64(0), mgr.Stats().PerKey[key].Idle, "session mode must not release between queries")

	tc.sendQuery("SELECT 2")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())
	require.Equal(t, int64(0), mgr.Stats().PerKey[key].Idle)

	tc.sendTerminate()
	require.NoError(t, <-errCh)
	require.Equal(t, int64(1), mgr.Stats().PerKey[key].Idle, "the backend is only released once the session itself ends")
}

// TestEngineEmitsNoAvailableConnectionsAndSurvives covers assignment
// exhaustion: a mid-session acquire failure must emit the client-visible
// "No available connections" ErrorResponse and keep the session alive for
// the client's next try, rather than tearing the connection down.
func TestEngineEmitsNoAvailableConnectionsAndSurvives(t *testing.T) {
	fb := startFakeBackend(t)
	key := pool.Key{User: "app", Database: "app"}
	mgr := newTestManager(fb.addr(), pool.ModeTransaction, 1)
	e := New(mgr, pool.ModeTransaction, nil)

	cA, tcA := newEngineTestSession(t, key)
	errChA := runEngine(t, e, cA, "")

	// A holds the pool's only global slot inside an open transaction.
	tcA.sendQuery("BEGIN")
	require.Equal(t, byte(pgwire.TxStatusInTx), tcA.readUntilReadyForQuery())

	cB, tcB := newEngineTestSession(t, key)
	errChB := runEngine(t, e, cB, "")

	tcB.sendQuery("SELECT 1")
	require.Equal(t, "No available connections", tcB.readErrorMessage())

	// A commits and frees its backend back onto the shared key's free list.
	tcA.sendQuery("COMMIT")
	require.Equal(t, byte(pgwire.TxStatusIdle), tcA.readUntilReadyForQuery())

	// B retries; the freed backend is now available without a new dial.
	require.Eventually(t, func() bool {
		return mgr.Stats().PerKey[key].Idle == 1
	}, time.Second, time.Millisecond)
	tcB.sendQuery("SELECT 1")
	require.Equal(t, byte(pgwire.TxStatusIdle), tcB.readUntilReadyForQuery())

	tcA.sendTerminate()
	require.NoError(t, <-errChA)
	tcB.sendTerminate()
	require.NoError(t, <-errChB)
}

// TestEngineEmitsServerConnectionErrorOnBackendFailure covers per-backend
// fault handling: a failure while relaying against an already-acquired
// backend must emit "Server connection error" and end only this session.
func TestEngineEmitsServerConnectionErrorOnBackendFailure(t *testing.T) {
	fb := startFakeBackend(t)
	key := pool.Key{User: "app", Database: "app"}
	mgr := newTestManager(fb.addr(), pool.ModeTransaction, 10)
	e := New(mgr, pool.ModeTransaction, nil)
	c, tc := newEngineTestSession(t, key)

	errCh := runEngine(t, e, c, "")

	tc.sendQuery("SELECT 1")
	require.Equal(t, byte(pgwire.TxStatusIdle), tc.readUntilReadyForQuery())
	require.Equal(t, 1, fb.acceptedCount())

	// The backend is idle in the free list; kill it out from under the pool
	// so the next use fails mid-relay rather than at acquire time.
	fb.closeAll()

	tc.sendQuery("SELECT 2")
	require.Equal(t, "Server connection error", tc.readErrorMessage())

	err := <-errCh
	require.Error(t, err, "a per-backend fault ends the session instead of surviving it")
}
