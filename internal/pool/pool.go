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

// Package pool implements the connection pool manager: per-(database,user)
// free lists of backend connections, a global connection cap, the
// session-mode pin map, and idle eviction.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgconduit/pgconduit/internal/poolerr"
)

// keyPool holds the free-list state for one Key. The free list itself is
// lock-free; the idle and lifetime-created counts reported by Stats are kept
// in separate atomic counters beside it.
type keyPool struct {
	free  freeStack[*Conn]
	idle  atomic.Int64
	total atomic.Int64 // connections ever created under this key, for Stats
}

// Manager owns every backend connection this proxy has open, partitioned by
// Key, plus the session-pin map used only in session mode. All mutation of
// the key-pool map and the pin map happens under a single mutex, per the
// "single serialization discipline" requirement; the free lists themselves
// are lock-free and sit outside that discipline since they have no
// cross-key invariant to protect.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	pools  map[Key]*keyPool
	pinned map[string]*Conn // sessionID -> pinned backend, session mode only

	totalConns atomic.Int64 // global count across all keys, enforces MaxClientConn

	closed atomic.Bool
}

// NewManager constructs a Manager for the given configuration.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		log:    log,
		pools:  make(map[Key]*keyPool),
		pinned: make(map[string]*Conn),
	}
}

// Mode reports the release policy this manager was configured with.
func (m *Manager) Mode() Mode { return m.cfg.Mode }

func (m *Manager) keyPoolFor(key Key) *keyPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	kp, ok := m.pools[key]
	if !ok {
		kp = &keyPool{}
		m.pools[key] = kp
	}
	return kp
}

// Acquire returns a backend connection for key, reusing an idle one from
// the free list when available and otherwise dialing a new one, subject to
// MaxClientConn. sessionID and password are only consulted for session-mode
// re-pinning and backend authentication respectively.
func (m *Manager) Acquire(ctx context.Context, key Key, sessionID, password string) (*Conn, error) {
	if m.closed.Load() {
		return nil, poolerr.Policy("pool manager is shut down")
	}

	if m.cfg.Mode == ModeSession {
		m.mu.Lock()
		if c, ok := m.pinned[sessionID]; ok {
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()
	}

	kp := m.keyPoolFor(key)

	if c := kp.free.pop(); c != nil {
		kp.idle.Add(-1)
		if c.IsExpired(m.cfg.IdleTimeout) || c.IsClosed() {
			_ = c.Close()
			m.totalConns.Add(-1)
		} else {
			c.MarkUsed()
			m.pinIfSession(sessionID, c)
			return c, nil
		}
	}

	c, err := m.dialWithBudget(ctx, key, password)
	if err != nil {
		return nil, err
	}
	m.pinIfSession(sessionID, c)
	return c, nil
}

func (m *Manager) pinIfSession(sessionID string, c *Conn) {
	if m.cfg.Mode != ModeSession || sessionID == "" {
		return
	}
	m.mu.Lock()
	m.pinned[sessionID] = c
	m.mu.Unlock()
}

// dialWithBudget reserves a slot against MaxClientConn before dialing, and
// releases it again if the dial fails, so a burst of failed dials can never
// wedge the global counter above capacity.
func (m *Manager) dialWithBudget(ctx context.Context, key Key, password string) (*Conn, error) {
	if m.cfg.MaxClientConn > 0 {
		if m.totalConns.Add(1) > int64(m.cfg.MaxClientConn) {
			m.totalConns.Add(-1)
			return nil, poolerr.Exhausted("global connection limit %d reached", m.cfg.MaxClientConn)
		}
	} else {
		m.totalConns.Add(1)
	}

	c, err := Dial(DialOptions{
		Addr:        m.cfg.BackendAddr,
		Key:         key,
		Password:    password,
		DialTimeout: m.cfg.DialTimeout,
		TLSMode:     m.cfg.TLSMode,
		TLSFiles:    m.cfg.TLSFiles,
	})
	if err != nil {
		m.totalConns.Add(-1)
		return nil, err
	}

	kp := m.keyPoolFor(key)
	kp.total.Add(1)
	return c, nil
}

// Release returns a backend connection to its Key's free list, or closes it
// outright if the pool is shut down, the connection is no longer usable, or
// the free list is already at MaxIdlePerKey. A connection that errored
// mid-use must never be repooled; callers pass healthy=false for that case.
func (m *Manager) Release(sessionID string, c *Conn, healthy bool) {
	if c == nil {
		return
	}

	if m.cfg.Mode == ModeSession {
		m.mu.Lock()
		delete(m.pinned, sessionID)
		m.mu.Unlock()
	}

	if !healthy || c.IsClosed() || m.closed.Load() {
		m.closeAndForget(c)
		return
	}

	kp := m.keyPoolFor(c.Key())
	if m.cfg.MaxIdlePerKey > 0 && kp.idle.Load() >= int64(m.cfg.MaxIdlePerKey) {
		m.closeAndForget(c)
		return
	}

	c.MarkUsed()
	kp.free.push(c)
	kp.idle.Add(1)
}

func (m *Manager) closeAndForget(c *Conn) {
	_ = c.Close()
	m.totalConns.Add(-1)
}

// EvictIdle closes every idle backend connection that has exceeded
// maxIdle, across all keys. It is intended to be run periodically by the
// caller (see Manager.RunEvictionLoop).
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	m.mu.Lock()
	pools := make(map[Key]*keyPool, len(m.pools))
	for k, v := range m.pools {
		pools[k] = v
	}
	m.mu.Unlock()

	evicted := 0
	for _, kp := range pools {
		var survivors []*Conn
		for {
			c := kp.free.pop()
			if c == nil {
				break
			}
			kp.idle.Add(-1)
			if c.IsExpired(maxIdle) {
				_ = c.Close()
				m.totalConns.Add(-1)
				evicted++
			} else {
				survivors = append(survivors, c)
			}
		}
		for _, c := range survivors {
			kp.free.push(c)
			kp.idle.Add(1)
		}
	}
	return evicted
}

// RunEvictionLoop runs EvictIdle on the given interval until ctx is
// cancelled. It is meant to be launched once as its own goroutine.
func (m *Manager) RunEvictionLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(m.cfg.IdleTimeout); n > 0 {
				m.log.Debug("evicted idle backend connections", "count", n)
			}
		}
	}
}

// Shutdown closes every connection the manager owns, idle or not. In-flight
// Acquire/Release calls racing with Shutdown may still briefly return or
// repool a connection; callers drain client sessions before calling this.
func (m *Manager) Shutdown() {
	m.closed.Store(true)

	m.mu.Lock()
	pools := make(map[Key]*keyPool, len(m.pools))
	for k, v := range m.pools {
		pools[k] = v
	}
	pinned := make([]*Conn, 0, len(m.pinned))
	for _, c := range m.pinned {
		pinned = append(pinned, c)
	}
	m.pinned = make(map[string]*Conn)
	m.mu.Unlock()

	for _, kp := range pools {
		for {
			c := kp.free.pop()
			if c == nil {
				break
			}
			_ = c.Close()
		}
	}
	for _, c := range pinned {
		_ = c.Close()
	}
}

// Stats is a point-in-time snapshot of pool occupancy, used for tests and
// any future status surface. It drives no pooling decision.
type Stats struct {
	TotalConns int64
	PerKey     map[Key]KeyStats
}

// KeyStats is the per-Key portion of Stats.
type KeyStats struct {
	Idle            int64
	CreatedLifetime int64
}

// Stats returns a snapshot of current pool occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{
		TotalConns: m.totalConns.Load(),
		PerKey:     make(map[Key]KeyStats, len(m.pools)),
	}
	for k, kp := range m.pools {
		s.PerKey[k] = KeyStats{
			Idle:            kp.idle.Load(),
			CreatedLifetime: kp.total.Load(),
		}
	}
	return s
}
