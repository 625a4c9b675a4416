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

package pool

import (
	"fmt"
	"time"

	"github.com/pgconduit/pgconduit/internal/tlsconf"
)

// Mode selects when a backend connection is returned to its free list
// relative to client activity.
type Mode string

const (
	// ModeSession holds a backend for the lifetime of the client session.
	ModeSession Mode = "session"
	// ModeTransaction releases the backend back to the pool at each
	// transaction boundary (ReadyForQuery with Idle status).
	ModeTransaction Mode = "transaction"
	// ModeStatement releases the backend after every single statement,
	// refusing to span a multi-statement transaction across pool borrows.
	ModeStatement Mode = "statement"
)

// Set implements pflag.Value so Mode can be bound directly to a flag.
func (m *Mode) Set(s string) error {
	switch Mode(s) {
	case ModeSession, ModeTransaction, ModeStatement:
		*m = Mode(s)
		return nil
	default:
		return fmt.Errorf("invalid pool mode %q (want session, transaction, or statement)", s)
	}
}

func (m *Mode) String() string { return string(*m) }

func (m *Mode) Type() string { return "pool.Mode" }

// Config holds the tunables that drive one Manager, corresponding to the
// configuration keys this proxy exposes.
type Config struct {
	BackendAddr string
	TLSMode     tlsconf.Mode
	TLSFiles    tlsconf.Files

	Mode Mode

	MaxClientConn int
	// PoolSize is a soft per-key target, accepted for configuration
	// compatibility but not enforced beyond MaxClientConn, matching the
	// teacher's own pool_size handling.
	PoolSize       int
	MaxIdlePerKey  int
	IdleTimeout    time.Duration
	MaxBackendLife time.Duration
	DialTimeout    time.Duration
}

// DefaultConfig returns a Config with the same fallbacks the teacher's own
// connection-pool configuration uses for unset fields.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeSession,
		MaxClientConn: 100,
		PoolSize:      20,
		MaxIdlePerKey: 10,
		IdleTimeout:   10 * time.Minute,
		DialTimeout:   5 * time.Second,
	}
}
