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

// Package session implements the client-side connection state machine: the
// sequence a single client socket moves through from acceptance to close,
// independent of how its bytes are eventually proxied to a backend.
package session

import "fmt"

// State is one stage of a client connection's lifecycle.
type State int

const (
	// StateNew is assigned immediately after accept, before any bytes have
	// been read.
	StateNew State = iota
	// StateNegotiatingTLS is entered when the client's first packet is an
	// SSLRequest and lasts until the TLS handshake completes or is refused.
	StateNegotiatingTLS
	// StateAuthenticating covers the startup message through the
	// authentication exchange, ending at ReadyForQuery.
	StateAuthenticating
	// StateActive is the steady state: the proxy is relaying bytes between
	// this client and a backend.
	StateActive
	// StateClosed is terminal; no further transitions are valid.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNegotiatingTLS:
		return "negotiating_tls"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates every state change this machine allows. A
// transition not listed here is a protocol or logic error.
var validTransitions = map[State]map[State]bool{
	StateNew: {
		StateNegotiatingTLS: true,
		StateAuthenticating: true,
		StateClosed:         true,
	},
	StateNegotiatingTLS: {
		StateAuthenticating: true,
		StateClosed:         true,
	},
	StateAuthenticating: {
		StateActive: true,
		StateClosed: true,
	},
	StateActive: {
		StateClosed: true,
	},
	StateClosed: {},
}

// Machine tracks one client connection's current state and enforces that
// only valid transitions occur.
type Machine struct {
	state State
}

// NewMachine returns a Machine in StateNew.
func NewMachine() *Machine {
	return &Machine{state: StateNew}
}

// Current returns the machine's current state.
func (m *Machine) Current() State { return m.state }

// Transition moves the machine to next, returning an error if the move is
// not allowed from the current state.
func (m *Machine) Transition(next State) error {
	allowed, ok := validTransitions[m.state]
	if !ok || !allowed[next] {
		return fmt.Errorf("session: invalid transition from %s to %s", m.state, next)
	}
	m.state = next
	return nil
}
