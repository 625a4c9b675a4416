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

// Package poolerr classifies the errors this proxy can raise into a small,
// stable taxonomy: protocol violations, policy rejections, resource
// exhaustion, backend failures, and timeouts. Each carries a gRPC status
// code (used here purely as a portable, well-known enumeration — this
// binary exposes no RPC service) and a short machine-stable ID, in the
// shape of the teacher's own error taxonomy.
package poolerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// PoolError is a classified proxy error.
type PoolError struct {
	Err  error
	ID   string
	Code codes.Code
}

func (e *PoolError) Error() string { return e.Err.Error() }

func (e *PoolError) Unwrap() error { return e.Err }

// Code returns the gRPC-style status code attached to err if it (or
// something it wraps) is a *PoolError, and codes.Unknown otherwise.
func Code(err error) codes.Code {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return codes.Unknown
}

func classify(id string, code codes.Code, format string, args ...any) *PoolError {
	return &PoolError{
		Err:  fmt.Errorf(id+": "+format, args...),
		ID:   id,
		Code: code,
	}
}

// Protocol wraps a wire-format violation: malformed frames, an
// unsupported startup protocol version, an out-of-order message.
func Protocol(format string, args ...any) *PoolError {
	return classify("PGC001", codes.InvalidArgument, format, args...)
}

// Policy wraps a rejection driven by configuration or authorization:
// TLS required but not negotiated, authentication failure, a pool-mode
// operation attempted against an unsupported message.
func Policy(format string, args ...any) *PoolError {
	return classify("PGC002", codes.PermissionDenied, format, args...)
}

// Exhausted wraps resource exhaustion: the global connection cap or a
// pool's acquire timeout.
func Exhausted(format string, args ...any) *PoolError {
	return classify("PGC003", codes.ResourceExhausted, format, args...)
}

// Backend wraps a failure surfaced by, or while talking to, a backend
// PostgreSQL server: dial failure, unexpected disconnect, authentication
// rejected by the backend.
func Backend(format string, args ...any) *PoolError {
	return classify("PGC004", codes.Unavailable, format, args...)
}

// Timeout wraps an idle-client, login, or acquire timeout.
func Timeout(format string, args ...any) *PoolError {
	return classify("PGC005", codes.DeadlineExceeded, format, args...)
}

// IsBackend reports whether err was raised via Backend.
func IsBackend(err error) bool {
	var pe *PoolError
	return errors.As(err, &pe) && pe.ID == "PGC004"
}
