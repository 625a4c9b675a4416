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

package poolerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestConstructorsAttachExpectedCodes(t *testing.T) {
	require.Equal(t, codes.InvalidArgument, Code(Protocol("bad frame")))
	require.Equal(t, codes.PermissionDenied, Code(Policy("nope")))
	require.Equal(t, codes.ResourceExhausted, Code(Exhausted("full")))
	require.Equal(t, codes.Unavailable, Code(Backend("down")))
	require.Equal(t, codes.DeadlineExceeded, Code(Timeout("slow")))
}

func TestCodeUnknownForUnclassifiedError(t *testing.T) {
	require.Equal(t, codes.Unknown, Code(errors.New("plain")))
}

func TestIsBackendOnlyMatchesBackendErrors(t *testing.T) {
	require.True(t, IsBackend(Backend("dial failed")))
	require.False(t, IsBackend(Protocol("bad frame")))
}

func TestErrorWrapsUnderlyingMessage(t *testing.T) {
	err := Backend("dialing %s: %v", "10.0.0.1:5432", errors.New("refused"))
	require.Contains(t, err.Error(), "PGC004")
	require.True(t, errors.As(err, new(*PoolError)))

	wrapped := fmt.Errorf("acquiring connection: %w", err)
	require.Equal(t, codes.Unavailable, Code(wrapped))
}
