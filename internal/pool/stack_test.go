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
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// node is a minimal stackNode used to exercise freeStack without pulling in
// Conn's dial/auth machinery.
type node struct {
	next atomic.Pointer[*node]
	id   int
}

func (n *node) nextPtr() *atomic.Pointer[*node] { return &n.next }

func TestFreeStackLIFOOrder(t *testing.T) {
	var s freeStack[*node]
	require.True(t, s.isEmpty())

	a, b, c := &node{id: 1}, &node{id: 2}, &node{id: 3}
	s.push(a)
	s.push(b)
	s.push(c)
	require.False(t, s.isEmpty())

	require.Equal(t, 3, s.pop().id)
	require.Equal(t, 2, s.pop().id)
	require.Equal(t, 1, s.pop().id)
	require.True(t, s.isEmpty())
}

func TestFreeStackPopEmptyReturnsZero(t *testing.T) {
	var s freeStack[*node]
	require.Nil(t, s.pop())
}

func TestFreeStackConcurrentPushPop(t *testing.T) {
	var s freeStack[*node]
	const n = 500

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.push(&node{id: id})
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool, n)
	for i := 0; i < n; i++ {
		got := s.pop()
		require.NotNil(t, got)
		require.False(t, seen[got.id], "duplicate pop of id %d", got.id)
		seen[got.id] = true
	}
	require.True(t, s.isEmpty())
	require.Len(t, seen, n)
}
