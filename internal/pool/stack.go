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
	"runtime"
	"sync/atomic"

	"vitess.io/vitess/go/atomic2"
)

// stackNode is implemented by the free-list element type. A backend
// connection is pushed onto its PoolKey's stack by storing its own next
// pointer, so the stack needs no separate node allocation.
type stackNode[T any] interface {
	nextPtr() *atomic.Pointer[T]
}

// freeStack is a lock-free LIFO stack of idle backend connections for one
// PoolKey. LIFO order is deliberate: the most recently released backend is
// handed out first, which keeps TLS sessions and server-side caches warm on
// a small, frequently reused set of backends instead of rotating evenly
// through all of them.
//
// The top pointer and a monotonic pop counter are swapped together with a
// single 128-bit compare-and-swap, which rules out the ABA problem: even if
// a popped node is freed, reused, and pushed back before a racing popper's
// CAS fires, the counter will have moved and the stale CAS fails.
type freeStack[T stackNode[T]] struct {
	top atomic2.PointerAndUint64[T]
}

func (s *freeStack[T]) push(elem T) {
	for {
		oldTop, popCount := s.top.Load()
		elem.nextPtr().Store(oldTop)
		if s.top.CompareAndSwap(oldTop, popCount, &elem, popCount) {
			return
		}
		runtime.Gosched()
	}
}

// pop removes and returns the top element, or the zero value if the stack
// is empty.
func (s *freeStack[T]) pop() T {
	for {
		oldTop, popCount := s.top.Load()
		if oldTop == nil {
			var zero T
			return zero
		}
		next := (*oldTop).nextPtr().Load()
		if s.top.CompareAndSwap(oldTop, popCount, next, popCount+1) {
			(*oldTop).nextPtr().Store(nil)
			return *oldTop
		}
		runtime.Gosched()
	}
}

func (s *freeStack[T]) isEmpty() bool {
	top, _ := s.top.Load()
	return top == nil
}
