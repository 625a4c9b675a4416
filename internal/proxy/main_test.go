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
	"testing"

	"go.uber.org/goleak"
)

// TestMain checks that no package test leaks a goroutine behind it, catching
// a fake backend's accept loop or a net.Pipe reader left running past its
// test.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
