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

import "fmt"

// Key identifies one logical pool: the (database, user) pair a client
// authenticated as. Backend connections are never shared across keys.
type Key struct {
	Database string
	User     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Database, k.User)
}
