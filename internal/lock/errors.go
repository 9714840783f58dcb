// Copyright 2025 Tom Barlow
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

package lock

import "errors"

// ErrAcquireTimeout is returned when Lock exhausts its retry budget
// without acquiring the advisory lock.
var ErrAcquireTimeout = errors.New("lock: acquire retries exhausted")

// ErrLeaseBroken is returned by WithLock when the lease's keepalive ping
// failed while fn was running, meaning Postgres may already have released
// the advisory lock out from under the caller.
var ErrLeaseBroken = errors.New("lock: lease broken during hold")
