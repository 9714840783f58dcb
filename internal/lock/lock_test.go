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

import (
	"testing"
	"time"
)

func TestLockIDIsDeterministic(t *testing.T) {
	a := lockID("run_abc123")
	b := lockID("run_abc123")
	if a != b {
		t.Errorf("lockID not deterministic: %d != %d", a, b)
	}
}

func TestLockIDDiffersByKey(t *testing.T) {
	a := lockID("run_abc123")
	b := lockID("run_def456")
	if a == b {
		t.Error("lockID should differ for different keys")
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(Config{})
	if l.interval != 500*time.Millisecond {
		t.Errorf("interval = %v, want 500ms", l.interval)
	}
	if l.retries != 10 {
		t.Errorf("retries = %d, want 10", l.retries)
	}
}

func TestNewCustomValues(t *testing.T) {
	l := New(Config{LeaseCheckInterval: time.Second, MaxAcquireRetries: 3})
	if l.interval != time.Second {
		t.Errorf("interval = %v, want 1s", l.interval)
	}
	if l.retries != 3 {
		t.Errorf("retries = %d, want 3", l.retries)
	}
}

// Note: Lock/Release/WithLock exercise real pg_try_advisory_lock /
// pg_advisory_unlock behavior, which requires a live PostgreSQL
// connection; no test in this repository covers them.
