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

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-environment entitlement limiting of every
// dashboard API route (spec.md's OutOfEntitlement error).
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	Enabled           bool
}

// RateLimiter provides per-key rate limiting backed by one
// golang.org/x/time/rate.Limiter per key.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter
	config  RateLimitConfig
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimiter{buckets: make(map[string]*rate.Limiter), config: cfg}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.RLock()
	l, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return l
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if l, ok = rl.buckets[key]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize)
	rl.buckets[key] = l
	return l
}

// Allow reports whether a request keyed by key is within limits, consuming
// a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.config.Enabled {
		return true
	}
	if key == "" {
		key = "_anonymous_"
	}
	return rl.limiterFor(key).Allow()
}

// Middleware wraps an http.Handler, rate-limiting by the environment id of
// the request's auth claims (placed in the context by the auth middleware)
// or, failing that, the remote address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		key := ""
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			key = claims.EnvironmentID
		}
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ParseRateLimit parses a rate limit string like "100/hour" or "10/minute"
// into requests-per-second and a burst size equal to the period's count.
func ParseRateLimit(limit string) (requestsPerSecond float64, burstSize int, err error) {
	if limit == "" {
		return 0, 0, fmt.Errorf("empty rate limit string")
	}
	parts := strings.Split(limit, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate limit format: expected 'count/period', got %q", limit)
	}
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid count in rate limit %q: %w", limit, err)
	}
	if count <= 0 {
		return 0, 0, fmt.Errorf("rate limit count must be positive, got %d", count)
	}
	var seconds float64
	switch strings.TrimSpace(strings.ToLower(parts[1])) {
	case "second", "sec", "s":
		seconds = 1
	case "minute", "min", "m":
		seconds = 60
	case "hour", "hr", "h":
		seconds = 3600
	case "day", "d":
		seconds = 86400
	default:
		return 0, 0, fmt.Errorf("invalid period in rate limit %q", limit)
	}
	return float64(count) / seconds, count, nil
}

// Cleanup is a placeholder for bucket eviction; rate.Limiter instances are
// cheap enough that this module doesn't bother pruning idle keys except
// under sustained high cardinality, at which point a time.Ticker-driven
// caller can invoke this with a max key count.
func (rl *RateLimiter) Cleanup(maxKeys int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.buckets) <= maxKeys {
		return
	}
	rl.buckets = make(map[string]*rate.Limiter)
}
