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

// Package auth validates the two classes of bearer token the run engine
// accepts: dashboard tokens (trigger/cancel/inspect runs) and runner
// tokens (dequeue/start/complete attempts). Each uses its own signing
// secret and audience so a leaked runner token cannot be replayed against
// the dashboard API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience identifies which API surface a token is valid for.
type Audience string

const (
	AudienceDashboard Audience = "runengine:dashboard"
	AudienceRunner    Audience = "runengine:runner"
)

// Claims represents the JWT claims issued and verified by this package.
type Claims struct {
	jwt.RegisteredClaims
	EnvironmentID string `json:"environment_id,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
}

// Config carries the signing secrets for both audiences.
type Config struct {
	DashboardSecret []byte
	RunnerSecret    []byte
	Issuer          string
	ClockSkew       time.Duration
}

// Validator validates bearer tokens against one audience's secret.
type Validator struct {
	secret    []byte
	audience  Audience
	issuer    string
	clockSkew time.Duration
}

// NewDashboardValidator returns a Validator accepting only
// AudienceDashboard tokens.
func NewDashboardValidator(cfg Config) *Validator {
	return &Validator{secret: cfg.DashboardSecret, audience: AudienceDashboard, issuer: cfg.Issuer, clockSkew: cfg.ClockSkew}
}

// NewRunnerValidator returns a Validator accepting only AudienceRunner
// tokens.
func NewRunnerValidator(cfg Config) *Validator {
	return &Validator{secret: cfg.RunnerSecret, audience: AudienceRunner, issuer: cfg.Issuer, clockSkew: cfg.ClockSkew}
}

// ExtractBearerToken extracts the token from a standard Authorization
// header, rejecting anything that doesn't match the "Bearer <token>" form.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", fmt.Errorf("invalid Authorization header format, expected 'Bearer <token>'")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty Bearer token")
	}
	return token, nil
}

// Validate parses and verifies tokenString, checking its signature,
// expiry, issuer, and that its audience matches v.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("no signing secret configured for audience %s", v.audience)
	}

	parser := jwt.NewParser(jwt.WithLeeway(v.clockSkew))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("invalid issuer: expected %s, got %s", v.issuer, claims.Issuer)
	}

	found := false
	for _, aud := range claims.Audience {
		if aud == string(v.audience) {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("invalid audience: expected %s", v.audience)
	}

	return claims, nil
}

// Issue signs a new token for the given audience, primarily used by tests
// and the CLI's local-development token helper.
func Issue(secret []byte, issuer string, aud Audience, environmentID, projectID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{string(aud)},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		EnvironmentID: environmentID,
		ProjectID:     projectID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

type claimsContextKey struct{}

// Middleware validates the bearer token on every request and stores the
// resulting Claims in the request context, rejecting the request with 401
// on any failure.
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := v.Validate(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the Claims stored by Middleware, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}
