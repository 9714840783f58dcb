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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DashboardSecret: []byte("dashboard-secret-32-bytes-long!!"),
		RunnerSecret:    []byte("runner-secret-32-bytes-long!!!!"),
		Issuer:          "runengine",
	}
}

func TestDashboardTokenRejectedByRunnerValidator(t *testing.T) {
	cfg := testConfig()
	token, err := Issue(cfg.DashboardSecret, cfg.Issuer, AudienceDashboard, "env_1", "proj_1", time.Hour)
	require.NoError(t, err)

	_, err = NewRunnerValidator(cfg).Validate(token)
	require.Error(t, err)

	claims, err := NewDashboardValidator(cfg).Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "env_1", claims.EnvironmentID)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	cfg := testConfig()
	token, err := Issue(cfg.DashboardSecret, cfg.Issuer, AudienceDashboard, "env_1", "proj_1", -time.Minute)
	require.NoError(t, err)

	_, err = NewDashboardValidator(cfg).Validate(token)
	require.Error(t, err)
}

func TestExtractBearerTokenRejectsMalformedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Token abc")
	_, err := ExtractBearerToken(r)
	require.Error(t, err)
}

func TestMiddlewareStoresClaimsInContext(t *testing.T) {
	cfg := testConfig()
	token, err := Issue(cfg.RunnerSecret, cfg.Issuer, AudienceRunner, "env_1", "proj_1", time.Hour)
	require.NoError(t, err)

	v := NewRunnerValidator(cfg)
	var gotClaims *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		gotClaims = claims
		w.WriteHeader(http.StatusOK)
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()

	v.Middleware(next).ServeHTTP(rw, r)
	require.Equal(t, http.StatusOK, rw.Code)
	require.Equal(t, "env_1", gotClaims.EnvironmentID)
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	cfg := testConfig()
	v := NewDashboardValidator(cfg)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()

	v.Middleware(next).ServeHTTP(rw, r)
	require.Equal(t, http.StatusUnauthorized, rw.Code)
}
