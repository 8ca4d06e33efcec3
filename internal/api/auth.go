// Tagsmith - AI Tagging Orchestrator for Stash
// Copyright 2026 Piers Melling (pmelling)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pmelling/tagsmith

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pmelling/tagsmith/internal/logging"
	"github.com/pmelling/tagsmith/internal/settings"
)

// APIKeyHeader is the shared-secret header admin requests carry. The same
// value may arrive as the api_key query parameter for clients that cannot
// set headers (EventSource, direct links).
const (
	APIKeyHeader  = "x-ai-api-key"
	APIKeyQuery   = "api_key"
	bearerPrefix  = "Bearer "
	maxBearerSize = 4096
)

// Authenticator gates admin routes on the UI_SHARED_API_KEY system setting.
// An empty key disables the gate. When a JWT secret is configured, an HS256
// bearer token is accepted as an alternative credential.
type Authenticator struct {
	store       *settings.Store
	fallbackKey string
	jwtSecret   string
}

// NewAuthenticator creates the admin gate. fallbackKey seeds the expected
// key until the system setting is written.
func NewAuthenticator(store *settings.Store, fallbackKey, jwtSecret string) *Authenticator {
	return &Authenticator{store: store, fallbackKey: fallbackKey, jwtSecret: jwtSecret}
}

func (a *Authenticator) expectedKey(r *http.Request) string {
	return a.store.GetString(r.Context(), settings.SystemNamespace, settings.KeyUISharedAPIKey, a.fallbackKey)
}

// Authorized reports whether the request carries a valid credential.
func (a *Authenticator) Authorized(r *http.Request) bool {
	expected := a.expectedKey(r)
	if expected == "" {
		return true
	}

	presented := r.Header.Get(APIKeyHeader)
	if presented == "" {
		presented = r.URL.Query().Get(APIKeyQuery)
	}
	if presented != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1 {
		return true
	}

	if a.jwtSecret != "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) && len(auth) < maxBearerSize {
			return a.validToken(strings.TrimPrefix(auth, bearerPrefix))
		}
	}
	return false
}

func (a *Authenticator) validToken(raw string) bool {
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return []byte(a.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return false
	}
	return token.Valid
}

// Middleware rejects unauthorized requests with a 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorized(r) {
			logging.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Msg("rejected unauthorized admin request")
			writeDetail(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
