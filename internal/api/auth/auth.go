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

// Package auth provides authentication middleware for the control plane's
// HTTP surface. Per spec §6, the core does not issue tokens: it accepts
// Bearer tokens mapped to a pre-validated {subject, scopes[]} principal via
// a process-configured token map.
package auth

import (
	"context"
	"net/http"

	"github.com/benediktbwimmer/apphub-core/internal/api/httputil"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the pre-validated identity a Bearer token resolves to.
type Principal struct {
	Subject string
	Scopes  []string
}

// PrincipalFromContext extracts the authenticated principal from the
// request context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// ContextWithPrincipal returns a new context carrying principal. Exposed
// for tests that exercise scope-gated handlers directly.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// TokenMap resolves a Bearer token to its principal. It is process
// configured (e.g. loaded from an env var or config file at startup) and
// never issues or mints tokens itself.
type TokenMap map[string]Principal

// Middleware authenticates requests by Bearer token against a TokenMap and,
// through RequireScope, rejects requests whose principal lacks the scope
// given to it.
type Middleware struct {
	tokens      TokenMap
	jwt         *JWTValidator
	bearer      *BearerAuthenticator
	rateLimiter *RateLimiter
}

// NewMiddleware constructs a Middleware from a process-configured token
// map. Rate limiting is off unless rateLimit.Enabled is set.
func NewMiddleware(tokens TokenMap, rateLimit RateLimitConfig) *Middleware {
	return &Middleware{
		tokens:      tokens,
		bearer:      NewBearerAuthenticator(),
		rateLimiter: NewRateLimiter(rateLimit),
	}
}

// WithJWTValidator enables accepting externally-issued bearer JWTs as a
// fallback when a token isn't a literal key in the TokenMap. Returns m for
// chaining.
func (m *Middleware) WithJWTValidator(v *JWTValidator) *Middleware {
	m.jwt = v
	return m
}

// resolvePrincipal resolves token against the static TokenMap first, then
// falls back to JWT verification when configured. The TokenMap always wins
// so a literal pre-shared key is never shadowed by a same-valued JWT.
func (m *Middleware) resolvePrincipal(token string) (Principal, bool) {
	if principal, ok := m.tokens[token]; ok {
		return principal, true
	}
	if m.jwt != nil {
		if principal, err := m.jwt.Validate(token); err == nil {
			return principal, true
		}
	}
	return Principal{}, false
}

// Authenticate resolves the request's Bearer token to a Principal and
// attaches it to the request context. It does not itself enforce scopes;
// pair it with RequireScope for endpoint-level authorization.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := m.bearer.ExtractBearerToken(r)
		if err != nil {
			httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		principal, ok := m.resolvePrincipal(token)
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}

		if m.rateLimiter != nil && !m.rateLimiter.Allow(principal.Subject) {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		ctx := ContextWithPrincipal(r.Context(), principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope wraps next so that it only runs when the request's
// principal carries scope (or holds no scopes at all, which per
// MatchesScope denotes an admin credential). A failing check returns 403,
// per spec §6.
func (m *Middleware) RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			httputil.WriteError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !MatchesScope(principal.Scopes, scope) {
			httputil.WriteError(w, http.StatusForbidden, "missing required scope: "+scope)
			return
		}
		next.ServeHTTP(w, r)
	})
}
