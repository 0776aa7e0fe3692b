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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func TestJWTValidator_AcceptsWellFormedToken(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTValidator(JWTConfig{Secret: secret, Issuer: "apphub-core"})

	token := signTestToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-a",
			Issuer:    "apphub-core",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{"workflows:read"},
	})

	principal, err := v.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if principal.Subject != "svc-a" {
		t.Errorf("Subject = %q, want svc-a", principal.Subject)
	}
	if len(principal.Scopes) != 1 || principal.Scopes[0] != "workflows:read" {
		t.Errorf("Scopes = %v, want [workflows:read]", principal.Scopes)
	}
}

func TestJWTValidator_RejectsWrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	v := NewJWTValidator(JWTConfig{Secret: secret, Issuer: "apphub-core"})

	token := signTestToken(t, secret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc-a", Issuer: "someone-else"},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected error for mismatched issuer, got nil")
	}
}

func TestJWTValidator_RejectsBadSignature(t *testing.T) {
	v := NewJWTValidator(JWTConfig{Secret: []byte("real-secret")})
	token := signTestToken(t, []byte("wrong-secret"), Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "svc-a"},
	})

	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected error for bad signature, got nil")
	}
}

func TestJWTValidator_RejectsEmptyToken(t *testing.T) {
	v := NewJWTValidator(JWTConfig{Secret: []byte("s")})
	if _, err := v.Validate(""); err == nil {
		t.Fatal("expected error for empty token, got nil")
	}
}
