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
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig configures verification of externally-issued bearer JWTs. The
// core never mints tokens (token issuance is out of scope, per spec §6's
// authorization note); this only accepts tokens signed by another system
// and maps their claims to a Principal.
type JWTConfig struct {
	Secret    []byte
	PublicKey ed25519.PublicKey
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

// Claims is the expected shape of an accepted bearer JWT.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// JWTValidator verifies bearer JWTs against a fixed JWTConfig.
type JWTValidator struct {
	cfg JWTConfig
}

// NewJWTValidator constructs a JWTValidator. A zero-value cfg (no secret
// and no public key) makes every call to Validate fail closed.
func NewJWTValidator(cfg JWTConfig) *JWTValidator {
	return &JWTValidator{cfg: cfg}
}

// Validate parses and verifies tokenString, returning the Principal its
// claims describe.
func (v *JWTValidator) Validate(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, fmt.Errorf("token is empty")
	}

	parser := jwt.NewParser(jwt.WithLeeway(v.cfg.ClockSkew))
	token, err := parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		switch token.Method.Alg() {
		case "HS256":
			if len(v.cfg.Secret) == 0 {
				return nil, fmt.Errorf("HS256 requires a configured secret")
			}
			return v.cfg.Secret, nil
		case "EdDSA":
			if v.cfg.PublicKey == nil {
				return nil, fmt.Errorf("EdDSA requires a configured public key")
			}
			return v.cfg.PublicKey, nil
		default:
			return nil, fmt.Errorf("unsupported signing method: %v", token.Method.Alg())
		}
	})
	if err != nil {
		return Principal{}, fmt.Errorf("parse bearer jwt: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("bearer jwt failed validation")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Principal{}, fmt.Errorf("unexpected jwt claims shape")
	}

	if v.cfg.Issuer != "" && claims.Issuer != v.cfg.Issuer {
		return Principal{}, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if v.cfg.Audience != "" {
		matched := false
		for _, aud := range claims.Audience {
			if aud == v.cfg.Audience {
				matched = true
				break
			}
		}
		if !matched {
			return Principal{}, fmt.Errorf("token audience does not include %q", v.cfg.Audience)
		}
	}

	return Principal{Subject: claims.Subject, Scopes: claims.Scopes}, nil
}
