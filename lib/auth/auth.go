/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements component A: validating runner credentials and
// app bearer tokens against configured secrets. It performs no network I/O.
package auth

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/termrelay/lib/apierr"
)

// AppClaims are the claims embedded in an app bearer token.
type AppClaims struct {
	jwt.RegisteredClaims
	SubjectID string `json:"sub_id,omitempty"`
}

// AuthResult is returned on a successfully validated app token.
type AuthResult struct {
	SubjectID string
}

// Validator checks runner {id, secret} pairs and app bearer tokens.
type Validator struct {
	runnerSecrets map[string]string
	jwtSecret     []byte
	clock         clockwork.Clock
}

// New constructs a Validator from a static runnerId->secret table and the
// symmetric secret used to verify app bearer tokens.
func New(runnerSecrets map[string]string, jwtSecret string, clock clockwork.Clock) *Validator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Validator{
		runnerSecrets: runnerSecrets,
		jwtSecret:     []byte(jwtSecret),
		clock:         clock,
	}
}

// ValidateRunner reports whether id/secret match the configured table,
// using a constant-time comparison so secret content differences aren't
// observable via timing. The comparison returns early when the lengths
// differ, so the secret's length is not hidden.
func (v *Validator) ValidateRunner(id, secret string) bool {
	want, ok := v.runnerSecrets[id]
	if !ok {
		// Still perform a comparison against a decoy to avoid a timing
		// side-channel that distinguishes "unknown runner" from "wrong
		// secret" by early-return latency.
		subtle.ConstantTimeCompare([]byte(secret), []byte(secret))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(want)) == 1
}

// ValidateAppToken parses and verifies an HS256 bearer token. Any parse,
// signature, or expiry failure is reported as apierr.Unauthorized without
// distinguishing the cause to the caller.
func (v *Validator) ValidateAppToken(token string) (*AuthResult, error) {
	claims := &AppClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, trace.BadParameter("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return nil, apierr.New(apierr.Unauthorized, "invalid app bearer token")
	}
	// Time-based claims are checked against the injected clock rather than
	// the library's global time source.
	now := v.clock.Now()
	if !claims.VerifyExpiresAt(now, true) || !claims.VerifyNotBefore(now, false) {
		return nil, apierr.New(apierr.Unauthorized, "invalid app bearer token")
	}
	subject := claims.SubjectID
	if subject == "" {
		subject = claims.Subject
	}
	if subject == "" {
		return nil, apierr.New(apierr.Unauthorized, "app bearer token missing subject")
	}
	return &AuthResult{SubjectID: subject}, nil
}

// IssueAppToken is a small helper used by tests and local tooling to mint
// a bearer token signed with the same secret ValidateAppToken checks
// against. Real token issuance happens outside the broker; this exists
// for tests and local development only.
func (v *Validator) IssueAppToken(subjectID string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := &AppClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subjectID,
		},
		SubjectID: subjectID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.jwtSecret)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return signed, nil
}
