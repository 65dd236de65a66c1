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

// Package pairing implements components B, D, E, and G of the broker
// design: pairing-code generation and validation, the pairing-code and
// pairing-session registries, and the per-runner pairing history log.
package pairing

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// codeAlphabet is the 36-symbol set ([A-Z0-9]) pairing codes are drawn
// from, giving 36^9 ≈ 10^14 keyspace across the three groups.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// codeGroupLen is the length of each dash-separated group.
const codeGroupLen = 3

// codePattern matches the wire format XXX-XXX-XXX, compiled once at
// package init rather than on every call.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// GenerateCode returns a cryptographically random 11-character code in
// XXX-XXX-XXX format.
func GenerateCode() (string, error) {
	var groups [3]string
	for i := range groups {
		g, err := randomGroup(codeGroupLen)
		if err != nil {
			return "", trace.Wrap(err)
		}
		groups[i] = g
	}
	return strings.Join(groups[:], "-"), nil
}

func randomGroup(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		b[i] = codeAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// ValidateCodeFormat reports whether s is syntactically a pairing code.
// It does not check whether the code is actually registered.
func ValidateCodeFormat(s string) bool {
	return codePattern.MatchString(s)
}
