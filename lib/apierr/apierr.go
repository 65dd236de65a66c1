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

// Package apierr defines the error taxonomy shared by the pairing and
// session gateways and the helpers that turn any error into the wire
// {code, message} shape apps and runners receive.
package apierr

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind is one of the wire-visible error codes.
type Kind string

// Wire error codes. These strings appear verbatim in `error` and
// `pairing:error` frames; do not rename without a protocol version bump.
const (
	Unauthorized    Kind = "UNAUTHORIZED"
	InvalidFormat   Kind = "INVALID_FORMAT"
	CodeNotFound    Kind = "CODE_NOT_FOUND"
	CodeExpired     Kind = "CODE_EXPIRED"
	RunnerOffline   Kind = "RUNNER_OFFLINE"
	RateLimited     Kind = "RATE_LIMITED"
	NotPaired       Kind = "NOT_PAIRED"
	SessionNotFound Kind = "SESSION_NOT_FOUND"
	CodeCollision   Kind = "CODE_COLLISION"
	Internal        Kind = "INTERNAL"
)

// kindError carries a wire Kind alongside a gravitational/trace-wrapped
// cause, so call sites still get stack traces through trace.Wrap while
// the gateway layer can recover the wire code with a single type switch.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// New creates an error carrying kind and a human-readable message.
func New(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: trace.Errorf(format, args...)}
}

// Wrap attaches kind to an existing error, preserving its wrapped chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: trace.Wrap(err)}
}

// KindOf recovers the Kind attached by New/Wrap. Errors with no attached
// Kind fall back to a best-effort mapping from trace's own taxonomy, and
// finally default to Internal so nothing ever surfaces an empty code.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	switch {
	case trace.IsAccessDenied(err):
		return Unauthorized
	case trace.IsNotFound(err):
		return CodeNotFound
	case trace.IsBadParameter(err):
		return InvalidFormat
	case trace.IsLimitExceeded(err):
		return RateLimited
	default:
		return Internal
	}
}

// WireError is the {code, message} payload shape used by `error` and
// `pairing:error` frames.
type WireError struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// ToWireError converts any error into the wire payload, taking the code
// from KindOf. Only errors given a Kind other than Internal by New or Wrap
// keep their own message; every other error gets a generic message so
// internal detail never leaks to the client.
func ToWireError(err error) WireError {
	if err == nil {
		return WireError{Code: Internal, Message: "internal error"}
	}
	kind := KindOf(err)
	var ke *kindError
	if !errors.As(err, &ke) || ke.kind == Internal {
		return WireError{Code: kind, Message: "request failed"}
	}
	msg := trace.UserMessage(err)
	if msg == "" {
		msg = err.Error()
	}
	return WireError{Code: kind, Message: msg}
}
