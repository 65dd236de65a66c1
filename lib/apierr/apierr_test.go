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

package apierr

import (
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesKind(t *testing.T) {
	err := New(CodeNotFound, "pairing code %q not found", "ABC-123-XYZ")
	require.Equal(t, CodeNotFound, KindOf(err))
	require.Contains(t, err.Error(), "ABC-123-XYZ")
}

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := trace.Errorf("connection refused")
	err := Wrap(Internal, cause)
	require.Equal(t, Internal, KindOf(err))
	require.ErrorIs(t, err, cause)
}

func TestWrapNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(Internal, nil))
}

func TestKindOfFallsBackToTraceTaxonomy(t *testing.T) {
	require.Equal(t, Unauthorized, KindOf(trace.AccessDenied("nope")))
	require.Equal(t, CodeNotFound, KindOf(trace.NotFound("nope")))
	require.Equal(t, InvalidFormat, KindOf(trace.BadParameter("nope")))
	require.Equal(t, RateLimited, KindOf(trace.LimitExceeded("nope")))
	require.Equal(t, Internal, KindOf(trace.Errorf("boom")))
}

func TestToWireErrorNeverLeaksRawInternalDetail(t *testing.T) {
	we := ToWireError(nil)
	require.Equal(t, Internal, we.Code)
	require.NotEmpty(t, we.Message)

	we = ToWireError(trace.Errorf("dial tcp 10.0.0.7:6379: connection refused"))
	require.Equal(t, Internal, we.Code)
	require.NotContains(t, we.Message, "10.0.0.7")

	we = ToWireError(New(RunnerOffline, "runner %q is not connected", "R1"))
	require.Equal(t, RunnerOffline, we.Code)
	require.Contains(t, we.Message, "R1")
}
