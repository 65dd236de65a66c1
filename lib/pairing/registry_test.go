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

package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/termrelay/lib/store"
)

func newTestStore(t *testing.T) (store.Store, clockwork.Clock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return store.NewMiniredis(t, clock), clock
}

func TestRegisterCodeBindsBothDirectionsWithTTL(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewCodeRegistry(s)

	code, err := reg.RegisterCode(ctx, "R1")
	require.NoError(t, err)
	require.True(t, ValidateCodeFormat(code))

	runnerID, ok, err := reg.ValidateCode(ctx, code)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "R1", runnerID)

	found, ok, err := reg.FindCodeByRunnerID(ctx, "R1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, code, found)
}

func TestValidateCodeNeverConsumesIt(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewCodeRegistry(s)

	code, err := reg.RegisterCode(ctx, "R1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		runnerID, ok, err := reg.ValidateCode(ctx, code)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "R1", runnerID)
	}
}

func TestInvalidateCodeRemovesBothDirections(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewCodeRegistry(s)

	code, err := reg.RegisterCode(ctx, "R1")
	require.NoError(t, err)
	require.NoError(t, reg.InvalidateCode(ctx, code))

	_, ok, err := reg.ValidateCode(ctx, code)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = reg.FindCodeByRunnerID(ctx, "R1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCodeExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	reg := NewCodeRegistry(s)

	code, err := reg.RegisterCode(ctx, "R1")
	require.NoError(t, err)

	clock.Advance(codeTTL + time.Second)

	_, ok, err := reg.ValidateCode(ctx, code)
	require.NoError(t, err)
	require.False(t, ok, "code must expire once its 10-minute TTL elapses")
}

func TestRegisterCodeNeverCollidesAcrossRunners(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewCodeRegistry(s)

	codeA, err := reg.RegisterCode(ctx, "R1")
	require.NoError(t, err)
	codeB, err := reg.RegisterCode(ctx, "R2")
	require.NoError(t, err)
	require.NotEqual(t, codeA, codeB)
}

func TestSessionRegistryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewSessionRegistry(s)

	require.NoError(t, reg.CreateSession(ctx, "T1", "R1"))

	rec, ok, err := reg.GetSession(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "R1", rec.RunnerID)
	require.True(t, rec.IsActive)

	tokens, err := reg.GetAppsByRunnerID(ctx, "R1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"T1"}, tokens)
}

func TestRemoveSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewSessionRegistry(s)

	require.NoError(t, reg.CreateSession(ctx, "T1", "R1"))
	require.NoError(t, reg.RemoveSession(ctx, "T1"))
	require.NoError(t, reg.RemoveSession(ctx, "T1"))

	_, ok, err := reg.GetSession(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)

	tokens, err := reg.GetAppsByRunnerID(ctx, "R1")
	require.NoError(t, err)
	require.Empty(t, tokens)
}

func TestHeartbeatOnlineWindow(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	reg := NewSessionRegistry(s)

	require.NoError(t, reg.UpdateHeartbeat(ctx, "R1"))
	online, err := reg.IsRunnerOnline(ctx, "R1")
	require.NoError(t, err)
	require.True(t, online)

	clock.Advance(heartbeatOnlineWin + time.Second)
	online, err = reg.IsRunnerOnline(ctx, "R1")
	require.NoError(t, err)
	require.False(t, online, "heartbeat older than 30s must read offline")

	require.NoError(t, reg.UpdateHeartbeat(ctx, "R1"))
	online, err = reg.IsRunnerOnline(ctx, "R1")
	require.NoError(t, err)
	require.True(t, online, "a fresh heartbeat always restores online status")
}

func TestRemoveAllSessionsForRunnerReturnsAffectedTokens(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	reg := NewSessionRegistry(s)

	require.NoError(t, reg.CreateSession(ctx, "T1", "R1"))
	require.NoError(t, reg.CreateSession(ctx, "T2", "R1"))
	require.NoError(t, reg.CreateSession(ctx, "T3", "R2"))

	tokens, err := reg.RemoveAllSessionsForRunner(ctx, "R1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"T1", "T2"}, tokens)

	_, ok, err := reg.GetSession(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = reg.GetSession(ctx, "T3")
	require.NoError(t, err)
	require.True(t, ok, "R2's session must be untouched")
}

func TestHistoryRecordAndCap(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	hist := NewHistory(s)

	for i := 0; i < historyCap+10; i++ {
		require.NoError(t, hist.Record(ctx, "R1", "T1", ActionPaired))
	}

	events, err := hist.GetHistory(ctx, "R1", historyCap)
	require.NoError(t, err)
	require.Len(t, events, historyCap)
}
