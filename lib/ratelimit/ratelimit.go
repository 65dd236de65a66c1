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

// Package ratelimit implements component F: a per-app sliding-window limit
// on failed pairing attempts, with temporary bans.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/termrelay/lib/store"
)

const (
	window      = 60 * time.Second
	maxFailures = 5
	banDuration = 300 * time.Second
)

func attemptsKey(token string) string { return "ratelimit:attempts:" + token }
func banKey(token string) string      { return "ratelimit:ban:" + token }

// attemptSeq keeps sorted-set members distinct when two failures share a
// timestamp; ZADD would otherwise overwrite the earlier member.
var attemptSeq uint64

// Limiter tracks failed app:pair attempts per clientToken.
type Limiter struct {
	store store.Store
	clock clockwork.Clock
}

// New constructs a Limiter over s.
func New(s store.Store) *Limiter {
	return &Limiter{store: s, clock: s.Clock()}
}

// IsBanned reports whether token is currently serving a ban. A ban key
// that has outlived its bannedUntil is treated as not-banned even before
// its TTL removes it.
func (l *Limiter) IsBanned(ctx context.Context, token string) (bool, error) {
	raw, found, err := l.store.Get(ctx, banKey(token))
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !found {
		return false, nil
	}
	bannedUntil, err := parseMillis(raw)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return l.clock.Now().Before(bannedUntil), nil
}

// RecordFailedAttempt records a failed pairing attempt for token, pruning
// attempts outside the 60s window first. Once 5 failures remain within the
// window, a 300s ban is issued. Under concurrent failures the limiter may
// record one attempt more than strictly necessary before banning; that is
// accepted as trip-early-never-late.
func (l *Limiter) RecordFailedAttempt(ctx context.Context, token string) error {
	now := l.clock.Now()
	key := attemptsKey(token)

	if err := l.store.ZRemRangeByScore(ctx, key, math.Inf(-1), float64(now.Add(-window).UnixMilli())); err != nil {
		return trace.Wrap(err)
	}
	member := fmt.Sprintf("%d-%d", now.UnixNano(), atomic.AddUint64(&attemptSeq, 1))
	if err := l.store.ZAdd(ctx, key, float64(now.UnixMilli()), member); err != nil {
		return trace.Wrap(err)
	}
	if err := l.store.Expire(ctx, key, window); err != nil {
		return trace.Wrap(err)
	}
	count, err := l.store.ZCount(ctx, key, float64(now.Add(-window).UnixMilli()), math.Inf(1))
	if err != nil {
		return trace.Wrap(err)
	}
	if count >= maxFailures {
		bannedUntil := now.Add(banDuration)
		if err := l.store.SetWithTTL(ctx, banKey(token), fmt.Sprintf("%d", bannedUntil.UnixMilli()), banDuration); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetRemainingBanTime returns the seconds remaining on token's ban, 0 if
// not banned.
func (l *Limiter) GetRemainingBanTime(ctx context.Context, token string) (int64, error) {
	raw, found, err := l.store.Get(ctx, banKey(token))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if !found {
		return 0, nil
	}
	bannedUntil, err := parseMillis(raw)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	remaining := bannedUntil.Sub(l.clock.Now())
	if remaining <= 0 {
		return 0, nil
	}
	return int64(remaining / time.Second), nil
}

// Reset clears both the attempts window and any ban for token. Called on
// every successful pair.
func (l *Limiter) Reset(ctx context.Context, token string) error {
	return trace.Wrap(l.store.Del(ctx, attemptsKey(token), banKey(token)))
}

func parseMillis(raw string) (time.Time, error) {
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return time.UnixMilli(ms), nil
}
