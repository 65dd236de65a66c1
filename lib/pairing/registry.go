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
	"encoding/json"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/termrelay/lib/apierr"
	"github.com/gravitational/termrelay/lib/store"
)

var log = logrus.WithField("component", "pairing")

// Key layout. These strings are a stable wire/storage surface; do not
// change them without a migration plan.
const (
	codeTTL            = 10 * time.Minute
	heartbeatTTL       = 60 * time.Second
	heartbeatOnlineWin = 30 * time.Second
	historyCap         = 100
	maxCodeCollisions  = 10
)

func codeKey(code string) string           { return "pairing:code:" + code }
func codeByRunnerKey(runnerID string) string { return "pairing:code-by-runner:" + runnerID }
func sessionKey(token string) string        { return "pairing:session:" + token }
func appsByRunnerKey(runnerID string) string { return "pairing:apps:" + runnerID }
func heartbeatKey(runnerID string) string    { return "runner:heartbeat:" + runnerID }
func historyKey(runnerID string) string      { return "pairing:history:" + runnerID }

// CodeRecord is the persisted shape of an active pairing code.
type CodeRecord struct {
	Code       string `json:"code"`
	RunnerID   string `json:"runnerId"`
	CreatedAt  int64  `json:"createdAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	UsageCount int64  `json:"usageCount"`
}

// SessionRecord is the persisted shape of a durable app<->runner pairing.
type SessionRecord struct {
	AppClientToken string `json:"appClientToken"`
	RunnerID       string `json:"runnerId"`
	PairedAt       int64  `json:"pairedAt"`
	IsActive       bool   `json:"isActive"`
}

// HistoryAction enumerates the events recorded per runner.
type HistoryAction string

const (
	ActionPaired             HistoryAction = "paired"
	ActionUnpaired           HistoryAction = "unpaired"
	ActionRunnerDisconnected HistoryAction = "runner_disconnected"
)

// HistoryEvent is one entry of a runner's pairing history log.
type HistoryEvent struct {
	AppClientToken string        `json:"appClientToken"`
	Action         HistoryAction `json:"action"`
	Timestamp      int64         `json:"timestamp"`
}

// CodeRegistry implements component D: bind a code to a runner, expire it
// after 10 minutes, and look it up by code or by runner.
type CodeRegistry struct {
	store store.Store
	clock clockwork.Clock
}

// NewCodeRegistry constructs a CodeRegistry over s, using s's clock for all
// TTL math so tests can fast-forward time deterministically.
func NewCodeRegistry(s store.Store) *CodeRegistry {
	return &CodeRegistry{store: s, clock: s.Clock()}
}

// RegisterCode generates a code not currently active and binds it to
// runnerID in both directions with a 10-minute TTL. It fails with
// apierr.CodeCollision if 10 successive creation attempts all collide.
func (r *CodeRegistry) RegisterCode(ctx context.Context, runnerID string) (string, error) {
	now := r.clock.Now()
	for attempt := 0; attempt < maxCodeCollisions; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return "", trace.Wrap(err)
		}
		rec := CodeRecord{
			Code:      code,
			RunnerID:  runnerID,
			CreatedAt: now.UnixMilli(),
			ExpiresAt: now.Add(codeTTL).UnixMilli(),
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return "", trace.Wrap(err)
		}
		created, err := r.store.SetIfAbsentWithTTL(ctx, codeKey(code), string(payload), codeTTL)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if !created {
			continue
		}
		if err := r.store.SetWithTTL(ctx, codeByRunnerKey(runnerID), code, codeTTL); err != nil {
			return "", trace.Wrap(err)
		}
		return code, nil
	}
	return "", apierr.New(apierr.CodeCollision, "could not allocate a pairing code for runner %q after %d attempts", runnerID, maxCodeCollisions)
}

// ValidateCode looks up the runner a code is bound to. It never consumes
// or mutates the code; only InvalidateCode or TTL expiry removes it. A
// record whose ExpiresAt has passed according to the registry's clock is
// treated as not found even if the store key itself has not yet expired
// (e.g. a fake clock in tests advances independently of the store's own
// TTL tracking).
func (r *CodeRegistry) ValidateCode(ctx context.Context, code string) (runnerID string, ok bool, err error) {
	raw, found, err := r.store.Get(ctx, codeKey(code))
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	if !found {
		return "", false, nil
	}
	var rec CodeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return "", false, trace.Wrap(err)
	}
	if r.clock.Now().After(time.UnixMilli(rec.ExpiresAt)) {
		return "", false, nil
	}
	return rec.RunnerID, true, nil
}

// IncrementUsageCount bumps a code's advisory usage counter. It never
// gates validity and tolerates the code having already expired.
func (r *CodeRegistry) IncrementUsageCount(ctx context.Context, code string) error {
	raw, found, err := r.store.Get(ctx, codeKey(code))
	if err != nil {
		return trace.Wrap(err)
	}
	if !found {
		return nil
	}
	var rec CodeRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return trace.Wrap(err)
	}
	rec.UsageCount++
	payload, err := json.Marshal(rec)
	if err != nil {
		return trace.Wrap(err)
	}
	remaining := time.UnixMilli(rec.ExpiresAt).Sub(r.clock.Now())
	if remaining <= 0 {
		return nil
	}
	return r.store.SetWithTTL(ctx, codeKey(code), string(payload), remaining)
}

// FindCodeByRunnerID returns the currently active code for runnerID, if any.
func (r *CodeRegistry) FindCodeByRunnerID(ctx context.Context, runnerID string) (code string, ok bool, err error) {
	v, found, err := r.store.Get(ctx, codeByRunnerKey(runnerID))
	if err != nil {
		return "", false, trace.Wrap(err)
	}
	return v, found, nil
}

// InvalidateCode deletes both directions of the code<->runner binding.
func (r *CodeRegistry) InvalidateCode(ctx context.Context, code string) error {
	runnerID, ok, err := r.ValidateCode(ctx, code)
	if err != nil {
		return trace.Wrap(err)
	}
	keys := []string{codeKey(code)}
	if ok {
		keys = append(keys, codeByRunnerKey(runnerID))
	}
	return trace.Wrap(r.store.Del(ctx, keys...))
}

// SessionRegistry implements component E: durable app<->runner pairing
// facts, the reverse fan-out set per runner, and runner heartbeat liveness.
type SessionRegistry struct {
	store store.Store
	clock clockwork.Clock
}

// NewSessionRegistry constructs a SessionRegistry over s.
func NewSessionRegistry(s store.Store) *SessionRegistry {
	return &SessionRegistry{store: s, clock: s.Clock()}
}

// CreateSession writes a durable pairing record and adds the token to the
// runner's fan-out set, overwriting any prior session for the same token.
func (r *SessionRegistry) CreateSession(ctx context.Context, token, runnerID string) error {
	rec := SessionRecord{
		AppClientToken: token,
		RunnerID:       runnerID,
		PairedAt:       r.clock.Now().UnixMilli(),
		IsActive:       true,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.store.SetWithTTL(ctx, sessionKey(token), string(payload), 0); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.store.SAdd(ctx, appsByRunnerKey(runnerID), token))
}

// GetSession returns the pairing record for token, if one exists. A
// session key with no corresponding app-set entry (or vice versa) is
// tolerated: GetSession only reads the session key.
func (r *SessionRegistry) GetSession(ctx context.Context, token string) (*SessionRecord, bool, error) {
	raw, found, err := r.store.Get(ctx, sessionKey(token))
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	if !found {
		return nil, false, nil
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, trace.Wrap(err)
	}
	return &rec, true, nil
}

// RemoveSession deletes a session, cleaning up the runner's app-set entry
// too. It is idempotent: calling it twice, or on a token with no session,
// is a no-op the second time.
func (r *SessionRegistry) RemoveSession(ctx context.Context, token string) error {
	rec, found, err := r.GetSession(ctx, token)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := r.store.Del(ctx, sessionKey(token)); err != nil {
		return trace.Wrap(err)
	}
	if found {
		if err := r.store.SRem(ctx, appsByRunnerKey(rec.RunnerID), token); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetAppsByRunnerID enumerates the tokens paired with runnerID. Stale
// members whose session record no longer exists simply produce no
// notification target further up the stack; they are not an error here.
func (r *SessionRegistry) GetAppsByRunnerID(ctx context.Context, runnerID string) ([]string, error) {
	tokens, err := r.store.SMembers(ctx, appsByRunnerKey(runnerID))
	return tokens, trace.Wrap(err)
}

// UpdateHeartbeat records runnerID as alive, TTL 60s.
func (r *SessionRegistry) UpdateHeartbeat(ctx context.Context, runnerID string) error {
	now := r.clock.Now().UnixMilli()
	return trace.Wrap(r.store.SetWithTTL(ctx, heartbeatKey(runnerID), fmt.Sprintf("%d", now), heartbeatTTL))
}

// IsRunnerOnline reports whether runnerID has a heartbeat younger than 30s.
func (r *SessionRegistry) IsRunnerOnline(ctx context.Context, runnerID string) (bool, error) {
	raw, found, err := r.store.Get(ctx, heartbeatKey(runnerID))
	if err != nil {
		return false, trace.Wrap(err)
	}
	if !found {
		return false, nil
	}
	var ms int64
	if _, err := fmt.Sscanf(raw, "%d", &ms); err != nil {
		return false, trace.Wrap(err)
	}
	age := r.clock.Now().Sub(time.UnixMilli(ms))
	return age >= 0 && age < heartbeatOnlineWin, nil
}

// RemoveAllSessionsForRunner deletes every session paired with runnerID,
// clears its app-set, and returns the list of affected tokens so the
// caller (the pairing gateway) can notify each one.
func (r *SessionRegistry) RemoveAllSessionsForRunner(ctx context.Context, runnerID string) ([]string, error) {
	tokens, err := r.store.SMembers(ctx, appsByRunnerKey(runnerID))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	keys := make([]string, 0, len(tokens))
	for _, t := range tokens {
		keys = append(keys, sessionKey(t))
	}
	if len(keys) > 0 {
		if err := r.store.Del(ctx, keys...); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	if err := r.store.Del(ctx, appsByRunnerKey(runnerID)); err != nil {
		return nil, trace.Wrap(err)
	}
	return tokens, nil
}

// History implements component G: an append-only, 100-entry-capped log of
// pairing events per runner. Failures here never block a pairing
// operation; callers should log and continue on error.
type History struct {
	store store.Store
	clock clockwork.Clock
}

// NewHistory constructs a History over s.
func NewHistory(s store.Store) *History {
	return &History{store: s, clock: s.Clock()}
}

// Record appends an event to runnerID's history and trims it to the most
// recent 100 entries.
func (h *History) Record(ctx context.Context, runnerID, token string, action HistoryAction) error {
	evt := HistoryEvent{
		AppClientToken: token,
		Action:         action,
		Timestamp:      h.clock.Now().UnixMilli(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return trace.Wrap(err)
	}
	key := historyKey(runnerID)
	if err := h.store.LPush(ctx, key, string(payload)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(h.store.LTrim(ctx, key, 0, historyCap-1))
}

// GetHistory returns up to limit most-recent-first events for runnerID.
func (h *History) GetHistory(ctx context.Context, runnerID string, limit int) ([]HistoryEvent, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}
	raws, err := h.store.LRange(ctx, historyKey(runnerID), 0, int64(limit-1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	events := make([]HistoryEvent, 0, len(raws))
	for _, raw := range raws {
		var evt HistoryEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			log.WithError(err).Warn("skipping malformed history entry")
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}
