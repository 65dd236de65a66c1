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

// Package ptysession holds the in-process PTY session map used by the
// session/events gateway (component I). Sessions are keyed by sessionId
// and track which app socket currently owns delivery, supporting socket
// takeover across app reconnects.
package ptysession

import (
	"sync"
)

// Session is one running PTY, identified by an app-chosen sessionId.
type Session struct {
	SessionID          string
	AppClientToken     string
	CurrentAppSocketID string
	RunnerID           string
}

// Map is a concurrency-safe map of sessionId -> *Session.
type Map struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New constructs an empty Map.
func New() *Map {
	return &Map{sessions: make(map[string]*Session)}
}

// Create inserts a new session record, replacing any prior one with the
// same id.
func (m *Map) Create(sessionID, appClientToken, appSocketID, runnerID string) *Session {
	sess := &Session{
		SessionID:          sessionID,
		AppClientToken:      appClientToken,
		CurrentAppSocketID: appSocketID,
		RunnerID:           runnerID,
	}
	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess
}

// Get returns the session for sessionID, if it exists.
func (m *Map) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Remove deletes sessionID's record. Idempotent.
func (m *Map) Remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// UpdateSocket performs a socket takeover: sessionID's current socket
// becomes appSocketID. No-op if sessionID doesn't exist.
func (m *Map) UpdateSocket(sessionID, appSocketID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	sess.CurrentAppSocketID = appSocketID
	return true
}

// TakeoverAll updates CurrentAppSocketID to newSocketID for every session
// owned by appClientToken, implementing the "socket takeover" convention
// when a client reconnects. Returns the affected session ids.
func (m *Map) TakeoverAll(appClientToken, newSocketID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for id, sess := range m.sessions {
		if sess.AppClientToken == appClientToken {
			sess.CurrentAppSocketID = newSocketID
			affected = append(affected, id)
		}
	}
	return affected
}

// RemoveForRunner deletes every session whose RunnerID matches runnerID,
// called when that runner disconnects. Returns the affected session ids.
func (m *Map) RemoveForRunner(runnerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected []string
	for id, sess := range m.sessions {
		if sess.RunnerID == runnerID {
			affected = append(affected, id)
			delete(m.sessions, id)
		}
	}
	return affected
}
