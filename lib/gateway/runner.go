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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gravitational/termrelay/lib/apierr"
	"github.com/gravitational/termrelay/lib/pairing"
)

// codeTTL mirrors lib/pairing's unexported pairing-code lifetime so
// runner:registered can report an accurate expiresAt without RegisterCode
// needing to return one.
const codeTTL = 10 * time.Minute

type runnerRegisterPayload struct {
	RunnerID string `json:"runnerId"`
	Secret   string `json:"secret"`
}

type runnerRegisteredPayload struct {
	RunnerID    string `json:"runnerId"`
	PairingCode string `json:"pairingCode"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type terminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type sessionEndedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// handleRunner upgrades an incoming connection to a WebSocket and runs the
// runner-side state machine: register, heartbeat, disconnect cleanup, and
// the runner-originated terminal_output/session_ended passthrough.
func (s *Server) handleRunner(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("runner websocket upgrade failed")
		return
	}
	sock := newSocket(newSocketID(), conn, s.log.WithField("actor", "runner"))
	go sock.writePump(s.cfg.PingInterval, s.cfg.PingTimeout)

	ctx := context.Background()
	var runnerID string
	var registered bool

	defer func() {
		if registered {
			s.onRunnerDisconnect(ctx, runnerID, sock)
		}
		sock.close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}

		switch f.Event {
		case "runner:register":
			if registered {
				continue
			}
			var p runnerRegisterPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil || p.RunnerID == "" {
				errorAndClose(sock, string(apierr.InvalidFormat), "malformed runner:register payload")
				return
			}
			if !s.cfg.Auth.ValidateRunner(p.RunnerID, p.Secret) {
				errorAndClose(sock, string(apierr.Unauthorized), "invalid runner credentials")
				return
			}
			runnerID = p.RunnerID
			registered = true
			s.onRunnerRegister(ctx, runnerID, sock)

		case "runner:heartbeat":
			if !registered {
				continue
			}
			if err := s.cfg.Sessions.UpdateHeartbeat(ctx, runnerID); err != nil {
				s.log.WithError(err).Warn("failed to update heartbeat")
				continue
			}
			sock.Emit("runner:heartbeat:ack", map[string]string{})

		case "terminal_output":
			if !registered {
				continue
			}
			var p terminalOutputPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			s.forwardOutputToApp(p)

		case "session_ended":
			if !registered {
				continue
			}
			var p sessionEndedPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			s.forwardSessionEnded(p)
		}
	}
}

// onRunnerRegister handles a runner:register frame: directory registration
// (closing a superseded socket), code issuance, heartbeat, and notifying
// already-paired apps that the runner came online.
func (s *Server) onRunnerRegister(ctx context.Context, runnerID string, sock *socket) {
	if prev := s.cfg.Runners.Register(runnerID, sock, s.clock.Now()); prev != nil {
		prev.Close()
	}

	code, err := s.cfg.Codes.RegisterCode(ctx, runnerID)
	if err != nil {
		s.log.WithError(err).WithField("runnerId", runnerID).Error("failed to register pairing code")
		errorAndClose(sock, string(apierr.Internal), "failed to allocate a pairing code")
		return
	}
	if err := s.cfg.Sessions.UpdateHeartbeat(ctx, runnerID); err != nil {
		s.log.WithError(err).Warn("failed to update heartbeat on register")
	}

	sock.Emit("runner:registered", runnerRegisteredPayload{
		RunnerID:    runnerID,
		PairingCode: code,
		ExpiresAt:   s.clock.Now().Add(codeTTL).UnixMilli(),
	})

	s.broadcastRunnerTransition(ctx, runnerID, "runner:online")
}

// onRunnerDisconnect invalidates the runner's active code, tears down
// every pairing session for it, notifies each affected app, clears the
// in-process PTY sessions and directory entry, and logs history.
func (s *Server) onRunnerDisconnect(ctx context.Context, runnerID string, sock *socket) {
	log := s.log.WithField("runnerId", runnerID)

	if code, ok, err := s.cfg.Codes.FindCodeByRunnerID(ctx, runnerID); err == nil && ok {
		if err := s.cfg.Codes.InvalidateCode(ctx, code); err != nil {
			log.WithError(err).Warn("failed to invalidate pairing code on disconnect")
		}
	} else if err != nil {
		log.WithError(err).Warn("failed to look up pairing code on disconnect")
	}

	tokens, err := s.cfg.Sessions.RemoveAllSessionsForRunner(ctx, runnerID)
	if err != nil {
		log.WithError(err).Error("failed to remove sessions on runner disconnect")
	}
	for _, token := range tokens {
		for _, appSock := range s.apps.socketsFor(token) {
			appSock.Emit("runner:offline", map[string]string{"runnerId": runnerID})
		}
		if err := s.cfg.History.Record(ctx, runnerID, token, pairing.ActionRunnerDisconnected); err != nil {
			log.WithError(err).Warn("failed to record history")
		}
	}

	s.cfg.PTYSessions.RemoveForRunner(runnerID)
	s.cfg.Runners.Unregister(runnerID, sock)
}

// broadcastRunnerTransition notifies every app paired with runnerID — only
// apps whose pairing list contains the runner, never every connected app.
func (s *Server) broadcastRunnerTransition(ctx context.Context, runnerID, event string) {
	tokens, err := s.cfg.Sessions.GetAppsByRunnerID(ctx, runnerID)
	if err != nil {
		s.log.WithError(err).WithField("runnerId", runnerID).Warn("failed to enumerate paired apps")
		return
	}
	for _, token := range tokens {
		for _, appSock := range s.apps.socketsFor(token) {
			appSock.Emit(event, map[string]string{"runnerId": runnerID})
		}
	}
}

// forwardOutputToApp delivers a runner->app terminal_output frame: bytes
// are opaque and delivered to the session's current app socket only; if
// no socket is attached, the frame is dropped.
func (s *Server) forwardOutputToApp(p terminalOutputPayload) {
	sess, ok := s.cfg.PTYSessions.Get(p.SessionID)
	if !ok {
		return
	}
	appSock, ok := s.apps.get(sess.AppClientToken, sess.CurrentAppSocketID)
	if !ok {
		return
	}
	appSock.Emit("terminal_output", p)
}

// forwardSessionEnded delivers session_ended to the current app socket and
// removes the in-process PTY session record.
func (s *Server) forwardSessionEnded(p sessionEndedPayload) {
	sess, ok := s.cfg.PTYSessions.Get(p.SessionID)
	if ok {
		if appSock, ok := s.apps.get(sess.AppClientToken, sess.CurrentAppSocketID); ok {
			appSock.Emit("session_ended", p)
		}
	}
	s.cfg.PTYSessions.Remove(p.SessionID)
}
