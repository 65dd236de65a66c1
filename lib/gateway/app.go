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

	"github.com/gravitational/termrelay/lib/apierr"
	"github.com/gravitational/termrelay/lib/pairing"
)

type appAuthPayload struct {
	Token string `json:"token"`
}

type appAuthenticatedPayload struct {
	UserID  string   `json:"userId"`
	Runners []string `json:"runners"`
}

type appPairPayload struct {
	Code string `json:"code"`
}

type pairingSuccessPayload struct {
	RunnerID     string `json:"runnerId"`
	PairedAt     int64  `json:"pairedAt"`
	RunnerOnline bool   `json:"runnerOnline"`
}

type pairingErrorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RemainingBanTime int64  `json:"remainingBanTime,omitempty"`
	RunnerID         string `json:"runnerId,omitempty"`
}

type pairingStatusPayload struct {
	IsPaired     bool   `json:"isPaired"`
	RunnerID     string `json:"runnerId,omitempty"`
	PairedAt     int64  `json:"pairedAt,omitempty"`
	RunnerOnline bool   `json:"runnerOnline,omitempty"`
}

type connectRunnerPayload struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
}

type sessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type terminalInputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type terminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

type sessionResumePayload struct {
	SessionID string `json:"sessionId"`
}

type sessionResumedPayload struct {
	SessionID string `json:"sessionId"`
	Active    bool   `json:"active"`
}

// handleApp upgrades an incoming connection and runs the app-side state
// machine: the connect/app:auth/app:pair/app:pairing:status/app:unpair
// handlers and the connect_runner/terminal_input/terminal_resize/
// session_resume handlers.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("app websocket upgrade failed")
		return
	}
	socketID := newSocketID()
	sock := newSocket(socketID, conn, s.log.WithField("actor", "app"))
	go sock.writePump(s.cfg.PingInterval, s.cfg.PingTimeout)

	ctx := context.Background()

	// clientToken is supplied out-of-band on the handshake (query string):
	// it must be stable across reconnects and must not be the ephemeral
	// socket id, though a caller that omits it is tolerated as a
	// non-resumable client keyed by its own socket id.
	clientToken := r.URL.Query().Get("clientToken")
	if clientToken == "" {
		clientToken = socketID
	}
	s.apps.add(clientToken, sock)

	// Socket takeover: any PTY session already owned by this clientToken
	// now routes terminal_output to the new socket. No event is emitted
	// for this.
	s.cfg.PTYSessions.TakeoverAll(clientToken, socketID)

	defer func() {
		s.apps.remove(clientToken, socketID)
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
		case "app:auth":
			s.handleAppAuth(sock, f.Payload)

		case "app:pair":
			s.handleAppPair(ctx, sock, clientToken, f.Payload)

		case "app:pairing:status":
			s.handleAppPairingStatus(ctx, sock, clientToken)

		case "app:unpair":
			s.handleAppUnpair(ctx, sock, clientToken)

		case "connect_runner":
			s.handleConnectRunner(ctx, sock, clientToken, socketID, f.Payload)

		case "terminal_input":
			s.handleTerminalInput(clientToken, f.Payload)

		case "terminal_resize":
			s.handleTerminalResize(clientToken, f.Payload)

		case "session_resume":
			s.handleSessionResume(sock, clientToken, socketID, f.Payload)
		}
	}
}

func (s *Server) handleAppAuth(sock *socket, raw json.RawMessage) {
	var p appAuthPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		errorAndClose(sock, string(apierr.InvalidFormat), "malformed app:auth payload")
		return
	}
	result, err := s.cfg.Auth.ValidateAppToken(p.Token)
	if err != nil {
		errorAndClose(sock, string(apierr.Unauthorized), "invalid bearer token")
		return
	}
	online := s.cfg.Runners.OnlineIDs()
	sock.Emit("app:authenticated", appAuthenticatedPayload{
		UserID:  result.SubjectID,
		Runners: online,
	})
}

// handleAppPair runs the five-step app:pair algorithm: ban check, payload
// and format validation, code lookup, runner-liveness check, and finally
// committing the pairing.
func (s *Server) handleAppPair(ctx context.Context, sock *socket, clientToken string, raw json.RawMessage) {
	log := s.log.WithField("clientToken", clientToken)

	banned, err := s.cfg.Limiter.IsBanned(ctx, clientToken)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "rate limiter unavailable"})
		return
	}
	if banned {
		remaining, err := s.cfg.Limiter.GetRemainingBanTime(ctx, clientToken)
		if err != nil {
			log.WithError(err).Warn("failed to read remaining ban time")
		}
		sock.Emit("pairing:error", pairingErrorPayload{
			Code:             string(apierr.RateLimited),
			Message:          "too many failed pairing attempts",
			RemainingBanTime: remaining,
		})
		return
	}

	var p appPairPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.recordFailure(ctx, clientToken)
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.InvalidFormat), Message: "malformed app:pair payload"})
		return
	}
	if !pairing.ValidateCodeFormat(p.Code) {
		s.recordFailure(ctx, clientToken)
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.InvalidFormat), Message: "pairing code is not in XXX-XXX-XXX format"})
		return
	}

	runnerID, ok, err := s.cfg.Codes.ValidateCode(ctx, p.Code)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "pairing store unavailable"})
		return
	}
	if !ok {
		s.recordFailure(ctx, clientToken)
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.CodeNotFound), Message: "pairing code not found or expired"})
		return
	}

	online, err := s.cfg.Sessions.IsRunnerOnline(ctx, runnerID)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "pairing store unavailable"})
		return
	}
	if !online {
		s.recordFailure(ctx, clientToken)
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.RunnerOffline), Message: "runner is not online", RunnerID: runnerID})
		return
	}

	if err := s.cfg.Sessions.CreateSession(ctx, clientToken, runnerID); err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "failed to persist pairing"})
		return
	}
	if err := s.cfg.Limiter.Reset(ctx, clientToken); err != nil {
		log.WithError(err).Warn("failed to reset rate limiter on successful pair")
	}
	if err := s.cfg.Codes.IncrementUsageCount(ctx, p.Code); err != nil {
		log.WithError(err).Warn("failed to bump pairing code usage count")
	}
	if err := s.cfg.History.Record(ctx, runnerID, clientToken, pairing.ActionPaired); err != nil {
		log.WithError(err).Warn("failed to record pairing history")
	}

	sock.Emit("pairing:success", pairingSuccessPayload{
		RunnerID:     runnerID,
		PairedAt:     s.clock.Now().UnixMilli(),
		RunnerOnline: true,
	})
}

// recordFailure records a failed attempt, logging but not surfacing errors:
// a rate-limiter write failure should never block the caller from seeing
// the underlying pairing:error.
func (s *Server) recordFailure(ctx context.Context, clientToken string) {
	if err := s.cfg.Limiter.RecordFailedAttempt(ctx, clientToken); err != nil {
		s.log.WithError(err).WithField("clientToken", clientToken).Warn("failed to record failed pairing attempt")
	}
}

func (s *Server) handleAppPairingStatus(ctx context.Context, sock *socket, clientToken string) {
	rec, ok, err := s.cfg.Sessions.GetSession(ctx, clientToken)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "pairing store unavailable"})
		return
	}
	if !ok {
		sock.Emit("pairing:status", pairingStatusPayload{IsPaired: false})
		return
	}
	online, err := s.cfg.Sessions.IsRunnerOnline(ctx, rec.RunnerID)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "pairing store unavailable"})
		return
	}
	sock.Emit("pairing:status", pairingStatusPayload{
		IsPaired:     true,
		RunnerID:     rec.RunnerID,
		PairedAt:     rec.PairedAt,
		RunnerOnline: online,
	})
}

func (s *Server) handleAppUnpair(ctx context.Context, sock *socket, clientToken string) {
	rec, ok, err := s.cfg.Sessions.GetSession(ctx, clientToken)
	if err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "pairing store unavailable"})
		return
	}
	if !ok {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.NotPaired), Message: "no active pairing"})
		return
	}
	if err := s.cfg.Sessions.RemoveSession(ctx, clientToken); err != nil {
		sock.Emit("pairing:error", pairingErrorPayload{Code: string(apierr.Internal), Message: "failed to remove pairing"})
		return
	}
	if err := s.cfg.History.Record(ctx, rec.RunnerID, clientToken, pairing.ActionUnpaired); err != nil {
		s.log.WithError(err).Warn("failed to record unpair history")
	}
	sock.Emit("pairing:unpaired", map[string]string{})
}

// handleConnectRunner implements the connect_runner handler. Authorization
// failures here emit `error` and leave the socket open rather than closing
// it — only credential failures at app:auth/runner:register close the
// socket.
func (s *Server) handleConnectRunner(ctx context.Context, sock *socket, clientToken, socketID string, raw json.RawMessage) {
	var p connectRunnerPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.Emit("error", map[string]string{"code": string(apierr.InvalidFormat), "message": "malformed connect_runner payload"})
		return
	}

	rec, ok, err := s.cfg.Sessions.GetSession(ctx, clientToken)
	if err != nil {
		sock.Emit("error", map[string]string{"code": string(apierr.Internal), "message": "pairing store unavailable"})
		return
	}
	if !ok || rec.RunnerID != p.RunnerID {
		sock.Emit("error", map[string]string{"code": string(apierr.NotPaired), "message": "not paired with this runner"})
		return
	}

	entry, ok := s.cfg.Runners.Get(p.RunnerID)
	if !ok {
		sock.Emit("error", map[string]string{"code": string(apierr.RunnerOffline), "message": "runner is not connected"})
		return
	}

	s.cfg.PTYSessions.Create(p.SessionID, clientToken, socketID, p.RunnerID)
	entry.Socket.Emit("create_session", map[string]string{"sessionId": p.SessionID})
	sock.Emit("session_created", sessionCreatedPayload{SessionID: p.SessionID})
}

// handleTerminalInput forwards app->runner bytes verbatim, dropping the
// frame silently (never revealing existence of the session) if it is
// missing or owned by a different clientToken.
func (s *Server) handleTerminalInput(clientToken string, raw json.RawMessage) {
	var p terminalInputPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	sess, ok := s.cfg.PTYSessions.Get(p.SessionID)
	if !ok || sess.AppClientToken != clientToken {
		return
	}
	entry, ok := s.cfg.Runners.Get(sess.RunnerID)
	if !ok {
		return
	}
	entry.Socket.Emit("terminal_input", p)
}

func (s *Server) handleTerminalResize(clientToken string, raw json.RawMessage) {
	var p terminalResizePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	sess, ok := s.cfg.PTYSessions.Get(p.SessionID)
	if !ok || sess.AppClientToken != clientToken {
		return
	}
	entry, ok := s.cfg.Runners.Get(sess.RunnerID)
	if !ok {
		return
	}
	entry.Socket.Emit("terminal_resize", p)
}

func (s *Server) handleSessionResume(sock *socket, clientToken, socketID string, raw json.RawMessage) {
	var p sessionResumePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		sock.Emit("error", map[string]string{"code": string(apierr.InvalidFormat), "message": "malformed session_resume payload"})
		return
	}
	sess, ok := s.cfg.PTYSessions.Get(p.SessionID)
	if !ok || sess.AppClientToken != clientToken {
		sock.Emit("session_resumed", sessionResumedPayload{SessionID: p.SessionID, Active: false})
		return
	}
	s.cfg.PTYSessions.UpdateSocket(p.SessionID, socketID)
	sock.Emit("session_resumed", sessionResumedPayload{SessionID: p.SessionID, Active: true})
}
