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

// Package gateway implements components H, I, and P: the pairing gateway,
// the session/events gateway, and the small health/static HTTP surface
// they share a listener with.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/termrelay/lib/auth"
	"github.com/gravitational/termrelay/lib/pairing"
	"github.com/gravitational/termrelay/lib/ptysession"
	"github.com/gravitational/termrelay/lib/ratelimit"
	"github.com/gravitational/termrelay/lib/rundir"
	"github.com/gravitational/termrelay/lib/store"
)

// Config configures a Server.
type Config struct {
	Auth         *auth.Validator
	Codes        *pairing.CodeRegistry
	Sessions     *pairing.SessionRegistry
	Limiter      *ratelimit.Limiter
	History      *pairing.History
	Store        store.Store
	Runners      *rundir.Directory
	PTYSessions  *ptysession.Map
	CORSOrigins  []string
	PingInterval time.Duration
	PingTimeout  time.Duration
	StaticDir    string
	Clock        clockwork.Clock
}

// Server hosts the runner and app WebSocket endpoints plus a small health
// surface, all on one httprouter mux.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *logrus.Entry
	clock    clockwork.Clock

	// apps indexes live app sockets by clientToken, so broadcasts can find
	// every socket for a given clientToken and terminal output can reach a
	// PTY session's current socket.
	apps *appRegistry
}

// New constructs a Server from cfg.
func New(cfg Config) *Server {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	origins := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		origins[o] = true
	}
	allowAll := len(origins) == 0
	return &Server{
		cfg:   cfg,
		clock: clock,
		log:   logrus.WithField("component", "gateway"),
		apps:  newAppRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAll {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

// Handler returns the httprouter mux serving /runner, /app, /healthz, and
// (if configured) a static file server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/runner", s.wrapHandler(s.handleRunner))
	router.GET("/app", s.wrapHandler(s.handleApp))
	router.GET("/healthz", s.wrapHandler(s.handleHealthz))
	if s.cfg.StaticDir != "" {
		router.NotFound = http.FileServer(http.Dir(s.cfg.StaticDir))
	}
	return router
}

func (s *Server) wrapHandler(fn func(http.ResponseWriter, *http.Request)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		fn(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.cfg.Store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func newSocketID() string {
	return uuid.NewString()
}

// errorAndClose sends an `error` frame and closes the socket, used for
// credential failures at registration time.
func errorAndClose(sock *socket, code, message string) {
	sock.Emit("error", map[string]string{"code": code, "message": message})
	sock.close()
}
