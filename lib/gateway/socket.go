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
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// outboundQueueSize bounds each socket's serialized write queue so a slow
// consumer gets disconnected instead of growing memory unbounded.
const outboundQueueSize = 64

// frame is the wire shape of every message: a textual event name plus a
// JSON payload object.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// socket wraps one gorilla/websocket connection with a single reader and a
// single writer goroutine, so frames for one socket are always written in
// the order they were queued and no business logic ever calls
// conn.WriteJSON directly (preventing concurrent-write panics and keeping
// ordering guarantees precise).
type socket struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	log   *logrus.Entry
	once  sync.Once
	doneC chan struct{}
}

func newSocket(id string, conn *websocket.Conn, log *logrus.Entry) *socket {
	return &socket{
		id:    id,
		conn:  conn,
		send:  make(chan []byte, outboundQueueSize),
		log:   log,
		doneC: make(chan struct{}),
	}
}

// Emit serializes {event, payload} and queues it for the writer goroutine.
// A full queue indicates a stalled/slow consumer; the socket is closed
// rather than letting Emit block the caller indefinitely. Emit is the
// method that satisfies rundir.Emitter, so the runner directory can
// notify a runner's socket without depending on gorilla/websocket.
func (s *socket) Emit(event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("failed to marshal outbound payload")
		return
	}
	body, err := json.Marshal(frame{Event: event, Payload: raw})
	if err != nil {
		s.log.WithError(err).WithField("event", event).Error("failed to marshal outbound frame")
		return
	}
	select {
	case s.send <- body:
	default:
		s.log.WithField("event", event).Warn("outbound queue full, closing slow socket")
		s.close()
	}
}

// writePump drains send onto the connection and maintains the ping
// keepalive. It returns when the socket is closed.
func (s *socket) writePump(pingInterval, pingTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	_ = s.conn.SetReadDeadline(time.Now().Add(pingTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pingTimeout))
	})
	for {
		select {
		case <-s.doneC:
			return
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.doneC)
		_ = s.conn.Close()
	})
}

// Close satisfies rundir.Emitter; it lets the directory close a
// superseded runner socket without depending on gorilla/websocket.
func (s *socket) Close() {
	s.close()
}
