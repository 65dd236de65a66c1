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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/termrelay/lib/auth"
	"github.com/gravitational/termrelay/lib/pairing"
	"github.com/gravitational/termrelay/lib/ptysession"
	"github.com/gravitational/termrelay/lib/ratelimit"
	"github.com/gravitational/termrelay/lib/rundir"
	"github.com/gravitational/termrelay/lib/store"
)

// testBroker wires a Server against a miniredis-backed store and a fake
// clock, and exposes it over a real httptest listener so tests exercise
// the full upgrade + read-loop path rather than calling handlers directly.
type testBroker struct {
	httpSrv *httptest.Server
	clock   clockwork.Clock
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := store.NewMiniredis(t, clock)
	validator := auth.New(map[string]string{"R1": "secret1", "R2": "secret2"}, "jwt-secret", clock)

	srv := New(Config{
		Auth:         validator,
		Codes:        pairing.NewCodeRegistry(s),
		Sessions:     pairing.NewSessionRegistry(s),
		Limiter:      ratelimit.New(s),
		History:      pairing.NewHistory(s),
		Store:        s,
		Runners:      rundir.New(),
		PTYSessions:  ptysession.New(),
		PingInterval: time.Minute,
		PingTimeout:  2 * time.Minute,
		Clock:        clock,
	})

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &testBroker{httpSrv: httpSrv, clock: clock}
}

func (b *testBroker) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(b.httpSrv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(frame{Event: event, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, body))
}

func recvFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// recvFrameEvent reads frames until it finds one matching want, tolerating
// a bounded number of unrelated frames (e.g. heartbeat acks) in between.
func recvFrameEvent(t *testing.T, conn *websocket.Conn, want string) frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := recvFrame(t, conn)
		if f.Event == want {
			return f
		}
	}
	t.Fatalf("did not observe a %q frame", want)
	return frame{}
}

// expectNoFrame asserts that no frame arrives within a short window,
// used to prove a socket was NOT notified of something.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame to arrive")
}

func registerRunner(t *testing.T, b *testBroker, runnerID, secret string) (*websocket.Conn, runnerRegisteredPayload) {
	t.Helper()
	conn := dial(t, b.wsURL("/runner"))
	sendFrame(t, conn, "runner:register", runnerRegisterPayload{RunnerID: runnerID, Secret: secret})
	f := recvFrameEvent(t, conn, "runner:registered")
	var p runnerRegisteredPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return conn, p
}

func pairApp(t *testing.T, b *testBroker, clientToken, code string) (*websocket.Conn, pairingSuccessPayload) {
	t.Helper()
	appConn := dial(t, b.wsURL("/app?clientToken="+clientToken))
	sendFrame(t, appConn, "app:pair", appPairPayload{Code: code})
	f := recvFrameEvent(t, appConn, "pairing:success")
	var p pairingSuccessPayload
	require.NoError(t, json.Unmarshal(f.Payload, &p))
	return appConn, p
}

// TestHappyPathPairAndRelayTerminal covers the baseline scenario: register,
// pair, connect_runner, and a terminal byte round trip in both directions.
func TestHappyPathPairAndRelayTerminal(t *testing.T) {
	b := newTestBroker(t)

	runnerConn, reg := registerRunner(t, b, "R1", "secret1")
	require.NotEmpty(t, reg.PairingCode)

	appConn, pairResult := pairApp(t, b, "app-1", reg.PairingCode)
	require.Equal(t, "R1", pairResult.RunnerID)
	require.True(t, pairResult.RunnerOnline)

	sendFrame(t, appConn, "connect_runner", connectRunnerPayload{RunnerID: "R1", SessionID: "S1"})

	createF := recvFrameEvent(t, runnerConn, "create_session")
	var createP map[string]string
	require.NoError(t, json.Unmarshal(createF.Payload, &createP))
	require.Equal(t, "S1", createP["sessionId"])

	sessionCreatedF := recvFrameEvent(t, appConn, "session_created")
	var sc sessionCreatedPayload
	require.NoError(t, json.Unmarshal(sessionCreatedF.Payload, &sc))
	require.Equal(t, "S1", sc.SessionID)

	sendFrame(t, runnerConn, "terminal_output", terminalOutputPayload{SessionID: "S1", Data: "hello"})
	outF := recvFrameEvent(t, appConn, "terminal_output")
	var out terminalOutputPayload
	require.NoError(t, json.Unmarshal(outF.Payload, &out))
	require.Equal(t, "hello", out.Data)

	sendFrame(t, appConn, "terminal_input", terminalInputPayload{SessionID: "S1", Data: "ls\n"})
	inF := recvFrameEvent(t, runnerConn, "terminal_input")
	var in terminalInputPayload
	require.NoError(t, json.Unmarshal(inF.Payload, &in))
	require.Equal(t, "ls\n", in.Data)
}

// TestSixthFailedPairTripsRateLimitAndBanExpires covers the rate-limit
// scenario across a fake-clock advance.
func TestSixthFailedPairTripsRateLimitAndBanExpires(t *testing.T) {
	b := newTestBroker(t)
	appConn := dial(t, b.wsURL("/app?clientToken=app-rl"))

	for i := 0; i < 5; i++ {
		sendFrame(t, appConn, "app:pair", appPairPayload{Code: "ZZZ-ZZZ-ZZZ"})
		f := recvFrameEvent(t, appConn, "pairing:error")
		var p pairingErrorPayload
		require.NoError(t, json.Unmarshal(f.Payload, &p))
		require.Equal(t, "CODE_NOT_FOUND", p.Code)
	}

	sendFrame(t, appConn, "app:pair", appPairPayload{Code: "ZZZ-ZZZ-ZZZ"})
	f := recvFrameEvent(t, appConn, "pairing:error")
	var banned pairingErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &banned))
	require.Equal(t, "RATE_LIMITED", banned.Code)
	require.Greater(t, banned.RemainingBanTime, int64(0))

	b.clock.(clockwork.FakeClock).Advance(301 * time.Second)

	sendFrame(t, appConn, "app:pair", appPairPayload{Code: "ZZZ-ZZZ-ZZZ"})
	f = recvFrameEvent(t, appConn, "pairing:error")
	var afterBan pairingErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &afterBan))
	require.Equal(t, "CODE_NOT_FOUND", afterBan.Code, "ban must have expired")
}

// TestRunnerDisconnectNotifiesPairedAppsAndClearsSessions covers the
// runner-drop scenario: every app paired with the runner learns it went
// offline, and the durable pairing is torn down.
func TestRunnerDisconnectNotifiesPairedAppsAndClearsSessions(t *testing.T) {
	b := newTestBroker(t)

	runnerConn, reg := registerRunner(t, b, "R1", "secret1")
	appConn1, _ := pairApp(t, b, "app-1", reg.PairingCode)
	appConn2, _ := pairApp(t, b, "app-2", reg.PairingCode)

	require.NoError(t, runnerConn.Close())

	f1 := recvFrameEvent(t, appConn1, "runner:offline")
	var p1 map[string]string
	require.NoError(t, json.Unmarshal(f1.Payload, &p1))
	require.Equal(t, "R1", p1["runnerId"])

	f2 := recvFrameEvent(t, appConn2, "runner:offline")
	var p2 map[string]string
	require.NoError(t, json.Unmarshal(f2.Payload, &p2))
	require.Equal(t, "R1", p2["runnerId"])

	sendFrame(t, appConn1, "app:pairing:status", nil)
	statusF := recvFrameEvent(t, appConn1, "pairing:status")
	var status pairingStatusPayload
	require.NoError(t, json.Unmarshal(statusF.Payload, &status))
	require.False(t, status.IsPaired, "disconnect must tear down the durable pairing")
}

// TestAppReconnectResumesSession covers the reconnect scenario: a fresh
// socket for the same clientToken can resume an existing PTY session and
// subsequently receives its output.
func TestAppReconnectResumesSession(t *testing.T) {
	b := newTestBroker(t)

	runnerConn, reg := registerRunner(t, b, "R1", "secret1")
	firstConn, _ := pairApp(t, b, "app-1", reg.PairingCode)

	sendFrame(t, firstConn, "connect_runner", connectRunnerPayload{RunnerID: "R1", SessionID: "S1"})
	recvFrameEvent(t, runnerConn, "create_session")
	recvFrameEvent(t, firstConn, "session_created")
	require.NoError(t, firstConn.Close())

	secondConn := dial(t, b.wsURL("/app?clientToken=app-1"))
	sendFrame(t, secondConn, "session_resume", sessionResumePayload{SessionID: "S1"})
	f := recvFrameEvent(t, secondConn, "session_resumed")
	var resumed sessionResumedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &resumed))
	require.True(t, resumed.Active)

	sendFrame(t, runnerConn, "terminal_output", terminalOutputPayload{SessionID: "S1", Data: "still here"})
	outF := recvFrameEvent(t, secondConn, "terminal_output")
	var out terminalOutputPayload
	require.NoError(t, json.Unmarshal(outF.Payload, &out))
	require.Equal(t, "still here", out.Data)
}

// TestConnectRunnerRejectsUnpairedClient covers the unauthorized-access
// scenario: a client with no pairing record gets NOT_PAIRED and the
// runner is never told to create a session.
func TestConnectRunnerRejectsUnpairedClient(t *testing.T) {
	b := newTestBroker(t)

	runnerConn, _ := registerRunner(t, b, "R1", "secret1")
	strangerConn := dial(t, b.wsURL("/app?clientToken=stranger"))

	sendFrame(t, strangerConn, "connect_runner", connectRunnerPayload{RunnerID: "R1", SessionID: "X"})
	f := recvFrameEvent(t, strangerConn, "error")
	var errPayload map[string]string
	require.NoError(t, json.Unmarshal(f.Payload, &errPayload))
	require.Equal(t, "NOT_PAIRED", errPayload["code"])

	expectNoFrame(t, runnerConn)
}

// TestSocketTakeoverRoutesToNewestSocket covers the socket-takeover
// scenario: two live sockets for one clientToken, and the newest one wins
// delivery of subsequent terminal output.
func TestSocketTakeoverRoutesToNewestSocket(t *testing.T) {
	b := newTestBroker(t)

	runnerConn, reg := registerRunner(t, b, "R1", "secret1")
	firstConn, _ := pairApp(t, b, "app-1", reg.PairingCode)

	sendFrame(t, firstConn, "connect_runner", connectRunnerPayload{RunnerID: "R1", SessionID: "S1"})
	recvFrameEvent(t, runnerConn, "create_session")
	recvFrameEvent(t, firstConn, "session_created")

	secondConn := dial(t, b.wsURL("/app?clientToken=app-1"))

	sendFrame(t, runnerConn, "terminal_output", terminalOutputPayload{SessionID: "S1", Data: "to-newest"})

	outF := recvFrameEvent(t, secondConn, "terminal_output")
	var out terminalOutputPayload
	require.NoError(t, json.Unmarshal(outF.Payload, &out))
	require.Equal(t, "to-newest", out.Data)

	expectNoFrame(t, firstConn)
}
