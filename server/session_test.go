// Copyright 2026 The Fightclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairTestMatch runs two agents through the queue and returns the match id.
func pairTestMatch(t *testing.T, s *ApiServer) string {
	t.Helper()
	keyA := registerAndVerify(t, s, "bot-a")
	keyB := registerAndVerify(t, s, "bot-b")
	_, out := doJSON(t, s, "POST", "/v1/queue/join", keyA, "", nil)
	matchID := out["matchId"].(string)
	w, _ := doJSON(t, s, "POST", "/v1/queue/join", keyB, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return matchID
}

func adminFinishMatch(t *testing.T, s *ApiServer, matchID, reason string) {
	t.Helper()
	w, _ := doJSON(t, s, "POST", "/v1/matches/"+matchID+"/finish", "",
		`{"reason":"`+reason+`"}`, map[string]string{"x-admin-key": testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)
}

// readSSEEnvelope scans the stream for the next data frame, skipping comment
// heartbeats and event-name lines.
func readSSEEnvelope(t *testing.T, r *bufio.Reader) *Envelope {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err, "stream ended before a data frame arrived")
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "data: ") {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env))
			return &env
		}
	}
}

func TestMatchStreamSSE(t *testing.T) {
	s := newTestApiServer(t)
	matchID := pairTestMatch(t, s)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/matches/"+matchID+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	first := readSSEEnvelope(t, reader)
	assert.Equal(t, EventState, first.Event, "stream must open with a snapshot")
	assert.Equal(t, matchID, first.MatchID)
	assert.NotEmpty(t, first.State)

	adminFinishMatch(t, s, matchID, "maintenance")

	var env *Envelope
	for {
		env = readSSEEnvelope(t, reader)
		if env.Event == EventGameEnded {
			break
		}
	}
	assert.Nil(t, env.Winner)
	assert.Equal(t, "admin_finish_maintenance", env.Reason)

	// After game_ended the subscription closes and the response ends.
	rest, err := io.ReadAll(reader)
	require.NoError(t, err, "stream should close after game_ended")
	assert.NotContains(t, string(rest), "data: ", "no frames may follow game_ended")
}

func TestMatchStreamSSENotFound(t *testing.T) {
	s := newTestApiServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/matches/nope/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMatchWebSocket(t *testing.T) {
	s := newTestApiServer(t)
	matchID := pairTestMatch(t, s)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/matches/" + matchID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Envelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventState, first.Event, "socket must open with a snapshot")
	assert.Equal(t, matchID, first.MatchID)

	adminFinishMatch(t, s, matchID, "maintenance")

	sawEnd := false
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
				"expected a clean close after the stream ended, got: %v", err)
			break
		}
		if env.Event == EventGameEnded {
			sawEnd = true
			assert.Nil(t, env.Winner)
			assert.Equal(t, "admin_finish_maintenance", env.Reason)
		}
	}
	assert.True(t, sawEnd, "game_ended must be delivered before the close handshake")
}

func TestMatchWebSocketEndedMatchReplaysEnd(t *testing.T) {
	s := newTestApiServer(t)
	matchID := pairTestMatch(t, s)
	adminFinishMatch(t, s, matchID, "stuck")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/matches/" + matchID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// A late subscriber still gets the final snapshot and the end event.
	var first, second Envelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventState, first.Event)
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, EventGameEnded, second.Event)
	assert.Equal(t, "admin_finish_stuck", second.Reason)
}
