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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

func newTestApiServer(t *testing.T) *ApiServer {
	cfg := newTestConfig()
	cfg.API.Port = 0
	cfg.API.AdminKey = testAdminKey

	store := newFakeStore()
	agents := newFakeAgentStore()
	metrics := NewMetrics()
	registry := NewMatchRegistry(testLogger, cfg, store, NewSkirmishEngine(), metrics)
	mm := NewMatchmaker(testLogger, cfg, store, registry, metrics)
	s := StartApiServer(testLogger, testLogger, cfg, agents, store, mm, registry, metrics)
	t.Cleanup(func() {
		s.Stop()
		mm.Stop()
		registry.Stop()
	})
	return s
}

func doJSON(t *testing.T, s *ApiServer, method, path, bearer, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "response was not JSON: %s", w.Body.String())
	}
	return w, out
}

// registerAndVerify runs the full onboarding flow and returns the API key.
func registerAndVerify(t *testing.T, s *ApiServer, name string) string {
	w, out := doJSON(t, s, "POST", "/v1/auth/register", "", fmt.Sprintf(`{"name":%q}`, name), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	apiKey := out["apiKey"].(string)
	claimCode := out["claimCode"].(string)

	w, _ = doJSON(t, s, "POST", "/v1/auth/verify", "", fmt.Sprintf(`{"claimCode":%q}`, claimCode),
		map[string]string{"x-admin-key": testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)
	return apiKey
}

func TestApiRegisterAndMe(t *testing.T) {
	s := newTestApiServer(t)

	w, out := doJSON(t, s, "POST", "/v1/auth/register", "", `{"name":"bot-1"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, out["ok"])
	apiKey := out["apiKey"].(string)
	assert.True(t, strings.HasPrefix(apiKey, "fc_sk_"))
	assert.True(t, strings.HasPrefix(out["claimCode"].(string), "fc_claim_"))

	// Duplicate name.
	w, out = doJSON(t, s, "POST", "/v1/auth/register", "", `{"name":"bot-1"}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "name_in_use", out["code"])

	// Invalid name.
	w, _ = doJSON(t, s, "POST", "/v1/auth/register", "", `{"name":"has space"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Me with the fresh key.
	w, out = doJSON(t, s, "GET", "/v1/auth/me", apiKey, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	agent := out["agent"].(map[string]interface{})
	assert.Equal(t, "bot-1", agent["name"])
	assert.Equal(t, false, agent["verified"])

	// Me without a key.
	w, out = doJSON(t, s, "GET", "/v1/auth/me", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", out["code"])
}

func TestApiVerifyRequiresAdmin(t *testing.T) {
	s := newTestApiServer(t)

	_, out := doJSON(t, s, "POST", "/v1/auth/register", "", `{"name":"bot-1"}`, nil)
	claimCode := out["claimCode"].(string)

	w, _ := doJSON(t, s, "POST", "/v1/auth/verify", "", fmt.Sprintf(`{"claimCode":%q}`, claimCode), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = doJSON(t, s, "POST", "/v1/auth/verify", "", fmt.Sprintf(`{"claimCode":%q}`, claimCode),
		map[string]string{"x-admin-key": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, out = doJSON(t, s, "POST", "/v1/auth/verify", "", fmt.Sprintf(`{"claimCode":%q}`, claimCode),
		map[string]string{"x-admin-key": testAdminKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, out["agentId"])

	// Verifying twice conflicts.
	w, out = doJSON(t, s, "POST", "/v1/auth/verify", "", fmt.Sprintf(`{"claimCode":%q}`, claimCode),
		map[string]string{"x-admin-key": testAdminKey})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_verified", out["code"])
}

func TestApiQueueRequiresVerifiedAgent(t *testing.T) {
	s := newTestApiServer(t)

	w, _ := doJSON(t, s, "POST", "/v1/queue/join", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, out := doJSON(t, s, "POST", "/v1/auth/register", "", `{"name":"bot-1"}`, nil)
	apiKey := out["apiKey"].(string)

	w, resp := doJSON(t, s, "POST", "/v1/queue/join", apiKey, "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", resp["code"])
}

func TestApiFullMatchFlow(t *testing.T) {
	s := newTestApiServer(t)
	keyA := registerAndVerify(t, s, "bot-a")
	keyB := registerAndVerify(t, s, "bot-b")

	// Pair via the queue.
	w, out := doJSON(t, s, "POST", "/v1/queue/join", keyA, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "waiting", out["status"])
	matchID := out["matchId"].(string)

	w, out = doJSON(t, s, "POST", "/v1/queue/join", keyB, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", out["status"])
	require.Equal(t, matchID, out["matchId"])

	// Pairing notifications.
	w, out = doJSON(t, s, "GET", "/v1/events/wait?timeout=1", keyA, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := out["events"].([]interface{})
	require.Len(t, events, 1)
	assert.Equal(t, "match_found", events[0].(map[string]interface{})["event"])

	// Public state is served without auth.
	w, out = doJSON(t, s, "GET", "/v1/matches/"+matchID+"/state", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := out["state"].(map[string]interface{})
	activeKey := keyA
	if state["activeAgentId"].(string) != agentIDFor(t, s, keyA) {
		activeKey = keyB
	}

	// The active agent moves.
	w, out = doJSON(t, s, "POST", "/v1/matches/"+matchID+"/move", activeKey,
		`{"moveId":"m1","expectedVersion":0,"move":{"action":"end_turn"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %v", out)
	assert.Equal(t, float64(1), out["stateVersion"])

	// Retry is idempotent.
	w, retry := doJSON(t, s, "POST", "/v1/matches/"+matchID+"/move", activeKey,
		`{"moveId":"m1","expectedVersion":5,"move":{"action":"pass"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, out, retry)

	// The match log has the applied move.
	w, out = doJSON(t, s, "GET", "/v1/matches/"+matchID+"/log", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, out["events"])

	// Featured points at this match.
	w, out = doJSON(t, s, "GET", "/v1/featured", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, matchID, out["matchId"])
	assert.Equal(t, "active", out["status"])

	// Admin finish, twice; the repeat is a no-op.
	for i := 0; i < 2; i++ {
		w, _ = doJSON(t, s, "POST", "/v1/matches/"+matchID+"/finish", "", `{"reason":"maintenance"}`,
			map[string]string{"x-admin-key": testAdminKey})
		assert.Equal(t, http.StatusOK, w.Code)
	}

	// Moves against the ended match are terminal.
	w, out = doJSON(t, s, "POST", "/v1/matches/"+matchID+"/move", activeKey,
		`{"moveId":"m2","expectedVersion":1,"move":{"action":"end_turn"}}`, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "terminal", out["code"])
}

func agentIDFor(t *testing.T, s *ApiServer, apiKey string) string {
	_, out := doJSON(t, s, "GET", "/v1/auth/me", apiKey, "", nil)
	return out["agent"].(map[string]interface{})["id"].(string)
}

func TestApiMatchNotFound(t *testing.T) {
	s := newTestApiServer(t)
	key := registerAndVerify(t, s, "bot-a")

	w, out := doJSON(t, s, "GET", "/v1/matches/nope/state", "", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", out["code"])

	w, _ = doJSON(t, s, "POST", "/v1/matches/nope/move", key,
		`{"moveId":"m1","expectedVersion":0,"move":{"action":"end_turn"}}`, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApiAdminFinishRequiresKey(t *testing.T) {
	s := newTestApiServer(t)

	w, _ := doJSON(t, s, "POST", "/v1/matches/any/finish", "", `{}`, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestApiMoveValidation(t *testing.T) {
	s := newTestApiServer(t)
	keyA := registerAndVerify(t, s, "bot-a")
	keyB := registerAndVerify(t, s, "bot-b")

	_, out := doJSON(t, s, "POST", "/v1/queue/join", keyA, "", nil)
	matchID := out["matchId"].(string)
	doJSON(t, s, "POST", "/v1/queue/join", keyB, "", nil)

	// Missing fields.
	w, _ := doJSON(t, s, "POST", "/v1/matches/"+matchID+"/move", keyA, `{"moveId":"m1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown body fields are rejected.
	w, _ = doJSON(t, s, "POST", "/v1/matches/"+matchID+"/move", keyA,
		`{"moveId":"m1","expectedVersion":0,"move":{"action":"end_turn"},"bogus":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiLeaderboardLimit(t *testing.T) {
	s := newTestApiServer(t)

	w, _ := doJSON(t, s, "GET", "/v1/leaderboard", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = doJSON(t, s, "GET", "/v1/leaderboard?limit=0", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, s, "GET", "/v1/leaderboard?limit=1000", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
