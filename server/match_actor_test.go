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
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestActor(t *testing.T, cfg *config, store *fakeStore) *MatchActor {
	actor, err := NewMatchActor(testLogger, cfg, store, NewSkirmishEngine(), NewMetrics(),
		"match-1", 7, testPlayers, [2]int{1500, 1500}, nil)
	require.NoError(t, err)
	t.Cleanup(actor.Stop)
	return actor
}

func submit(t *testing.T, actor *MatchActor, agentID, moveID string, version int64, move string) *MoveResponse {
	resp, err := actor.SubmitMove(context.Background(), agentID, moveID, version, json.RawMessage(move))
	require.NoError(t, err)
	return resp
}

func decodeBodyMap(t *testing.T, resp *MoveResponse) map[string]interface{} {
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &m))
	return m
}

func TestMatchActorAcceptsMove(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "agent-a", "m1", 0, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusOK, resp.Status)

	body := decodeBodyMap(t, resp)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "match-1", body["matchId"])
	assert.Equal(t, float64(1), body["stateVersion"])
	assert.Equal(t, "agent-b", body["activeAgentId"])
	assert.NotNil(t, body["state"])

	snap, err := actor.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.StateVersion)
	assert.Equal(t, "agent-b", snap.ActiveAgentID)
}

func TestMatchActorIdempotentRetry(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	first := submit(t, actor, "agent-a", "m1", 0, `{"action":"end_turn"}`)
	// A retry must return the stored response verbatim, even with a stale
	// version or different payload.
	retry := submit(t, actor, "agent-a", "m1", 99, `{"action":"pass"}`)
	assert.Equal(t, first.Status, retry.Status)
	assert.Equal(t, first.Body, retry.Body, "retry response must be byte-identical")

	// Only one move was applied.
	snap, err := actor.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.StateVersion)
}

func TestMatchActorRejectionsAreIdempotentToo(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	rej := submit(t, actor, "agent-b", "m1", 0, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusForbidden, rej.Status)

	retry := submit(t, actor, "agent-b", "m1", 0, `{"action":"end_turn"}`)
	assert.Equal(t, rej.Body, retry.Body)
}

func TestMatchActorNotYourTurn(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "agent-b", "m1", 0, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	body := decodeBodyMap(t, resp)
	assert.Equal(t, "not_your_turn", body["code"])
	assert.Equal(t, "agent-a", body["current"])
}

func TestMatchActorNonParticipant(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "stranger", "m1", 0, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "unauthorized", decodeBodyMap(t, resp)["code"])
}

func TestMatchActorVersionMismatch(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "agent-a", "m1", 5, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusConflict, resp.Status)
	body := decodeBodyMap(t, resp)
	assert.Equal(t, "version_mismatch", body["code"])
	assert.Equal(t, float64(0), body["stateVersion"], "rejection carries the authoritative version")
}

func TestMatchActorInvalidMoveSchema(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "agent-a", "m1", 0, `{"action":"teleport"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "invalid_move_schema", decodeBodyMap(t, resp)["code"])

	resp = submit(t, actor, "agent-a", "m2", 0, `{"action":"end_turn","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "invalid_move_schema", decodeBodyMap(t, resp)["code"])
}

func TestMatchActorIllegalMoveForfeits(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	resp := submit(t, actor, "agent-a", "m1", 0, `{"action":"fortify","unit":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, "illegal_move", decodeBodyMap(t, resp)["code"])

	require.Eventually(t, func() bool {
		return store.result("match-1") != nil
	}, time.Second, 10*time.Millisecond)

	rec := store.result("match-1")
	require.NotNil(t, rec.Winner)
	assert.Equal(t, "agent-b", *rec.Winner)
	assert.Equal(t, reasonIllegalMove, rec.Reason)

	// The match is terminal for all subsequent submissions.
	resp = submit(t, actor, "agent-a", "m2", 0, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Equal(t, "terminal", decodeBodyMap(t, resp)["code"])
}

func TestMatchActorBroadcastOrder(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	subB, err := actor.Subscribe(context.Background(), "agent-b")
	require.NoError(t, err)
	spectator, err := actor.Subscribe(context.Background(), "")
	require.NoError(t, err)

	submit(t, actor, "agent-a", "m1", 0, `{"action":"end_turn"}`)

	got := collect(subB, EventYourTurn, time.Second)
	require.Len(t, got, 4)
	assert.Equal(t, EventState, got[0].Event, "snapshot on subscribe")
	assert.Equal(t, EventState, got[1].Event)
	assert.Equal(t, EventEngineEvents, got[2].Event)
	assert.Equal(t, EventYourTurn, got[3].Event, "agent-b is now the active agent")
	require.NotNil(t, got[2].StateVersion)
	assert.Equal(t, int64(1), *got[2].StateVersion)
	assert.Equal(t, "m1", got[2].MoveID)

	// Spectators never receive your_turn.
	sGot := collect(spectator, EventEngineEvents, time.Second)
	require.Len(t, sGot, 3)
	assert.Equal(t, EventEngineEvents, sGot[2].Event)

	actor.Unsubscribe(subB)
	actor.Unsubscribe(spectator)
}

func TestMatchActorSubscribeToEndedMatch(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	require.NoError(t, actor.Finish(context.Background(), "test"))

	sub, err := actor.Subscribe(context.Background(), "agent-a")
	require.NoError(t, err)

	got := collect(sub, "", time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, EventState, got[0].Event)
	assert.Equal(t, EventGameEnded, got[1].Event)
	assert.Nil(t, got[1].Winner)
}

func TestMatchActorSlowSubscriberDropped(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.SubscriberBacklogMax = 1
	store := newFakeStore()
	actor := newTestActor(t, cfg, store)

	sub, err := actor.Subscribe(context.Background(), "")
	require.NoError(t, err)
	// The snapshot fills the single backlog slot; the next broadcast drops
	// this subscriber.
	submit(t, actor, "agent-a", "m1", 0, `{"action":"end_turn"}`)

	require.Eventually(t, sub.Dropped, time.Second, 10*time.Millisecond)

	// Match continues unaffected.
	resp := submit(t, actor, "agent-b", "m2", 1, `{"action":"end_turn"}`)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestMatchActorTurnTimeoutForfeits(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.TurnTimeoutMs = 30
	store := newFakeStore()
	actor := newTestActor(t, cfg, store)

	require.Eventually(t, actor.Ended, time.Second, 10*time.Millisecond)

	rec := store.result("match-1")
	require.NotNil(t, rec)
	require.NotNil(t, rec.Winner)
	assert.Equal(t, "agent-b", *rec.Winner, "the idle active agent forfeits")
	assert.Equal(t, reasonTurnTimeout, rec.Reason)
}

func TestMatchActorMoveResetsTurnTimer(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.TurnTimeoutMs = 80
	store := newFakeStore()
	actor := newTestActor(t, cfg, store)

	// Keep alternating well within the deadline; no forfeit may trigger.
	version := int64(0)
	agents := []string{"agent-a", "agent-b"}
	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		resp := submit(t, actor, agents[i%2], "m"+string(rune('0'+i)), version, `{"action":"end_turn"}`)
		require.Equal(t, http.StatusOK, resp.Status)
		version++
	}
	assert.False(t, actor.Ended())
}

func TestMatchActorDisconnectGraceForfeits(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.DisconnectGraceMs = 30
	store := newFakeStore()
	actor := newTestActor(t, cfg, store)

	sub, err := actor.Subscribe(context.Background(), "agent-a")
	require.NoError(t, err)
	actor.Unsubscribe(sub)

	require.Eventually(t, actor.Ended, time.Second, 10*time.Millisecond)

	rec := store.result("match-1")
	require.NotNil(t, rec)
	require.NotNil(t, rec.Winner)
	assert.Equal(t, "agent-b", *rec.Winner)
	assert.Equal(t, reasonDisconnectTimeout, rec.Reason)
}

func TestMatchActorReconnectCancelsGrace(t *testing.T) {
	cfg := newTestConfig()
	cfg.Match.DisconnectGraceMs = 60
	store := newFakeStore()
	actor := newTestActor(t, cfg, store)

	sub, err := actor.Subscribe(context.Background(), "agent-a")
	require.NoError(t, err)
	actor.Unsubscribe(sub)

	time.Sleep(20 * time.Millisecond)
	sub2, err := actor.Subscribe(context.Background(), "agent-a")
	require.NoError(t, err)
	defer actor.Unsubscribe(sub2)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, actor.Ended(), "reconnecting within the grace must cancel the forfeit")
}

func TestMatchActorAdminFinish(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	require.NoError(t, actor.Finish(context.Background(), "stuck"))
	assert.True(t, actor.Ended())

	rec := store.result("match-1")
	require.NotNil(t, rec)
	assert.Nil(t, rec.Winner)
	assert.Equal(t, "admin_finish_stuck", rec.Reason)

	// Repeat finish is a no-op.
	err := actor.Finish(context.Background(), "stuck")
	assert.ErrorIs(t, err, ErrMatchAlreadyEnded)
}

func TestMatchActorResultWriteRetries(t *testing.T) {
	store := newFakeStore()
	store.failResults(1, errFakeDown)
	actor := newTestActor(t, newTestConfig(), store)

	require.NoError(t, actor.Finish(context.Background(), ""))

	rec := store.result("match-1")
	require.NotNil(t, rec, "second attempt must succeed")
	assert.Equal(t, reasonAdminFinish, rec.Reason)
}

func TestMatchActorEndsInMemoryWhenResultWriteFails(t *testing.T) {
	store := newFakeStore()
	store.failResults(resultWriteRetries, errFakeDown)
	actor := newTestActor(t, newTestConfig(), store)

	require.NoError(t, actor.Finish(context.Background(), ""))
	assert.True(t, actor.Ended(), "persistence failure must not keep the match alive")
	assert.Nil(t, store.result("match-1"))
}

func TestMatchActorStoppedRejectsCalls(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)
	actor.Stop()

	_, err := actor.GetState(context.Background())
	assert.ErrorIs(t, err, ErrMatchNotFound)
	_, err = actor.SubmitMove(context.Background(), "agent-a", "m1", 0, json.RawMessage(`{"action":"end_turn"}`))
	assert.ErrorIs(t, err, ErrMatchNotFound)
}

func TestMatchActorEventLog(t *testing.T) {
	store := newFakeStore()
	actor := newTestActor(t, newTestConfig(), store)

	submit(t, actor, "agent-a", "m1", 0, `{"action":"end_turn"}`)
	require.NoError(t, actor.Finish(context.Background(), ""))

	require.Eventually(t, func() bool {
		types := store.eventTypes("match-1")
		return len(types) >= 3
	}, time.Second, 10*time.Millisecond)

	types := store.eventTypes("match-1")
	assert.Equal(t, "match_started", types[0])
	assert.Contains(t, types, "move_applied")
	assert.Equal(t, EventGameEnded, types[len(types)-1])
}
