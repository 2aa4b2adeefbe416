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
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultEventLogLimit = 1000

func (s *ApiServer) queueJoin(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	ctx, cancel := s.opCtx(r)
	defer cancel()
	state, err := s.matchmaker.JoinQueue(ctx, agent.ID)
	if err != nil {
		if errors.Is(err, ErrAgentRequired) {
			s.writeError(w, r, http.StatusForbidden, codeAgentRequired, "a verified agent is required to join the queue")
			return
		}
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"matchId": state.MatchID,
		"status":  state.Status,
	})
}

func (s *ApiServer) queueStatus(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	ctx, cancel := s.opCtx(r)
	defer cancel()
	state, err := s.matchmaker.QueueStatus(ctx, agent.ID)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"matchId": state.MatchID,
		"status":  state.Status,
	})
}

func (s *ApiServer) queueLeave(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	ctx, cancel := s.opCtx(r)
	defer cancel()
	if err := s.matchmaker.LeaveQueue(ctx, agent.ID); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *ApiServer) eventsWait(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	timeoutS := 0
	if v := r.URL.Query().Get("timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, http.StatusBadRequest, "", "timeout must be a non-negative integer of seconds")
			return
		}
		timeoutS = n
	}

	env, err := s.matchmaker.WaitEvents(r.Context(), agent.ID, timeoutS)
	if err != nil {
		if r.Context().Err() != nil {
			// Caller went away; nothing left to write.
			return
		}
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"events": []*Envelope{env},
	})
}

func (s *ApiServer) matchActor(w http.ResponseWriter, r *http.Request) *MatchActor {
	matchID := mux.Vars(r)["id"]
	actor := s.registry.Get(matchID)
	if actor == nil {
		s.writeError(w, r, http.StatusNotFound, codeNotFound, "match not found")
		return nil
	}
	return actor
}

func (s *ApiServer) matchMove(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	var req struct {
		MoveID          string          `json:"moveId"`
		ExpectedVersion *int64          `json:"expectedVersion"`
		Move            json.RawMessage `json:"move"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "", "request body must be a JSON object with moveId, expectedVersion and move fields")
		return
	}
	if req.MoveID == "" || req.ExpectedVersion == nil || len(req.Move) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "", "moveId, expectedVersion and move are required")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	resp, err := actor.SubmitMove(ctx, agent.ID, req.MoveID, *req.ExpectedVersion, req.Move)
	if err != nil {
		if errors.Is(err, ErrMatchNotFound) {
			s.writeError(w, r, http.StatusNotFound, codeNotFound, "match not found")
			return
		}
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "match is busy, retry with the same moveId")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Warn("Failed to write move response", zap.Error(err))
	}
}

func (s *ApiServer) matchThought(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	var req struct {
		Thought json.RawMessage `json:"thought"`
	}
	if err := decodeBody(r, &req); err != nil || len(req.Thought) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "", "request body must be a JSON object with a thought field")
		return
	}

	if err := actor.PublishThought(r.Context(), agent.ID, req.Thought); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "match is busy")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *ApiServer) matchFinish(w http.ResponseWriter, r *http.Request) {
	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "", "request body must be a JSON object")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	err := actor.Finish(ctx, req.Reason)
	switch {
	case err == nil, errors.Is(err, ErrMatchAlreadyEnded):
		// Finish is idempotent: repeat calls are no-ops.
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
	default:
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "match is busy")
	}
}

func (s *ApiServer) matchState(w http.ResponseWriter, r *http.Request) {
	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	snap, err := actor.GetState(ctx)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, codeNotFound, "match not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"state": snap,
	})
}

func (s *ApiServer) matchLog(w http.ResponseWriter, r *http.Request) {
	matchID := mux.Vars(r)["id"]
	limit := defaultEventLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "", "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	events, err := s.store.LoadEventLog(ctx, matchID, limit)
	if err != nil {
		s.logger.Error("Failed to load event log", zap.String("mid", matchID), zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "event log unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"events": events,
	})
}

func (s *ApiServer) featured(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opCtx(r)
	defer cancel()
	f, err := s.matchmaker.Featured(ctx)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"matchId": f.MatchID,
		"status":  f.Status,
		"players": f.Players,
	})
}

func (s *ApiServer) live(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.opCtx(r)
	defer cancel()
	matchID, err := s.matchmaker.Latest(ctx)
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "matchmaker unavailable")
		return
	}
	if matchID == "" {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
		return
	}
	actor := s.registry.Get(matchID)
	if actor == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "matchId": matchID})
		return
	}
	snap, err := actor.GetState(ctx)
	if err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "matchId": matchID})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"matchId": matchID,
		"state":   snap,
	})
}

func (s *ApiServer) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, r, http.StatusBadRequest, "", "limit must be an integer between 1 and 500")
			return
		}
		limit = n
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	rows, err := s.agents.TopLeaderboard(ctx, limit)
	if err != nil {
		s.logger.Error("Failed to load leaderboard", zap.Error(err))
		s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "leaderboard unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"leaderboard": rows,
	})
}
