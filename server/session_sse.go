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
	"time"

	"go.uber.org/zap"
)

const sseHeartbeatPeriod = 15 * time.Second

// matchStream serves the match event stream over Server-Sent Events. Each
// envelope is one data frame; a comment heartbeat keeps idle connections from
// being reaped by intermediaries.
func (s *ApiServer) matchStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
		return
	}

	actor := s.matchActor(w, r)
	if actor == nil {
		return
	}

	agentID := ""
	if agent := agentFrom(r); agent != nil {
		agentID = agent.ID
	}

	sub, err := actor.Subscribe(r.Context(), agentID)
	if err != nil {
		s.writeError(w, r, http.StatusNotFound, codeNotFound, "match not found")
		return
	}
	defer actor.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeatPeriod)
	defer heartbeat.Stop()

	events := make(chan *Envelope)
	streamErr := make(chan error, 1)
	go func() {
		for {
			env, err := sub.Next(r.Context())
			if err != nil || env == nil {
				streamErr <- err
				return
			}
			select {
			case events <- env:
			case <-r.Context().Done():
				return
			}
		}
	}()

	for {
		select {
		case env := <-events:
			payload, err := json.Marshal(env)
			if err != nil {
				s.logger.Error("Failed to encode stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case err := <-streamErr:
			if err == nil && sub.Dropped() {
				// Backlog overflow closed the stream; tell the client before
				// disconnecting so it knows to resync from the log.
				fmt.Fprint(w, "event: dropped\ndata: {}\n\n")
				flusher.Flush()
			}
			return
		case <-r.Context().Done():
			return
		}
	}
}
