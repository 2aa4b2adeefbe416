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
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func (s *ApiServer) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "", "request body must be a JSON object with a name field")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	reg, err := RegisterAgent(ctx, s.agents, s.config.GetAPI().KeyPepper, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidName):
			s.writeError(w, r, http.StatusBadRequest, "", err.Error())
		case errors.Is(err, ErrNameInUse):
			s.writeError(w, r, http.StatusConflict, codeNameInUse, "agent name already in use")
		default:
			s.logger.Error("Registration failed", zap.Error(err))
			s.writeError(w, r, http.StatusServiceUnavailable, codeUnavailable, "registration is temporarily unavailable")
		}
		return
	}

	s.metrics.AgentsRegistered.Inc()
	s.logger.Info("Agent registered", zap.String("agent", reg.Agent.ID), zap.String("name", reg.Agent.Name))
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ok": true,
		"agent": map[string]interface{}{
			"id":       reg.Agent.ID,
			"name":     reg.Agent.Name,
			"verified": false,
		},
		"apiKey":       reg.APIKey,
		"apiKeyPrefix": reg.APIKeyPrefix,
		"claimCode":    reg.ClaimCode,
	})
}

func (s *ApiServer) verify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClaimCode string `json:"claimCode"`
	}
	if err := decodeBody(r, &req); err != nil || req.ClaimCode == "" {
		s.writeError(w, r, http.StatusBadRequest, "", "request body must be a JSON object with a claimCode field")
		return
	}

	ctx, cancel := s.opCtx(r)
	defer cancel()
	agentID, verifiedAt, err := VerifyClaim(ctx, s.agents, s.config.GetAPI().KeyPepper, req.ClaimCode)
	switch {
	case errors.Is(err, ErrClaimNotFound):
		s.writeError(w, r, http.StatusNotFound, codeNotFound, "unknown claim code")
		return
	case errors.Is(err, ErrAlreadyVerified):
		s.writeError(w, r, http.StatusConflict, codeAlreadyVerified, "agent already verified")
		return
	case err != nil:
		s.writeError(w, r, http.StatusInternalServerError, codeInternalError, "verification failed")
		return
	}

	s.logger.Info("Agent verified", zap.String("agent", agentID))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"agentId":    agentID,
		"verifiedAt": verifiedAt.UTC().Format(time.RFC3339),
	})
}

func (s *ApiServer) me(w http.ResponseWriter, r *http.Request) {
	agent := agentFrom(r)
	var verifiedAt interface{}
	if agent.VerifiedAt != nil {
		verifiedAt = agent.VerifiedAt.UTC().Format(time.RFC3339)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok": true,
		"agent": map[string]interface{}{
			"id":         agent.ID,
			"name":       agent.Name,
			"verified":   agent.VerifiedAt != nil,
			"verifiedAt": verifiedAt,
			"createdAt":  agent.CreatedAt.UTC().Format(time.RFC3339),
			"apiKeyId":   agent.APIKeyID,
		},
	})
}
