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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ctxKeyAgent struct{}
type ctxKeyRequestID struct{}

// ApiServer is the HTTP adapter in front of the matchmaker and match actors.
type ApiServer struct {
	logger     *zap.Logger
	config     Config
	agents     AgentStore
	store      MatchStore
	matchmaker *Matchmaker
	registry   *MatchRegistry
	metrics    *Metrics

	server *http.Server
}

func StartApiServer(logger, startupLogger *zap.Logger, config Config, agents AgentStore, store MatchStore, matchmaker *Matchmaker, registry *MatchRegistry, metrics *Metrics) *ApiServer {
	s := &ApiServer{
		logger:     logger,
		config:     config,
		agents:     agents,
		store:      store,
		matchmaker: matchmaker,
		registry:   registry,
		metrics:    metrics,
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/auth/register", s.register).Methods("POST")
	router.HandleFunc("/v1/auth/verify", s.requireAdmin(s.verify)).Methods("POST")
	router.HandleFunc("/v1/auth/me", s.requireAgent(s.me, false)).Methods("GET")

	router.HandleFunc("/v1/queue/join", s.requireAgent(s.queueJoin, true)).Methods("POST")
	router.HandleFunc("/v1/matches/queue", s.requireAgent(s.queueJoin, true)).Methods("POST")
	router.HandleFunc("/v1/queue/status", s.requireAgent(s.queueStatus, false)).Methods("GET")
	router.HandleFunc("/v1/queue/leave", s.requireAgent(s.queueLeave, false)).Methods("DELETE")
	router.HandleFunc("/v1/events/wait", s.requireAgent(s.eventsWait, false)).Methods("GET")

	router.HandleFunc("/v1/matches/{id}/move", s.requireAgent(s.matchMove, true)).Methods("POST")
	router.HandleFunc("/v1/matches/{id}/thought", s.requireAgent(s.matchThought, true)).Methods("POST")
	router.HandleFunc("/v1/matches/{id}/finish", s.requireAdmin(s.matchFinish)).Methods("POST")
	router.HandleFunc("/v1/matches/{id}/state", s.matchState).Methods("GET")
	router.HandleFunc("/v1/matches/{id}/log", s.matchLog).Methods("GET")
	router.HandleFunc("/v1/matches/{id}/stream", s.optionalAgent(s.matchStream)).Methods("GET")
	router.HandleFunc("/v1/matches/{id}/ws", s.optionalAgent(s.matchWS)).Methods("GET")

	router.HandleFunc("/v1/featured", s.featured).Methods("GET")
	router.HandleFunc("/v1/live", s.live).Methods("GET")
	router.HandleFunc("/v1/leaderboard", s.leaderboard).Methods("GET")

	handler := s.recoverMiddleware(router)
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent", "X-Admin-Key"})
	CORSOrigins := handlers.AllowedOrigins([]string{config.GetAPI().CORSOrigin})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "HEAD"})
	handler = handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(handler)

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", config.GetAPI().Port),
		ReadTimeout: time.Millisecond * time.Duration(config.GetAPI().ReadTimeoutMs),
		// WriteTimeout stays 0: the stream and ws routes hold their
		// connections open indefinitely.
		IdleTimeout: time.Millisecond * time.Duration(config.GetAPI().IdleTimeoutMs),
		Handler:     handler,
	}

	startupLogger.Info("Starting API server", zap.Int("port", config.GetAPI().Port))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupLogger.Fatal("API listener failed", zap.Error(err))
		}
	}()

	return s
}

// Handler exposes the configured HTTP handler for tests.
func (s *ApiServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *ApiServer) Stop() {
	if err := s.server.Shutdown(context.Background()); err != nil {
		s.logger.Error("API listener shutdown failed", zap.Error(err))
	}
}

func (s *ApiServer) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.Must(uuid.NewV4()).String()
		r = r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID{}, requestID))
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in request handler", zap.Any("panic", rec), zap.String("rid", requestID), zap.String("path", r.URL.Path))
				s.writeError(w, r, http.StatusInternalServerError, codeInternalError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAgent authenticates the bearer key and optionally enforces the
// verification gate for gameplay routes.
func (s *ApiServer) requireAgent(next http.HandlerFunc, requireVerified bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.bearerAgent(r)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing or invalid API key")
			return
		}
		if requireVerified && agent.VerifiedAt == nil {
			s.writeError(w, r, http.StatusForbidden, codeForbidden, "agent is not verified")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAgent{}, agent)))
	}
}

// optionalAgent attaches the agent when a valid bearer key is presented and
// treats everything else as an anonymous spectator.
func (s *ApiServer) optionalAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agent, err := s.bearerAgent(r); err == nil {
			r = r.WithContext(context.WithValue(r.Context(), ctxKeyAgent{}, agent))
		}
		next(w, r)
	}
}

func (s *ApiServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminKey := s.config.GetAPI().AdminKey
		if adminKey == "" || r.Header.Get("x-admin-key") != adminKey {
			s.writeError(w, r, http.StatusForbidden, codeForbidden, "admin key required")
			return
		}
		next(w, r)
	}
}

func (s *ApiServer) bearerAgent(r *http.Request) (*AgentRecord, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return nil, ErrAgentNotFound
	}
	return AuthenticateKey(r.Context(), s.agents, s.config.GetAPI().KeyPepper, strings.TrimPrefix(auth, "Bearer "))
}

func agentFrom(r *http.Request) *AgentRecord {
	agent, _ := r.Context().Value(ctxKeyAgent{}).(*AgentRecord)
	return agent
}

func requestIDFrom(r *http.Request) string {
	rid, _ := r.Context().Value(ctxKeyRequestID{}).(string)
	return rid
}

// opCtx bounds actor operations triggered by non-streaming requests.
func (s *ApiServer) opCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), time.Millisecond*time.Duration(s.config.GetAPI().HandlerTimeoutMs))
}

func (s *ApiServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

type errorEnvelope struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *ApiServer) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, &errorEnvelope{
		OK:        false,
		Error:     message,
		Code:      code,
		RequestID: requestIDFrom(r),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
