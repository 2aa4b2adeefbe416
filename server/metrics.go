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
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the core observability signals. A nil-safe zero value is not
// provided; construct with NewMetrics even in tests.
type Metrics struct {
	registry *prometheus.Registry

	MatchesStarted      prometheus.Counter
	MatchesEnded        *prometheus.CounterVec
	MovesAccepted       prometheus.Counter
	MovesRejected       *prometheus.CounterVec
	Subscribers         prometheus.Gauge
	SubscribersDropped  prometheus.Counter
	ResultWriteFailures prometheus.Counter
	AgentsRegistered    prometheus.Counter
	QueueJoins          prometheus.Counter

	server *http.Server
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		MatchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_matches_started_total",
			Help: "Matches initialized by the matchmaker.",
		}),
		MatchesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fightclaw_matches_ended_total",
			Help: "Matches ended, partitioned by end reason.",
		}, []string{"reason"}),
		MovesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_moves_accepted_total",
			Help: "Moves that produced a state transition.",
		}),
		MovesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fightclaw_moves_rejected_total",
			Help: "Moves rejected, partitioned by rejection code.",
		}, []string{"code"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fightclaw_subscribers",
			Help: "Live match event subscribers.",
		}),
		SubscribersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_subscribers_dropped_total",
			Help: "Subscribers disconnected for falling behind.",
		}),
		ResultWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_match_result_write_failures_total",
			Help: "Match results that could not be persisted after retries.",
		}),
		AgentsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_agents_registered_total",
			Help: "Agents created through registration.",
		}),
		QueueJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fightclaw_queue_joins_total",
			Help: "Queue join operations accepted.",
		}),
	}
	registry.MustRegister(
		m.MatchesStarted, m.MatchesEnded, m.MovesAccepted, m.MovesRejected,
		m.Subscribers, m.SubscribersDropped, m.ResultWriteFailures,
		m.AgentsRegistered, m.QueueJoins,
	)
	return m
}

// StartServer exposes the registry on the configured metrics port. No-op when
// the port is 0.
func (m *Metrics) StartServer(logger *zap.Logger, config Config) {
	if config.GetMetrics().Port <= 0 {
		return
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods("GET")
	CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	m.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.GetMetrics().Port),
		ReadTimeout:  time.Millisecond * time.Duration(config.GetAPI().ReadTimeoutMs),
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Millisecond * time.Duration(config.GetAPI().IdleTimeoutMs),
		Handler:      handlerWithCORS,
	}

	logger.Info("Starting metrics server", zap.Int("port", config.GetMetrics().Port))
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Metrics listener failed", zap.Error(err))
		}
	}()
}

func (m *Metrics) Stop(logger *zap.Logger) {
	if m.server != nil {
		if err := m.server.Shutdown(context.Background()); err != nil {
			logger.Error("Metrics listener shutdown failed", zap.Error(err))
		}
	}
}
