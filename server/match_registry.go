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
	"sync"

	"go.uber.org/zap"
)

// MatchRegistry is the process-wide set of live match actors, addressable by
// matchId. Actors self-release after their post-end grace period via the
// onRelease hook handed to them at creation.
type MatchRegistry struct {
	sync.RWMutex
	logger  *zap.Logger
	config  Config
	store   MatchStore
	engine  Engine
	metrics *Metrics

	matches map[string]*MatchActor
	stopped bool
}

func NewMatchRegistry(logger *zap.Logger, config Config, store MatchStore, engine Engine, metrics *Metrics) *MatchRegistry {
	return &MatchRegistry{
		logger:  logger,
		config:  config,
		store:   store,
		engine:  engine,
		metrics: metrics,
		matches: make(map[string]*MatchActor),
	}
}

// CreateMatch initializes the owning actor for a freshly paired match.
func (r *MatchRegistry) CreateMatch(matchID string, seed int64, players [2]string, ratings [2]int) (*MatchActor, error) {
	r.Lock()
	defer r.Unlock()
	if r.stopped {
		return nil, ErrShuttingDown
	}
	if actor, ok := r.matches[matchID]; ok {
		return actor, nil
	}
	actor, err := NewMatchActor(r.logger, r.config, r.store, r.engine, r.metrics, matchID, seed, players, ratings, r.remove)
	if err != nil {
		return nil, err
	}
	r.matches[matchID] = actor
	return actor, nil
}

// Get returns the live actor for a matchId, or nil if it does not exist or
// has been released.
func (r *MatchRegistry) Get(matchID string) *MatchActor {
	r.RLock()
	defer r.RUnlock()
	return r.matches[matchID]
}

func (r *MatchRegistry) remove(matchID string) {
	r.Lock()
	delete(r.matches, matchID)
	r.Unlock()
	r.logger.Info("Match released", zap.String("mid", matchID))
}

// Count returns the number of live actors, ended-but-in-grace included.
func (r *MatchRegistry) Count() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.matches)
}

// Stop releases every live actor. New matches are refused afterwards.
func (r *MatchRegistry) Stop() {
	r.Lock()
	r.stopped = true
	actors := make([]*MatchActor, 0, len(r.matches))
	for _, actor := range r.matches {
		actors = append(actors, actor)
	}
	r.matches = make(map[string]*MatchActor)
	r.Unlock()

	for _, actor := range actors {
		actor.Stop()
	}
}
