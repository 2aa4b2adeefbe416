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
	"errors"
	"math/rand"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrAgentRequired = errors.New("agent_required")

// QueueState is the client-visible queue position.
type QueueState struct {
	MatchID string `json:"matchId,omitempty"`
	Status  string `json:"status"` // waiting | ready | idle
}

// FeaturedMatch points spectators at the most recently paired match.
type FeaturedMatch struct {
	MatchID string   `json:"matchId,omitempty"`
	Status  string   `json:"status,omitempty"`
	Players []string `json:"players,omitempty"`
}

// Matchmaker is the process-wide pairing singleton. Like a match actor it is
// a single goroutine draining an operation queue, so the pending slot, the
// per-agent event buffers and the waiter table are mutated race-free.
type Matchmaker struct {
	logger   *zap.Logger
	config   Config
	store    MatchStore
	registry *MatchRegistry
	metrics  *Metrics

	callCh  chan func(*Matchmaker)
	stopCh  chan struct{}
	stopped *atomic.Bool

	// Pending slot: at most one agent waits for an opponent.
	pendingMatchID string
	pendingAgentID string
	pendingSeed    int64

	latestMatchID string
	latestPlayers [2]string

	// Per-agent FIFO of pairing notifications, bounded drop-oldest.
	buffers map[string][]*Envelope
	// At most one suspended waitEvents call per agent.
	waiters map[string]chan *Envelope
}

func NewMatchmaker(logger *zap.Logger, config Config, store MatchStore, registry *MatchRegistry, metrics *Metrics) *Matchmaker {
	m := &Matchmaker{
		logger:   logger,
		config:   config,
		store:    store,
		registry: registry,
		metrics:  metrics,

		callCh:  make(chan func(*Matchmaker), config.GetMatchmaker().CallQueueSize),
		stopCh:  make(chan struct{}),
		stopped: atomic.NewBool(false),

		buffers: make(map[string][]*Envelope),
		waiters: make(map[string]chan *Envelope),
	}

	go func() {
		for {
			select {
			case <-m.stopCh:
				return
			case call := <-m.callCh:
				call(m)
			}
		}
	}()

	return m
}

func (m *Matchmaker) Stop() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
}

func (m *Matchmaker) queueCall(f func(*Matchmaker)) error {
	if m.stopped.Load() {
		return ErrShuttingDown
	}
	select {
	case m.callCh <- f:
		return nil
	default:
		m.logger.Warn("Matchmaker call queue full")
		return ErrMatchBusy
	}
}

func (m *Matchmaker) call(ctx context.Context, f func(*Matchmaker) *QueueState) (*QueueState, error) {
	resultCh := make(chan *QueueState, 1)
	err := m.queueCall(func(m *Matchmaker) {
		resultCh <- f(m)
	})
	if err != nil {
		return nil, err
	}
	select {
	case st := <-resultCh:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// JoinQueue places an agent in the pending slot or pairs it with the agent
// already holding it. Idempotent for the agent currently in the slot.
func (m *Matchmaker) JoinQueue(ctx context.Context, agentID string) (*QueueState, error) {
	if agentID == "" {
		return nil, ErrAgentRequired
	}
	return m.call(ctx, func(m *Matchmaker) *QueueState {
		m.metrics.QueueJoins.Inc()

		if m.pendingAgentID == agentID {
			return &QueueState{MatchID: m.pendingMatchID, Status: "waiting"}
		}

		if m.pendingAgentID != "" {
			matchID, seed, opponent := m.pendingMatchID, m.pendingSeed, m.pendingAgentID
			m.pendingMatchID, m.pendingAgentID, m.pendingSeed = "", "", 0
			m.pair(matchID, seed, [2]string{opponent, agentID})
			return &QueueState{MatchID: matchID, Status: "ready"}
		}

		matchID := uuid.Must(uuid.NewV4()).String()
		seed := rand.Int63()
		m.pendingMatchID, m.pendingAgentID, m.pendingSeed = matchID, agentID, seed
		if err := m.store.RecordMatchCreated(context.Background(), matchID, seed); err != nil {
			// Best-effort row; pairing itself is in-memory state.
			m.logger.Warn("Failed to record match row", zap.String("mid", matchID), zap.Error(err))
		}
		return &QueueState{MatchID: matchID, Status: "waiting"}
	})
}

// pair runs inside the matchmaker goroutine. Persistence failures are logged
// and never unwind the in-memory pairing.
func (m *Matchmaker) pair(matchID string, seed int64, players [2]string) {
	m.latestMatchID = matchID
	m.latestPlayers = players

	ratings := [2]int{}
	for i, agentID := range players {
		rating, err := m.store.GetRating(context.Background(), agentID)
		if err != nil {
			m.logger.Warn("Failed to load rating, using default", zap.String("agent", agentID), zap.Error(err))
			rating = m.config.GetLeaderboard().DefaultRating
		}
		ratings[i] = rating
	}

	actor, err := m.registry.CreateMatch(matchID, seed, players, ratings)
	if err != nil {
		m.logger.Error("Engine initialization failed at pairing time", zap.String("mid", matchID), zap.Error(err))
		rec := &MatchResultRecord{
			MatchID: matchID,
			Reason:  reasonInitFailed,
			Deltas:  leaderboardDeltas(players, ratings, nil, m.config.GetLeaderboard().EloK),
		}
		if recErr := m.store.RecordMatchResult(context.Background(), rec); recErr != nil {
			m.logger.Error("Failed to record init failure", zap.String("mid", matchID), zap.Error(recErr))
		}
		for _, agentID := range players {
			m.enqueue(agentID, newGameEndedEnvelope(matchID, nil, reasonInitFailed, 0))
		}
		return
	}

	if err := m.store.RecordMatchPlayers(context.Background(), matchID, []MatchPlayerRow{
		{AgentID: players[0], Seat: 0, StartingRating: ratings[0]},
		{AgentID: players[1], Seat: 1, StartingRating: ratings[1]},
	}); err != nil {
		m.logger.Warn("Failed to record match players", zap.String("mid", matchID), zap.Error(err))
	}

	m.enqueue(players[0], newMatchFoundEnvelope(matchID, players[1]))
	m.enqueue(players[1], newMatchFoundEnvelope(matchID, players[0]))
	m.logger.Info("Agents paired", zap.String("mid", actor.ID), zap.String("agent_a", players[0]), zap.String("agent_b", players[1]))
}

// enqueue delivers to a suspended waiter if one exists, otherwise buffers
// with drop-oldest overflow so stale notifications for absent agents cannot
// starve fresh ones.
func (m *Matchmaker) enqueue(agentID string, env *Envelope) {
	if waiter, ok := m.waiters[agentID]; ok {
		delete(m.waiters, agentID)
		waiter <- env
		return
	}
	buf := append(m.buffers[agentID], env)
	if max := m.config.GetMatchmaker().EventBufferMax; len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	m.buffers[agentID] = buf
}

// QueueStatus reports the agent's current pending state.
func (m *Matchmaker) QueueStatus(ctx context.Context, agentID string) (*QueueState, error) {
	return m.call(ctx, func(m *Matchmaker) *QueueState {
		if m.pendingAgentID == agentID {
			return &QueueState{MatchID: m.pendingMatchID, Status: "waiting"}
		}
		return &QueueState{Status: "idle"}
	})
}

// LeaveQueue clears the pending slot if this agent holds it. Started matches
// are never cancelled.
func (m *Matchmaker) LeaveQueue(ctx context.Context, agentID string) error {
	_, err := m.call(ctx, func(m *Matchmaker) *QueueState {
		if m.pendingAgentID == agentID {
			m.pendingMatchID, m.pendingAgentID, m.pendingSeed = "", "", 0
		}
		return &QueueState{Status: "idle"}
	})
	return err
}

// WaitEvents long-polls the agent's notification buffer. It returns a
// buffered event immediately, suspends up to timeoutS seconds for the next
// one, and returns a no_events envelope on timeout. Cancellation removes the
// waiter without consuming a buffered event.
func (m *Matchmaker) WaitEvents(ctx context.Context, agentID string, timeoutS int) (*Envelope, error) {
	if agentID == "" {
		return nil, ErrAgentRequired
	}
	if max := m.config.GetMatchmaker().EventWaitTimeoutMaxS; timeoutS > max {
		timeoutS = max
	}

	waitCh := make(chan *Envelope, 1)
	err := m.queueCall(func(m *Matchmaker) {
		if buf := m.buffers[agentID]; len(buf) > 0 {
			env := buf[0]
			if len(buf) == 1 {
				delete(m.buffers, agentID)
			} else {
				m.buffers[agentID] = buf[1:]
			}
			waitCh <- env
			return
		}
		if timeoutS <= 0 {
			waitCh <- newNoEventsEnvelope()
			return
		}
		// Replace any previous waiter; its channel simply never fires.
		m.waiters[agentID] = waitCh
	})
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Duration(timeoutS) * time.Second)
	defer timer.Stop()

	select {
	case env := <-waitCh:
		return env, nil
	case <-timer.C:
		return m.cancelWait(agentID, waitCh)
	case <-ctx.Done():
		if _, cancelErr := m.cancelWait(agentID, waitCh); cancelErr != nil {
			return nil, cancelErr
		}
		return nil, ctx.Err()
	}
}

// cancelWait removes the registered waiter and drains a delivery that raced
// the timeout, so no event is ever lost to an expiring poll.
func (m *Matchmaker) cancelWait(agentID string, waitCh chan *Envelope) (*Envelope, error) {
	done := make(chan struct{})
	err := m.queueCall(func(m *Matchmaker) {
		if m.waiters[agentID] == waitCh {
			delete(m.waiters, agentID)
		}
		close(done)
	})
	if err != nil {
		return newNoEventsEnvelope(), nil
	}
	<-done
	select {
	case env := <-waitCh:
		return env, nil
	default:
		return newNoEventsEnvelope(), nil
	}
}

// Featured returns the most recently paired match for spectators.
func (m *Matchmaker) Featured(ctx context.Context) (*FeaturedMatch, error) {
	resultCh := make(chan *FeaturedMatch, 1)
	err := m.queueCall(func(m *Matchmaker) {
		if m.latestMatchID == "" {
			resultCh <- &FeaturedMatch{}
			return
		}
		status := "ended"
		if actor := m.registry.Get(m.latestMatchID); actor != nil && !actor.Ended() {
			status = "active"
		}
		resultCh <- &FeaturedMatch{
			MatchID: m.latestMatchID,
			Status:  status,
			Players: []string{m.latestPlayers[0], m.latestPlayers[1]},
		}
	})
	if err != nil {
		return nil, err
	}
	select {
	case f := <-resultCh:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Latest returns the most recently paired matchId, empty if none.
func (m *Matchmaker) Latest(ctx context.Context) (string, error) {
	f, err := m.Featured(ctx)
	if err != nil {
		return "", err
	}
	return f.MatchID, nil
}
