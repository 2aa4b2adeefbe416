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
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const resultWriteRetries = 3

// MoveResponse is the verbatim outcome of a move submission. The body bytes
// are stored under the submission's moveId so every retry observes an
// identical response.
type MoveResponse struct {
	Status int
	Body   []byte
}

// StateSnapshot is the read-only view served by getState.
type StateSnapshot struct {
	MatchID       string          `json:"matchId"`
	State         json.RawMessage `json:"state"`
	StateVersion  int64           `json:"stateVersion"`
	Turn          int64           `json:"turn"`
	ActiveAgentID string          `json:"activeAgentId"`
	Terminal      *TerminalStatus `json:"terminal,omitempty"`
}

type moveAcceptedBody struct {
	OK            bool            `json:"ok"`
	MatchID       string          `json:"matchId"`
	StateVersion  int64           `json:"stateVersion"`
	Turn          int64           `json:"turn"`
	ActiveAgentID string          `json:"activeAgentId"`
	State         json.RawMessage `json:"state"`
	Terminal      *TerminalStatus `json:"terminal,omitempty"`
}

type moveRejectedBody struct {
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
	Code         string `json:"code"`
	Current      string `json:"current,omitempty"`
	StateVersion *int64 `json:"stateVersion,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// MatchActor owns one match's authoritative state. All state access runs on a
// single goroutine draining callCh, so operations are strictly serialized: a
// submission is fully resolved, including its broadcasts, before the next one
// starts.
type MatchActor struct {
	logger  *zap.Logger
	config  Config
	store   MatchStore
	engine  Engine
	metrics *Metrics

	ID      string
	Seed    int64
	Players [2]string

	ratings [2]int

	callCh  chan func(*MatchActor)
	stopCh  chan struct{}
	stopped *atomic.Bool
	ended   *atomic.Bool

	// onRelease is invoked once the post-end grace expires.
	onRelease func(matchID string)

	// Authoritative state, actor-goroutine access only.
	state         interface{}
	stateVersion  int64
	activeAgentID string
	terminal      *TerminalStatus
	winner        *string
	endReason     string

	idempotency map[string]*MoveResponse
	subs        []*Subscription
	connCounts  map[string]int

	turnTimer    *time.Timer
	turnTimerGen int64
	discTimers   map[string]*time.Timer
	discGens     map[string]int64
}

func NewMatchActor(logger *zap.Logger, config Config, store MatchStore, engine Engine, metrics *Metrics, matchID string, seed int64, players [2]string, ratings [2]int, onRelease func(matchID string)) (*MatchActor, error) {
	state, err := engine.InitialState(seed, players)
	if err != nil {
		return nil, fmt.Errorf("init_failed: %w", err)
	}

	a := &MatchActor{
		logger:  logger.With(zap.String("mid", matchID)),
		config:  config,
		store:   store,
		engine:  engine,
		metrics: metrics,

		ID:      matchID,
		Seed:    seed,
		Players: players,
		ratings: ratings,

		callCh:  make(chan func(*MatchActor), config.GetMatch().CallQueueSize),
		stopCh:  make(chan struct{}),
		stopped: atomic.NewBool(false),
		ended:   atomic.NewBool(false),

		onRelease: onRelease,

		state:         state,
		activeAgentID: engine.CurrentPlayer(state),

		idempotency: make(map[string]*MoveResponse),
		connCounts:  make(map[string]int),
		discTimers:  make(map[string]*time.Timer),
		discGens:    make(map[string]int64),
	}

	// Continuously run queued operations until the actor is released.
	go func() {
		for {
			select {
			case <-a.stopCh:
				return
			case call := <-a.callCh:
				call(a)
			}
		}
	}()

	a.queueCall(func(a *MatchActor) {
		payload, _ := json.Marshal(map[string]interface{}{
			"players": players,
			"seed":    seed,
		})
		if err := a.store.AppendEvent(context.Background(), a.ID, a.engine.Turn(a.state), "match_started", payload); err != nil {
			a.logger.Warn("Failed to append match_started event", zap.Error(err))
		}
		a.armTurnTimer()
	})

	a.logger.Info("Match started", zap.String("agent_a", players[0]), zap.String("agent_b", players[1]))
	metrics.MatchesStarted.Inc()

	return a, nil
}

func (a *MatchActor) queueCall(f func(*MatchActor)) error {
	if a.stopped.Load() {
		return ErrMatchNotFound
	}
	select {
	case a.callCh <- f:
		return nil
	default:
		a.logger.Warn("Match actor call queue full")
		return ErrMatchBusy
	}
}

// Stop releases the actor. Idempotent; further operations observe
// ErrMatchNotFound.
func (a *MatchActor) Stop() {
	if !a.stopped.CompareAndSwap(false, true) {
		return
	}
	close(a.stopCh)
	if a.onRelease != nil {
		a.onRelease(a.ID)
	}
}

// Ended reports whether the match has reached a terminal state. Safe to call
// from any goroutine.
func (a *MatchActor) Ended() bool {
	return a.ended.Load()
}

// SubmitMove runs the full move pipeline: idempotency, terminal, turn,
// version and schema gates, then engine application, persistence, timer
// rotation and broadcast.
func (a *MatchActor) SubmitMove(ctx context.Context, agentID, moveID string, expectedVersion int64, moveRaw json.RawMessage) (*MoveResponse, error) {
	resultCh := make(chan *MoveResponse, 1)
	err := a.queueCall(func(a *MatchActor) {
		select {
		case <-ctx.Done():
			// Caller went away while queued; nothing has been committed yet
			// so cancellation is safe.
			return
		default:
		}
		resultCh <- a.submitMove(agentID, moveID, expectedVersion, moveRaw)
	})
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-resultCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *MatchActor) submitMove(agentID, moveID string, expectedVersion int64, moveRaw json.RawMessage) *MoveResponse {
	// 1. Retries are absorbed before any other gate.
	if resp, ok := a.idempotency[moveID]; ok {
		return resp
	}

	// 2. Terminal check.
	if a.terminal != nil {
		return a.reject(moveID, http.StatusConflict, &moveRejectedBody{
			Error: "match has ended",
			Code:  codeTerminal,
		})
	}

	// 3. Authorization and turn discipline.
	if agentID != a.Players[0] && agentID != a.Players[1] {
		return a.reject(moveID, http.StatusForbidden, &moveRejectedBody{
			Error: "agent is not a participant in this match",
			Code:  codeUnauthorized,
		})
	}
	if agentID != a.activeAgentID {
		return a.reject(moveID, http.StatusForbidden, &moveRejectedBody{
			Error:   "it is not this agent's turn",
			Code:    codeNotYourTurn,
			Current: a.activeAgentID,
		})
	}

	// 4. Optimistic concurrency.
	if expectedVersion != a.stateVersion {
		v := a.stateVersion
		return a.reject(moveID, http.StatusConflict, &moveRejectedBody{
			Error:        "state version mismatch",
			Code:         codeVersionMismatch,
			StateVersion: &v,
		})
	}

	// 5. Structural validation.
	move, err := ParseMove(moveRaw)
	if err != nil {
		return a.reject(moveID, http.StatusBadRequest, &moveRejectedBody{
			Error: err.Error(),
			Code:  codeInvalidMoveSchema,
		})
	}

	// 6. Engine application.
	nextState, engineEvents, err := a.engine.Apply(a.state, agentID, move)
	if err != nil {
		var illegal *IllegalMoveError
		if errors.As(err, &illegal) {
			resp := a.reject(moveID, http.StatusBadRequest, &moveRejectedBody{
				Error:  illegal.Reason,
				Code:   codeIllegalMove,
				Reason: illegal.Reason,
			})
			// Illegal moves forfeit: engine rule violations are the agent's
			// bug and end the match in the opponent's favour.
			winner := a.opponentOf(agentID)
			a.end(&winner, reasonIllegalMove)
			return resp
		}
		a.logger.Error("Engine application failed", zap.String("agent", agentID), zap.Error(err))
		return a.reject(moveID, http.StatusInternalServerError, &moveRejectedBody{
			Error: "engine failure",
			Code:  codeInternalError,
		})
	}

	// 6a-6c. Commit the transition before anything observable happens.
	previousActive := a.activeAgentID
	a.state = nextState
	a.stateVersion++
	a.activeAgentID = a.engine.CurrentPlayer(nextState)
	a.terminal = a.engine.Terminal(nextState)
	turn := a.engine.Turn(nextState)

	// 6b. Durable log append is best-effort; the actor state is the source
	// of truth.
	payload, _ := json.Marshal(map[string]interface{}{
		"move":         json.RawMessage(moveRaw),
		"engineEvents": rawSlice(engineEvents),
		"agentId":      agentID,
		"moveId":       moveID,
		"stateVersion": a.stateVersion,
	})
	if err := a.store.AppendEvent(context.Background(), a.ID, turn, "move_applied", payload); err != nil {
		a.logger.Warn("Failed to append move_applied event", zap.Error(err))
	}

	// 6d. Timer rotation is atomic with the state update.
	if a.terminal == nil {
		a.armTurnTimer()
	} else {
		a.cancelTurnTimer()
	}

	// 6e. Broadcast in canonical order.
	snapshot := a.engine.Snapshot(nextState)
	a.broadcast(newStateEnvelope(a.ID, snapshot))
	a.broadcast(newEngineEventsEnvelope(a.ID, a.stateVersion, agentID, moveID, moveRaw, engineEvents, time.Now().UTC().UnixMilli()))
	if a.terminal == nil && a.activeAgentID != previousActive {
		a.broadcast(newYourTurnEnvelope(a.ID, a.stateVersion, a.activeAgentID))
	}

	a.metrics.MovesAccepted.Inc()

	// 7. Cache the response, then terminate if the move ended the game.
	body, _ := json.Marshal(&moveAcceptedBody{
		OK:            true,
		MatchID:       a.ID,
		StateVersion:  a.stateVersion,
		Turn:          turn,
		ActiveAgentID: a.activeAgentID,
		State:         snapshot,
		Terminal:      a.terminal,
	})
	resp := &MoveResponse{Status: http.StatusOK, Body: body}
	a.idempotency[moveID] = resp

	if a.terminal != nil {
		var winner *string
		if a.terminal.Winner != "" {
			w := a.terminal.Winner
			winner = &w
		}
		a.end(winner, reasonTerminal)
	}

	return resp
}

func (a *MatchActor) reject(moveID string, status int, body *moveRejectedBody) *MoveResponse {
	b, _ := json.Marshal(body)
	resp := &MoveResponse{Status: status, Body: b}
	a.idempotency[moveID] = resp
	a.metrics.MovesRejected.WithLabelValues(body.Code).Inc()
	return resp
}

// GetState returns a snapshot of the authoritative state.
func (a *MatchActor) GetState(ctx context.Context) (*StateSnapshot, error) {
	resultCh := make(chan *StateSnapshot, 1)
	err := a.queueCall(func(a *MatchActor) {
		resultCh <- a.snapshot()
	})
	if err != nil {
		return nil, err
	}
	select {
	case snap := <-resultCh:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *MatchActor) snapshot() *StateSnapshot {
	return &StateSnapshot{
		MatchID:       a.ID,
		State:         a.engine.Snapshot(a.state),
		StateVersion:  a.stateVersion,
		Turn:          a.engine.Turn(a.state),
		ActiveAgentID: a.activeAgentID,
		Terminal:      a.terminal,
	}
}

// Subscribe attaches a live event stream. agentID may be empty for
// spectators, who never receive your_turn events. The stream starts with a
// state snapshot; for an ended match it delivers the snapshot and the
// game_ended marker, then ends.
func (a *MatchActor) Subscribe(ctx context.Context, agentID string) (*Subscription, error) {
	resultCh := make(chan *Subscription, 1)
	err := a.queueCall(func(a *MatchActor) {
		sub := newSubscription(agentID, a.config.GetMatch().SubscriberBacklogMax)
		sub.publish(newStateEnvelope(a.ID, a.engine.Snapshot(a.state)))
		if a.terminal != nil {
			fv := a.stateVersion
			sub.publish(&Envelope{
				EventVersion:      envelopeVersion,
				Event:             EventGameEnded,
				MatchID:           a.ID,
				Winner:            a.winner,
				Reason:            a.endReason,
				FinalStateVersion: &fv,
			})
			sub.close()
			resultCh <- sub
			return
		}
		if agentID == a.activeAgentID {
			sub.publish(newYourTurnEnvelope(a.ID, a.stateVersion, agentID))
		}
		a.subs = append(a.subs, sub)
		a.metrics.Subscribers.Inc()
		if a.isParticipant(agentID) {
			a.connCounts[agentID]++
			a.cancelDisconnectTimer(agentID)
		}
		resultCh <- sub
	})
	if err != nil {
		return nil, err
	}
	select {
	case sub := <-resultCh:
		return sub, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Unsubscribe detaches a stream. When a participant's last connection goes
// away the disconnect grace timer starts.
func (a *MatchActor) Unsubscribe(sub *Subscription) {
	_ = a.queueCall(func(a *MatchActor) {
		if !a.removeSub(sub) {
			return
		}
		sub.close()
		a.noteDisconnect(sub.AgentID)
	})
}

func (a *MatchActor) removeSub(sub *Subscription) bool {
	for i, s := range a.subs {
		if s == sub {
			a.subs[i] = a.subs[len(a.subs)-1]
			a.subs = a.subs[:len(a.subs)-1]
			a.metrics.Subscribers.Dec()
			return true
		}
	}
	return false
}

func (a *MatchActor) noteDisconnect(agentID string) {
	if !a.isParticipant(agentID) {
		return
	}
	a.connCounts[agentID]--
	if a.connCounts[agentID] <= 0 && a.terminal == nil {
		a.armDisconnectTimer(agentID)
	}
}

// Finish ends the match administratively, bypassing turn and auth gates.
// adminReason is appended to the recorded reason, e.g. "admin_finish_forfeit".
func (a *MatchActor) Finish(ctx context.Context, adminReason string) error {
	resultCh := make(chan error, 1)
	err := a.queueCall(func(a *MatchActor) {
		if a.terminal != nil {
			resultCh <- ErrMatchAlreadyEnded
			return
		}
		reason := reasonAdminFinish
		if adminReason != "" {
			reason = reasonAdminFinish + "_" + adminReason
		}
		a.end(nil, reason)
		resultCh <- nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishThought forwards an opaque agent thought to all subscribers and the
// durable log. Thoughts do not touch game state.
func (a *MatchActor) PublishThought(ctx context.Context, agentID string, thought json.RawMessage) error {
	return a.queueCall(func(a *MatchActor) {
		if !a.isParticipant(agentID) {
			return
		}
		payload, _ := json.Marshal(map[string]interface{}{"agentId": agentID, "thought": thought})
		if err := a.store.AppendEvent(context.Background(), a.ID, a.engine.Turn(a.state), EventAgentThought, payload); err != nil {
			a.logger.Warn("Failed to append agent_thought event", zap.Error(err))
		}
		a.broadcast(&Envelope{
			EventVersion: envelopeVersion,
			Event:        EventAgentThought,
			MatchID:      a.ID,
			AgentID:      agentID,
			Thought:      thought,
			Ts:           time.Now().UTC().UnixMilli(),
		})
	})
}

// end finalizes the match: result row + leaderboard batch with bounded retry,
// game_ended broadcast, stream closure, and delayed release of the actor.
// Runs on the actor goroutine; idempotent.
func (a *MatchActor) end(winner *string, reason string) {
	if a.endReason != "" {
		return
	}
	a.endReason = reason
	a.winner = winner
	a.ended.Store(true)
	if a.terminal == nil {
		t := &TerminalStatus{Reason: reason}
		if winner != nil {
			t.Winner = *winner
		}
		a.terminal = t
	}
	a.cancelTurnTimer()
	for agentID := range a.discTimers {
		a.cancelDisconnectTimer(agentID)
	}

	var loser *string
	if winner != nil {
		l := a.opponentOf(*winner)
		loser = &l
	}

	rec := &MatchResultRecord{
		MatchID:           a.ID,
		Winner:            winner,
		Loser:             loser,
		Reason:            reason,
		FinalStateVersion: a.stateVersion,
		Deltas:            leaderboardDeltas(a.Players, a.ratings, winner, a.config.GetLeaderboard().EloK),
	}

	// The result row is the one critical write; retry with backoff, then
	// surface the failure and end the match in memory regardless.
	backoff := 100 * time.Millisecond
	var err error
	for i := 0; i < resultWriteRetries; i++ {
		if err = a.store.RecordMatchResult(context.Background(), rec); err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		a.logger.Error("Failed to record match result, match ends in memory only", zap.Error(err))
		a.metrics.ResultWriteFailures.Inc()
	}

	endedPayload, _ := json.Marshal(map[string]interface{}{
		"winner": winner,
		"reason": reason,
	})
	if appendErr := a.store.AppendEvent(context.Background(), a.ID, a.engine.Turn(a.state), EventGameEnded, endedPayload); appendErr != nil {
		a.logger.Warn("Failed to append game_ended event", zap.Error(appendErr))
	}

	a.broadcast(newGameEndedEnvelope(a.ID, winner, reason, a.stateVersion))
	for _, sub := range a.subs {
		sub.close()
	}
	a.subs = nil

	a.metrics.MatchesEnded.WithLabelValues(reason).Inc()
	a.logger.Info("Match ended", zap.String("reason", reason), zap.Stringp("winner", winner))

	// Keep serving reads for the grace period, then release.
	time.AfterFunc(time.Duration(a.config.GetMatch().IdleGraceMs)*time.Millisecond, a.Stop)
}

// broadcast delivers an envelope to every live subscriber in order, honoring
// per-agent targeting. Subscribers that cannot keep up are dropped on the
// spot and never block the actor.
func (a *MatchActor) broadcast(env *Envelope) {
	if len(a.subs) == 0 {
		return
	}
	kept := a.subs[:0]
	for _, sub := range a.subs {
		if env.target != "" && sub.AgentID != env.target {
			kept = append(kept, sub)
			continue
		}
		if !sub.publish(env) {
			a.logger.Warn("Dropping slow subscriber", zap.String("agent", sub.AgentID))
			a.metrics.SubscribersDropped.Inc()
			a.metrics.Subscribers.Dec()
			a.noteDisconnect(sub.AgentID)
			continue
		}
		kept = append(kept, sub)
	}
	a.subs = kept
}

func (a *MatchActor) armTurnTimer() {
	a.cancelTurnTimer()
	a.turnTimerGen++
	gen := a.turnTimerGen
	a.turnTimer = time.AfterFunc(time.Duration(a.config.GetMatch().TurnTimeoutMs)*time.Millisecond, func() {
		_ = a.queueCall(func(a *MatchActor) {
			if gen != a.turnTimerGen || a.terminal != nil {
				return
			}
			winner := a.opponentOf(a.activeAgentID)
			a.logger.Info("Turn deadline expired", zap.String("agent", a.activeAgentID))
			a.end(&winner, reasonTurnTimeout)
		})
	})
}

func (a *MatchActor) cancelTurnTimer() {
	if a.turnTimer != nil {
		a.turnTimer.Stop()
		a.turnTimer = nil
	}
	a.turnTimerGen++
}

func (a *MatchActor) armDisconnectTimer(agentID string) {
	a.cancelDisconnectTimer(agentID)
	a.discGens[agentID]++
	gen := a.discGens[agentID]
	a.discTimers[agentID] = time.AfterFunc(time.Duration(a.config.GetMatch().DisconnectGraceMs)*time.Millisecond, func() {
		_ = a.queueCall(func(a *MatchActor) {
			if gen != a.discGens[agentID] || a.terminal != nil {
				return
			}
			if a.connCounts[agentID] > 0 {
				return
			}
			winner := a.opponentOf(agentID)
			a.logger.Info("Disconnect grace expired", zap.String("agent", agentID))
			a.end(&winner, reasonDisconnectTimeout)
		})
	})
}

func (a *MatchActor) cancelDisconnectTimer(agentID string) {
	if t, ok := a.discTimers[agentID]; ok {
		t.Stop()
		delete(a.discTimers, agentID)
	}
	a.discGens[agentID]++
}

func (a *MatchActor) isParticipant(agentID string) bool {
	return agentID != "" && (agentID == a.Players[0] || agentID == a.Players[1])
}

func (a *MatchActor) opponentOf(agentID string) string {
	if agentID == a.Players[0] {
		return a.Players[1]
	}
	return a.Players[0]
}

func rawSlice(events []json.RawMessage) []json.RawMessage {
	if events == nil {
		return []json.RawMessage{}
	}
	return events
}
