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

import "encoding/json"

const envelopeVersion = 1

// Wire event types shared by the WebSocket and SSE transports and the
// matchmaker long-poll.
const (
	EventState        = "state"
	EventEngineEvents = "engine_events"
	EventYourTurn     = "your_turn"
	EventAgentThought = "agent_thought"
	EventGameEnded    = "game_ended"
	EventMatchFound   = "match_found"
	EventNoEvents     = "no_events"
)

// Envelope is the single wire shape carried by every transport. Fields not
// relevant to a given event type are omitted from the JSON encoding.
type Envelope struct {
	EventVersion int    `json:"eventVersion,omitempty"`
	Event        string `json:"event"`
	MatchID      string `json:"matchId,omitempty"`

	// state
	State json.RawMessage `json:"state,omitempty"`

	// engine_events
	StateVersion *int64            `json:"stateVersion,omitempty"`
	AgentID      string            `json:"agentId,omitempty"`
	MoveID       string            `json:"moveId,omitempty"`
	Move         json.RawMessage   `json:"move,omitempty"`
	EngineEvents []json.RawMessage `json:"engineEvents,omitempty"`
	Ts           int64             `json:"ts,omitempty"`

	// agent_thought
	Thought json.RawMessage `json:"thought,omitempty"`

	// game_ended
	Winner            *string `json:"winner,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	FinalStateVersion *int64  `json:"finalStateVersion,omitempty"`

	// match_found
	Opponent string `json:"opponent,omitempty"`

	// Delivery target for your_turn, empty means all subscribers. Never
	// serialized.
	target string
}

func newStateEnvelope(matchID string, state json.RawMessage) *Envelope {
	return &Envelope{
		EventVersion: envelopeVersion,
		Event:        EventState,
		MatchID:      matchID,
		State:        state,
	}
}

func newEngineEventsEnvelope(matchID string, stateVersion int64, agentID, moveID string, move json.RawMessage, engineEvents []json.RawMessage, ts int64) *Envelope {
	return &Envelope{
		EventVersion: envelopeVersion,
		Event:        EventEngineEvents,
		MatchID:      matchID,
		StateVersion: &stateVersion,
		AgentID:      agentID,
		MoveID:       moveID,
		Move:         move,
		EngineEvents: engineEvents,
		Ts:           ts,
	}
}

func newYourTurnEnvelope(matchID string, stateVersion int64, agentID string) *Envelope {
	return &Envelope{
		EventVersion: envelopeVersion,
		Event:        EventYourTurn,
		MatchID:      matchID,
		StateVersion: &stateVersion,
		target:       agentID,
	}
}

func newGameEndedEnvelope(matchID string, winner *string, reason string, finalStateVersion int64) *Envelope {
	return &Envelope{
		EventVersion:      envelopeVersion,
		Event:             EventGameEnded,
		MatchID:           matchID,
		Winner:            winner,
		Reason:            reason,
		FinalStateVersion: &finalStateVersion,
	}
}

// Matchmaker envelopes (match_found, no_events) carry no eventVersion, the
// field belongs to the per-match stream shapes only.
func newMatchFoundEnvelope(matchID, opponent string) *Envelope {
	return &Envelope{
		Event:    EventMatchFound,
		MatchID:  matchID,
		Opponent: opponent,
	}
}

func newNoEventsEnvelope() *Envelope {
	return &Envelope{Event: EventNoEvents}
}
