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
)

// TerminalStatus describes an ended game as reported by the engine.
type TerminalStatus struct {
	Winner string `json:"winner,omitempty"` // empty means draw
	Reason string `json:"reason"`
}

// IllegalMoveError is returned by Engine.Apply when a structurally valid move
// violates the rules of the game. Any other error from Apply is treated as an
// engine failure.
type IllegalMoveError struct {
	Reason string
}

func (e *IllegalMoveError) Error() string {
	return fmt.Sprintf("illegal move: %s", e.Reason)
}

// Engine is the deterministic game rules implementation driven by a match
// actor. Implementations must be pure with respect to the passed state: Apply
// returns a new state value and never mutates its input after returning. The
// actor serializes all calls for a given match so implementations need no
// internal locking.
type Engine interface {
	// InitialState builds the starting state for a match between the two
	// given agents, seat 0 first.
	InitialState(seed int64, players [2]string) (interface{}, error)
	// Apply executes a validated move for the given agent. It returns the
	// successor state and any engine events produced by the transition, or
	// an *IllegalMoveError.
	Apply(state interface{}, agentID string, move *Move) (interface{}, []json.RawMessage, error)
	// LegalMoves enumerates moves available to the current player.
	LegalMoves(state interface{}) []*Move
	// CurrentPlayer returns the agent whose turn it is.
	CurrentPlayer(state interface{}) string
	// Turn returns the current turn number, starting at 1.
	Turn(state interface{}) int64
	// Terminal returns nil while the game is in progress.
	Terminal(state interface{}) *TerminalStatus
	// Snapshot renders the client-facing JSON view of the state.
	Snapshot(state interface{}) json.RawMessage
}

// Move is a tagged action payload. The core validates the discriminant and
// field names only; field semantics belong to the engine.
type Move struct {
	Action string
	Fields map[string]json.RawMessage
	Raw    json.RawMessage
}

// Allowed fields per action discriminant. A move carrying any other key is
// rejected before it reaches the engine.
var moveSchemas = map[string]map[string]bool{
	"move":     {"unit": true, "to": true},
	"attack":   {"unit": true, "target": true},
	"recruit":  {"kind": true, "at": true},
	"fortify":  {"unit": true},
	"upgrade":  {"unit": true},
	"end_turn": {},
	"pass":     {},
}

// ParseMove structurally validates a raw move payload.
func ParseMove(raw json.RawMessage) (*Move, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("move payload is required")
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("move payload must be a JSON object")
	}
	actionRaw, ok := fields["action"]
	if !ok {
		return nil, fmt.Errorf("move is missing the action discriminant")
	}
	var action string
	if err := json.Unmarshal(actionRaw, &action); err != nil {
		return nil, fmt.Errorf("move action must be a string")
	}
	allowed, ok := moveSchemas[action]
	if !ok {
		return nil, fmt.Errorf("unknown move action %q", action)
	}
	delete(fields, "action")
	for k := range fields {
		if !allowed[k] {
			return nil, fmt.Errorf("unknown field %q for action %q", k, action)
		}
	}
	return &Move{Action: action, Fields: fields, Raw: raw}, nil
}

func (m *Move) intPair(field string) (int, int, error) {
	raw, ok := m.Fields[field]
	if !ok {
		return 0, 0, fmt.Errorf("missing field %q", field)
	}
	var v struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, 0, fmt.Errorf("field %q must be a coordinate object", field)
	}
	return v.X, v.Y, nil
}

func (m *Move) stringField(field string) (string, error) {
	raw, ok := m.Fields[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return v, nil
}
