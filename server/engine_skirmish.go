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
	"math/rand"
)

// Skirmish is the built-in two-player engine: an 8x8 grid, units with hit
// points, three actions per turn, victory by elimination or by score at the
// turn cap. All randomness is consumed at InitialState so replays of the same
// seed and move sequence are identical.
const (
	skirmishBoardSize   = 8
	skirmishActions     = 3
	skirmishTurnCap     = 100
	skirmishIncome      = 3
	skirmishUpgradeCost = 6
	skirmishMoveRange   = 2
)

type skirmishUnitKind struct {
	Cost   int
	HP     int
	Attack int
	Range  int
}

var skirmishKinds = map[string]skirmishUnitKind{
	"grunt":  {Cost: 5, HP: 10, Attack: 3, Range: 1},
	"archer": {Cost: 8, HP: 6, Attack: 4, Range: 3},
}

type skirmishUnit struct {
	ID        string `json:"id"`
	Seat      int    `json:"seat"`
	Kind      string `json:"kind"`
	HP        int    `json:"hp"`
	Attack    int    `json:"attack"`
	Range     int    `json:"range"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Level     int    `json:"level"`
	Fortified bool   `json:"fortified"`
}

type skirmishState struct {
	Players          [2]string                `json:"players"`
	Turn             int64                    `json:"turn"`
	ActiveSeat       int                      `json:"activeSeat"`
	ActionsRemaining int                      `json:"actionsRemaining"`
	Gold             [2]int                   `json:"gold"`
	Units            map[string]*skirmishUnit `json:"units"`
	NextUnitID       int                      `json:"-"`
	Ended            *TerminalStatus          `json:"ended,omitempty"`
}

func (s *skirmishState) clone() *skirmishState {
	next := *s
	next.Units = make(map[string]*skirmishUnit, len(s.Units))
	for id, u := range s.Units {
		cp := *u
		next.Units[id] = &cp
	}
	return &next
}

func (s *skirmishState) seatOf(agentID string) int {
	if s.Players[0] == agentID {
		return 0
	}
	if s.Players[1] == agentID {
		return 1
	}
	return -1
}

func (s *skirmishState) unitAt(x, y int) *skirmishUnit {
	for _, u := range s.Units {
		if u.X == x && u.Y == y {
			return u
		}
	}
	return nil
}

func (s *skirmishState) spawnRows(seat int) (int, int) {
	if seat == 0 {
		return 0, 1
	}
	return skirmishBoardSize - 2, skirmishBoardSize - 1
}

type SkirmishEngine struct{}

func NewSkirmishEngine() *SkirmishEngine {
	return &SkirmishEngine{}
}

func (e *SkirmishEngine) InitialState(seed int64, players [2]string) (interface{}, error) {
	if players[0] == "" || players[1] == "" || players[0] == players[1] {
		return nil, fmt.Errorf("skirmish requires two distinct players")
	}
	rng := rand.New(rand.NewSource(seed))
	s := &skirmishState{
		Players:          players,
		Turn:             1,
		ActiveSeat:       0,
		ActionsRemaining: skirmishActions,
		Gold:             [2]int{10, 10},
		Units:            make(map[string]*skirmishUnit),
		NextUnitID:       1,
	}
	// Two grunts per side at seeded columns in each player's back rows.
	for seat := 0; seat < 2; seat++ {
		lo, hi := s.spawnRows(seat)
		cols := rng.Perm(skirmishBoardSize)
		placed := 0
		for _, col := range cols {
			row := lo
			if placed == 1 {
				row = hi
			}
			if s.unitAt(col, row) != nil {
				continue
			}
			s.addUnit(seat, "grunt", col, row)
			placed++
			if placed == 2 {
				break
			}
		}
	}
	return s, nil
}

func (s *skirmishState) addUnit(seat int, kind string, x, y int) *skirmishUnit {
	def := skirmishKinds[kind]
	u := &skirmishUnit{
		ID:     fmt.Sprintf("u%d", s.NextUnitID),
		Seat:   seat,
		Kind:   kind,
		HP:     def.HP,
		Attack: def.Attack,
		Range:  def.Range,
		X:      x,
		Y:      y,
		Level:  1,
	}
	s.NextUnitID++
	s.Units[u.ID] = u
	return u
}

func (e *SkirmishEngine) Apply(state interface{}, agentID string, move *Move) (interface{}, []json.RawMessage, error) {
	prev := state.(*skirmishState)
	if prev.Ended != nil {
		return nil, nil, &IllegalMoveError{Reason: "game has ended"}
	}
	s := prev.clone()
	seat := s.seatOf(agentID)
	if seat != s.ActiveSeat {
		return nil, nil, &IllegalMoveError{Reason: "agent is not the active player"}
	}

	var events []json.RawMessage
	emit := func(v interface{}) {
		b, _ := json.Marshal(v)
		events = append(events, b)
	}

	switch move.Action {
	case "end_turn", "pass":
		if move.Action == "end_turn" {
			s.Gold[seat] += skirmishIncome
		}
		s.rotate()
		emit(map[string]interface{}{"type": "turn_ended", "seat": seat, "turn": s.Turn})

	case "move":
		u, err := s.ownedUnit(move, seat)
		if err != nil {
			return nil, nil, err
		}
		x, y, err := move.intPair("to")
		if err != nil {
			return nil, nil, &IllegalMoveError{Reason: err.Error()}
		}
		if !inBounds(x, y) {
			return nil, nil, &IllegalMoveError{Reason: "destination out of bounds"}
		}
		if manhattan(u.X, u.Y, x, y) > skirmishMoveRange {
			return nil, nil, &IllegalMoveError{Reason: "destination out of range"}
		}
		if s.unitAt(x, y) != nil {
			return nil, nil, &IllegalMoveError{Reason: "destination occupied"}
		}
		u.X, u.Y = x, y
		u.Fortified = false
		s.spendAction(seat)
		emit(map[string]interface{}{"type": "unit_moved", "unit": u.ID, "to": map[string]int{"x": x, "y": y}})

	case "attack":
		u, err := s.ownedUnit(move, seat)
		if err != nil {
			return nil, nil, err
		}
		targetID, err := move.stringField("target")
		if err != nil {
			return nil, nil, &IllegalMoveError{Reason: err.Error()}
		}
		target, ok := s.Units[targetID]
		if !ok {
			return nil, nil, &IllegalMoveError{Reason: "no such target"}
		}
		if target.Seat == seat {
			return nil, nil, &IllegalMoveError{Reason: "cannot attack own unit"}
		}
		if manhattan(u.X, u.Y, target.X, target.Y) > u.Range {
			return nil, nil, &IllegalMoveError{Reason: "target out of range"}
		}
		damage := u.Attack
		if target.Fortified {
			damage = (damage + 1) / 2
		}
		target.HP -= damage
		s.spendAction(seat)
		if target.HP <= 0 {
			delete(s.Units, target.ID)
			emit(map[string]interface{}{"type": "unit_killed", "unit": u.ID, "target": target.ID, "damage": damage})
		} else {
			emit(map[string]interface{}{"type": "unit_damaged", "unit": u.ID, "target": target.ID, "damage": damage, "hp": target.HP})
		}

	case "recruit":
		kind, err := move.stringField("kind")
		if err != nil {
			return nil, nil, &IllegalMoveError{Reason: err.Error()}
		}
		def, ok := skirmishKinds[kind]
		if !ok {
			return nil, nil, &IllegalMoveError{Reason: "unknown unit kind"}
		}
		x, y, err := move.intPair("at")
		if err != nil {
			return nil, nil, &IllegalMoveError{Reason: err.Error()}
		}
		lo, hi := s.spawnRows(seat)
		if !inBounds(x, y) || (y != lo && y != hi) {
			return nil, nil, &IllegalMoveError{Reason: "recruit cell outside spawn rows"}
		}
		if s.unitAt(x, y) != nil {
			return nil, nil, &IllegalMoveError{Reason: "recruit cell occupied"}
		}
		if s.Gold[seat] < def.Cost {
			return nil, nil, &IllegalMoveError{Reason: "not enough gold"}
		}
		s.Gold[seat] -= def.Cost
		u := s.addUnit(seat, kind, x, y)
		s.spendAction(seat)
		emit(map[string]interface{}{"type": "unit_recruited", "unit": u.ID, "kind": kind, "at": map[string]int{"x": x, "y": y}})

	case "fortify":
		u, err := s.ownedUnit(move, seat)
		if err != nil {
			return nil, nil, err
		}
		if u.Fortified {
			return nil, nil, &IllegalMoveError{Reason: "unit already fortified"}
		}
		u.Fortified = true
		s.spendAction(seat)
		emit(map[string]interface{}{"type": "unit_fortified", "unit": u.ID})

	case "upgrade":
		u, err := s.ownedUnit(move, seat)
		if err != nil {
			return nil, nil, err
		}
		if s.Gold[seat] < skirmishUpgradeCost {
			return nil, nil, &IllegalMoveError{Reason: "not enough gold"}
		}
		s.Gold[seat] -= skirmishUpgradeCost
		u.Level++
		u.Attack += 2
		u.HP += 5
		s.spendAction(seat)
		emit(map[string]interface{}{"type": "unit_upgraded", "unit": u.ID, "level": u.Level})

	default:
		return nil, nil, &IllegalMoveError{Reason: "unknown action"}
	}

	if t := s.checkTerminal(); t != nil {
		s.Ended = t
		emit(map[string]interface{}{"type": "game_over", "winner": t.Winner, "reason": t.Reason})
	}

	return s, events, nil
}

func (s *skirmishState) ownedUnit(move *Move, seat int) (*skirmishUnit, error) {
	id, err := move.stringField("unit")
	if err != nil {
		return nil, &IllegalMoveError{Reason: err.Error()}
	}
	u, ok := s.Units[id]
	if !ok {
		return nil, &IllegalMoveError{Reason: "no such unit"}
	}
	if u.Seat != seat {
		return nil, &IllegalMoveError{Reason: "unit not owned by agent"}
	}
	return u, nil
}

func (s *skirmishState) spendAction(seat int) {
	s.ActionsRemaining--
	if s.ActionsRemaining <= 0 {
		s.Gold[seat] += skirmishIncome
		s.rotate()
	}
}

func (s *skirmishState) rotate() {
	s.ActiveSeat = 1 - s.ActiveSeat
	s.ActionsRemaining = skirmishActions
	if s.ActiveSeat == 0 {
		s.Turn++
	}
	// Fortification lasts until the owner's turn comes back around.
	for _, u := range s.Units {
		if u.Seat == s.ActiveSeat {
			u.Fortified = false
		}
	}
}

func (s *skirmishState) checkTerminal() *TerminalStatus {
	counts := [2]int{}
	for _, u := range s.Units {
		counts[u.Seat]++
	}
	if counts[0] == 0 && counts[1] == 0 {
		return &TerminalStatus{Reason: "elimination"}
	}
	if counts[0] == 0 {
		return &TerminalStatus{Winner: s.Players[1], Reason: "elimination"}
	}
	if counts[1] == 0 {
		return &TerminalStatus{Winner: s.Players[0], Reason: "elimination"}
	}
	if s.Turn > skirmishTurnCap {
		scores := [2]int{s.Gold[0], s.Gold[1]}
		for _, u := range s.Units {
			scores[u.Seat] += u.HP
		}
		switch {
		case scores[0] > scores[1]:
			return &TerminalStatus{Winner: s.Players[0], Reason: "turn_limit"}
		case scores[1] > scores[0]:
			return &TerminalStatus{Winner: s.Players[1], Reason: "turn_limit"}
		default:
			return &TerminalStatus{Reason: "turn_limit"}
		}
	}
	return nil
}

func (e *SkirmishEngine) LegalMoves(state interface{}) []*Move {
	s := state.(*skirmishState)
	if s.Ended != nil {
		return nil
	}
	// Enumerating every coordinate is not useful to clients; surface the
	// always-legal actions plus per-unit attacks in range.
	moves := []*Move{mustMove(`{"action":"end_turn"}`), mustMove(`{"action":"pass"}`)}
	for _, u := range s.Units {
		if u.Seat != s.ActiveSeat {
			continue
		}
		for _, t := range s.Units {
			if t.Seat == s.ActiveSeat {
				continue
			}
			if manhattan(u.X, u.Y, t.X, t.Y) <= u.Range {
				moves = append(moves, mustMove(fmt.Sprintf(`{"action":"attack","unit":%q,"target":%q}`, u.ID, t.ID)))
			}
		}
	}
	return moves
}

func (e *SkirmishEngine) CurrentPlayer(state interface{}) string {
	s := state.(*skirmishState)
	return s.Players[s.ActiveSeat]
}

func (e *SkirmishEngine) Turn(state interface{}) int64 {
	return state.(*skirmishState).Turn
}

func (e *SkirmishEngine) Terminal(state interface{}) *TerminalStatus {
	return state.(*skirmishState).Ended
}

func (e *SkirmishEngine) Snapshot(state interface{}) json.RawMessage {
	s := state.(*skirmishState)
	view := struct {
		*skirmishState
		ActiveAgentID string `json:"activeAgentId"`
		BoardSize     int    `json:"boardSize"`
	}{
		skirmishState: s,
		ActiveAgentID: s.Players[s.ActiveSeat],
		BoardSize:     skirmishBoardSize,
	}
	b, _ := json.Marshal(view)
	return b
}

func mustMove(raw string) *Move {
	m, err := ParseMove(json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return m
}

func inBounds(x, y int) bool {
	return x >= 0 && x < skirmishBoardSize && y >= 0 && y < skirmishBoardSize
}

func manhattan(x1, y1, x2, y2 int) int {
	dx := x1 - x2
	if dx < 0 {
		dx = -dx
	}
	dy := y1 - y2
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}
