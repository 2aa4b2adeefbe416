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
	"sync"
	"time"

	"go.uber.org/zap"
)

var testLogger = zap.NewNop()

func newTestConfig() *config {
	c := NewConfig()
	c.API.KeyPepper = "test-pepper"
	return c
}

type fakeEvent struct {
	MatchID   string
	Turn      int64
	EventType string
	Payload   json.RawMessage
}

// fakeStore is an in-memory MatchStore and AgentStore used by actor and
// matchmaker tests. Error hooks let individual tests inject failures.
type fakeStore struct {
	sync.Mutex

	events  []fakeEvent
	results map[string]*MatchResultRecord
	matches map[string]int64
	players map[string][]MatchPlayerRow
	ratings map[string]int

	resultErr    error
	resultErrTTL int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		results: make(map[string]*MatchResultRecord),
		matches: make(map[string]int64),
		players: make(map[string][]MatchPlayerRow),
		ratings: make(map[string]int),
	}
}

func (s *fakeStore) RecordMatchCreated(ctx context.Context, matchID string, seed int64) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.matches[matchID]; !ok {
		s.matches[matchID] = seed
	}
	return nil
}

func (s *fakeStore) RecordMatchPlayers(ctx context.Context, matchID string, players []MatchPlayerRow) error {
	s.Lock()
	defer s.Unlock()
	s.players[matchID] = players
	return nil
}

func (s *fakeStore) AppendEvent(ctx context.Context, matchID string, turn int64, eventType string, payload []byte) error {
	s.Lock()
	defer s.Unlock()
	s.events = append(s.events, fakeEvent{MatchID: matchID, Turn: turn, EventType: eventType, Payload: payload})
	return nil
}

func (s *fakeStore) RecordMatchResult(ctx context.Context, rec *MatchResultRecord) error {
	s.Lock()
	defer s.Unlock()
	if s.resultErrTTL > 0 {
		s.resultErrTTL--
		return s.resultErr
	}
	if _, ok := s.results[rec.MatchID]; ok {
		return nil
	}
	s.results[rec.MatchID] = rec
	for _, d := range rec.Deltas {
		s.ratings[d.AgentID] = d.Rating
	}
	return nil
}

func (s *fakeStore) LoadEventLog(ctx context.Context, matchID string, limit int) ([]*MatchEventRow, error) {
	s.Lock()
	defer s.Unlock()
	out := make([]*MatchEventRow, 0, limit)
	for i, e := range s.events {
		if e.MatchID != matchID || len(out) >= limit {
			continue
		}
		out = append(out, &MatchEventRow{
			ID:        int64(i + 1),
			MatchID:   e.MatchID,
			Turn:      e.Turn,
			EventType: e.EventType,
			Payload:   e.Payload,
		})
	}
	return out, nil
}

func (s *fakeStore) GetRating(ctx context.Context, agentID string) (int, error) {
	s.Lock()
	defer s.Unlock()
	if r, ok := s.ratings[agentID]; ok {
		return r, nil
	}
	return 1500, nil
}

func (s *fakeStore) result(matchID string) *MatchResultRecord {
	s.Lock()
	defer s.Unlock()
	return s.results[matchID]
}

func (s *fakeStore) eventTypes(matchID string) []string {
	s.Lock()
	defer s.Unlock()
	var types []string
	for _, e := range s.events {
		if e.MatchID == matchID {
			types = append(types, e.EventType)
		}
	}
	return types
}

// failResults makes the next n result writes fail with err.
func (s *fakeStore) failResults(n int, err error) {
	s.Lock()
	defer s.Unlock()
	s.resultErr = err
	s.resultErrTTL = n
}

// collect drains a subscription until it ends, an envelope matching stop
// arrives, or the timeout expires.
func collect(sub *Subscription, stop string, timeout time.Duration) []*Envelope {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var got []*Envelope
	for {
		env, err := sub.Next(ctx)
		if err != nil || env == nil {
			return got
		}
		got = append(got, env)
		if stop != "" && env.Event == stop {
			return got
		}
	}
}

var errFakeDown = errors.New("storage down")
