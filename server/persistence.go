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
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

type AgentRecord struct {
	ID         string
	Name       string
	APIKeyID   string
	CreatedAt  time.Time
	VerifiedAt *time.Time
}

type MatchPlayerRow struct {
	AgentID        string
	Seat           int
	StartingRating int
}

type MatchEventRow struct {
	ID        int64           `json:"id"`
	MatchID   string          `json:"matchId"`
	Turn      int64           `json:"turn"`
	Ts        time.Time       `json:"ts"`
	EventType string          `json:"eventType"`
	Payload   json.RawMessage `json:"payload"`
}

type LeaderboardRow struct {
	AgentID     string    `json:"agentId"`
	Rating      int       `json:"rating"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	GamesPlayed int       `json:"gamesPlayed"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// LeaderboardDelta is one agent's share of an atomic end-of-match update.
type LeaderboardDelta struct {
	AgentID string
	Rating  int
	Win     bool
	Loss    bool
}

// MatchResultRecord is everything written in the single end-of-match batch:
// the result row, the match status flip and both leaderboard updates.
type MatchResultRecord struct {
	MatchID           string
	Winner            *string
	Loser             *string
	Reason            string
	FinalStateVersion int64
	Deltas            [2]LeaderboardDelta
}

// MatchStore is the narrow persistence surface used by the matchmaker and
// match actors. Implementations must keep event appends strictly append-only
// and execute RecordMatchResult as one atomic batch.
type MatchStore interface {
	RecordMatchCreated(ctx context.Context, matchID string, seed int64) error
	RecordMatchPlayers(ctx context.Context, matchID string, players []MatchPlayerRow) error
	AppendEvent(ctx context.Context, matchID string, turn int64, eventType string, payload []byte) error
	RecordMatchResult(ctx context.Context, rec *MatchResultRecord) error
	LoadEventLog(ctx context.Context, matchID string, limit int) ([]*MatchEventRow, error)
	GetRating(ctx context.Context, agentID string) (int, error)
}

// AgentStore is the persistence surface used by the auth layer and public
// leaderboard reads.
type AgentStore interface {
	CreateAgent(ctx context.Context, agentID, name, keyID, keyHash, keyPrefix, claimHash string) (*AgentRecord, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*AgentRecord, error)
	VerifyAgentByClaimHash(ctx context.Context, claimHash string) (string, time.Time, error)
	TopLeaderboard(ctx context.Context, limit int) ([]*LeaderboardRow, error)
}

type pgStore struct {
	logger        *zap.Logger
	db            *sql.DB
	defaultRating int
}

func NewPgStore(logger *zap.Logger, db *sql.DB, config Config) *pgStore {
	return &pgStore{
		logger:        logger,
		db:            db,
		defaultRating: config.GetLeaderboard().DefaultRating,
	}
}

func (s *pgStore) RecordMatchCreated(ctx context.Context, matchID string, seed int64) error {
	query := `
INSERT INTO matches (id, status, seed)
VALUES ($1, 'active', $2)
ON CONFLICT (id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query, matchID, seed)
	return err
}

func (s *pgStore) RecordMatchPlayers(ctx context.Context, matchID string, players []MatchPlayerRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	query := `
INSERT INTO match_players (match_id, agent_id, seat, starting_rating)
VALUES ($1, $2, $3, $4)
ON CONFLICT (match_id, agent_id) DO NOTHING`
	for _, p := range players {
		if _, err := tx.ExecContext(ctx, query, matchID, p.AgentID, p.Seat, p.StartingRating); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *pgStore) AppendEvent(ctx context.Context, matchID string, turn int64, eventType string, payload []byte) error {
	query := `
INSERT INTO match_events (match_id, turn, event_type, payload_json)
VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, query, matchID, turn, eventType, string(payload))
	return err
}

func (s *pgStore) RecordMatchResult(ctx context.Context, rec *MatchResultRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO match_results (match_id, winner_agent_id, loser_agent_id, reason)
VALUES ($1, $2, $3, $4)
ON CONFLICT (match_id) DO NOTHING`, rec.MatchID, rec.Winner, rec.Loser, rec.Reason)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A result already exists, the batch ran to completion before.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE matches
SET status = 'ended', ended_at = now(), winner_agent_id = $2, end_reason = $3, final_state_version = $4
WHERE id = $1`, rec.MatchID, rec.Winner, rec.Reason, rec.FinalStateVersion); err != nil {
		return err
	}

	for _, d := range rec.Deltas {
		win, loss := 0, 0
		if d.Win {
			win = 1
		}
		if d.Loss {
			loss = 1
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO leaderboard (agent_id, rating, wins, losses, games_played, updated_at)
VALUES ($1, $2, $3, $4, 1, now())
ON CONFLICT (agent_id) DO UPDATE
SET rating = $2,
    wins = leaderboard.wins + $3,
    losses = leaderboard.losses + $4,
    games_played = leaderboard.games_played + 1,
    updated_at = now()`, d.AgentID, d.Rating, win, loss); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanMatchEvent(sc Scannable) (*MatchEventRow, error) {
	var e MatchEventRow
	var payload string
	if err := sc.Scan(&e.ID, &e.MatchID, &e.Turn, &e.Ts, &e.EventType, &payload); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func (s *pgStore) LoadEventLog(ctx context.Context, matchID string, limit int) ([]*MatchEventRow, error) {
	query := `
SELECT id, match_id, turn, ts, event_type, payload_json
FROM match_events
WHERE match_id = $1
ORDER BY id ASC
LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, matchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*MatchEventRow, 0, limit)
	for rows.Next() {
		e, err := scanMatchEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *pgStore) GetRating(ctx context.Context, agentID string) (int, error) {
	var rating int
	err := s.db.QueryRowContext(ctx, "SELECT rating FROM leaderboard WHERE agent_id = $1", agentID).Scan(&rating)
	if err == sql.ErrNoRows {
		return s.defaultRating, nil
	}
	if err != nil {
		return s.defaultRating, err
	}
	return rating, nil
}

func (s *pgStore) CreateAgent(ctx context.Context, agentID, name, keyID, keyHash, keyPrefix, claimHash string) (*AgentRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `
INSERT INTO agents (id, name, api_key_hash, claim_code_hash)
VALUES ($1, $2, $3, $4)
RETURNING created_at`, agentID, name, keyHash, claimHash).Scan(&createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrNameInUse
		}
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO api_keys (id, agent_id, key_hash, key_prefix)
VALUES ($1, $2, $3, $4)`, keyID, agentID, keyHash, keyPrefix); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &AgentRecord{ID: agentID, Name: name, APIKeyID: keyID, CreatedAt: createdAt}, nil
}

func (s *pgStore) GetAgentByKeyHash(ctx context.Context, keyHash string) (*AgentRecord, error) {
	query := `
SELECT a.id, a.name, a.created_at, a.verified_at, k.id
FROM api_keys k
JOIN agents a ON a.id = k.agent_id
WHERE k.key_hash = $1 AND k.revoked_at IS NULL`
	var agent AgentRecord
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(&agent.ID, &agent.Name, &agent.CreatedAt, &agent.VerifiedAt, &agent.APIKeyID)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *pgStore) VerifyAgentByClaimHash(ctx context.Context, claimHash string) (string, time.Time, error) {
	var agentID string
	var verifiedAt *time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT id, verified_at FROM agents WHERE claim_code_hash = $1", claimHash).Scan(&agentID, &verifiedAt)
	if err == sql.ErrNoRows {
		return "", time.Time{}, ErrClaimNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	if verifiedAt != nil {
		return agentID, *verifiedAt, ErrAlreadyVerified
	}

	var ts time.Time
	err = s.db.QueryRowContext(ctx, `
UPDATE agents SET verified_at = now()
WHERE id = $1 AND verified_at IS NULL
RETURNING verified_at`, agentID).Scan(&ts)
	if err == sql.ErrNoRows {
		// Lost a race with a concurrent verify.
		return agentID, time.Now().UTC(), ErrAlreadyVerified
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return agentID, ts, nil
}

func (s *pgStore) TopLeaderboard(ctx context.Context, limit int) ([]*LeaderboardRow, error) {
	query := `
SELECT agent_id, rating, wins, losses, games_played, updated_at
FROM leaderboard
ORDER BY rating DESC
LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*LeaderboardRow, 0, limit)
	for rows.Next() {
		r, err := scanLeaderboardRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanLeaderboardRow(sc Scannable) (*LeaderboardRow, error) {
	var r LeaderboardRow
	if err := sc.Scan(&r.AgentID, &r.Rating, &r.Wins, &r.Losses, &r.GamesPlayed, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
