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

import "math"

// eloPair returns the updated ratings for two players given the first
// player's score: 1 for a win, 0.5 for a draw, 0 for a loss. Ratings are the
// starting ratings captured when the match was created, not current ones, so
// concurrent matches settle independently.
func eloPair(ratingA, ratingB int, scoreA float64, k int) (int, int) {
	expectedA := 1.0 / (1.0 + math.Pow(10, float64(ratingB-ratingA)/400.0))
	deltaA := float64(k) * (scoreA - expectedA)
	return ratingA + int(math.Round(deltaA)), ratingB - int(math.Round(deltaA))
}

// leaderboardDeltas computes both agents' atomic leaderboard updates for a
// finished match. winner nil means a draw: both sides score 0.5 and neither
// records a win or loss, but gamesPlayed still advances.
func leaderboardDeltas(players [2]string, ratings [2]int, winner *string, k int) [2]LeaderboardDelta {
	scoreA := 0.5
	if winner != nil {
		if *winner == players[0] {
			scoreA = 1
		} else {
			scoreA = 0
		}
	}
	newA, newB := eloPair(ratings[0], ratings[1], scoreA, k)
	deltas := [2]LeaderboardDelta{
		{AgentID: players[0], Rating: newA},
		{AgentID: players[1], Rating: newB},
	}
	if winner != nil {
		if *winner == players[0] {
			deltas[0].Win = true
			deltas[1].Loss = true
		} else {
			deltas[1].Win = true
			deltas[0].Loss = true
		}
	}
	return deltas
}
