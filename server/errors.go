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

import "errors"

// Rejection and error codes surfaced through the API error envelope.
const (
	codeUnauthorized      = "unauthorized"
	codeForbidden         = "forbidden"
	codeNotFound          = "not_found"
	codeNameInUse         = "name_in_use"
	codeAlreadyVerified   = "already_verified"
	codeAgentRequired     = "agent_required"
	codeNotYourTurn       = "not_your_turn"
	codeVersionMismatch   = "version_mismatch"
	codeInvalidMoveSchema = "invalid_move_schema"
	codeIllegalMove       = "illegal_move"
	codeTerminal          = "terminal"
	codeAlreadyEnded      = "already_ended"
	codeRateLimited       = "rate_limited"
	codeInternalError     = "internal_error"
	codeUnavailable       = "unavailable"
)

// End-of-match reasons recorded in match_results.
const (
	reasonTerminal          = "terminal"
	reasonTurnTimeout       = "turn_timeout"
	reasonDisconnectTimeout = "disconnect_timeout"
	reasonIllegalMove       = "illegal_move"
	reasonInitFailed        = "init_failed"
	reasonAdminFinish       = "admin_finish"
)

var (
	ErrMatchNotFound     = errors.New("match not found")
	ErrMatchAlreadyEnded = errors.New("match already ended")
	ErrMatchBusy         = errors.New("match operation queue full")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrClaimNotFound     = errors.New("claim code not found")
	ErrAlreadyVerified   = errors.New("agent already verified")
	ErrNameInUse         = errors.New("agent name already in use")
	ErrInvalidName       = errors.New("agent name must be 1-64 characters of [A-Za-z0-9_-]")
	ErrShuttingDown      = errors.New("server shutting down")
)
