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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/gofrs/uuid"
)

const (
	apiKeyPrefix    = "fc_sk_"
	claimCodePrefix = "fc_claim_"
	keyPrefixLen    = 12
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RegisteredAgent is the one-time registration response carrying the only
// plaintext copy of the API key and claim code that will ever exist.
type RegisteredAgent struct {
	Agent        *AgentRecord
	APIKey       string
	APIKeyPrefix string
	ClaimCode    string
}

// hashSecret derives the stored digest for API keys and claim codes: SHA-256
// over the process-wide pepper and the presented secret.
func hashSecret(pepper, secret string) string {
	sum := sha256.Sum256([]byte(pepper + secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}

// RegisterAgent creates an unverified agent with a fresh API key and claim
// code. The agent cannot queue or move until an admin verifies the claim.
func RegisterAgent(ctx context.Context, store AgentStore, pepper, name string) (*RegisteredAgent, error) {
	if !agentNamePattern.MatchString(name) {
		return nil, ErrInvalidName
	}

	apiKey, err := generateSecret(apiKeyPrefix)
	if err != nil {
		return nil, err
	}
	claimCode, err := generateSecret(claimCodePrefix)
	if err != nil {
		return nil, err
	}

	agentID := uuid.Must(uuid.NewV4()).String()
	keyID := uuid.Must(uuid.NewV4()).String()
	agent, err := store.CreateAgent(ctx, agentID, name, keyID,
		hashSecret(pepper, apiKey), apiKey[:keyPrefixLen], hashSecret(pepper, claimCode))
	if err != nil {
		return nil, err
	}

	return &RegisteredAgent{
		Agent:        agent,
		APIKey:       apiKey,
		APIKeyPrefix: apiKey[:keyPrefixLen],
		ClaimCode:    claimCode,
	}, nil
}

// AuthenticateKey resolves a presented bearer key to its agent, or
// ErrAgentNotFound for unknown or revoked keys.
func AuthenticateKey(ctx context.Context, store AgentStore, pepper, apiKey string) (*AgentRecord, error) {
	if apiKey == "" {
		return nil, ErrAgentNotFound
	}
	return store.GetAgentByKeyHash(ctx, hashSecret(pepper, apiKey))
}

// VerifyClaim marks the agent owning the claim code as verified.
func VerifyClaim(ctx context.Context, store AgentStore, pepper, claimCode string) (string, time.Time, error) {
	return store.VerifyAgentByClaimHash(ctx, hashSecret(pepper, claimCode))
}
