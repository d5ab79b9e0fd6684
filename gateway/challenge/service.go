// Copyright 2025 Gazorpazorp
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package challenge issues and verifies the escalation mechanisms the
// policy engine can demand: proof of work, signature refresh and rate delay.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"gazorpazorp/platform/gateway/auth"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

const (
	challengeTTL = 5 * time.Minute
	// completedTTL keeps a solved challenge around long enough for the
	// agent to retry its original request with X-Challenge-Id.
	completedTTL = 60 * time.Second
	pendingTTL   = time.Hour
	maxPending   = 5

	minPoWDifficulty = 2
	maxPoWDifficulty = 5
)

var (
	// ErrNotFound covers unknown and expired challenges alike.
	ErrNotFound = errors.New("challenge: not found or expired")
	// ErrFailed means the submitted solution does not solve the challenge.
	ErrFailed = errors.New("challenge: verification failed")
	// ErrTooManyPending means the agent hit the pending-challenge cap.
	ErrTooManyPending = errors.New("challenge: too many pending challenges")
)

// incrWithTTLScript bumps the pending counter and stamps its TTL on first
// use, atomically.
const incrWithTTLScript = `local c = redis.call('INCR', KEYS[1])
if c == 1 then redis.call('EXPIRE', KEYS[1], ARGV[1]) end
return c`

// decrFloorScript decrements the pending counter without going negative.
const decrFloorScript = `local c = tonumber(redis.call('GET', KEYS[1]) or '0')
if c > 0 then return redis.call('DECR', KEYS[1]) end
return 0`

// Service issues, verifies and retires challenges.
type Service struct {
	kv       kv.Store
	verifier *auth.Verifier
	log      *logger.Logger
	now      func() time.Time
}

// NewService wires a challenge service. The verifier is consulted for
// signature-refresh solutions.
func NewService(store kv.Store, verifier *auth.Verifier) *Service {
	return &Service{
		kv:       store,
		verifier: verifier,
		log:      logger.New("challenge"),
		now:      time.Now,
	}
}

func challengeKey(id string) string    { return "challenge:" + id }
func pendingKey(agentID string) string { return "challenges:count:" + agentID }

// Issue creates a challenge sized to the risk that triggered it. The
// pending-count cap keeps one agent from flooding the challenge store.
func (s *Service) Issue(ctx context.Context, agent *types.AgentIdentity, risk float64) (*types.Challenge, error) {
	count, err := s.kv.Eval(ctx, incrWithTTLScript, []string{pendingKey(agent.ID)}, int64(pendingTTL.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("pending counter: %w", err)
	}
	if n, ok := count.(int64); ok && n > maxPending {
		return nil, ErrTooManyPending
	}

	now := s.now().UTC()
	ch := &types.Challenge{
		ID:          uuid.NewString(),
		AgentID:     agent.ID,
		Fingerprint: agent.Fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(challengeTTL),
	}

	switch {
	case risk >= 80:
		ch.Type = types.ChallengeProofOfWork
		ch.Difficulty = powDifficulty(risk)
	case risk >= 60:
		ch.Type = types.ChallengeSignatureRefresh
		nonce, err := auth.NewNonce()
		if err != nil {
			return nil, err
		}
		ch.Nonce = nonce
	default:
		ch.Type = types.ChallengeRateDelay
	}

	if err := s.save(ctx, ch, challengeTTL); err != nil {
		return nil, err
	}

	s.log.Info(agent.ID, "", "challenge issued", map[string]interface{}{
		"challenge_id": ch.ID,
		"type":         string(ch.Type),
		"difficulty":   ch.Difficulty,
	})
	return ch, nil
}

// powDifficulty maps risk to leading zero hex characters, clamped to [2, 5].
func powDifficulty(risk float64) int {
	d := int(math.Floor(risk / 20))
	if d < minPoWDifficulty {
		d = minPoWDifficulty
	}
	if d > maxPoWDifficulty {
		d = maxPoWDifficulty
	}
	return d
}

// Get loads a live challenge.
func (s *Service) Get(ctx context.Context, id string) (*types.Challenge, error) {
	raw, err := s.kv.Get(ctx, challengeKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var ch types.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return nil, fmt.Errorf("unmarshal challenge %s: %w", id, err)
	}
	return &ch, nil
}

// Verify checks a solution. On success the challenge is marked completed
// and kept for a short grace period so the original request can be retried
// with X-Challenge-Id.
func (s *Service) Verify(ctx context.Context, id, solution string) error {
	ch, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if ch.Completed {
		return nil
	}

	switch ch.Type {
	case types.ChallengeProofOfWork:
		sum := sha256.Sum256([]byte(ch.ID + solution))
		digest := hex.EncodeToString(sum[:])
		if !strings.HasPrefix(digest, strings.Repeat("0", ch.Difficulty)) {
			return ErrFailed
		}
	case types.ChallengeSignatureRefresh:
		ok, err := s.verifier.VerifySignedNonce(ctx, ch.Fingerprint, ch.Nonce, solution)
		if err != nil {
			return err
		}
		if !ok {
			return ErrFailed
		}
	case types.ChallengeRateDelay:
		// Retrieving the id and submitting it back proves the agent waited.
		if solution != ch.ID {
			return ErrFailed
		}
	default:
		return ErrFailed
	}

	ch.Completed = true
	if err := s.save(ctx, ch, completedTTL); err != nil {
		return err
	}
	if _, err := s.kv.Eval(ctx, decrFloorScript, []string{pendingKey(ch.AgentID)}); err != nil {
		s.log.Warn(ch.AgentID, "", "pending counter decrement failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.log.Info(ch.AgentID, "", "challenge completed", map[string]interface{}{
		"challenge_id": ch.ID,
		"type":         string(ch.Type),
	})
	return nil
}

// Completed reports whether id names a solved challenge for the agent.
func (s *Service) Completed(ctx context.Context, id, agentID string) bool {
	ch, err := s.Get(ctx, id)
	if err != nil {
		return false
	}
	return ch.Completed && ch.AgentID == agentID
}

func (s *Service) save(ctx context.Context, ch *types.Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	return s.kv.Set(ctx, challengeKey(ch.ID), string(raw), ttl)
}

// SetClock overrides the service clock, used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
