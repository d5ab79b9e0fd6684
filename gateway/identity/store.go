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

// Package identity persists registered agents and their reputation history.
//
// Reputation updates are the correctness-critical path: concurrent requests
// for the same agent must never lose increments. Updates run as optimistic
// transactions (WATCH/MULTI with bounded retries) so the final reputation
// always equals the serial-order result.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/types"
)

const (
	identityTTL = 365 * 24 * time.Hour
	// Audit log keeps the most recent 100 reputation changes per agent.
	reputationLogCap = 100
)

// ErrNotFound is returned when no identity exists for a fingerprint.
var ErrNotFound = errors.New("identity: agent not found")

// ReputationChange is one entry in the per-agent reputation audit log.
type ReputationChange struct {
	Timestamp time.Time `json:"timestamp"`
	Old       float64   `json:"old"`
	New       float64   `json:"new"`
	Delta     float64   `json:"delta"`
	Reason    string    `json:"reason"`
}

// Store persists AgentIdentity records in the KV service.
type Store struct {
	kv kv.Store
}

// NewStore creates an identity store over the given KV service.
func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func identityKey(fingerprint string) string {
	return "agent:identity:" + fingerprint
}

func reputationLogKey(fingerprint string) string {
	return "agent:reputation_log:" + fingerprint
}

// Save writes an identity, refreshing its one-year TTL.
func (s *Store) Save(ctx context.Context, agent *types.AgentIdentity) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	return s.kv.Set(ctx, identityKey(agent.Fingerprint), string(raw), identityTTL)
}

// GetByFingerprint loads the identity registered under a fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*types.AgentIdentity, error) {
	raw, err := s.kv.Get(ctx, identityKey(fingerprint))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var agent types.AgentIdentity
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		return nil, fmt.Errorf("unmarshal identity %s: %w", fingerprint, err)
	}
	return &agent, nil
}

// Delete removes an identity and its reputation history. Administrative only.
func (s *Store) Delete(ctx context.Context, fingerprint string) error {
	return s.kv.Del(ctx, identityKey(fingerprint), reputationLogKey(fingerprint))
}

// UpdateReputation applies delta to the agent's reputation, clamped to
// [0, 100], and appends an audit entry — atomically. When touch is set the
// agent's last-seen timestamp is refreshed in the same transaction.
// Returns the new reputation.
func (s *Store) UpdateReputation(ctx context.Context, fingerprint string, delta float64, reason string, touch bool) (float64, error) {
	key := identityKey(fingerprint)
	logKey := reputationLogKey(fingerprint)

	var newRep float64
	err := s.kv.Watch(ctx, func(tx kv.Tx) error {
		raw, err := tx.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}

		var agent types.AgentIdentity
		if err := json.Unmarshal([]byte(raw), &agent); err != nil {
			return fmt.Errorf("unmarshal identity %s: %w", fingerprint, err)
		}

		old := agent.Reputation
		newRep = clamp(old+delta, 0, 100)
		agent.Reputation = newRep
		now := time.Now().UTC()
		if touch {
			agent.LastSeen = now
		}

		updated, err := json.Marshal(&agent)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}
		entry, err := json.Marshal(ReputationChange{
			Timestamp: now,
			Old:       old,
			New:       newRep,
			Delta:     delta,
			Reason:    reason,
		})
		if err != nil {
			return fmt.Errorf("marshal reputation change: %w", err)
		}

		return tx.Exec(ctx, func(p kv.Pipeline) error {
			p.Set(key, string(updated), identityTTL)
			p.LPush(logKey, string(entry))
			p.LTrim(logKey, 0, reputationLogCap-1)
			p.Expire(logKey, identityTTL)
			return nil
		})
	}, key)
	if err != nil {
		return 0, err
	}
	return newRep, nil
}

// ReputationLog returns the audit entries, newest first.
func (s *Store) ReputationLog(ctx context.Context, fingerprint string) ([]ReputationChange, error) {
	raws, err := s.kv.LRange(ctx, reputationLogKey(fingerprint), 0, reputationLogCap-1)
	if err != nil {
		return nil, err
	}
	changes := make([]ReputationChange, 0, len(raws))
	for _, raw := range raws {
		var c ReputationChange
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
