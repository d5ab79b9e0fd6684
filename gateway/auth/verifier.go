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

// Package auth implements the cryptographic identity filter: timestamp
// freshness, nonce replay protection, agent lookup and Ed25519 signature
// verification, plus the client-side signing helpers.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

const (
	// MaxClockSkew is the accepted distance between the signed timestamp
	// and the gateway clock.
	MaxClockSkew = 30 * time.Second
	// nonceTTL bounds the replay window; it must exceed MaxClockSkew on
	// both sides of now.
	nonceTTL = 60 * time.Second
	// minNonceHexLen enforces at least 128 bits of nonce entropy.
	minNonceHexLen = 32

	reputationPenaltyBadSig = -5.0
	reputationDriftVerified = 0.1
)

// Verifier performs the first pipeline stage.
type Verifier struct {
	identities *identity.Store
	kv         kv.Store
	log        *logger.Logger
	now        func() time.Time
}

// NewVerifier wires a verifier over the identity store and KV service.
func NewVerifier(identities *identity.Store, store kv.Store) *Verifier {
	return &Verifier{
		identities: identities,
		kv:         store,
		log:        logger.New("verifier"),
		now:        time.Now,
	}
}

// Verify runs the ordered checks over the exact payload bytes received:
// timestamp freshness, nonce consumption, agent lookup, signature. The nonce
// is consumed before the signature is checked on purpose — replaying a
// captured payload burns one cheap KV op instead of a signature verification,
// and a valid signature can never be accepted twice.
//
// On success the returned identity snapshot reflects the post-drift
// reputation.
func (v *Verifier) Verify(ctx context.Context, payload []byte, sigHex, pubHex string) (*types.AgentIdentity, *types.SignedRequest, error) {
	req, err := DecodePayload(payload)
	if err != nil {
		return nil, nil, err
	}

	pubKey, err := decodePublicKey(pubHex)
	if err != nil {
		return nil, nil, err
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return nil, nil, fmt.Errorf("%w: signature must be %d hex-encoded bytes", ErrMalformed, ed25519.SignatureSize)
	}

	if len(req.Nonce) < minNonceHexLen {
		return nil, nil, fmt.Errorf("%w: nonce too short", ErrMalformed)
	}

	now := v.now()
	skew := now.UnixMilli() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxClockSkew.Milliseconds() {
		return nil, req, ErrExpired
	}

	fingerprint := Fingerprint(pubKey)

	nonceKey := fmt.Sprintf("nonce:%s:%s", fingerprint, req.Nonce)
	fresh, err := v.kv.SetNX(ctx, nonceKey, "used", nonceTTL)
	if err != nil {
		return nil, req, fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		v.log.Warn("", "", "nonce replay blocked", map[string]interface{}{
			"fingerprint": fingerprint,
		})
		return nil, req, ErrReplay
	}

	agent, err := v.identities.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		if err == identity.ErrNotFound {
			return nil, req, ErrUnknownAgent
		}
		return nil, req, err
	}

	if !ed25519.Verify(pubKey, payload, sig) {
		if _, repErr := v.identities.UpdateReputation(ctx, fingerprint, reputationPenaltyBadSig, "invalid_signature", false); repErr != nil {
			v.log.Error(agent.ID, "", "reputation penalty failed", map[string]interface{}{
				"error": repErr.Error(),
			})
		}
		return nil, req, ErrInvalidSignature
	}

	newRep, err := v.identities.UpdateReputation(ctx, fingerprint, reputationDriftVerified, "verified", true)
	if err != nil {
		// The request is cryptographically valid; a lost drift increment is
		// not a reason to reject it.
		v.log.Error(agent.ID, "", "reputation drift failed", map[string]interface{}{
			"error": err.Error(),
		})
		newRep = agent.Reputation
	}
	agent.Reputation = newRep
	agent.LastSeen = now.UTC()

	return agent, req, nil
}

// RegisterAgent validates the public key, assigns defaults and persists a
// fresh identity. Registration is an administrative operation.
func (v *Verifier) RegisterAgent(ctx context.Context, pubHex string, perms *types.Permissions) (*types.AgentIdentity, error) {
	pubKey, err := decodePublicKey(pubHex)
	if err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(pubKey)

	if _, err := v.identities.GetByFingerprint(ctx, fingerprint); err == nil {
		return nil, ErrAlreadyRegistered
	} else if err != identity.ErrNotFound {
		return nil, err
	}

	id, err := NewNonce()
	if err != nil {
		return nil, err
	}

	agent := &types.AgentIdentity{
		ID:           "agent_" + id,
		PublicKey:    pubHex,
		Fingerprint:  fingerprint,
		RegisteredAt: v.now().UTC(),
		Reputation:   50,
		Permissions: types.Permissions{
			AllowedEndpoints:     []string{"*"},
			DeniedEndpoints:      []string{},
			MaxRequestsPerMinute: 60,
			MaxPayloadSize:       1 << 20,
			AllowedMethods:       []string{"GET", "POST"},
			SensitiveDataAccess:  false,
		},
		RateLimit: types.RateLimitConfig{WindowMs: 60_000, MaxRequests: 60},
	}
	if perms != nil {
		agent.Permissions = *perms
	}

	if err := v.identities.Save(ctx, agent); err != nil {
		return nil, err
	}

	v.log.Info(agent.ID, "", "agent registered", map[string]interface{}{
		"fingerprint": fingerprint,
	})
	return agent, nil
}

// VerifySignedNonce checks a detached signature over a challenge nonce for
// the agent registered under fingerprint. Used by the
// signature-refresh challenge to re-enter cryptographic verification.
func (v *Verifier) VerifySignedNonce(ctx context.Context, fingerprint, nonce, sigHex string) (bool, error) {
	agent, err := v.identities.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		if err == identity.ErrNotFound {
			return false, ErrUnknownAgent
		}
		return false, err
	}
	pubKey, err := decodePublicKey(agent.PublicKey)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(pubKey, []byte(nonce), sig), nil
}

// SetClock overrides the verifier clock, used by tests.
func (v *Verifier) SetClock(now func() time.Time) { v.now = now }
