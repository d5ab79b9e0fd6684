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

package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/kv"
)

func newTestVerifier(t *testing.T) (*Verifier, *identity.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	ids := identity.NewStore(store)
	return NewVerifier(ids, store), ids
}

func registerTestAgent(t *testing.T, v *Verifier) (string, ed25519.PrivateKey) {
	t.Helper()
	pubHex, priv, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = v.RegisterAgent(context.Background(), pubHex, nil)
	require.NoError(t, err)
	return pubHex, priv
}

func mustDecodePayload(t *testing.T, h *SignedHeaders) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(h.Payload)
	require.NoError(t, err)
	return raw
}

func TestSignVerifyRoundTrip(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)

	h, err := Sign(priv, "GET", "/api/users/123", map[string]interface{}{})
	require.NoError(t, err)

	agent, req, err := v.Verify(context.Background(), mustDecodePayload(t, h), h.Signature, pubHex)
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/api/users/123", req.Path)
	require.InDelta(t, 50.1, agent.Reputation, 1e-9)
	require.False(t, agent.LastSeen.IsZero())
}

func TestVerifyTimestampBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		skew    time.Duration
		wantErr error
	}{
		{"exactly at +30s", 30 * time.Second, nil},
		{"exactly at -30s", -30 * time.Second, nil},
		{"one ms past +30s", 30*time.Second + time.Millisecond, ErrExpired},
		{"one ms past -30s", -(30*time.Second + time.Millisecond), ErrExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newTestVerifier(t)
			pubHex, priv := registerTestAgent(t, v)

			now := time.Now()
			v.SetClock(func() time.Time { return now })

			nonce, err := NewNonce()
			require.NoError(t, err)
			h, err := SignAt(priv, "GET", "/api/data", nil, now.Add(-tt.skew), nonce)
			require.NoError(t, err)

			_, _, err = v.Verify(context.Background(), mustDecodePayload(t, h), h.Signature, pubHex)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyReplayBlocked(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)
	ctx := context.Background()

	h, err := Sign(priv, "POST", "/api/orders", map[string]interface{}{"qty": 1})
	require.NoError(t, err)
	payload := mustDecodePayload(t, h)

	_, _, err = v.Verify(ctx, payload, h.Signature, pubHex)
	require.NoError(t, err)

	_, _, err = v.Verify(ctx, payload, h.Signature, pubHex)
	require.ErrorIs(t, err, ErrReplay)
}

func TestVerifyUnknownAgent(t *testing.T) {
	v, _ := newTestVerifier(t)

	pubHex, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	h, err := Sign(priv, "GET", "/api/data", nil)
	require.NoError(t, err)

	_, _, err = v.Verify(context.Background(), mustDecodePayload(t, h), h.Signature, pubHex)
	require.ErrorIs(t, err, ErrUnknownAgent)
}

func TestVerifyInvalidSignatureCostsReputation(t *testing.T) {
	v, ids := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)
	ctx := context.Background()

	// Sign with a different key than the registered one.
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	h, err := Sign(otherPriv, "GET", "/api/data", nil)
	require.NoError(t, err)

	_, _, err = v.Verify(ctx, mustDecodePayload(t, h), h.Signature, pubHex)
	require.ErrorIs(t, err, ErrInvalidSignature)

	pub, _ := decodePublicKey(pubHex)
	agent, err := ids.GetByFingerprint(ctx, Fingerprint(pub))
	require.NoError(t, err)
	require.InDelta(t, 45.0, agent.Reputation, 1e-9)
	_ = priv
}

func TestVerifyTamperedPayloadFails(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)

	h, err := Sign(priv, "GET", "/api/users", nil)
	require.NoError(t, err)

	payload := mustDecodePayload(t, h)
	tampered := []byte(string(payload))
	// Flip the method inside the signed bytes.
	for i := range tampered {
		if tampered[i] == 'G' {
			tampered[i] = 'P'
			break
		}
	}

	_, _, err = v.Verify(context.Background(), tampered, h.Signature, pubHex)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsShortNonce(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)

	h, err := SignAt(priv, "GET", "/api/data", nil, time.Now(), "abcd")
	require.NoError(t, err)

	_, _, err = v.Verify(context.Background(), mustDecodePayload(t, h), h.Signature, pubHex)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyMalformedInputs(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)

	h, err := Sign(priv, "GET", "/api/data", nil)
	require.NoError(t, err)
	payload := mustDecodePayload(t, h)

	tests := []struct {
		name    string
		payload []byte
		sig     string
		pub     string
	}{
		{"garbage payload", []byte("not json"), h.Signature, pubHex},
		{"bad signature hex", payload, "zzzz", pubHex},
		{"short signature", payload, "aabb", pubHex},
		{"bad public key", payload, h.Signature, "nothex"},
		{"short public key", payload, h.Signature, "aabb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := v.Verify(context.Background(), tt.payload, tt.sig, tt.pub)
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRegisterAgentDefaults(t *testing.T) {
	v, ids := newTestVerifier(t)
	ctx := context.Background()

	pubHex, _, err := GenerateKeyPair()
	require.NoError(t, err)

	agent, err := v.RegisterAgent(ctx, pubHex, nil)
	require.NoError(t, err)
	require.Contains(t, agent.ID, "agent_")
	require.Len(t, agent.ID, len("agent_")+32)
	require.Equal(t, 50.0, agent.Reputation)
	require.Equal(t, 60, agent.Permissions.MaxRequestsPerMinute)
	require.Equal(t, int64(1<<20), agent.Permissions.MaxPayloadSize)
	require.ElementsMatch(t, []string{"GET", "POST"}, agent.Permissions.AllowedMethods)
	require.Equal(t, []string{"*"}, agent.Permissions.AllowedEndpoints)

	pub, _ := decodePublicKey(pubHex)
	stored, err := ids.GetByFingerprint(ctx, Fingerprint(pub))
	require.NoError(t, err)
	require.Equal(t, agent.ID, stored.ID)
	require.Equal(t, agent.PublicKey, stored.PublicKey)
	require.Equal(t, agent.Permissions, stored.Permissions)
}

func TestRegisterAgentTwiceFails(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	pubHex, _, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = v.RegisterAgent(ctx, pubHex, nil)
	require.NoError(t, err)

	_, err = v.RegisterAgent(ctx, pubHex, nil)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestVerifySignedNonce(t *testing.T) {
	v, _ := newTestVerifier(t)
	pubHex, priv := registerTestAgent(t, v)
	ctx := context.Background()

	pub, _ := decodePublicKey(pubHex)
	fp := Fingerprint(pub)

	sig := SignNonce(priv, "challenge-nonce-123")
	ok, err := v.VerifySignedNonce(ctx, fp, "challenge-nonce-123", sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.VerifySignedNonce(ctx, fp, "different-nonce", sig)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = v.VerifySignedNonce(ctx, fp, "challenge-nonce-123", "not-a-signature")
	require.NoError(t, err)
	require.False(t, ok)
}
