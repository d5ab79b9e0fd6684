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

package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"gazorpazorp/platform/gateway/auth"
	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/types"
)

func newTestService(t *testing.T) (*Service, *auth.Verifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	verifier := auth.NewVerifier(identity.NewStore(store), store)
	return NewService(store, verifier), verifier, mr
}

func testAgent() *types.AgentIdentity {
	return &types.AgentIdentity{ID: "agent_test", Fingerprint: "fp_test", Reputation: 50}
}

// solvePoW brute-forces a nonce whose digest has the required prefix.
func solvePoW(t *testing.T, id string, difficulty int) string {
	t.Helper()
	prefix := strings.Repeat("0", difficulty)
	for i := 0; i < 50_000_000; i++ {
		solution := fmt.Sprintf("%d", i)
		sum := sha256.Sum256([]byte(id + solution))
		if strings.HasPrefix(hex.EncodeToString(sum[:]), prefix) {
			return solution
		}
	}
	t.Fatal("no PoW solution found")
	return ""
}

func TestIssueTypeSelection(t *testing.T) {
	tests := []struct {
		name     string
		risk     float64
		wantType types.ChallengeType
	}{
		{"high risk gets proof of work", 85, types.ChallengeProofOfWork},
		{"boundary 80 gets proof of work", 80, types.ChallengeProofOfWork},
		{"mid risk gets signature refresh", 70, types.ChallengeSignatureRefresh},
		{"boundary 60 gets signature refresh", 60, types.ChallengeSignatureRefresh},
		{"low risk gets rate delay", 55, types.ChallengeRateDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(t)

			ch, err := svc.Issue(context.Background(), testAgent(), tt.risk)
			require.NoError(t, err)
			require.Equal(t, tt.wantType, ch.Type)
			require.Equal(t, "agent_test", ch.AgentID)
			require.False(t, ch.Completed)
		})
	}
}

func TestPoWDifficultyClamp(t *testing.T) {
	tests := []struct {
		risk float64
		want int
	}{
		{80, 4},
		{99, 4},
		{100, 5},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, powDifficulty(tt.risk), "risk %v", tt.risk)
	}
	// The clamp floor matters for the formula, even though issuance only
	// uses PoW at risk >= 80.
	require.Equal(t, 2, powDifficulty(10))
	require.Equal(t, 5, powDifficulty(400))
}

func TestProofOfWorkVerification(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, testAgent(), 80)
	require.NoError(t, err)
	require.Equal(t, types.ChallengeProofOfWork, ch.Type)

	require.ErrorIs(t, svc.Verify(ctx, ch.ID, "wrong"), ErrFailed)

	// Use a low-difficulty copy to keep the brute force fast.
	ch.Difficulty = 2
	rawStore := svc
	require.NoError(t, rawStore.save(ctx, ch, challengeTTL))

	solution := solvePoW(t, ch.ID, 2)
	require.NoError(t, svc.Verify(ctx, ch.ID, solution))

	require.True(t, svc.Completed(ctx, ch.ID, "agent_test"))
	require.False(t, svc.Completed(ctx, ch.ID, "someone_else"))
}

func TestSignatureRefreshVerification(t *testing.T) {
	svc, verifier, _ := newTestService(t)
	ctx := context.Background()

	pubHex, priv, err := auth.GenerateKeyPair()
	require.NoError(t, err)
	agent, err := verifier.RegisterAgent(ctx, pubHex, nil)
	require.NoError(t, err)

	ch, err := svc.Issue(ctx, agent, 70)
	require.NoError(t, err)
	require.Equal(t, types.ChallengeSignatureRefresh, ch.Type)
	require.NotEmpty(t, ch.Nonce)

	// A solution that merely contains the nonce is not enough; it must be
	// a valid signature over it.
	require.ErrorIs(t, svc.Verify(ctx, ch.ID, "prefix-"+ch.Nonce+"-suffix"), ErrFailed)

	require.NoError(t, svc.Verify(ctx, ch.ID, auth.SignNonce(priv, ch.Nonce)))
	require.True(t, svc.Completed(ctx, ch.ID, agent.ID))
}

func TestRateDelayVerification(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, testAgent(), 40)
	require.NoError(t, err)
	require.Equal(t, types.ChallengeRateDelay, ch.Type)

	require.ErrorIs(t, svc.Verify(ctx, ch.ID, "not-the-id"), ErrFailed)
	require.NoError(t, svc.Verify(ctx, ch.ID, ch.ID))
}

func TestVerifyUnknownChallenge(t *testing.T) {
	svc, _, _ := newTestService(t)

	err := svc.Verify(context.Background(), "ghost", "x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChallengeExpires(t *testing.T) {
	svc, _, mr := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, testAgent(), 40)
	require.NoError(t, err)

	mr.FastForward(6 * time.Minute)

	err = svc.Verify(ctx, ch.ID, ch.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPendingChallengeCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agent := testAgent()

	for i := 0; i < 5; i++ {
		_, err := svc.Issue(ctx, agent, 40)
		require.NoError(t, err)
	}

	_, err := svc.Issue(ctx, agent, 40)
	require.ErrorIs(t, err, ErrTooManyPending)
}

func TestSolvingFreesPendingSlot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	agent := testAgent()

	var last *types.Challenge
	for i := 0; i < 5; i++ {
		ch, err := svc.Issue(ctx, agent, 40)
		require.NoError(t, err)
		last = ch
	}

	require.NoError(t, svc.Verify(ctx, last.ID, last.ID))

	_, err := svc.Issue(ctx, agent, 40)
	require.NoError(t, err, "solving a challenge must free a pending slot")
}

func TestVerifyIdempotentOnCompleted(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	ch, err := svc.Issue(ctx, testAgent(), 40)
	require.NoError(t, err)
	require.NoError(t, svc.Verify(ctx, ch.ID, ch.ID))
	require.NoError(t, svc.Verify(ctx, ch.ID, "anything"), "completed challenges verify idempotently")
}
