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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gazorpazorp/platform/shared/types"
)

// CanonicalPayload serializes a SignedRequest in the canonical field order
// (method, path, body, timestamp, nonce). These are the exact bytes the
// agent signs and the exact bytes transmitted in X-Signed-Payload.
func CanonicalPayload(req *types.SignedRequest) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serialize signed request: %w", err)
	}
	return raw, nil
}

// DecodePayload parses the received payload bytes into a SignedRequest.
// Verification always runs over the received bytes themselves — the payload
// is never re-serialized, so signer-side key ordering is irrelevant here.
func DecodePayload(raw []byte) (*types.SignedRequest, error) {
	var req types.SignedRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if req.Method == "" || req.Path == "" || req.Timestamp == 0 || req.Nonce == "" {
		return nil, fmt.Errorf("%w: missing required payload fields", ErrMalformed)
	}
	return &req, nil
}

// Fingerprint is the SHA-256 hex digest of the raw public-key bytes, the
// primary identity lookup key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// decodePublicKey parses a hex-encoded Ed25519 public key.
func decodePublicKey(pubHex string) ([]byte, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not hex", ErrMalformed)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrMalformed, len(raw))
	}
	return raw, nil
}
