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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"gazorpazorp/platform/shared/types"
)

// Client-side signing helpers. Agents embed these to produce the three auth
// headers; the gateway's own tests drive the full round trip through them.

// Header names for the signed-request scheme.
const (
	HeaderSignature   = "X-Agent-Signature"
	HeaderPublicKey   = "X-Agent-Pubkey"
	HeaderPayload     = "X-Signed-Payload"
	HeaderChallengeID = "X-Challenge-Id"
)

// GenerateKeyPair creates a fresh Ed25519 key pair. The public key is
// returned hex-encoded, the form agents register and transmit.
func GenerateKeyPair() (pubHex string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate key pair: %w", err)
	}
	return hex.EncodeToString(pub), priv, nil
}

// NewNonce returns a 128-bit random nonce, hex encoded.
func NewNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SignedHeaders is the header triple a signing agent attaches to a request.
type SignedHeaders struct {
	Signature string
	PublicKey string
	Payload   string
}

// Sign builds the canonical payload for (method, path, body), signs it and
// returns the three auth header values.
func Sign(priv ed25519.PrivateKey, method, path string, body interface{}) (*SignedHeaders, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}
	return SignAt(priv, method, path, body, time.Now(), nonce)
}

// SignAt is Sign with an explicit timestamp and nonce, used by tests to
// exercise freshness and replay boundaries.
func SignAt(priv ed25519.PrivateKey, method, path string, body interface{}, at time.Time, nonce string) (*SignedHeaders, error) {
	req := &types.SignedRequest{
		Method:    method,
		Path:      path,
		Body:      body,
		Timestamp: at.UnixMilli(),
		Nonce:     nonce,
	}
	payload, err := CanonicalPayload(req)
	if err != nil {
		return nil, err
	}

	sig := ed25519.Sign(priv, payload)
	pub := priv.Public().(ed25519.PublicKey)

	return &SignedHeaders{
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pub),
		Payload:   base64.StdEncoding.EncodeToString(payload),
	}, nil
}

// SignNonce signs raw nonce bytes, the operation behind the
// signature-refresh challenge.
func SignNonce(priv ed25519.PrivateKey, nonce string) string {
	return hex.EncodeToString(ed25519.Sign(priv, []byte(nonce)))
}
