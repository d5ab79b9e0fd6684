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

import "errors"

// Verification failure classes. The pipeline maps each to a status code;
// of these, only ErrInvalidSignature costs reputation, charged by the
// verifier itself.
var (
	// ErrMalformed covers payloads or keys that cannot be decoded at all.
	ErrMalformed = errors.New("malformed auth data")
	// ErrExpired means the signed timestamp is outside the freshness window.
	ErrExpired = errors.New("expired")
	// ErrReplay means the nonce was already consumed.
	ErrReplay = errors.New("replay")
	// ErrUnknownAgent means no identity is registered for the key.
	ErrUnknownAgent = errors.New("unknown_agent")
	// ErrInvalidSignature means the Ed25519 check failed.
	ErrInvalidSignature = errors.New("invalid_signature")
	// ErrAlreadyRegistered means the public key already has an identity.
	ErrAlreadyRegistered = errors.New("agent already registered")
)
