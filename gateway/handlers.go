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

package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"gazorpazorp/platform/gateway/auth"
	"gazorpazorp/platform/gateway/challenge"
	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

// Inbound auth header names, aliased locally for the proxy strip list.
const (
	authHeaderSignature   = auth.HeaderSignature
	authHeaderPublicKey   = auth.HeaderPublicKey
	authHeaderPayload     = auth.HeaderPayload
	authHeaderChallengeID = auth.HeaderChallengeID
)

const challengeVerifyPath = "/api/challenge/verify"

// Server is the HTTP surface over the pipeline.
type Server struct {
	pipeline   *Pipeline
	verifier   *auth.Verifier
	identities *identity.Store
	challenges *challenge.Service
	events     *EventPublisher
	kv         kv.Store
	proxy      *UpstreamProxy
	log        *logger.Logger

	adminSecret string
}

// ServerDeps carries the collaborators for NewServer.
type ServerDeps struct {
	Pipeline    *Pipeline
	Verifier    *auth.Verifier
	Identities  *identity.Store
	Challenges  *challenge.Service
	Events      *EventPublisher
	KV          kv.Store
	Proxy       *UpstreamProxy
	AdminSecret string
}

// NewServer wires the HTTP layer.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		pipeline:    deps.Pipeline,
		verifier:    deps.Verifier,
		identities:  deps.Identities,
		challenges:  deps.Challenges,
		events:      deps.Events,
		kv:          deps.KV,
		proxy:       deps.Proxy,
		log:         logger.New("http"),
		adminSecret: deps.AdminSecret,
	}
}

// ServeProxy is the catch-all handler for protected paths: it runs the
// pipeline and either forwards upstream or answers with the decision.
func (s *Server) ServeProxy(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get(authHeaderSignature)
	pub := r.Header.Get(authHeaderPublicKey)
	payloadB64 := r.Header.Get(authHeaderPayload)
	if sig == "" || pub == "" || payloadB64 == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"status": "unauthorized",
			"error":  "missing agent auth headers",
		})
		return
	}

	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "signed payload is not valid base64",
		})
		return
	}

	outcome := s.pipeline.Evaluate(r.Context(), payload, sig, pub, r.Header.Get(authHeaderChallengeID))

	switch outcome.Status {
	case http.StatusOK:
		s.proxy.Forward(w, r, outcome)

	case http.StatusUnauthorized:
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"status":    "challenge_required",
			"challenge": outcome.Challenge,
			"verifyUrl": challengeVerifyPath,
		})

	case http.StatusForbidden:
		body := map[string]interface{}{
			"status": "denied",
			"reason": outcome.Reason,
		}
		if outcome.Decision != nil && outcome.Decision.PolicyID != "" {
			body["policyId"] = outcome.Decision.PolicyID
		}
		if outcome.Analysis != nil && outcome.Analysis.ThreatType != types.ThreatNone {
			body["threatType"] = outcome.Analysis.ThreatType
		}
		writeJSON(w, http.StatusForbidden, body)

	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(outcome.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":      "rate limited",
			"retryAfter": outcome.RetryAfter,
			"remaining":  outcome.Remaining,
		})

	case http.StatusBadRequest:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": outcome.Reason})

	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": outcome.Reason})
	}
}

type challengeVerifyRequest struct {
	ChallengeID string `json:"challengeId"`
	Solution    string `json:"solution"`
}

// HandleChallengeVerify accepts a challenge solution.
func (s *Server) HandleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	var req challengeVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed",
			"error":  "challengeId and solution are required",
		})
		return
	}

	err := s.challenges.Verify(r.Context(), req.ChallengeID, req.Solution)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case errors.Is(err, challenge.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "failed",
			"error":  "challenge not found or expired",
		})
	case errors.Is(err, challenge.ErrFailed):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "failed",
			"error":  "solution rejected",
		})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "failed",
			"error":  "verification unavailable",
		})
	}
}

// HandleEvents lists recent security events for the dashboard.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.ParseInt(q, 10, 64); err == nil {
			limit = n
		}
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// HandleThreatStream streams threat events to the dashboard over SSE. The
// subscription lives exactly as long as the client connection.
func (s *Server) HandleThreatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub, err := s.kv.Subscribe(r.Context(), threatChannel)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "threat stream unavailable"})
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

// HandleGetAgent returns one registered identity.
func (s *Server) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]

	agent, err := s.identities.GetByFingerprint(r.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "identity store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type registerAgentRequest struct {
	PublicKey   string             `json:"public_key"`
	Permissions *types.Permissions `json:"permissions,omitempty"`
}

// HandleRegisterAgent registers an identity. Administrative.
func (s *Server) HandleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "public_key is required"})
		return
	}

	agent, err := s.verifier.RegisterAgent(r.Context(), req.PublicKey, req.Permissions)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, agent)
	case errors.Is(err, auth.ErrAlreadyRegistered):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "agent already registered"})
	case errors.Is(err, auth.ErrMalformed):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "identity store unavailable"})
	}
}

// HandleDeleteAgent removes an identity. Administrative.
func (s *Server) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	fingerprint := mux.Vars(r)["fingerprint"]

	if _, err := s.identities.GetByFingerprint(r.Context(), fingerprint); err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "identity store unavailable"})
		return
	}

	if err := s.identities.Delete(r.Context(), fingerprint); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "identity store unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth reports gateway and KV liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "kv": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin gates administrative and dashboard routes behind an HS256
// bearer token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bearer token required"})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.adminSecret), nil
		})
		if err != nil || !token.Valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
