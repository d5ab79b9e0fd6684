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
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"gazorpazorp/platform/gateway/metrics"
)

// Router assembles the full HTTP surface: gateway-owned endpoints first,
// then the catch-all protected proxy.
func Router(s *Server, m *metrics.Metrics) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(challengeVerifyPath, s.HandleChallengeVerify).Methods(http.MethodPost)

	// Dashboard read API.
	r.HandleFunc("/api/events", s.requireAdmin(s.HandleEvents)).Methods(http.MethodGet)
	r.HandleFunc("/api/threats/stream", s.requireAdmin(s.HandleThreatStream)).Methods(http.MethodGet)
	r.HandleFunc("/api/agents/{fingerprint}", s.requireAdmin(s.HandleGetAgent)).Methods(http.MethodGet)

	// Admin API.
	r.HandleFunc("/api/admin/agents", s.requireAdmin(s.HandleRegisterAgent)).Methods(http.MethodPost)
	r.HandleFunc("/api/admin/agents/{fingerprint}", s.requireAdmin(s.HandleDeleteAgent)).Methods(http.MethodDelete)

	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)

	// Everything else runs the evaluation pipeline and, on allow, is
	// forwarded to the backend.
	r.PathPrefix("/").HandlerFunc(s.ServeProxy)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", authHeaderSignature, authHeaderPublicKey, authHeaderPayload, authHeaderChallengeID},
	})
	return c.Handler(r)
}
