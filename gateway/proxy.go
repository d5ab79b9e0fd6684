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
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"

	"gazorpazorp/platform/shared/logger"
)

// Internal headers attached to verified upstream requests.
const (
	HeaderVerifiedAgentID = "X-Verified-Agent-Id"
	HeaderRiskScore       = "X-Risk-Score"
	HeaderVerified        = "X-Verified"
)

// UpstreamProxy forwards verified requests to the protected backend. The
// backend's response — including its errors — is proxied verbatim; a failing
// upstream is not a gateway error.
type UpstreamProxy struct {
	proxy *httputil.ReverseProxy
	log   *logger.Logger
}

// NewUpstreamProxy builds a reverse proxy for the backend URL.
func NewUpstreamProxy(upstream string) (*UpstreamProxy, error) {
	target, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream URL: %w", err)
	}

	log := logger.New("proxy")
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("", "", "upstream unreachable", map[string]interface{}{
			"error": err.Error(),
			"path":  r.URL.Path,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream unreachable"})
	}

	return &UpstreamProxy{proxy: rp, log: log}, nil
}

// Forward attaches the verification headers, strips the agent auth headers
// and hands the request to the backend.
func (u *UpstreamProxy) Forward(w http.ResponseWriter, r *http.Request, outcome *Outcome) {
	r.Header.Del(authHeaderSignature)
	r.Header.Del(authHeaderPublicKey)
	r.Header.Del(authHeaderPayload)
	r.Header.Del(authHeaderChallengeID)

	r.Header.Set(HeaderVerifiedAgentID, outcome.Agent.ID)
	r.Header.Set(HeaderRiskScore, strconv.Itoa(int(math.Round(outcome.Analysis.RiskScore))))
	r.Header.Set(HeaderVerified, "true")

	u.proxy.ServeHTTP(w, r)
}
