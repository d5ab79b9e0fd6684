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

// Package gateway composes the three request filters — cryptographic
// identity, semantic intent and policy — into one pipeline, and exposes the
// HTTP surface around it: the protected proxy, the challenge verify
// endpoint, the dashboard read API and the admin API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"gazorpazorp/platform/gateway/anomaly"
	"gazorpazorp/platform/gateway/auth"
	"gazorpazorp/platform/gateway/challenge"
	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/intent"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/gateway/metrics"
	"gazorpazorp/platform/gateway/policy"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

// anomalyRiskWeight scales the behavioral score into risk points.
const anomalyRiskWeight = 20

// completedChallengeRiskCap is the ceiling applied when the agent presents
// a solved challenge with the retried request.
const completedChallengeRiskCap = 30

// incrWithTTLScript bumps the rate-limit counter and stamps the window TTL
// on first use, atomically.
const incrWithTTLScript = `local c = redis.call('INCR', KEYS[1])
if c == 1 then redis.call('EXPIRE', KEYS[1], ARGV[1]) end
return c`

// Pipeline orchestrates the per-request evaluation. All collaborators are
// injected at construction; the pipeline itself holds no mutable state.
type Pipeline struct {
	kv         kv.Store
	identities *identity.Store
	verifier   *auth.Verifier
	analyzer   *intent.Analyzer
	detector   *anomaly.Detector
	policies   *policy.Engine
	challenges *challenge.Service
	events     *EventPublisher
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// PipelineDeps carries the collaborators for NewPipeline.
type PipelineDeps struct {
	KV         kv.Store
	Identities *identity.Store
	Verifier   *auth.Verifier
	Analyzer   *intent.Analyzer
	Detector   *anomaly.Detector
	Policies   *policy.Engine
	Challenges *challenge.Service
	Events     *EventPublisher
	Metrics    *metrics.Metrics
}

// NewPipeline wires the orchestrator.
func NewPipeline(deps PipelineDeps) *Pipeline {
	return &Pipeline{
		kv:         deps.KV,
		identities: deps.Identities,
		verifier:   deps.Verifier,
		analyzer:   deps.Analyzer,
		detector:   deps.Detector,
		policies:   deps.Policies,
		challenges: deps.Challenges,
		events:     deps.Events,
		metrics:    deps.Metrics,
		log:        logger.New("pipeline"),
	}
}

// Outcome is the pipeline's verdict for one request, ready for the HTTP
// layer to act on.
type Outcome struct {
	Status     int
	Agent      *types.AgentIdentity
	Request    *types.SignedRequest
	Analysis   *types.AnalysisResult
	Decision   *types.Decision
	Challenge  *types.Challenge
	Reason     string
	RetryAfter int
	Remaining  int
}

// Forwardable reports whether the request should be proxied upstream.
func (o *Outcome) Forwardable() bool { return o.Status == http.StatusOK }

// Evaluate runs the three filters over a decoded signed request.
func (p *Pipeline) Evaluate(ctx context.Context, payload []byte, sigHex, pubHex, challengeID string) *Outcome {
	started := time.Now()

	agent, req, err := p.verifier.Verify(ctx, payload, sigHex, pubHex)
	p.observeStage("crypto", started)
	if err != nil {
		return p.cryptoFailure(ctx, req, err)
	}

	if outcome := p.enforcePermissions(ctx, agent, req, payload); outcome != nil {
		return outcome
	}

	history, err := p.detector.History(ctx, agent.ID)
	if err != nil {
		return p.unavailable("history load", err)
	}
	historyLines := make([]string, 0, len(history))
	for _, h := range history {
		historyLines = append(historyLines, h.Method+" "+h.Path)
	}

	analysisStart := time.Now()
	analysis := p.analyzer.Analyze(ctx, req, intent.AgentContext{
		Reputation: agent.Reputation,
		History:    historyLines,
	})
	p.observeStage("intent", analysisStart)
	if analysis.Cached {
		p.metrics.CacheHits.Inc()
	} else {
		p.metrics.CacheMisses.Inc()
	}

	anomalyStart := time.Now()
	verdict, err := p.detector.DetectAnomaly(ctx, agent, req)
	if err != nil {
		return p.unavailable("anomaly detection", err)
	}
	if err := p.detector.UpdateProfile(ctx, agent, req); err != nil {
		return p.unavailable("profile update", err)
	}
	p.observeStage("anomaly", anomalyStart)

	analysis.RiskScore = math.Min(analysis.RiskScore+anomalyRiskWeight*verdict.Score, 100)

	// A solved challenge caps semantic scrutiny for the retried request.
	if challengeID != "" && p.challenges.Completed(ctx, challengeID, agent.ID) {
		analysis.RiskScore = math.Min(analysis.RiskScore, completedChallengeRiskCap)
	}

	if analysis.IsMalicious && analysis.ThreatType != types.ThreatNone {
		p.metrics.ThreatsDetected.WithLabelValues(string(analysis.ThreatType)).Inc()
	}

	ectx := &types.EvaluationContext{
		Agent:         agent,
		SignedPayload: req,
		Analysis:      analysis,
		Anomaly:       verdict,
	}

	policyStart := time.Now()
	decision := p.policies.Evaluate(ctx, ectx)
	ectx.Decision = decision
	p.observeStage("policy", policyStart)

	return p.act(ctx, ectx)
}

// enforcePermissions applies the per-agent method, endpoint and payload
// limits before any model spend.
func (p *Pipeline) enforcePermissions(ctx context.Context, agent *types.AgentIdentity, req *types.SignedRequest, payload []byte) *Outcome {
	perms := agent.Permissions

	if perms.MaxPayloadSize > 0 && int64(len(payload)) > perms.MaxPayloadSize {
		return p.denied(ctx, agent, req, nil, "", "payload exceeds permitted size")
	}

	if len(perms.AllowedMethods) > 0 && !containsString(perms.AllowedMethods, req.Method) {
		return p.denied(ctx, agent, req, nil, "", "method not permitted for agent")
	}

	for _, denied := range perms.DeniedEndpoints {
		if denied != "" && strings.HasPrefix(req.Path, denied) {
			return p.denied(ctx, agent, req, nil, "", "endpoint denied for agent")
		}
	}

	if len(perms.AllowedEndpoints) > 0 && !containsString(perms.AllowedEndpoints, "*") {
		allowed := false
		for _, prefix := range perms.AllowedEndpoints {
			if prefix != "" && strings.HasPrefix(req.Path, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return p.denied(ctx, agent, req, nil, "", "endpoint not in agent allowlist")
		}
	}
	return nil
}

// act maps the policy decision onto a response outcome.
func (p *Pipeline) act(ctx context.Context, ectx *types.EvaluationContext) *Outcome {
	agent, req, analysis, decision := ectx.Agent, ectx.SignedPayload, ectx.Analysis, ectx.Decision

	switch decision.Action {
	case types.ActionAllow:
		p.metrics.RequestsTotal.WithLabelValues("allow").Inc()
		return &Outcome{
			Status:   http.StatusOK,
			Agent:    agent,
			Request:  req,
			Analysis: analysis,
			Decision: decision,
		}

	case types.ActionDeny, types.ActionBlock:
		return p.denied(ctx, agent, req, analysis, decision.PolicyID, decision.Reason)

	case types.ActionRateLimit:
		return p.rateLimited(ctx, ectx)

	case types.ActionChallenge:
		return p.challenged(ctx, ectx)

	default:
		// Unknown actions fail closed.
		return p.denied(ctx, agent, req, analysis, decision.PolicyID, "unrecognized policy action")
	}
}

func (p *Pipeline) rateLimited(ctx context.Context, ectx *types.EvaluationContext) *Outcome {
	agent, req, analysis, decision := ectx.Agent, ectx.SignedPayload, ectx.Analysis, ectx.Decision

	maxRequests := agent.RateLimit.MaxRequests
	windowSeconds := int(agent.RateLimit.WindowMs / 1000)
	if decision.Params != nil {
		if v, ok := numericParam(decision.Params, "max_requests"); ok {
			maxRequests = int(v)
		}
		if v, ok := numericParam(decision.Params, "window_seconds"); ok {
			windowSeconds = int(v)
		}
	}
	if maxRequests <= 0 {
		maxRequests = 60
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}

	key := "ratelimit:" + agent.ID
	countRaw, err := p.kv.Eval(ctx, incrWithTTLScript, []string{key}, windowSeconds)
	if err != nil {
		return p.unavailable("rate limit counter", err)
	}
	count, _ := countRaw.(int64)

	if count > int64(maxRequests) {
		retryAfter := windowSeconds
		if ttl, err := p.kv.TTL(ctx, key); err == nil && ttl > 0 {
			retryAfter = int(ttl.Seconds())
		}
		p.metrics.RequestsTotal.WithLabelValues("rate_limit").Inc()
		p.publishEvent(ctx, agent, req, analysis, "rate_limit", decision.PolicyID, decision.Reason)
		return &Outcome{
			Status:     http.StatusTooManyRequests,
			Agent:      agent,
			Request:    req,
			Analysis:   analysis,
			Decision:   decision,
			Reason:     decision.Reason,
			RetryAfter: retryAfter,
			Remaining:  0,
		}
	}

	p.metrics.RequestsTotal.WithLabelValues("allow").Inc()
	return &Outcome{
		Status:    http.StatusOK,
		Agent:     agent,
		Request:   req,
		Analysis:  analysis,
		Decision:  decision,
		Remaining: maxRequests - int(count),
	}
}

func (p *Pipeline) challenged(ctx context.Context, ectx *types.EvaluationContext) *Outcome {
	agent, req, analysis, decision := ectx.Agent, ectx.SignedPayload, ectx.Analysis, ectx.Decision

	ch, err := p.challenges.Issue(ctx, agent, analysis.RiskScore)
	if err != nil {
		if errors.Is(err, challenge.ErrTooManyPending) {
			p.metrics.RequestsTotal.WithLabelValues("rate_limit").Inc()
			return &Outcome{
				Status:     http.StatusTooManyRequests,
				Agent:      agent,
				Request:    req,
				Analysis:   analysis,
				Decision:   decision,
				Reason:     "too many pending challenges",
				RetryAfter: 60,
			}
		}
		return p.unavailable("challenge issue", err)
	}

	p.metrics.RequestsTotal.WithLabelValues("challenge").Inc()
	p.metrics.ChallengesIssued.WithLabelValues(string(ch.Type)).Inc()
	p.publishEvent(ctx, agent, req, analysis, "challenge", decision.PolicyID, decision.Reason)

	return &Outcome{
		Status:    http.StatusUnauthorized,
		Agent:     agent,
		Request:   req,
		Analysis:  analysis,
		Decision:  decision,
		Challenge: ch,
		Reason:    decision.Reason,
	}
}

func (p *Pipeline) denied(ctx context.Context, agent *types.AgentIdentity, req *types.SignedRequest, analysis *types.AnalysisResult, policyID, reason string) *Outcome {
	p.metrics.RequestsTotal.WithLabelValues("deny").Inc()
	p.publishEvent(ctx, agent, req, analysis, "deny", policyID, reason)

	return &Outcome{
		Status:   http.StatusForbidden,
		Agent:    agent,
		Request:  req,
		Analysis: analysis,
		Decision: &types.Decision{Action: types.ActionDeny, PolicyID: policyID, Reason: reason},
		Reason:   reason,
	}
}

// cryptoFailure maps a first-stage error to a response. Crypto rejections
// never touch reputation or profiles beyond the bad-signature penalty the
// verifier already applied.
func (p *Pipeline) cryptoFailure(ctx context.Context, req *types.SignedRequest, err error) *Outcome {
	switch {
	case errors.Is(err, auth.ErrMalformed):
		p.metrics.RequestsTotal.WithLabelValues("malformed").Inc()
		return &Outcome{Status: http.StatusBadRequest, Request: req, Reason: err.Error()}
	case errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrReplay),
		errors.Is(err, auth.ErrUnknownAgent),
		errors.Is(err, auth.ErrInvalidSignature):
		p.metrics.RequestsTotal.WithLabelValues("deny").Inc()
		reason := err.Error()
		if req != nil {
			p.publishEvent(ctx, nil, req, nil, "deny", "", reason)
		}
		return &Outcome{Status: http.StatusForbidden, Request: req, Reason: reason}
	default:
		return p.unavailable("crypto verification", err)
	}
}

func (p *Pipeline) unavailable(stage string, err error) *Outcome {
	p.log.Error("", "", "transient dependency failure", map[string]interface{}{
		"stage": stage,
		"error": err.Error(),
	})
	p.metrics.RequestsTotal.WithLabelValues("error").Inc()
	return &Outcome{
		Status: http.StatusServiceUnavailable,
		Reason: fmt.Sprintf("%s unavailable", stage),
	}
}

func (p *Pipeline) publishEvent(ctx context.Context, agent *types.AgentIdentity, req *types.SignedRequest, analysis *types.AnalysisResult, eventType, policyID, reason string) {
	ev := types.SecurityEvent{
		Type:     eventType,
		PolicyID: policyID,
		Reason:   reason,
	}
	if agent != nil {
		ev.AgentID = agent.ID
		ev.Fingerprint = agent.Fingerprint
	}
	if req != nil {
		ev.Method = req.Method
		ev.Path = req.Path
	}
	if analysis != nil {
		ev.RiskScore = analysis.RiskScore
		if analysis.ThreatType != types.ThreatNone {
			ev.ThreatType = analysis.ThreatType
		}
	}
	p.events.Publish(ctx, ev)
}

func (p *Pipeline) observeStage(stage string, started time.Time) {
	p.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func containsString(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func numericParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
