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

// Package intent implements the semantic filter: regex pre-screening, tiered
// model routing, a reputation-segmented verdict cache and the fail-safe
// ladder used when the model is unreachable.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

// Model routing thresholds.
const (
	// trustedSkipReputation is the floor at or above which clean requests
	// skip the model entirely.
	trustedSkipReputation = 95
	// deepModelReputation routes low-trust agents to the deep model.
	deepModelReputation = 40
	// deepModelBodyLen routes large payloads to the deep model.
	deepModelBodyLen = 1000
)

// AgentContext is the caller-supplied trust context for one analysis.
type AgentContext struct {
	Reputation float64
	History    []string
}

// AnalyzerConfig selects models and the soft deadline for LLM calls.
type AnalyzerConfig struct {
	FastModel   string
	DeepModel   string
	SoftTimeout time.Duration
	// FailSafeCounter, when set, is bumped every time the ladder engages.
	// A prometheus counter satisfies it.
	FailSafeCounter interface{ Inc() }
}

// Analyzer is the tiered intent-analysis engine.
type Analyzer struct {
	llm      LLMClient
	patterns *PatternCatalog
	cache    *AnalysisCache
	cfg      AnalyzerConfig
	log      *logger.Logger
}

// NewAnalyzer wires an analyzer. The cache may be nil, in which case every
// request goes to the model.
func NewAnalyzer(llm LLMClient, patterns *PatternCatalog, cache *AnalysisCache, cfg AnalyzerConfig) *Analyzer {
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 5 * time.Second
	}
	return &Analyzer{
		llm:      llm,
		patterns: patterns,
		cache:    cache,
		cfg:      cfg,
		log:      logger.New("intent"),
	}
}

// Analyze produces a verdict for the request. It never returns an error:
// when the model fails or returns garbage the fail-safe ladder decides.
func (a *Analyzer) Analyze(ctx context.Context, req *types.SignedRequest, agent AgentContext) *types.AnalysisResult {
	bodyStr := stringifyBody(req.Body)
	matches := a.patterns.Match(bodyStr)

	// Tier A: clean request from a highly trusted agent, no model call.
	if len(matches) == 0 && agent.Reputation >= trustedSkipReputation {
		return &types.AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.95,
			ThreatType:      types.ThreatNone,
			Explanation:     "trusted skip",
			SuggestedAction: types.ActionAllow,
			RiskScore:       5,
		}
	}

	bucket := types.BucketFor(agent.Reputation)
	if a.cache != nil {
		if cached, ok := a.cache.Get(ctx, req.Method, req.Path, req.Body, bucket); ok {
			return cached
		}
	}

	model := a.cfg.FastModel
	if len(matches) > 0 || agent.Reputation < deepModelReputation || len(bodyStr) > deepModelBodyLen {
		model = a.cfg.DeepModel
	}

	llmCtx, cancel := context.WithTimeout(ctx, a.cfg.SoftTimeout)
	defer cancel()

	raw, err := a.llm.Complete(llmCtx, model, buildPrompt(req, bodyStr, agent, matches))
	if err != nil {
		a.log.Warn("", "", "llm call failed, engaging fail-safe", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return a.failSafe(matches, agent.Reputation)
	}

	verdict, err := parseVerdict(raw)
	if err != nil {
		a.log.Warn("", "", "llm verdict rejected, engaging fail-safe", map[string]interface{}{
			"model": model,
			"error": err.Error(),
		})
		return a.failSafe(matches, agent.Reputation)
	}

	result := a.mapVerdict(verdict, agent.Reputation)
	if a.cache != nil {
		if err := a.cache.Set(ctx, req.Method, req.Path, req.Body, bucket, result); err != nil {
			a.log.Warn("", "", "analysis cache write failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return result
}

// mapVerdict folds reputation into the model's risk and derives the action.
// The published risk score is the reputation-adjusted one, clamped to
// [0, 100]; it is what the anomaly fold and the policy rules operate on.
func (a *Analyzer) mapVerdict(v *llmVerdict, reputation float64) *types.AnalysisResult {
	adjusted := *v.RiskScore - (reputation-50)*0.3
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 100 {
		adjusted = 100
	}

	var action types.Action
	switch {
	case adjusted >= 80:
		action = types.ActionBlock
	case adjusted >= 60:
		action = types.ActionChallenge
	case adjusted >= 40:
		action = types.ActionRateLimit
	default:
		action = types.ActionAllow
	}

	threat := types.ThreatType(v.ThreatType)
	if threat == "" {
		threat = types.ThreatNone
	}

	return &types.AnalysisResult{
		IsMalicious:     *v.IsMalicious,
		Confidence:      *v.Confidence,
		ThreatType:      threat,
		Explanation:     v.Explanation,
		SuggestedAction: action,
		RiskScore:       adjusted,
	}
}

// failSafe is the ladder used when no usable model verdict exists. Pattern
// hits block outright; otherwise trust decides, failing open only for
// well-established agents.
func (a *Analyzer) failSafe(matches []types.ThreatType, reputation float64) *types.AnalysisResult {
	if a.cfg.FailSafeCounter != nil {
		a.cfg.FailSafeCounter.Inc()
	}
	switch {
	case len(matches) > 0:
		return &types.AnalysisResult{
			IsMalicious:     true,
			Confidence:      0.9,
			ThreatType:      matches[0],
			Explanation:     "threat pattern matched while model unavailable",
			SuggestedAction: types.ActionBlock,
			RiskScore:       90,
		}
	case reputation < 60:
		return &types.AnalysisResult{
			IsMalicious:     true,
			Confidence:      0.5,
			ThreatType:      types.ThreatNone,
			Explanation:     "model unavailable, low-trust agent blocked",
			SuggestedAction: types.ActionBlock,
			RiskScore:       80,
		}
	case reputation < 85:
		return &types.AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.5,
			ThreatType:      types.ThreatNone,
			Explanation:     "model unavailable, challenging mid-trust agent",
			SuggestedAction: types.ActionChallenge,
			RiskScore:       50,
		}
	default:
		return &types.AnalysisResult{
			IsMalicious:     false,
			Confidence:      0.5,
			ThreatType:      types.ThreatNone,
			Explanation:     "model unavailable, trusted agent allowed",
			SuggestedAction: types.ActionAllow,
			RiskScore:       20,
		}
	}
}

func stringifyBody(body interface{}) string {
	if body == nil {
		return ""
	}
	if s, ok := body.(string); ok {
		return s
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf("%v", body)
	}
	return string(raw)
}

// buildPrompt renders the analysis prompt. The model must answer with one
// JSON object and nothing else.
func buildPrompt(req *types.SignedRequest, bodyStr string, agent AgentContext, matches []types.ThreatType) string {
	var sb strings.Builder
	sb.WriteString("You are a security analyst for an AI-agent gateway. ")
	sb.WriteString("Classify the intent of the following HTTP request from an autonomous agent.\n\n")
	fmt.Fprintf(&sb, "Method: %s\nPath: %s\nBody: %s\n", req.Method, req.Path, truncate(bodyStr, 4000))
	fmt.Fprintf(&sb, "Agent reputation (0-100): %.0f\n", agent.Reputation)
	if len(agent.History) > 0 {
		fmt.Fprintf(&sb, "Recent requests: %s\n", strings.Join(tail(agent.History, 5), "; "))
	}
	if len(matches) > 0 {
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = string(m)
		}
		fmt.Fprintf(&sb, "Pre-screen pattern hits: %s\n", strings.Join(names, ", "))
	}
	sb.WriteString("\nRespond with exactly one JSON object, no prose:\n")
	sb.WriteString(`{"isMalicious": bool, "confidence": number 0-1, "threatType": one of ` +
		`["prompt_injection","jailbreak_attempt","data_exfiltration","privilege_escalation",` +
		`"denial_of_service","sql_injection","command_injection","social_engineering","none"], ` +
		`"explanation": string, "riskScore": number 0-100}`)
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func tail(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
