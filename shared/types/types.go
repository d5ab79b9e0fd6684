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

// Package types defines the domain model shared across the gateway services.
package types

import (
	"math"
	"time"
)

// Permissions describes what a registered agent is allowed to do.
type Permissions struct {
	AllowedEndpoints     []string `json:"allowed_endpoints"`
	DeniedEndpoints      []string `json:"denied_endpoints"`
	MaxRequestsPerMinute int      `json:"max_requests_per_minute"`
	MaxPayloadSize       int64    `json:"max_payload_size"`
	AllowedMethods       []string `json:"allowed_methods"`
	SensitiveDataAccess  bool     `json:"sensitive_data_access"`
}

// RateLimitConfig is the per-agent rate limit window.
type RateLimitConfig struct {
	WindowMs    int64 `json:"window_ms"`
	MaxRequests int   `json:"max_requests"`
}

// AgentIdentity is a registered principal, keyed by the SHA-256
// fingerprint of its Ed25519 public key.
type AgentIdentity struct {
	ID           string          `json:"id"`
	PublicKey    string          `json:"public_key"`
	Fingerprint  string          `json:"fingerprint"`
	RegisteredAt time.Time       `json:"registered_at"`
	LastSeen     time.Time       `json:"last_seen"`
	Reputation   float64         `json:"reputation"`
	Permissions  Permissions     `json:"permissions"`
	RateLimit    RateLimitConfig `json:"rate_limit"`
}

// SignedRequest is the payload the agent signs. The signature covers the
// canonical serialization of the whole struct; any field change invalidates it.
type SignedRequest struct {
	Method    string      `json:"method"`
	Path      string      `json:"path"`
	Body      interface{} `json:"body"`
	Timestamp int64       `json:"timestamp"`
	Nonce     string      `json:"nonce"`
}

// ThreatType is the closed set of semantic threat classifications.
type ThreatType string

const (
	ThreatPromptInjection     ThreatType = "prompt_injection"
	ThreatJailbreakAttempt    ThreatType = "jailbreak_attempt"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDenialOfService     ThreatType = "denial_of_service"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatCommandInjection    ThreatType = "command_injection"
	ThreatSocialEngineering   ThreatType = "social_engineering"
	ThreatNone                ThreatType = "none"
)

// Action is a suggested or decided disposition for a request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionBlock     Action = "block"
	ActionDeny      Action = "deny"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
)

// AnalysisResult is the semantic verdict for one request.
type AnalysisResult struct {
	IsMalicious     bool       `json:"is_malicious"`
	Confidence      float64    `json:"confidence"`
	ThreatType      ThreatType `json:"threat_type"`
	Explanation     string     `json:"explanation"`
	SuggestedAction Action     `json:"suggested_action"`
	RiskScore       float64    `json:"risk_score"`
	Cached          bool       `json:"-"`
}

// ReputationBucket is the coarse trust partition used to segment the
// analysis cache. A compromised high-reputation agent's cached verdicts
// must never be served to a low-reputation agent.
type ReputationBucket string

const (
	BucketTrusted   ReputationBucket = "trusted"
	BucketHigh      ReputationBucket = "high"
	BucketMedium    ReputationBucket = "medium"
	BucketLow       ReputationBucket = "low"
	BucketUntrusted ReputationBucket = "untrusted"
)

// BucketFor maps a reputation score to its bucket.
func BucketFor(reputation float64) ReputationBucket {
	switch {
	case reputation >= 90:
		return BucketTrusted
	case reputation >= 70:
		return BucketHigh
	case reputation >= 50:
		return BucketMedium
	case reputation >= 30:
		return BucketLow
	default:
		return BucketUntrusted
	}
}

// AgentProfile is the behavioral baseline for one agent. Payload statistics
// use Welford accumulators so the running std deviation is exact.
type AgentProfile struct {
	AgentID            string         `json:"agent_id"`
	TypicalActiveHours map[int]bool   `json:"typical_active_hours"`
	CommonPaths        map[string]int `json:"common_paths"`
	RequestMethods     map[string]int `json:"request_methods"`
	PayloadCount       int64          `json:"payload_count"`
	PayloadMean        float64        `json:"payload_mean"`
	PayloadM2          float64        `json:"payload_m2"`
	AvgRequestsPerHour float64        `json:"avg_requests_per_hour"`
	AvgTimeBetweenReqs float64        `json:"avg_time_between_requests_ms"`
	FirstSeenAt        time.Time      `json:"first_seen_at"`
	LastRequestAt      time.Time      `json:"last_request_at"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// AvgPayloadSize returns the running mean payload size.
func (p *AgentProfile) AvgPayloadSize() float64 { return p.PayloadMean }

// StdPayloadSize returns the running standard deviation of payload size.
func (p *AgentProfile) StdPayloadSize() float64 {
	if p.PayloadCount < 2 {
		return 0
	}
	variance := p.PayloadM2 / float64(p.PayloadCount)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// AnomalyVerdict is the multi-signal behavioral score for one request.
type AnomalyVerdict struct {
	IsAnomalous bool     `json:"is_anomalous"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
}

// ChallengeType identifies the escalation mechanism handed to an agent.
type ChallengeType string

const (
	ChallengeProofOfWork      ChallengeType = "proof_of_work"
	ChallengeSignatureRefresh ChallengeType = "signature_refresh"
	ChallengeRateDelay        ChallengeType = "rate_delay"
)

// Challenge is a short-lived work item the agent must solve before the
// gateway forwards its request.
type Challenge struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agent_id"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Type        ChallengeType `json:"type"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Difficulty  int           `json:"difficulty,omitempty"`
	Nonce       string        `json:"nonce,omitempty"`
	Completed   bool          `json:"completed"`
}

// RuleCondition matches one dotted field of the evaluation context against
// a value with an operator (eq, neq, gt, lt, contains, matches, in).
type RuleCondition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// RuleAction is the disposition a matched rule produces.
type RuleAction struct {
	Type   Action                 `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// PolicyRule is one declarative rule. Lower priority evaluates first.
type PolicyRule struct {
	ID         string          `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	Priority   int             `json:"priority" yaml:"priority"`
	Conditions []RuleCondition `json:"conditions" yaml:"conditions"`
	Action     RuleAction      `json:"action" yaml:"action"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
}

// Decision is the policy outcome attached to the evaluation context.
type Decision struct {
	Action   Action                 `json:"action"`
	PolicyID string                 `json:"policy_id,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// EvaluationContext is the per-request record passed between pipeline stages.
type EvaluationContext struct {
	Agent         *AgentIdentity  `json:"agent"`
	SignedPayload *SignedRequest  `json:"request"`
	Analysis      *AnalysisResult `json:"analysis,omitempty"`
	Anomaly       *AnomalyVerdict `json:"anomaly,omitempty"`
	Decision      *Decision       `json:"decision,omitempty"`
}

// SecurityEvent is the record appended to the security-event list and
// published on the threat channel for every deny and challenge.
type SecurityEvent struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	AgentID     string     `json:"agent_id"`
	Fingerprint string     `json:"fingerprint"`
	Type        string     `json:"type"`
	Method      string     `json:"method"`
	Path        string     `json:"path"`
	RiskScore   float64    `json:"risk_score"`
	ThreatType  ThreatType `json:"threat_type,omitempty"`
	PolicyID    string     `json:"policy_id,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}
