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

// Package policy evaluates declarative rules against the evaluation
// context. Rules are ordered by ascending priority; the first rule whose
// conditions all match decides. No match means allow.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

const (
	auditLogKey = "gazorpazorp:audit_log"
	auditLogCap = 100_000
	// Bounded pattern cache, a guard against unbounded growth from unique
	// rule patterns.
	maxPatternCacheSize = 1000
)

// AuditEntry records one matched policy decision.
type AuditEntry struct {
	Timestamp time.Time    `json:"timestamp"`
	PolicyID  string       `json:"policy_id"`
	Action    types.Action `json:"action"`
	AgentID   string       `json:"agent_id"`
	Method    string       `json:"method"`
	Path      string       `json:"path"`
	RiskScore float64      `json:"risk_score"`
}

// Engine holds the ordered ruleset.
type Engine struct {
	kv  kv.Store
	log *logger.Logger

	mu    sync.RWMutex
	rules []types.PolicyRule

	patternMu sync.RWMutex
	patterns  map[string]*regexp.Regexp
}

// NewEngine builds an engine with the given rules, sorted by priority.
func NewEngine(store kv.Store, rules []types.PolicyRule) *Engine {
	e := &Engine{
		kv:       store,
		log:      logger.New("policy"),
		patterns: make(map[string]*regexp.Regexp),
	}
	e.SetRules(rules)
	return e
}

// SetRules replaces the ruleset atomically.
func (e *Engine) SetRules(rules []types.PolicyRule) {
	sorted := make([]types.PolicyRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
}

// Rules returns a copy of the current ruleset in evaluation order.
func (e *Engine) Rules() []types.PolicyRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.PolicyRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate runs the ruleset over the context and returns the decision.
// Matched decisions are appended to the bounded audit log; audit failures
// never change the decision.
func (e *Engine) Evaluate(ctx context.Context, ectx *types.EvaluationContext) *types.Decision {
	fields := flatten(ectx)

	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		if e.ruleMatches(rule, fields) {
			decision := &types.Decision{
				Action:   rule.Action.Type,
				PolicyID: rule.ID,
				Reason:   rule.Name,
				Params:   rule.Action.Params,
			}
			e.audit(ctx, ectx, decision)
			return decision
		}
	}
	return &types.Decision{Action: types.ActionAllow, Reason: "no rule matched"}
}

func (e *Engine) ruleMatches(rule types.PolicyRule, fields map[string]interface{}) bool {
	for _, cond := range rule.Conditions {
		value, ok := lookup(fields, cond.Field)
		if !ok {
			return false
		}
		if !e.compare(value, cond.Operator, cond.Value) {
			return false
		}
	}
	return len(rule.Conditions) > 0
}

func (e *Engine) compare(got interface{}, operator string, want interface{}) bool {
	switch operator {
	case "eq":
		return equal(got, want)
	case "neq":
		return !equal(got, want)
	case "gt":
		gf, gok := toFloat(got)
		wf, wok := toFloat(want)
		return gok && wok && gf > wf
	case "lt":
		gf, gok := toFloat(got)
		wf, wok := toFloat(want)
		return gok && wok && gf < wf
	case "contains":
		switch g := got.(type) {
		case string:
			return strings.Contains(g, fmt.Sprintf("%v", want))
		case []interface{}:
			for _, item := range g {
				if equal(item, want) {
					return true
				}
			}
		}
		return false
	case "matches":
		s, ok := got.(string)
		if !ok {
			return false
		}
		re := e.compiled(fmt.Sprintf("%v", want))
		return re != nil && re.MatchString(s)
	case "in":
		list, ok := want.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(got, item) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (e *Engine) compiled(pattern string) *regexp.Regexp {
	e.patternMu.RLock()
	re, ok := e.patterns[pattern]
	e.patternMu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		e.log.Warn("", "", "invalid rule pattern", map[string]interface{}{
			"pattern": pattern,
			"error":   err.Error(),
		})
		return nil
	}

	e.patternMu.Lock()
	if len(e.patterns) < maxPatternCacheSize {
		e.patterns[pattern] = re
	}
	e.patternMu.Unlock()
	return re
}

func (e *Engine) audit(ctx context.Context, ectx *types.EvaluationContext, decision *types.Decision) {
	entry := AuditEntry{
		Timestamp: time.Now().UTC(),
		PolicyID:  decision.PolicyID,
		Action:    decision.Action,
	}
	if ectx.Agent != nil {
		entry.AgentID = ectx.Agent.ID
	}
	if ectx.SignedPayload != nil {
		entry.Method = ectx.SignedPayload.Method
		entry.Path = ectx.SignedPayload.Path
	}
	if ectx.Analysis != nil {
		entry.RiskScore = ectx.Analysis.RiskScore
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := e.kv.LPush(ctx, auditLogKey, string(raw)); err != nil {
		e.log.Warn("", "", "policy audit append failed", map[string]interface{}{"error": err.Error()})
		return
	}
	_ = e.kv.LTrim(ctx, auditLogKey, 0, auditLogCap-1)
}

// AuditLog returns up to limit recent entries, newest first.
func (e *Engine) AuditLog(ctx context.Context, limit int64) ([]AuditEntry, error) {
	raws, err := e.kv.LRange(ctx, auditLogKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(raws))
	for _, raw := range raws {
		var a AuditEntry
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		entries = append(entries, a)
	}
	return entries, nil
}

// flatten renders the evaluation context into nested maps addressable by
// dotted field paths following the context's JSON field names.
func flatten(ectx *types.EvaluationContext) map[string]interface{} {
	raw, err := json.Marshal(ectx)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func lookup(fields map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func equal(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
