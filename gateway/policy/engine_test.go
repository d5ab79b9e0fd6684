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

package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/types"
)

func newTestEngine(t *testing.T, rules []types.PolicyRule) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kv.NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, rules)
}

func evalContext(reputation, risk float64, path string, sensitive bool) *types.EvaluationContext {
	return &types.EvaluationContext{
		Agent: &types.AgentIdentity{
			ID:         "agent_x",
			Reputation: reputation,
			Permissions: types.Permissions{
				SensitiveDataAccess: sensitive,
			},
		},
		SignedPayload: &types.SignedRequest{Method: "GET", Path: path},
		Analysis: &types.AnalysisResult{
			RiskScore:  risk,
			ThreatType: types.ThreatNone,
		},
	}
}

func TestDefaultRulesetDecisions(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	ctx := context.Background()

	tests := []struct {
		name       string
		ectx       *types.EvaluationContext
		wantAction types.Action
		wantPolicy string
	}{
		{"risk 91 denied", evalContext(60, 91, "/api/data", true), types.ActionDeny, "block_high_risk"},
		{"risk 90 denied", evalContext(60, 90, "/api/data", true), types.ActionDeny, "block_high_risk"},
		{"risk 89 challenged", evalContext(60, 89, "/api/data", true), types.ActionChallenge, "challenge_suspicious"},
		{"admin path without clearance denied", evalContext(60, 10, "/api/admin/export", false), types.ActionDeny, "protect_admin"},
		{"admin path with clearance allowed", evalContext(60, 10, "/api/admin/export", true), types.ActionAllow, ""},
		{"untrusted agent rate limited", evalContext(20, 10, "/api/data", true), types.ActionRateLimit, "rate_limit_untrusted"},
		{"clean request allowed", evalContext(60, 10, "/api/data", true), types.ActionAllow, ""},
		{"risk 50 not challenged", evalContext(60, 50, "/api/data", true), types.ActionAllow, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := engine.Evaluate(ctx, tt.ectx)
			require.Equal(t, tt.wantAction, decision.Action)
			require.Equal(t, tt.wantPolicy, decision.PolicyID)
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	// Two matching rules: the lower priority number must win regardless of
	// declaration order.
	rules := []types.PolicyRule{
		{
			ID:       "late",
			Priority: 50,
			Conditions: []types.RuleCondition{
				{Field: "agent.reputation", Operator: "gt", Value: 0},
			},
			Action:  types.RuleAction{Type: types.ActionChallenge},
			Enabled: true,
		},
		{
			ID:       "early",
			Priority: 2,
			Conditions: []types.RuleCondition{
				{Field: "agent.reputation", Operator: "gt", Value: 0},
			},
			Action:  types.RuleAction{Type: types.ActionDeny},
			Enabled: true,
		},
	}
	engine := newTestEngine(t, rules)

	decision := engine.Evaluate(context.Background(), evalContext(50, 0, "/x", false))
	require.Equal(t, "early", decision.PolicyID)
	require.Equal(t, types.ActionDeny, decision.Action)
}

func TestDisabledRuleSkipped(t *testing.T) {
	rules := []types.PolicyRule{
		{
			ID:       "off",
			Priority: 1,
			Conditions: []types.RuleCondition{
				{Field: "agent.reputation", Operator: "gt", Value: 0},
			},
			Action:  types.RuleAction{Type: types.ActionDeny},
			Enabled: false,
		},
	}
	engine := newTestEngine(t, rules)

	decision := engine.Evaluate(context.Background(), evalContext(50, 0, "/x", false))
	require.Equal(t, types.ActionAllow, decision.Action)
}

func TestOperators(t *testing.T) {
	ectx := evalContext(55, 42, "/api/users/7", false)
	ectx.SignedPayload.Method = "DELETE"

	tests := []struct {
		name string
		cond types.RuleCondition
		want bool
	}{
		{"eq number", types.RuleCondition{Field: "agent.reputation", Operator: "eq", Value: 55}, true},
		{"eq bool", types.RuleCondition{Field: "agent.permissions.sensitive_data_access", Operator: "eq", Value: false}, true},
		{"neq", types.RuleCondition{Field: "request.method", Operator: "neq", Value: "GET"}, true},
		{"gt", types.RuleCondition{Field: "analysis.risk_score", Operator: "gt", Value: 40}, true},
		{"gt false", types.RuleCondition{Field: "analysis.risk_score", Operator: "gt", Value: 42}, false},
		{"lt", types.RuleCondition{Field: "analysis.risk_score", Operator: "lt", Value: 50}, true},
		{"contains", types.RuleCondition{Field: "request.path", Operator: "contains", Value: "/users"}, true},
		{"matches", types.RuleCondition{Field: "request.path", Operator: "matches", Value: `^/api/users/\d+$`}, true},
		{"matches false", types.RuleCondition{Field: "request.path", Operator: "matches", Value: "^/admin"}, false},
		{"in", types.RuleCondition{Field: "request.method", Operator: "in", Value: []interface{}{"DELETE", "PUT"}}, true},
		{"in false", types.RuleCondition{Field: "request.method", Operator: "in", Value: []interface{}{"GET", "POST"}}, false},
		{"unknown operator", types.RuleCondition{Field: "request.method", Operator: "like", Value: "x"}, false},
		{"unknown field", types.RuleCondition{Field: "request.nothing.here", Operator: "eq", Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []types.PolicyRule{{
				ID:         "probe",
				Priority:   1,
				Conditions: []types.RuleCondition{tt.cond},
				Action:     types.RuleAction{Type: types.ActionDeny},
				Enabled:    true,
			}}
			engine := newTestEngine(t, rules)

			decision := engine.Evaluate(context.Background(), ectx)
			matched := decision.PolicyID == "probe"
			require.Equal(t, tt.want, matched)
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	ectx := evalContext(60, 75, "/api/data", true)

	first := engine.Evaluate(context.Background(), ectx)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, engine.Evaluate(context.Background(), ectx))
	}
}

func TestAuditLogRecordsMatches(t *testing.T) {
	engine := newTestEngine(t, DefaultRules())
	ctx := context.Background()

	engine.Evaluate(ctx, evalContext(60, 95, "/api/data", true))
	engine.Evaluate(ctx, evalContext(20, 10, "/api/data", true))

	entries, err := engine.AuditLog(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "rate_limit_untrusted", entries[0].PolicyID)
	require.Equal(t, "block_high_risk", entries[1].PolicyID)
}

func TestLoadRulesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - id: no_deletes
    name: Deny deletes
    priority: 1
    conditions:
      - field: request.method
        operator: eq
        value: DELETE
    action:
      type: deny
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := LoadRulesFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "no_deletes", rules[0].ID)
	require.Equal(t, types.ActionDeny, rules[0].Action.Type)

	engine := newTestEngine(t, rules)
	ectx := evalContext(50, 0, "/x", false)
	ectx.SignedPayload.Method = "DELETE"
	decision := engine.Evaluate(context.Background(), ectx)
	require.Equal(t, "no_deletes", decision.PolicyID)
}

func TestLoadRulesFileErrors(t *testing.T) {
	_, err := LoadRulesFile("/does/not/exist.yaml")
	require.Error(t, err)

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rules: []"), 0o600))
	_, err = LoadRulesFile(empty)
	require.Error(t, err)

	defaults, err := LoadRulesFile("")
	require.NoError(t, err)
	require.Len(t, defaults, 4)
}
