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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"gazorpazorp/platform/shared/types"
)

// DefaultRules is the ruleset the gateway ships with. Field paths follow
// the JSON names of the evaluation context.
func DefaultRules() []types.PolicyRule {
	return []types.PolicyRule{
		{
			ID:       "block_high_risk",
			Name:     "Block critical risk",
			Priority: 1,
			Conditions: []types.RuleCondition{
				// Anything above 89 is critical, so 90 is denied and 89 is
				// left to challenge_suspicious.
				{Field: "analysis.risk_score", Operator: "gt", Value: 89},
			},
			Action:  types.RuleAction{Type: types.ActionDeny},
			Enabled: true,
		},
		{
			ID:       "protect_admin",
			Name:     "Protect admin endpoints",
			Priority: 5,
			Conditions: []types.RuleCondition{
				{Field: "request.path", Operator: "matches", Value: "^/api/admin"},
				{Field: "agent.permissions.sensitive_data_access", Operator: "eq", Value: false},
			},
			Action:  types.RuleAction{Type: types.ActionDeny},
			Enabled: true,
		},
		{
			ID:       "rate_limit_untrusted",
			Name:     "Rate limit untrusted agents",
			Priority: 10,
			Conditions: []types.RuleCondition{
				{Field: "agent.reputation", Operator: "lt", Value: 30},
			},
			Action: types.RuleAction{
				Type:   types.ActionRateLimit,
				Params: map[string]interface{}{"max_requests": 10, "window_seconds": 60},
			},
			Enabled: true,
		},
		{
			ID:       "challenge_suspicious",
			Name:     "Challenge suspicious requests",
			Priority: 20,
			Conditions: []types.RuleCondition{
				{Field: "analysis.risk_score", Operator: "gt", Value: 50},
				{Field: "analysis.risk_score", Operator: "lt", Value: 90},
			},
			Action:  types.RuleAction{Type: types.ActionChallenge},
			Enabled: true,
		},
	}
}

type rulesFile struct {
	Rules []types.PolicyRule `yaml:"rules"`
}

// LoadRulesFile reads a YAML ruleset. An empty path returns the defaults.
func LoadRulesFile(path string) ([]types.PolicyRule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rules file %s contains no rules", path)
	}
	for _, r := range f.Rules {
		if r.ID == "" || r.Action.Type == "" {
			return nil, fmt.Errorf("rules file %s: every rule needs an id and an action", path)
		}
	}
	return f.Rules, nil
}
