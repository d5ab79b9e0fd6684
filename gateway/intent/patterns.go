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

package intent

import (
	"regexp"

	"gazorpazorp/platform/shared/types"
)

// PatternCatalog pre-screens request bodies against known attack phrasings
// before any model is consulted. A hit forces the deep model and drives the
// fail-safe verdict when the model is unreachable.
type PatternCatalog struct {
	groups []patternGroup
}

type patternGroup struct {
	threat   types.ThreatType
	patterns []*regexp.Regexp
}

// DefaultPatterns compiles the built-in threat catalog.
func DefaultPatterns() *PatternCatalog {
	compile := func(exprs ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, len(exprs))
		for i, e := range exprs {
			out[i] = regexp.MustCompile(e)
		}
		return out
	}

	return &PatternCatalog{groups: []patternGroup{
		{
			threat: types.ThreatPromptInjection,
			patterns: compile(
				`(?i)ignore (all )?previous instructions`,
				`(?i)disregard (the )?above`,
				`(?i)forget (everything|what) (you|i) (told|said)`,
				`(?i)you are now a`,
				`(?i)pretend (you're|to be)`,
				`(?i)act as (if|though)`,
				`(?i)system:`,
				`\[INST\]`,
				`<<SYS>>`,
			),
		},
		{
			threat: types.ThreatDataExfiltration,
			patterns: compile(
				`(?i)show me (all|the) (users|passwords|secrets|keys|tokens)`,
				`(?i)dump (the )?(database|db|table)`,
				`(?i)export all`,
				`(?i)list (all )?(api )?keys`,
			),
		},
		{
			threat: types.ThreatPrivilegeEscalation,
			patterns: compile(
				`(?i)grant (me )?admin`,
				`(?i)make me (an? )?admin`,
				`(?i)elevate (my )?privileges`,
				`(?i)sudo`,
				`(?i)root access`,
			),
		},
		{
			threat: types.ThreatCommandInjection,
			patterns: compile(
				`(?i);\s*(rm|del|drop|truncate|delete)\s`,
				`(?i)\|\s*(bash|sh|cmd|powershell)`,
				"`[^`]+`",
				`\$\([^)]+\)`,
			),
		},
	}}
}

// Match returns the threat types whose patterns fire on the text, in catalog
// order, each type at most once.
func (c *PatternCatalog) Match(text string) []types.ThreatType {
	if text == "" {
		return nil
	}
	var hits []types.ThreatType
	for _, g := range c.groups {
		for _, p := range g.patterns {
			if p.MatchString(text) {
				hits = append(hits, g.threat)
				break
			}
		}
	}
	return hits
}
