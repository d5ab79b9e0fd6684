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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gazorpazorp/platform/shared/types"
)

// LLMClient issues completion requests. Implementations must be safe for
// concurrent use.
type LLMClient interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// OllamaClient speaks the local completion contract:
// POST /api/generate {model, prompt, stream:false, format:"json"} and the
// verdict arrives as a JSON string in the "response" field.
type OllamaClient struct {
	endpoint string
	client   *http.Client
}

// NewOllamaClient builds a client for the given endpoint.
func NewOllamaClient(endpoint string) *OllamaClient {
	return &OllamaClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Complete sends one completion request. The caller's context carries the
// soft deadline; on expiry the request is abandoned.
func (c *OllamaClient) Complete(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	return parsed.Response, nil
}

// llmVerdict is the strict schema the model must return. Pointer fields
// make missing keys detectable.
type llmVerdict struct {
	IsMalicious *bool    `json:"isMalicious"`
	Confidence  *float64 `json:"confidence"`
	ThreatType  string   `json:"threatType"`
	Explanation string   `json:"explanation"`
	RiskScore   *float64 `json:"riskScore"`
}

var validThreatTypes = map[types.ThreatType]bool{
	types.ThreatPromptInjection:     true,
	types.ThreatJailbreakAttempt:    true,
	types.ThreatDataExfiltration:    true,
	types.ThreatPrivilegeEscalation: true,
	types.ThreatDenialOfService:     true,
	types.ThreatSQLInjection:        true,
	types.ThreatCommandInjection:    true,
	types.ThreatSocialEngineering:   true,
	types.ThreatNone:                true,
}

// parseVerdict validates the model output strictly: any missing or
// out-of-range field is a parse failure and triggers the fail-safe ladder.
func parseVerdict(raw string) (*llmVerdict, error) {
	var v llmVerdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("verdict is not valid JSON: %w", err)
	}
	if v.IsMalicious == nil {
		return nil, fmt.Errorf("verdict missing isMalicious")
	}
	if v.Confidence == nil || *v.Confidence < 0 || *v.Confidence > 1 {
		return nil, fmt.Errorf("verdict confidence out of range")
	}
	if v.RiskScore == nil || *v.RiskScore < 0 || *v.RiskScore > 100 {
		return nil, fmt.Errorf("verdict riskScore out of range")
	}
	if v.ThreatType != "" && !validThreatTypes[types.ThreatType(v.ThreatType)] {
		return nil, fmt.Errorf("verdict threatType %q not in closed set", v.ThreatType)
	}
	return &v, nil
}
