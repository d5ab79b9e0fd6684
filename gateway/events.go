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
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

const (
	securityEventsKey = "gazorpazorp:security_events"
	threatChannel     = "gazorpazorp:threats"
	securityEventsCap = 1000
)

// EventPublisher appends security events to the dashboard list and fans
// them out on the threat channel.
type EventPublisher struct {
	kv  kv.Store
	log *logger.Logger
}

// NewEventPublisher builds a publisher over the KV service.
func NewEventPublisher(store kv.Store) *EventPublisher {
	return &EventPublisher{kv: store, log: logger.New("events")}
}

// Publish records one event. Failures are logged, never propagated — an
// unavailable dashboard must not change a security decision.
func (p *EventPublisher) Publish(ctx context.Context, event types.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.kv.LPush(ctx, securityEventsKey, string(raw)); err != nil {
		p.log.Warn(event.AgentID, "", "security event append failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	_ = p.kv.LTrim(ctx, securityEventsKey, 0, securityEventsCap-1)
	if err := p.kv.Publish(ctx, threatChannel, string(raw)); err != nil {
		p.log.Warn(event.AgentID, "", "threat publish failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Recent returns up to limit events, newest first.
func (p *EventPublisher) Recent(ctx context.Context, limit int64) ([]types.SecurityEvent, error) {
	if limit <= 0 || limit > securityEventsCap {
		limit = 100
	}
	raws, err := p.kv.LRange(ctx, securityEventsKey, 0, limit-1)
	if err != nil {
		return nil, err
	}
	events := make([]types.SecurityEvent, 0, len(raws))
	for _, raw := range raws {
		var ev types.SecurityEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
