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

// Package anomaly maintains per-agent behavioral baselines and scores each
// request against them. The pipeline calls DetectAnomaly before
// UpdateProfile so a request is always judged against the baseline built
// from its predecessors, and every observed request updates the profile
// exactly once.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/logger"
	"gazorpazorp/platform/shared/types"
)

const (
	profileTTL = 30 * 24 * time.Hour
	historyCap = 100
	historyTTL = 30 * 24 * time.Hour
	// windowTTL covers the rate-spike lookback with slack.
	windowTTL = time.Hour

	rateLookback = 5 * time.Minute
	// minBaselineRequests gates the rate signal until enough history exists.
	minBaselineRequests = 10
)

// Signal weights.
const (
	scoreUnusualHour   = 0.3
	scoreRarePath      = 0.4
	scoreRateSpike     = 0.6
	scoreRareMethod    = 0.25
	scorePayloadCap    = 0.5
	anomalousThreshold = 0.5
)

// HistoryEntry is one record in the per-agent recent-request list.
type HistoryEntry struct {
	Timestamp int64  `json:"timestamp"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Size      int    `json:"size"`
}

// Detector scores requests against stored AgentProfiles.
type Detector struct {
	kv  kv.Store
	log *logger.Logger
	now func() time.Time
}

// NewDetector builds a detector over the KV service.
func NewDetector(store kv.Store) *Detector {
	return &Detector{kv: store, log: logger.New("anomaly"), now: time.Now}
}

func profileKey(agentID string) string { return "profile:" + agentID }
func historyKey(agentID string) string { return "agent:" + agentID + ":history" }
func windowKey(agentID string) string  { return "profile:window:" + agentID }

// Profile loads the stored baseline, or nil when none exists yet.
func (d *Detector) Profile(ctx context.Context, agentID string) (*types.AgentProfile, error) {
	raw, err := d.kv.Get(ctx, profileKey(agentID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var p types.AgentProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal profile %s: %w", agentID, err)
	}
	return &p, nil
}

// UpdateProfile folds one observed request into the agent's baseline and
// appends it to the recent-request history.
func (d *Detector) UpdateProfile(ctx context.Context, agent *types.AgentIdentity, req *types.SignedRequest) error {
	now := d.now().UTC()

	profile, err := d.Profile(ctx, agent.ID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = &types.AgentProfile{
			AgentID:            agent.ID,
			TypicalActiveHours: map[int]bool{},
			CommonPaths:        map[string]int{},
			RequestMethods:     map[string]int{},
			FirstSeenAt:        now,
		}
	}

	hour := time.UnixMilli(req.Timestamp).UTC().Hour()
	profile.TypicalActiveHours[hour] = true
	profile.CommonPaths[req.Path]++
	profile.RequestMethods[req.Method]++

	size := payloadSize(req.Body)

	// Welford's online mean/variance update.
	profile.PayloadCount++
	delta := float64(size) - profile.PayloadMean
	profile.PayloadMean += delta / float64(profile.PayloadCount)
	profile.PayloadM2 += delta * (float64(size) - profile.PayloadMean)

	if !profile.LastRequestAt.IsZero() {
		gapMs := float64(now.Sub(profile.LastRequestAt).Milliseconds())
		if gapMs > 0 {
			if profile.AvgTimeBetweenReqs == 0 {
				profile.AvgTimeBetweenReqs = gapMs
			} else {
				profile.AvgTimeBetweenReqs = 0.8*profile.AvgTimeBetweenReqs + 0.2*gapMs
			}
		}
	}
	profile.LastRequestAt = now
	profile.LastUpdated = now

	// Long-run rate anchored at first sight; a burst cannot drag the
	// baseline up fast enough to hide itself.
	hoursActive := math.Max(now.Sub(profile.FirstSeenAt).Hours(), 1)
	profile.AvgRequestsPerHour = float64(profile.PayloadCount) / hoursActive

	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := d.kv.Set(ctx, profileKey(agent.ID), string(raw), profileTTL); err != nil {
		return err
	}

	entry, err := json.Marshal(HistoryEntry{
		Timestamp: now.UnixMilli(),
		Method:    req.Method,
		Path:      req.Path,
		Size:      size,
	})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	hk := historyKey(agent.ID)
	if err := d.kv.LPush(ctx, hk, string(entry)); err != nil {
		return err
	}
	if err := d.kv.LTrim(ctx, hk, 0, historyCap-1); err != nil {
		return err
	}
	if err := d.kv.Expire(ctx, hk, historyTTL); err != nil {
		return err
	}

	// Sliding rate window, scored by request time. The nonce is unique per
	// request and makes a collision-free member.
	wk := windowKey(agent.ID)
	if err := d.kv.ZAdd(ctx, wk, float64(now.UnixMilli()), req.Nonce); err != nil {
		return err
	}
	cutoff := now.Add(-windowTTL).UnixMilli()
	if err := d.kv.ZRemRangeByScore(ctx, wk, "0", fmt.Sprintf("%d", cutoff)); err != nil {
		return err
	}
	return d.kv.Expire(ctx, wk, windowTTL)
}

// History returns the recent-request entries, newest first.
func (d *Detector) History(ctx context.Context, agentID string) ([]HistoryEntry, error) {
	raws, err := d.kv.LRange(ctx, historyKey(agentID), 0, historyCap-1)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// DetectAnomaly scores the request against the stored baseline. Agents with
// no profile yet always come back clean.
func (d *Detector) DetectAnomaly(ctx context.Context, agent *types.AgentIdentity, req *types.SignedRequest) (*types.AnomalyVerdict, error) {
	profile, err := d.Profile(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return &types.AnomalyVerdict{IsAnomalous: false, Score: 0, Reasons: []string{"no baseline"}}, nil
	}

	var score float64
	var reasons []string

	hour := time.UnixMilli(req.Timestamp).UTC().Hour()
	if !profile.TypicalActiveHours[hour] {
		score += scoreUnusualHour
		reasons = append(reasons, fmt.Sprintf("unusual hour %02d:00", hour))
	}

	total := 0
	for _, c := range profile.CommonPaths {
		total += c
	}
	if total > 0 && float64(profile.CommonPaths[req.Path])/float64(total) < 0.05 {
		score += scoreRarePath
		reasons = append(reasons, "rare path "+req.Path)
	}

	size := payloadSize(req.Body)
	std := profile.StdPayloadSize()
	z := math.Abs(float64(size)-profile.PayloadMean) / math.Max(std, 1)
	if z > 3 {
		score += math.Min(z/10, scorePayloadCap)
		reasons = append(reasons, fmt.Sprintf("payload size outlier (z=%.1f)", z))
	}

	if profile.AvgRequestsPerHour > 0 && profile.PayloadCount >= minBaselineRequests {
		cutoff := d.now().Add(-rateLookback).UnixMilli()
		recent, err := d.kv.ZCount(ctx, windowKey(agent.ID), fmt.Sprintf("%d", cutoff), "+inf")
		if err != nil {
			return nil, err
		}
		if float64(recent) > 3*profile.AvgRequestsPerHour {
			score += scoreRateSpike
			reasons = append(reasons, fmt.Sprintf("request rate spike (%d in 5m)", recent))
		}
	}

	methodTotal := 0
	for _, c := range profile.RequestMethods {
		methodTotal += c
	}
	if mc := profile.RequestMethods[req.Method]; mc > 0 && methodTotal > 0 &&
		float64(mc)/float64(methodTotal) < 0.1 {
		score += scoreRareMethod
		reasons = append(reasons, "rare method "+req.Method)
	}

	score = math.Min(score, 1.0)
	return &types.AnomalyVerdict{
		IsAnomalous: score > anomalousThreshold,
		Score:       score,
		Reasons:     reasons,
	}, nil
}

// SetClock overrides the detector clock, used by tests.
func (d *Detector) SetClock(now func() time.Time) { d.now = now }

func payloadSize(body interface{}) int {
	if body == nil {
		return 0
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return 0
	}
	return len(raw)
}
