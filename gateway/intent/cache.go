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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"sync/atomic"
	"time"

	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/shared/types"
)

const analysisCacheTTL = 30 * time.Minute

var (
	// UUIDs are replaced before numeric segments because UUIDs contain digits.
	uuidSegmentRe    = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numericSegmentRe = regexp.MustCompile(`/\d+`)
)

// NormalizePath collapses volatile path segments so equivalent requests
// share one cache entry.
func NormalizePath(path string) string {
	path = uuidSegmentRe.ReplaceAllString(path, ":uuid")
	return numericSegmentRe.ReplaceAllString(path, "/:id")
}

// CacheStats are the cache's monotonically increasing counters.
type CacheStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	HitRate float64 `json:"hit_rate"`
}

// AnalysisCache memoizes analysis verdicts keyed by content hash and
// reputation bucket. The bucket is part of the key so a verdict cached for a
// trusted agent can never be replayed to an untrusted one.
type AnalysisCache struct {
	kv kv.Store

	hits   int64
	misses int64
	sets   int64
}

// NewAnalysisCache builds a cache over the KV service.
func NewAnalysisCache(store kv.Store) *AnalysisCache {
	return &AnalysisCache{kv: store}
}

// Key derives the cache key: SHA256(method || normalizedPath ||
// SHA256(canonicalBody) || bucket), hex encoded.
func (c *AnalysisCache) Key(method, path string, body interface{}, bucket types.ReputationBucket) string {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		bodyJSON = []byte("null")
	}
	bodySum := sha256.Sum256(bodyJSON)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(NormalizePath(path)))
	h.Write([]byte{'|'})
	h.Write([]byte(hex.EncodeToString(bodySum[:])))
	h.Write([]byte{'|'})
	h.Write([]byte(bucket))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached verdict, if any.
func (c *AnalysisCache) Get(ctx context.Context, method, path string, body interface{}, bucket types.ReputationBucket) (*types.AnalysisResult, bool) {
	raw, err := c.kv.Get(ctx, "analysis:"+c.Key(method, path, body, bucket))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			// Transient store trouble counts as a miss; the analyzer
			// proceeds without the cache.
			atomic.AddInt64(&c.misses, 1)
			return nil, false
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	var result types.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	result.Cached = true
	return &result, true
}

// Set stores a verdict under the content/bucket key for the cache TTL.
func (c *AnalysisCache) Set(ctx context.Context, method, path string, body interface{}, bucket types.ReputationBucket, result *types.AnalysisResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.kv.Set(ctx, "analysis:"+c.Key(method, path, body, bucket), string(raw), analysisCacheTTL); err != nil {
		return err
	}
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// Invalidate deletes all cached verdicts, walking keys with SCAN so the
// sweep never blocks the store.
func (c *AnalysisCache) Invalidate(ctx context.Context) (int, error) {
	var removed int
	err := c.kv.Scan(ctx, "analysis:*", func(key string) error {
		if err := c.kv.Del(ctx, key); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// Stats returns a snapshot of the hit counters.
func (c *AnalysisCache) Stats() CacheStats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	stats := CacheStats{
		Hits:   hits,
		Misses: misses,
		Sets:   atomic.LoadInt64(&c.sets),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
