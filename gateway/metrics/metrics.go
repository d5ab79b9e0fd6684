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

// Package metrics is the gateway's Prometheus facade. It is constructed
// once at startup and passed to the pipeline as a collaborator; nothing in
// the request path touches a global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the gateway emits.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	LLMFailures      prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ChallengesIssued *prometheus.CounterVec
	ThreatsDetected  *prometheus.CounterVec
}

// New builds a facade with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "requests_total",
			Help:      "Requests evaluated, labeled by final decision.",
		}, []string{"decision"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gazorpazorp",
			Name:      "stage_duration_seconds",
			Help:      "Latency of each pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		LLMFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "llm_failures_total",
			Help:      "Intent-analysis model calls that fell back to the fail-safe ladder.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "analysis_cache_hits_total",
			Help:      "Analysis cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "analysis_cache_misses_total",
			Help:      "Analysis cache misses.",
		}),
		ChallengesIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "challenges_issued_total",
			Help:      "Challenges issued, labeled by type.",
		}, []string{"type"}),
		ThreatsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gazorpazorp",
			Name:      "threats_detected_total",
			Help:      "Requests classified as threats, labeled by threat type.",
		}, []string{"threat_type"}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.StageDuration,
		m.LLMFailures,
		m.CacheHits,
		m.CacheMisses,
		m.ChallengesIssued,
		m.ThreatsDetected,
	)
	return m
}

// Handler serves the /metrics endpoint for this facade's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
