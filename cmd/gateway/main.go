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

// Command gateway runs the Gazorpazorp security gateway: a reverse proxy
// that screens every agent request through cryptographic, semantic and
// policy filters before it reaches the backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"gazorpazorp/platform/gateway"
	"gazorpazorp/platform/gateway/anomaly"
	"gazorpazorp/platform/gateway/auth"
	"gazorpazorp/platform/gateway/challenge"
	"gazorpazorp/platform/gateway/identity"
	"gazorpazorp/platform/gateway/intent"
	"gazorpazorp/platform/gateway/kv"
	"gazorpazorp/platform/gateway/metrics"
	"gazorpazorp/platform/gateway/policy"
	"gazorpazorp/platform/shared/config"
	"gazorpazorp/platform/shared/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	color.Cyan("Gazorpazorp security gateway")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.NewRedisStore(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer store.Close()
	color.Green("✓ KV store connected: %s", cfg.RedisURL)

	rules, err := policy.LoadRulesFile(cfg.RulesFile)
	if err != nil {
		return err
	}

	m := metrics.New()
	identities := identity.NewStore(store)
	verifier := auth.NewVerifier(identities, store)
	cache := intent.NewAnalysisCache(store)
	analyzer := intent.NewAnalyzer(
		intent.NewOllamaClient(cfg.LLMEndpoint),
		intent.DefaultPatterns(),
		cache,
		intent.AnalyzerConfig{
			FastModel:       cfg.LLMFastModel,
			DeepModel:       cfg.LLMDeepModel,
			SoftTimeout:     cfg.LLMSoftTimeout,
			FailSafeCounter: m.LLMFailures,
		},
	)
	detector := anomaly.NewDetector(store)
	engine := policy.NewEngine(store, rules)
	challenges := challenge.NewService(store, verifier)
	events := gateway.NewEventPublisher(store)

	pipeline := gateway.NewPipeline(gateway.PipelineDeps{
		KV:         store,
		Identities: identities,
		Verifier:   verifier,
		Analyzer:   analyzer,
		Detector:   detector,
		Policies:   engine,
		Challenges: challenges,
		Events:     events,
		Metrics:    m,
	})

	proxy, err := gateway.NewUpstreamProxy(cfg.UpstreamURL)
	if err != nil {
		return err
	}

	server := gateway.NewServer(gateway.ServerDeps{
		Pipeline:    pipeline,
		Verifier:    verifier,
		Identities:  identities,
		Challenges:  challenges,
		Events:      events,
		KV:          store,
		Proxy:       proxy,
		AdminSecret: cfg.AdminJWTSecret,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.Router(server, m),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("", "", "gateway listening", map[string]interface{}{
			"addr":     cfg.ListenAddr,
			"upstream": cfg.UpstreamURL,
			"rules":    len(rules),
		})
		color.Green("✓ Listening on %s, forwarding to %s", cfg.ListenAddr, cfg.UpstreamURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("", "", "gateway stopped", nil)
	return nil
}
