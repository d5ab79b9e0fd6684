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

// Package config loads gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the gateway needs at startup.
type Config struct {
	ListenAddr  string
	UpstreamURL string
	RedisURL    string

	LLMEndpoint    string
	LLMFastModel   string
	LLMDeepModel   string
	LLMSoftTimeout time.Duration

	AdminJWTSecret string
	RulesFile      string
	LogLevel       string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     getEnv("GAZORPAZORP_LISTEN_ADDR", ":8090"),
		UpstreamURL:    getEnv("GAZORPAZORP_UPSTREAM_URL", "http://localhost:3000"),
		RedisURL:       getEnv("GAZORPAZORP_REDIS_URL", "redis://localhost:6379"),
		LLMEndpoint:    getEnv("GAZORPAZORP_LLM_ENDPOINT", "http://localhost:11434"),
		LLMFastModel:   getEnv("GAZORPAZORP_LLM_FAST_MODEL", "llama3.2:3b"),
		LLMDeepModel:   getEnv("GAZORPAZORP_LLM_DEEP_MODEL", "qwen2.5:7b"),
		LLMSoftTimeout: getDurationEnv("GAZORPAZORP_LLM_TIMEOUT", 5*time.Second),
		AdminJWTSecret: os.Getenv("GAZORPAZORP_ADMIN_JWT_SECRET"),
		RulesFile:      os.Getenv("GAZORPAZORP_RULES_FILE"),
		LogLevel:       getEnv("GAZORPAZORP_LOG_LEVEL", "INFO"),
	}

	if cfg.AdminJWTSecret == "" {
		return nil, fmt.Errorf("GAZORPAZORP_ADMIN_JWT_SECRET must be set")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
