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

// Package kv provides the typed key-value interface the gateway stores are
// built on, with a Redis-backed implementation. Every piece of shared state
// (identities, nonces, profiles, caches, counters, event lists) lives behind
// this interface under its own key prefix.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// ErrTxConflict is returned when an optimistic transaction lost its race
// and ran out of retries.
var ErrTxConflict = errors.New("kv: transaction conflict")

// Store is the typed interface over the backing key-value service.
// Implementations must be safe for concurrent use.
type Store interface {
	// Plain key/value.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets key only if absent; reports whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Counters.
	Incr(ctx context.Context, key string) (int64, error)

	// Lists.
	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Sorted sets, used for sliding time windows.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRemRangeByScore(ctx context.Context, key, min, max string) error
	ZCount(ctx context.Context, key, min, max string) (int64, error)

	// Scan iterates keys matching pattern without blocking the server.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// Pub/sub.
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Eval runs a server-side script atomically.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Watch runs fn under optimistic concurrency on the given keys. If a
	// watched key changes before the transaction commits, fn is retried.
	Watch(ctx context.Context, fn func(tx Tx) error, keys ...string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// Subscription is one live pub/sub channel subscription.
type Subscription interface {
	// Messages delivers published payloads until Close.
	Messages() <-chan string
	Close() error
}

// Tx is the body of an optimistic transaction: read during watch, then
// queue writes that commit atomically.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	// Exec queues the writes built by fn and commits them; the commit fails
	// if any watched key was modified concurrently.
	Exec(ctx context.Context, fn func(p Pipeline) error) error
}

// Pipeline queues writes inside a transaction.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	LPush(key string, values ...string)
	LTrim(key string, start, stop int64)
	Expire(key string, ttl time.Duration)
}
