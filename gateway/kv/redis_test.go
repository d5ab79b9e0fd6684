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

package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSetNXOnlyFirstWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "nonce:fp:abc", "used", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetNX(ctx, "nonce:fp:abc", "used", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second SetNX on the same key must lose")
}

func TestListPushTrimRange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.LPush(ctx, "log", fmt.Sprintf("entry-%d", i)))
	}
	require.NoError(t, store.LTrim(ctx, "log", 0, 4))

	entries, err := store.LRange(ctx, "log", 0, -1)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	require.Equal(t, "entry-9", entries[0], "newest entry first")
}

func TestSlidingWindowZOps(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		ts := now.Add(-time.Duration(i) * time.Minute)
		require.NoError(t, store.ZAdd(ctx, "window", float64(ts.Unix()), fmt.Sprintf("req-%d", i)))
	}

	cutoff := now.Add(-150 * time.Second)
	require.NoError(t, store.ZRemRangeByScore(ctx, "window", "0", fmt.Sprintf("%d", cutoff.Unix())))

	count, err := store.ZCount(ctx, "window", "-inf", "+inf")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestScanVisitsMatchingKeys(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("analysis:%d", i), "{}", 0))
	}
	require.NoError(t, store.Set(ctx, "other:1", "{}", 0))

	var seen int
	err := store.Scan(ctx, "analysis:*", func(key string) error {
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 25, seen)
}

func TestWatchCommitsPipelinedWrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "counter:json", `{"n":1}`, 0))

	err := store.Watch(ctx, func(tx Tx) error {
		_, err := tx.Get(ctx, "counter:json")
		if err != nil {
			return err
		}
		return tx.Exec(ctx, func(p Pipeline) error {
			p.Set("counter:json", `{"n":2}`, time.Hour)
			p.LPush("counter:log", "1->2")
			p.LTrim("counter:log", 0, 99)
			return nil
		})
	}, "counter:json")
	require.NoError(t, err)

	v, err := store.Get(ctx, "counter:json")
	require.NoError(t, err)
	require.Equal(t, `{"n":2}`, v)

	entries, err := store.LRange(ctx, "counter:log", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"1->2"}, entries)
}

func TestPublishSubscribe(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sub, err := store.Subscribe(ctx, "gazorpazorp:threats")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Publish(ctx, "gazorpazorp:threats", `{"type":"deny"}`))

	select {
	case msg := <-sub.Messages():
		require.Equal(t, `{"type":"deny"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestNonceKeyExpires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "nonce:fp:n1", "used", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(61 * time.Second)

	ok, err = store.SetNX(ctx, "nonce:fp:n1", "used", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "nonce key must be reusable after TTL expiry")
}
