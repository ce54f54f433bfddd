package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// storeFixture builds a Store plus a function that advances time for TTL
// checks, so the same semantics suite runs against both implementations.
type storeFixture struct {
	store   Store
	advance func(d time.Duration)
}

func newFixtures(t *testing.T) map[string]storeFixture {
	t.Helper()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	memNow := now
	mem := NewMemoryStoreWithNow(func() time.Time { return memNow })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]storeFixture{
		"memory": {
			store:   mem,
			advance: func(d time.Duration) { memNow = memNow.Add(d) },
		},
		"redis": {
			store:   NewRedisStoreFromClient(rdb),
			advance: func(d time.Duration) { mr.FastForward(d) },
		},
	}
}

func TestStoreGetSet(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := fx.store.Get(ctx, "missing")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if ok {
				t.Error("expected missing key")
			}

			if err := fx.store.Set(ctx, "k", "v"); err != nil {
				t.Fatalf("set: %v", err)
			}
			v, ok, err := fx.store.Get(ctx, "k")
			if err != nil || !ok || v != "v" {
				t.Errorf("expected v, got %q ok=%v err=%v", v, ok, err)
			}

			if err := fx.store.Del(ctx, "k"); err != nil {
				t.Fatalf("del: %v", err)
			}
			_, ok, _ = fx.store.Get(ctx, "k")
			if ok {
				t.Error("expected key deleted")
			}
		})
	}
}

func TestStoreTTLEviction(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := fx.store.SetEx(ctx, "k", "v", time.Minute); err != nil {
				t.Fatalf("setex: %v", err)
			}
			_, ok, _ := fx.store.Get(ctx, "k")
			if !ok {
				t.Fatal("expected key before expiry")
			}

			fx.advance(61 * time.Second)
			_, ok, _ = fx.store.Get(ctx, "k")
			if ok {
				t.Error("expected key evicted after TTL")
			}
		})
	}
}

func TestStoreSetNXLock(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := fx.store.SetNX(ctx, "lock", "a", time.Minute)
			if err != nil || !ok {
				t.Fatalf("first setnx should win: ok=%v err=%v", ok, err)
			}
			ok, _ = fx.store.SetNX(ctx, "lock", "b", time.Minute)
			if ok {
				t.Error("second setnx should lose while lock held")
			}

			fx.advance(61 * time.Second)
			ok, _ = fx.store.SetNX(ctx, "lock", "c", time.Minute)
			if !ok {
				t.Error("setnx should win after lock TTL")
			}
		})
	}
}

func TestStoreHashOps(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := fx.store.HSet(ctx, "h", "tokens", "3.5"); err != nil {
				t.Fatalf("hset: %v", err)
			}
			if err := fx.store.HSet(ctx, "h", "last_refill", "1700000000"); err != nil {
				t.Fatalf("hset: %v", err)
			}

			v, ok, err := fx.store.HGet(ctx, "h", "tokens")
			if err != nil || !ok || v != "3.5" {
				t.Errorf("hget tokens: %q ok=%v err=%v", v, ok, err)
			}

			all, err := fx.store.HGetAll(ctx, "h")
			if err != nil {
				t.Fatalf("hgetall: %v", err)
			}
			if len(all) != 2 || all["last_refill"] != "1700000000" {
				t.Errorf("unexpected hash contents: %v", all)
			}
		})
	}
}

func TestStoreSortedSetOrdering(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, score := range []float64{30, 10, 20} {
				if err := fx.store.ZAdd(ctx, "z", score, fmt.Sprintf("m%d", i)); err != nil {
					t.Fatalf("zadd: %v", err)
				}
			}

			members, err := fx.store.ZRangeByScore(ctx, "z", 0, 100)
			if err != nil {
				t.Fatalf("zrangebyscore: %v", err)
			}
			if len(members) != 3 {
				t.Fatalf("expected 3 members, got %d", len(members))
			}
			for i := 1; i < len(members); i++ {
				if members[i].Score < members[i-1].Score {
					t.Errorf("members out of score order: %v", members)
				}
			}

			count, err := fx.store.ZCount(ctx, "z", 15, 100)
			if err != nil || count != 2 {
				t.Errorf("zcount: expected 2, got %d (err=%v)", count, err)
			}

			removed, err := fx.store.ZRemRangeByScore(ctx, "z", 0, 15)
			if err != nil || removed != 1 {
				t.Errorf("zremrangebyscore: expected 1, got %d (err=%v)", removed, err)
			}
		})
	}
}

func TestStoreWindowAdd(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Fill a window of 3 at scores 100..102.
			for i := 0; i < 3; i++ {
				added, _, err := fx.store.ZAddIfCountBelow(ctx, "w", 50, 3, float64(100+i), fmt.Sprintf("r%d", i))
				if err != nil {
					t.Fatalf("window add: %v", err)
				}
				if !added {
					t.Fatalf("request %d should be admitted", i)
				}
			}

			added, count, err := fx.store.ZAddIfCountBelow(ctx, "w", 50, 3, 103, "r3")
			if err != nil {
				t.Fatalf("window add: %v", err)
			}
			if added || count != 3 {
				t.Errorf("expected denial at capacity, added=%v count=%d", added, count)
			}

			// Trimming old entries frees capacity.
			added, _, err = fx.store.ZAddIfCountBelow(ctx, "w", 101, 3, 104, "r4")
			if err != nil {
				t.Fatalf("window add: %v", err)
			}
			if !added {
				t.Error("expected admission after trim")
			}
		})
	}
}

func TestStorePipelineAppliesAsUnit(t *testing.T) {
	for name, fx := range newFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := fx.store.Pipeline(ctx, func(p Pipe) {
				p.HSet("bucket", "tokens", "4")
				p.HSet("bucket", "last_refill", "123")
				p.SetEx("flag", "on", time.Minute)
			})
			if err != nil {
				t.Fatalf("pipeline: %v", err)
			}

			all, _ := fx.store.HGetAll(ctx, "bucket")
			if all["tokens"] != "4" || all["last_refill"] != "123" {
				t.Errorf("pipeline hash not applied: %v", all)
			}
			v, ok, _ := fx.store.Get(ctx, "flag")
			if !ok || v != "on" {
				t.Errorf("pipeline setex not applied: %q ok=%v", v, ok)
			}
		})
	}
}
