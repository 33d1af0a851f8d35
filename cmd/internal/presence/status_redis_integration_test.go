package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// These tests need a reachable Redis. They are skipped unless
// TETHER_REDIS_ADDR is set, e.g.:
//
//	TETHER_REDIS_ADDR=127.0.0.1:6379 go test ./cmd/internal/presence/...
//
// Each test writes under a random namespace and deletes its keys afterwards,
// so a shared Redis instance stays clean.

func redisAddrOrSkip(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("TETHER_REDIS_ADDR")
	if addr == "" {
		t.Skip("TETHER_REDIS_ADDR not set; skipping redis integration test")
	}
	return addr
}

func randomNamespaceHex(t *testing.T) string {
	t.Helper()
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return "it" + hex.EncodeToString(b[:])
}

func mustOpenTestRedis(t *testing.T, addr string) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func mustNewRedisStatus(t *testing.T, rdb *redis.Client, ns string, opts ...RedisStatusOption) *RedisStatusStore {
	t.Helper()
	opts = append([]RedisStatusOption{WithStatusNamespace(ns)}, opts...)
	s, err := NewRedisStatusStore(rdb, "test-instance", opts...)
	if err != nil {
		t.Fatalf("new redis status store: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var cursor uint64
		for {
			keys, next, err := rdb.Scan(ctx, cursor, "presence:"+ns+":*", 512).Result()
			if err != nil {
				return
			}
			if len(keys) > 0 {
				_ = rdb.Del(ctx, keys...).Err()
			}
			cursor = next
			if cursor == 0 {
				return
			}
		}
	})
	return s
}

func TestRedisStatusStoreLifecycle(t *testing.T) {
	t.Parallel()

	addr := redisAddrOrSkip(t)
	rdb := mustOpenTestRedis(t, addr)
	s := mustNewRedisStatus(t, rdb, randomNamespaceHex(t))
	ctx := context.Background()

	on, err := s.IsOnline(ctx, "u-1")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if on {
		t.Fatal("expected u-1 offline before mark")
	}

	if err := s.MarkOnline(ctx, "u-1", "ident-1"); err != nil {
		t.Fatalf("mark online: %v", err)
	}
	on, err = s.IsOnline(ctx, "u-1")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !on {
		t.Fatal("expected u-1 online after mark")
	}

	e, ok, err := s.Get(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected entry for u-1")
	}
	if e.CharaIdent != "ident-1" || e.InstanceID != "test-instance" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	if err := s.MarkOffline(ctx, "u-1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if err := s.MarkOffline(ctx, "u-1"); err != nil {
		t.Fatalf("second mark offline: %v", err)
	}
	on, err = s.IsOnline(ctx, "u-1")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if on {
		t.Fatal("expected u-1 offline after mark offline")
	}
}

func TestRedisStatusStoreTTLAndRefresh(t *testing.T) {
	t.Parallel()

	addr := redisAddrOrSkip(t)
	rdb := mustOpenTestRedis(t, addr)
	s := mustNewRedisStatus(t, rdb, randomNamespaceHex(t), WithStatusTTL(1500*time.Millisecond))
	ctx := context.Background()

	if err := s.MarkOnline(ctx, "u-ttl", "ident"); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	// Refresh past the original deadline keeps the entry alive.
	time.Sleep(900 * time.Millisecond)
	if err := s.Refresh(ctx, "u-ttl"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	time.Sleep(900 * time.Millisecond)
	on, err := s.IsOnline(ctx, "u-ttl")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if !on {
		t.Fatal("expected refreshed entry to still be online")
	}

	// Without refreshes the entry expires on its own.
	time.Sleep(2 * time.Second)
	on, err = s.IsOnline(ctx, "u-ttl")
	if err != nil {
		t.Fatalf("is online: %v", err)
	}
	if on {
		t.Fatal("expected entry to expire after ttl")
	}

	// Refreshing an expired entry is a noop, not an error.
	if err := s.Refresh(ctx, "u-ttl"); err != nil {
		t.Fatalf("refresh expired: %v", err)
	}
}

func TestRedisStatusStoreCountScopedToNamespace(t *testing.T) {
	t.Parallel()

	addr := redisAddrOrSkip(t)
	rdb := mustOpenTestRedis(t, addr)
	a := mustNewRedisStatus(t, rdb, randomNamespaceHex(t))
	b := mustNewRedisStatus(t, rdb, randomNamespaceHex(t))
	ctx := context.Background()

	for _, uid := range []string{"u-1", "u-2", "u-3"} {
		if err := a.MarkOnline(ctx, uid, "ident-"+uid); err != nil {
			t.Fatalf("mark online %s: %v", uid, err)
		}
	}
	if err := b.MarkOnline(ctx, "other", "ident-other"); err != nil {
		t.Fatalf("mark online other: %v", err)
	}

	n, err := a.CountOnline(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("count = %d, want 3", n)
	}
	n, err = b.CountOnline(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
