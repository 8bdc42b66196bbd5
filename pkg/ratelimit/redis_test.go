package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiterCountsAcrossCalls(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedis(client, time.Minute)
	key := Key{Caller: "10.0.0.9", Category: CategoryAuth}

	for i := 1; i <= 20; i++ {
		d := l.Allow(key, 20)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed: %+v", i, d)
		}
	}
	d := l.Allow(key, 20)
	if d.Allowed {
		t.Fatalf("request 21 should be denied: %+v", d)
	}
	if d.Count != 21 {
		t.Fatalf("expected shared count 21, got %d", d.Count)
	}
}

func TestRedisLimiterWindowExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client, time.Minute)
	key := Key{Caller: "10.0.0.9", Category: CategoryAPI}

	for i := 0; i < 3; i++ {
		l.Allow(key, 3)
	}
	if d := l.Allow(key, 3); d.Allowed {
		t.Fatalf("expected denial at limit: %+v", d)
	}

	mr.FastForward(61 * time.Second)
	d := l.Allow(key, 3)
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window after expiry: %+v", d)
	}
}

func TestRedisLimiterSharedBetweenInstances(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewRedis(client, time.Minute)
	b := NewRedis(client, time.Minute)
	key := Key{Caller: "10.0.0.9", Category: CategoryAPI}

	a.Allow(key, 2)
	b.Allow(key, 2)
	if d := a.Allow(key, 2); d.Allowed {
		t.Fatalf("two instances should share one budget: %+v", d)
	}
}

func TestRedisLimiterFallsBackWhenRedisDown(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedis(client, time.Minute)
	mr.Close()

	key := Key{Caller: "10.0.0.9", Category: CategoryAuth}
	for i := 1; i <= 2; i++ {
		d := l.Allow(key, 2)
		if !d.Allowed {
			t.Fatalf("fallback request %d should be allowed: %+v", i, d)
		}
	}
	if d := l.Allow(key, 2); d.Allowed {
		t.Fatalf("fallback must still enforce the limit: %+v", d)
	}
}

func TestRedisLimiterNilClientUsesFallback(t *testing.T) {
	l := NewRedis(nil, time.Minute)
	key := Key{Caller: "10.0.0.9", Category: CategoryAPI}
	if d := l.Allow(key, 1); !d.Allowed {
		t.Fatalf("first request through fallback should pass: %+v", d)
	}
	if d := l.Allow(key, 1); d.Allowed {
		t.Fatalf("second request should be denied by fallback: %+v", d)
	}
}
