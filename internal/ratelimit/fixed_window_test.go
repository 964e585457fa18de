package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) *FixedWindowLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, window)
	if err != nil {
		t.Fatalf("NewFixedWindowLimiter: %v", err)
	}
	return l
}

func TestAllowWithinQuota(t *testing.T) {
	l := newTestLimiter(t, 3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("example.com") {
			t.Fatalf("request %d should be within quota", i+1)
		}
	}
	if l.Allow("example.com") {
		t.Fatal("fourth request must exceed the quota")
	}
}

func TestQuotaIsPerKey(t *testing.T) {
	l := newTestLimiter(t, 1, time.Minute)
	if !l.Allow("a.example.com") {
		t.Fatal("first host should pass")
	}
	if !l.Allow("b.example.com") {
		t.Fatal("a different host has its own quota")
	}
	if l.Allow("a.example.com") {
		t.Fatal("first host is now over quota")
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *FixedWindowLimiter
	if !l.Allow("anything") {
		t.Fatal("a nil limiter must not block")
	}
}

func TestAllowFailsClosedWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l, err := NewFixedWindowLimiter(client, "test:ratelimit", 5, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	mr.Close()
	if l.Allow("example.com") {
		t.Fatal("a broken backend must deny, not silently allow")
	}
}
