package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 5 * time.Second}

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "u1", rule)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("Allow #%d: expected allowed", i)
		}
		if d.Remaining != 3-i {
			t.Errorf("Allow #%d: Remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d, err := l.Allow(ctx, "u1", rule)
	if err != nil {
		t.Fatalf("Allow #4: %v", err)
	}
	if d.Allowed {
		t.Error("Allow #4: expected rate limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > rule.Window {
		t.Errorf("Allow #4: RetryAfter = %v, want within (0, %v]", d.RetryAfter, rule.Window)
	}

	// Other identifiers keep their own window.
	if d, _ := l.Allow(ctx, "u2", rule); !d.Allowed {
		t.Error("expected u2 to be allowed")
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:rem:", Limit: 2, Window: 5 * time.Second}

	n, err := l.Remaining(ctx, "u1", rule)
	if err != nil || n != 2 {
		t.Fatalf("Remaining before use = %d, %v; want 2", n, err)
	}

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "u1", rule)
	}
	n, err = l.Remaining(ctx, "u1", rule)
	if err != nil || n != 0 {
		t.Errorf("Remaining after exceeding = %d, %v; want 0", n, err)
	}
}

func TestAllow_WindowExpires(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:exp:", Limit: 1, Window: 5 * time.Second}

	if _, err := l.Allow(ctx, "u1", rule); err != nil {
		t.Fatalf("Allow: %v", err)
	}
	ttl, err := client.PTTL(ctx, rule.Key+"u1").Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("counter TTL = %v, want within (0, %v]", ttl, rule.Window)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1", // nothing listens here
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	d, err := NewLimiter(client).Allow(context.Background(), "u1", RuleSend)
	if err == nil {
		t.Fatal("expected redis error")
	}
	if !d.Allowed {
		t.Error("expected limiter to fail open")
	}
}
