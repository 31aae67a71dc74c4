package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newTestRedisClient(t *testing.T) *goredis.Client {
	t.Helper()

	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestNewRedisRateLimiter(t *testing.T) {
	t.Parallel()

	t.Run("requires client", func(t *testing.T) {
		t.Parallel()

		if _, err := NewRedisRateLimiter(nil, 10); err == nil {
			t.Fatal("expected error for nil client")
		}
	})

	t.Run("defaults non positive limit", func(t *testing.T) {
		t.Parallel()

		limiter, err := NewRedisRateLimiter(newTestRedisClient(t), 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if limiter.limitPerSec != defaultLimitPerSec {
			t.Fatalf("expected default limit %d, got %d", defaultLimitPerSec, limiter.limitPerSec)
		}
	})
}

func TestRedisRateLimiterAllow(t *testing.T) {
	t.Parallel()

	t.Run("allows under limit and denies over it", func(t *testing.T) {
		t.Parallel()

		fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		limiter, err := newRedisRateLimiter(newTestRedisClient(t), 2, func() time.Time { return fixed }, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()
		for i := 0; i < 2; i++ {
			allowed, err := limiter.Allow(ctx, "EMAIL")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !allowed {
				t.Fatalf("expected call %d to be allowed", i+1)
			}
		}

		allowed, err := limiter.Allow(ctx, "EMAIL")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if allowed {
			t.Fatal("expected third call to be denied")
		}
	})

	t.Run("buckets are per channel", func(t *testing.T) {
		t.Parallel()

		fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		limiter, err := newRedisRateLimiter(newTestRedisClient(t), 1, func() time.Time { return fixed }, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); !allowed {
			t.Fatal("expected first email call to be allowed")
		}
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); allowed {
			t.Fatal("expected second email call to be denied")
		}
		if allowed, _ := limiter.Allow(ctx, "BOT_MESSAGING"); !allowed {
			t.Fatal("expected bot channel to have its own bucket")
		}
	})

	t.Run("new second resets the bucket", func(t *testing.T) {
		t.Parallel()

		current := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		limiter, err := newRedisRateLimiter(newTestRedisClient(t), 1, func() time.Time { return current }, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); !allowed {
			t.Fatal("expected first call to be allowed")
		}
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); allowed {
			t.Fatal("expected second call to be denied")
		}

		limiter.now = func() time.Time { return current.Add(time.Second) }
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); !allowed {
			t.Fatal("expected next-second call to be allowed")
		}
	})

	t.Run("rejects empty channel", func(t *testing.T) {
		t.Parallel()

		limiter, err := NewRedisRateLimiter(newTestRedisClient(t), 1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if _, err := limiter.Allow(context.Background(), "  "); err == nil {
			t.Fatal("expected error for empty channel")
		}
	})
}

func TestRedisRateLimiterWait(t *testing.T) {
	t.Parallel()

	t.Run("returns once allowed", func(t *testing.T) {
		t.Parallel()

		current := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		var limiter *RedisRateLimiter
		sleeps := 0
		sleepFn := func(ctx context.Context, d time.Duration) error {
			sleeps++
			limiter.now = func() time.Time { return current.Add(time.Second) }
			return nil
		}

		limiter, err := newRedisRateLimiter(newTestRedisClient(t), 1, func() time.Time { return current }, sleepFn)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); !allowed {
			t.Fatal("expected first call to be allowed")
		}
		if err := limiter.Wait(ctx, "EMAIL"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if sleeps != 1 {
			t.Fatalf("expected 1 sleep, got %d", sleeps)
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		t.Parallel()

		fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
		limiter, err := newRedisRateLimiter(newTestRedisClient(t), 1, func() time.Time { return fixed }, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		if allowed, _ := limiter.Allow(ctx, "EMAIL"); !allowed {
			t.Fatal("expected first call to be allowed")
		}
		cancel()

		if err := limiter.Wait(ctx, "EMAIL"); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
