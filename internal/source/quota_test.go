package source

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestQuotaLimiter_DailyBudgetRedis(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	q := NewQuotaLimiter("gpxz_api", 0, 3, client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, reason := q.Allow(ctx); !ok {
			t.Fatalf("call %d should be allowed, got %q", i+1, reason)
		}
	}
	ok, reason := q.Allow(ctx)
	if ok {
		t.Fatal("fourth call should exceed the daily budget")
	}
	if reason != "daily quota exhausted" {
		t.Errorf("reason = %q", reason)
	}
}

func TestQuotaLimiter_MidnightReset(t *testing.T) {
	q := NewQuotaLimiter("gpxz_api", 0, 1, nil)
	day := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	q.now = func() time.Time { return day }

	if ok, _ := q.Allow(context.Background()); !ok {
		t.Fatal("first call allowed")
	}
	if ok, _ := q.Allow(context.Background()); ok {
		t.Fatal("budget exhausted before midnight")
	}

	day = day.Add(2 * time.Minute) // past midnight UTC
	if ok, _ := q.Allow(context.Background()); !ok {
		t.Fatal("budget must reset at midnight UTC")
	}
}

func TestQuotaLimiter_RedisDownFallsBack(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	q := NewQuotaLimiter("google_api", 0, 2, client)
	ctx := context.Background()

	mr.Close() // Redis goes away; the limiter must keep limiting locally.
	for i := 0; i < 2; i++ {
		if ok, _ := q.Allow(ctx); !ok {
			t.Fatalf("call %d should fall back to the local counter", i+1)
		}
	}
	if ok, _ := q.Allow(ctx); ok {
		t.Fatal("local fallback must still enforce the budget")
	}
}

func TestQuotaLimiter_RPS(t *testing.T) {
	q := NewQuotaLimiter("gpxz_api", 2, 0, nil)
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 10; i++ {
		if ok, _ := q.Allow(ctx); ok {
			allowed++
		}
	}
	// Burst of 2 tokens, no refill to speak of inside the loop.
	if allowed < 1 || allowed > 3 {
		t.Errorf("allowed %d calls from a 2 rps bucket", allowed)
	}
}

func TestQuotaLimiter_Remaining(t *testing.T) {
	q := NewQuotaLimiter("gpxz_api", 0, 5, nil)
	ctx := context.Background()

	if r := q.Remaining(ctx); r != 5 {
		t.Errorf("untouched budget remaining = %d", r)
	}
	q.Allow(ctx)
	q.Allow(ctx)
	if r := q.Remaining(ctx); r != 3 {
		t.Errorf("remaining after 2 calls = %d", r)
	}

	var unlimited *QuotaLimiter
	if r := unlimited.Remaining(ctx); r != -1 {
		t.Errorf("nil limiter remaining = %d", r)
	}
}

func TestReadGate(t *testing.T) {
	g := NewReadGate(1, 1)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// One waiter fits the queue; it completes once the slot frees.
	done := make(chan error, 1)
	go func() { done <- g.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)

	// The queue is now full: an extra caller is rejected immediately.
	start := time.Now()
	err := g.Acquire(ctx)
	if err == nil {
		t.Fatal("expected overloaded rejection")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("overload rejection must be immediate, not queued")
	}

	g.Release()
	if err := <-done; err != nil {
		t.Fatalf("queued waiter: %v", err)
	}
	g.Release()
}
