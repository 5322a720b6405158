package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewWithClient(client)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestPointRoundTrip(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	elev := 27.5
	err := c.SetPoint(ctx, -27.4698, 153.0251, &PointEntry{
		ElevationM: &elev,
		SourceID:   "brisbane-2019",
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	entry, err := c.GetPoint(ctx, -27.4698, 153.0251)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil {
		t.Fatal("expected a hit")
	}
	if entry.ElevationM == nil || *entry.ElevationM != 27.5 {
		t.Errorf("elevation = %v", entry.ElevationM)
	}
	if entry.SourceID != "brisbane-2019" {
		t.Errorf("source = %s", entry.SourceID)
	}
	if entry.CachedAt.IsZero() {
		t.Error("cached_at not stamped")
	}
}

func TestPointMiss(t *testing.T) {
	c, _ := setupTestCache(t)
	entry, err := c.GetPoint(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("miss must not error: %v", err)
	}
	if entry != nil {
		t.Fatal("expected a miss")
	}
}

func TestNullElevationCaches(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	err := c.SetPoint(ctx, -85.0, 0.0, &PointEntry{
		SourceID: "none",
		Message:  "no s3 coverage; all APIs exhausted",
	})
	if err != nil {
		t.Fatal(err)
	}
	entry, err := c.GetPoint(ctx, -85.0, 0.0)
	if err != nil || entry == nil {
		t.Fatalf("get: %v %v", entry, err)
	}
	if entry.ElevationM != nil {
		t.Error("null elevation must stay null")
	}
	if entry.SourceID != "none" || entry.Message == "" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestKeyRounding(t *testing.T) {
	c, _ := setupTestCache(t)
	ctx := context.Background()

	elev := 1.0
	if err := c.SetPoint(ctx, -27.46980000001, 153.0251, &PointEntry{ElevationM: &elev, SourceID: "s3"}); err != nil {
		t.Fatal(err)
	}
	// Within 6-decimal rounding of the stored key.
	entry, err := c.GetPoint(ctx, -27.46980000002, 153.0251)
	if err != nil || entry == nil {
		t.Fatal("rounded keys must collide")
	}
}

func TestFlushPoints(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	elev := 1.0
	for i := 0; i < 5; i++ {
		if err := c.SetPoint(ctx, float64(i), float64(i), &PointEntry{ElevationM: &elev, SourceID: "s3"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.FlushPoints(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(mr.Keys()); got != 0 {
		t.Errorf("%d keys survived the flush", got)
	}
}

func TestTTLApplied(t *testing.T) {
	c, mr := setupTestCache(t)
	ctx := context.Background()

	elev := 1.0
	if err := c.SetPoint(ctx, 1, 2, &PointEntry{ElevationM: &elev, SourceID: "s3"}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(PointTTL + 1)
	entry, err := c.GetPoint(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Error("entry must expire after the TTL")
	}
}
