package source

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// QuotaLimiter enforces the two API-tier limits: a per-second token bucket
// and a hard daily call budget that resets at midnight UTC. Exceeding
// either skips the tier for this request - calls are never queued against
// a quota.
//
// The daily counter lives in Redis when a client is configured, so every
// replica draws from the same budget; without Redis (or when Redis
// misbehaves) an in-process counter takes over, matching the graceful
// degradation the rest of the service applies to Redis outages.
type QuotaLimiter struct {
	sourceID string
	rps      *rate.Limiter
	daily    int64
	redis    *redis.Client
	now      func() time.Time

	mu       sync.Mutex
	localDay string
	localN   int64
}

// incrDailyScript bumps the day's counter and pins its expiry to the next
// midnight UTC in one atomic step.
var incrDailyScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIREAT', KEYS[1], ARGV[1])
	end
	return count
`)

// NewQuotaLimiter creates a limiter. rps <= 0 disables the token bucket;
// daily <= 0 disables the daily budget; redisClient may be nil.
func NewQuotaLimiter(sourceID string, rps float64, daily int64, redisClient *redis.Client) *QuotaLimiter {
	q := &QuotaLimiter{
		sourceID: sourceID,
		daily:    daily,
		redis:    redisClient,
		now:      time.Now,
	}
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		q.rps = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return q
}

// Allow reports whether one call may proceed. The returned reason is empty
// when allowed.
func (q *QuotaLimiter) Allow(ctx context.Context) (bool, string) {
	if q == nil {
		return true, ""
	}
	if q.rps != nil && !q.rps.Allow() {
		return false, "rate limit exceeded"
	}
	if q.daily <= 0 {
		return true, ""
	}

	day := q.now().UTC().Format("2006-01-02")
	count, err := q.incrDaily(ctx, day)
	if err != nil {
		slog.Warn("quota limiter: redis error, using in-process counter",
			"source_id", q.sourceID, "error", err)
		count = q.incrLocal(day)
	}
	if count > q.daily {
		return false, "daily quota exhausted"
	}
	return true, ""
}

func (q *QuotaLimiter) incrDaily(ctx context.Context, day string) (int64, error) {
	if q.redis == nil {
		return q.incrLocal(day), nil
	}
	key := fmt.Sprintf("quota:%s:%s", q.sourceID, day)
	midnight := q.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	res, err := incrDailyScript.Run(ctx, q.redis, []string{key}, midnight.Unix()).Result()
	if err != nil {
		return 0, err
	}
	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", res)
	}
	return count, nil
}

func (q *QuotaLimiter) incrLocal(day string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.localDay != day {
		q.localDay = day
		q.localN = 0
	}
	q.localN++
	return q.localN
}

// Remaining reports the calls left in today's budget (daily budget only;
// -1 when unlimited).
func (q *QuotaLimiter) Remaining(ctx context.Context) int64 {
	if q == nil || q.daily <= 0 {
		return -1
	}
	day := q.now().UTC().Format("2006-01-02")
	if q.redis != nil {
		key := fmt.Sprintf("quota:%s:%s", q.sourceID, day)
		if n, err := q.redis.Get(ctx, key).Int64(); err == nil {
			return max(0, q.daily-n)
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.localDay != day {
		return q.daily
	}
	return max(0, q.daily-q.localN)
}
