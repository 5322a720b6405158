package source

import (
	"context"
	"strings"
	"time"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/monitor"
)

// Retry backoff: 50ms base, doubling per attempt.
const (
	backoffBase   = 50 * time.Millisecond
	backoffFactor = 2
	// minTierBudget is the least remaining deadline worth starting a tier
	// attempt with.
	minTierBudget = 10 * time.Millisecond
)

// TierConfig is the per-tier execution budget.
type TierConfig struct {
	// Timeout caps a single attempt's wall time. Zero means the request
	// deadline alone applies.
	Timeout time.Duration
	// MaxAttempts bounds retries on retriable errors. Zero or one means no
	// retry.
	MaxAttempts int
	// CostPerCall is accounted per attempt that actually runs.
	CostPerCall float64
}

type tierEntry struct {
	tier    Tier
	cfg     TierConfig
	breaker *Breaker
	quota   *QuotaLimiter
}

// Chain executes tiers in order. Only a Hit stops the descent; Miss, Skip,
// PermanentErr, and exhausted retries all fall through. An all-miss chain
// is a successful null response, not an error.
type Chain struct {
	entries []tierEntry
	monitor *monitor.Monitor
}

// NewChain creates an empty chain reporting into the monitor (which may be
// nil).
func NewChain(m *monitor.Monitor) *Chain {
	return &Chain{monitor: m}
}

// Add appends a tier. breaker and quota may be nil for tiers without them
// (the raster tier has no call quota).
func (c *Chain) Add(t Tier, cfg TierConfig, breaker *Breaker, quota *QuotaLimiter) {
	c.entries = append(c.entries, tierEntry{tier: t, cfg: cfg, breaker: breaker, quota: quota})
}

// Result is the chain's answer for one point. Err is set only for
// failures the façade must surface (overload); everything else degrades to
// a null elevation with a message.
type Result struct {
	Elevation *float64
	SourceID  string
	Message   string
	Err       error
}

// Query runs the chain for a point. The context deadline is the request's
// total budget; a tier that cannot fit in what remains is skipped rather
// than started.
func (c *Chain) Query(ctx context.Context, lat, lon float64) Result {
	var msgs []string

	for _, e := range c.entries {
		if ctx.Err() != nil {
			return Result{SourceID: "cancelled", Message: "request cancelled"}
		}

		if e.breaker != nil && !e.breaker.Allow() {
			c.record(e, Skip("circuit breaker open"), 0)
			msgs = append(msgs, e.tier.ID()+": circuit breaker open")
			continue
		}
		if e.quota != nil {
			if allowed, reason := e.quota.Allow(ctx); !allowed {
				c.record(e, Skip(reason), 0)
				msgs = append(msgs, e.tier.ID()+": "+reason)
				continue
			}
		}
		if deadline, ok := ctx.Deadline(); ok {
			if time.Until(deadline) < minTierBudget {
				c.record(e, Skip("insufficient budget"), 0)
				msgs = append(msgs, e.tier.ID()+": insufficient budget")
				continue
			}
		}

		out, done := c.runTier(ctx, e, lat, lon)
		if done {
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			elev := out.Elevation
			return Result{Elevation: &elev, SourceID: out.SourceID}
		}
		if errs.Is(out.Err, errs.KindOverloaded) {
			// Falling through to metered APIs under overload would turn a
			// capacity problem into a billing problem; reject instead.
			return Result{SourceID: "overloaded", Message: "service overloaded", Err: out.Err}
		}
		if out.Message != "" {
			msgs = append(msgs, e.tier.ID()+": "+out.Message)
		} else if out.Err != nil {
			msgs = append(msgs, e.tier.ID()+": "+errs.KindOf(out.Err).String())
		}
	}

	if ctx.Err() != nil {
		return Result{SourceID: "cancelled", Message: "request cancelled"}
	}
	return Result{SourceID: "none", Message: strings.Join(msgs, "; ")}
}

// runTier executes one tier with its retry budget. done is true on Hit.
func (c *Chain) runTier(ctx context.Context, e tierEntry, lat, lon float64) (Outcome, bool) {
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		attemptCtx := ctx
		cancel := func() {}
		if e.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		}
		start := time.Now()
		out := e.tier.Attempt(attemptCtx, lat, lon)
		cancel()
		c.record(e, out, time.Since(start))

		switch out.Kind {
		case OutcomeHit:
			return out, true
		case OutcomeMiss:
			if e.breaker != nil {
				e.breaker.RecordSuccess()
			}
			return out, false
		case OutcomeSkip:
			return out, false
		case OutcomePermanent:
			// Overload is backpressure, not tier health; it must not open
			// the breaker.
			if e.breaker != nil && !errs.Is(out.Err, errs.KindOverloaded) {
				e.breaker.RecordFailure()
			}
			return out, false
		case OutcomeRetriable:
			if attempt >= maxAttempts {
				return out, false
			}
			delay := backoffDelay(attempt)
			if out.RetryAfter > delay {
				delay = out.RetryAfter
			}
			if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay+minTierBudget {
				out.Message = "retry does not fit remaining budget"
				return out, false
			}
			select {
			case <-ctx.Done():
				return out, false
			case <-time.After(delay):
			}
		default:
			return out, false
		}
	}
}

func (c *Chain) record(e tierEntry, out Outcome, d time.Duration) {
	if c.monitor == nil {
		return
	}
	sourceID := out.SourceID
	if sourceID == "" {
		sourceID = e.tier.ID()
	}
	a := monitor.Attempt{
		SourceID:  sourceID,
		Outcome:   out.Kind.String(),
		Duration:  d,
		BytesRead: out.BytesRead,
	}
	if out.Err != nil {
		a.ErrorKind = errs.KindOf(out.Err).String()
	}
	if out.Kind != OutcomeSkip {
		a.Cost = e.cfg.CostPerCall
	}
	c.monitor.RecordAttempt(a)
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	return d
}
