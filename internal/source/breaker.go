package source

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker is a per-tier circuit breaker. It opens after a run of
// consecutive permanent failures, then lets a single probe through once the
// cooldown elapses; the probe's result closes or re-opens it. Each tier
// owns its breaker - no shared or global breaker state.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	consecutive int
	openUntil   time.Time
	probing     bool
	sourceID    string
}

// NewBreaker creates a breaker that opens after threshold consecutive
// permanent failures and half-opens after cooldown.
func NewBreaker(sourceID string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		sourceID:  sourceID,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. While open, the first call
// after the cooldown is admitted as the half-open probe; everyone else is
// turned away until the probe reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if b.now().Before(b.openUntil) {
		return false
	}
	if b.probing {
		return false
	}
	b.probing = true
	return true
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := !b.openUntil.IsZero()
	b.consecutive = 0
	b.openUntil = time.Time{}
	b.probing = false
	if wasOpen {
		slog.Info("circuit breaker closed", "source_id", b.sourceID)
	}
}

// RecordFailure counts a permanent failure, opening the breaker at the
// threshold or re-opening after a failed probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	if b.probing || b.consecutive >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.probing = false
		slog.Warn("circuit breaker open",
			"source_id", b.sourceID,
			"consecutive_failures", b.consecutive,
			"cooldown", b.cooldown,
		)
	}
}

// Open reports whether the breaker currently rejects attempts.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && b.now().Before(b.openUntil)
}
