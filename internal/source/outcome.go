// Package source implements the tiered elevation source chain: campaign
// rasters in object storage first, then the external elevation APIs, each
// tier with its own timeout, retry budget, rate limits, and circuit
// breaker. Fall-through is data, not control flow: every attempt produces
// an Outcome and only a Hit stops the chain.
package source

import (
	"context"
	"time"

	"github.com/summitline/terrain/internal/errs"
)

// OutcomeKind is the uniform result classification for one tier attempt.
type OutcomeKind int

const (
	// OutcomeHit - the tier produced an elevation; the chain stops.
	OutcomeHit OutcomeKind = iota
	// OutcomeMiss - the tier is healthy but has no data at this point.
	OutcomeMiss
	// OutcomeSkip - the tier did not run (no coverage, breaker open, quota
	// exhausted, insufficient budget).
	OutcomeSkip
	// OutcomeRetriable - transient failure; retry within the tier's budget.
	OutcomeRetriable
	// OutcomePermanent - failure that retrying cannot fix.
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeSkip:
		return "skip"
	case OutcomeRetriable:
		return "retriable_err"
	case OutcomePermanent:
		return "permanent_err"
	}
	return "unknown"
}

// Outcome is the result of one tier attempt.
type Outcome struct {
	Kind      OutcomeKind
	Elevation float64 // valid only for Hit
	// SourceID names the concrete source: the campaign id for raster hits,
	// the tier id for API hits.
	SourceID string
	Message  string
	// BytesRead estimates payload fetched during the attempt.
	BytesRead int64
	// RetryAfter is a server-requested delay (rate limiting). The chain
	// honours it only when it fits the remaining request budget.
	RetryAfter time.Duration
	Err        error
}

// Hit builds a successful outcome.
func Hit(elevation float64, sourceID string, bytesRead int64) Outcome {
	return Outcome{Kind: OutcomeHit, Elevation: elevation, SourceID: sourceID, BytesRead: bytesRead}
}

// Miss reports a healthy tier with no data here.
func Miss(message string) Outcome {
	return Outcome{Kind: OutcomeMiss, Message: message}
}

// Skip reports a tier that did not run.
func Skip(message string) Outcome {
	return Outcome{Kind: OutcomeSkip, Message: message}
}

// Retriable wraps a transient failure.
func Retriable(err error, message string) Outcome {
	return Outcome{Kind: OutcomeRetriable, Err: err, Message: message}
}

// Permanent wraps a failure retrying cannot fix.
func Permanent(err error, message string) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err, Message: message}
}

// outcomeFromError classifies a pipeline error into an outcome.
func outcomeFromError(err error, message string) Outcome {
	if errs.KindOf(err).Retriable() {
		return Retriable(err, message)
	}
	return Permanent(err, message)
}

// Tier is one concrete elevation source.
type Tier interface {
	ID() string
	Attempt(ctx context.Context, lat, lon float64) Outcome
}
