package source

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/raster"
	"github.com/summitline/terrain/internal/selector"
)

// ReadGate bounds in-flight object-storage reads across the whole process.
// Up to capacity reads run at once; up to queueLen more wait; anything
// beyond is rejected immediately with overloaded rather than queued
// indefinitely.
type ReadGate struct {
	slots    chan struct{}
	queueLen int32
	waiting  int32
}

// NewReadGate creates a gate with the given concurrency cap and bounded
// wait queue.
func NewReadGate(capacity, queueLen int) *ReadGate {
	if capacity <= 0 {
		capacity = 64
	}
	if queueLen < 0 {
		queueLen = 0
	}
	return &ReadGate{
		slots:    make(chan struct{}, capacity),
		queueLen: int32(queueLen),
	}
}

// Acquire takes a slot, waiting in the bounded queue if necessary.
func (g *ReadGate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}

	if atomic.AddInt32(&g.waiting, 1) > g.queueLen {
		atomic.AddInt32(&g.waiting, -1)
		return errs.New(errs.KindOverloaded, "object read queue full")
	}
	defer atomic.AddInt32(&g.waiting, -1)

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.KindTimeout, ctx.Err(), "waiting for read slot")
	}
}

// Release returns a slot.
func (g *ReadGate) Release() {
	<-g.slots
}

// S3Tier samples campaign rasters selected from the unified index. Its
// source ids are campaign ids, so two points served by the same tier can
// still name different surveys.
type S3Tier struct {
	selector   *selector.Selector
	datasets   *raster.DatasetCache
	transforms *geo.TransformerCache
	gate       *ReadGate
}

// NewS3Tier wires the raster tier. gate may be nil (unbounded reads, used
// in tests).
func NewS3Tier(sel *selector.Selector, datasets *raster.DatasetCache, transforms *geo.TransformerCache, gate *ReadGate) *S3Tier {
	return &S3Tier{selector: sel, datasets: datasets, transforms: transforms, gate: gate}
}

// ID implements Tier.
func (t *S3Tier) ID() string { return "s3" }

// Attempt tries the selector's candidates best-first. A raster missing
// from the bucket is dropped from this request and the cache; access
// failures are permanent (they trip the breaker); every candidate yielding
// nodata or out-of-raster is a Miss that sends the chain to the APIs.
func (t *S3Tier) Attempt(ctx context.Context, lat, lon float64) Outcome {
	candidates, err := t.selector.Select(lat, lon)
	if err != nil {
		return outcomeFromError(err, "selector failed")
	}
	if len(candidates) == 0 {
		// Falling through on empty coverage is not an S3 failure.
		return Skip("no s3 coverage")
	}

	var bytesRead int64
	for _, cand := range candidates {
		if ctx.Err() != nil {
			return Retriable(errs.Wrap(errs.KindTimeout, ctx.Err(), "s3 tier cancelled"), "cancelled")
		}

		v, meta, err := t.sampleCandidate(ctx, cand, lat, lon)
		bytesRead += meta.BytesRead
		if err != nil {
			switch errs.KindOf(err) {
			case errs.KindRasterMissing:
				slog.Warn("raster dropped from bucket, excluding from request",
					"path", cand.File.Path, "campaign", cand.Campaign.ID)
				t.datasets.Remove(cand.File.Path)
				continue
			case errs.KindUnsupportedCRS:
				slog.Warn("raster with unsupported CRS excluded",
					"path", cand.File.Path, "error", err)
				continue
			case errs.KindRasterAccess:
				out := Permanent(err, "bucket access denied")
				out.BytesRead = bytesRead
				return out
			case errs.KindOverloaded:
				out := Permanent(err, "object read queue full")
				out.BytesRead = bytesRead
				return out
			default:
				out := outcomeFromError(err, "raster read failed")
				out.BytesRead = bytesRead
				return out
			}
		}
		if v != nil {
			out := Hit(*v, cand.Campaign.ID, bytesRead)
			return out
		}
		// nodata or out_of_raster: try the next candidate.
	}

	out := Miss("covered but no data at point")
	out.BytesRead = bytesRead
	return out
}

func (t *S3Tier) sampleCandidate(ctx context.Context, cand selector.Candidate, lat, lon float64) (*float64, raster.SampleMeta, error) {
	if t.gate != nil {
		if err := t.gate.Acquire(ctx); err != nil {
			return nil, raster.SampleMeta{}, err
		}
		defer t.gate.Release()
	}

	h, err := t.datasets.Open(cand.File.Path)
	if err != nil {
		return nil, raster.SampleMeta{}, err
	}
	return h.SamplePoint(ctx, t.transforms, lat, lon)
}
