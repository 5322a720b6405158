// Package services implements the elevation query façade: the operations
// the HTTP layer calls. Orchestration lives here - validation, coalescing,
// chunked fan-in, result caching - while all I/O happens inside the source
// chain and the raster layer.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/summitline/terrain/internal/cache"
	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/models"
	"github.com/summitline/terrain/internal/monitor"
	"github.com/summitline/terrain/internal/source"
)

const (
	// DefaultRequestDeadline is the total budget applied when the caller's
	// context carries none.
	DefaultRequestDeadline = 3 * time.Second

	// MaxPathPoints bounds one path request.
	MaxPathPoints = 10000
	// pathChunkSize is the fan-in unit for path queries.
	pathChunkSize = 128
	// DefaultPathParallelism caps chunks in flight.
	DefaultPathParallelism = 8

	// coalesceTTL is the in-flight sample micro-cache window. Identical
	// points arriving within it share one chain execution.
	coalesceTTL = 10 * time.Millisecond

	// DefaultPolygonMaxPoints caps polygon sampling when the request does
	// not say otherwise.
	DefaultPolygonMaxPoints = 50000
	polygonMaxPointsCeiling = 200000
)

// Querier is the interface the HTTP layer consumes.
type Querier interface {
	PointAt(ctx context.Context, lat, lon float64) (models.PointResult, error)
	AlongLine(ctx context.Context, req models.LineRequest) (models.LineResult, error)
	AtPath(ctx context.Context, req models.PathRequest) (models.PathResult, error)
	InPolygon(ctx context.Context, req models.PolygonRequest) (models.PolygonResult, error)
}

// WindowSampler abstracts the raster window path used for polygon queries.
type WindowSampler interface {
	SampleGrid(ctx context.Context, b geo.Bounds, strideM float64) (*GridSample, string, error)
}

// GridSample is a window result in service terms.
type GridSample struct {
	Lats, Lons []float64
	Values     []float64 // NaN = no data
	Rows, Cols int
	StrideM    float64
}

// ElevationService is the concrete façade.
type ElevationService struct {
	chain   *source.Chain
	monitor *monitor.Monitor
	cache   *cache.Cache  // may be nil
	windows WindowSampler // may be nil

	deadline    time.Duration
	parallelism int

	sf     singleflight.Group
	mu     sync.Mutex
	recent map[string]recentEntry
}

type recentEntry struct {
	res source.Result
	at  time.Time
}

// Option configures the service.
type Option func(*ElevationService)

// WithCache attaches the Redis result cache.
func WithCache(c *cache.Cache) Option {
	return func(s *ElevationService) { s.cache = c }
}

// WithWindowSampler attaches the raster window path for polygon queries.
func WithWindowSampler(w WindowSampler) Option {
	return func(s *ElevationService) { s.windows = w }
}

// WithRequestDeadline overrides the default total budget.
func WithRequestDeadline(d time.Duration) Option {
	return func(s *ElevationService) {
		if d > 0 {
			s.deadline = d
		}
	}
}

// WithPathParallelism overrides the chunk fan-in cap.
func WithPathParallelism(n int) Option {
	return func(s *ElevationService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// New creates the façade over a source chain.
func New(chain *source.Chain, m *monitor.Monitor, opts ...Option) *ElevationService {
	s := &ElevationService{
		chain:       chain,
		monitor:     m,
		deadline:    DefaultRequestDeadline,
		parallelism: DefaultPathParallelism,
		recent:      make(map[string]recentEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PointAt resolves one point. Invalid coordinates and overload surface as
// errors; every other failure degrades to a null elevation with a message.
func (s *ElevationService) PointAt(ctx context.Context, lat, lon float64) (models.PointResult, error) {
	p := geo.Point{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return models.PointResult{}, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var res source.Result
	err := s.monitor.Track("point", func() error {
		res = s.resolve(ctx, lat, lon)
		return res.Err
	})
	if err != nil {
		if errs.Is(err, errs.KindOverloaded) {
			return models.PointResult{}, err
		}
		// Anything else was already folded into a null result.
	}
	return s.toPointResult(lat, lon, res), nil
}

// resolve runs the coalesced chain lookup for one point.
func (s *ElevationService) resolve(ctx context.Context, lat, lon float64) source.Result {
	key := fmt.Sprintf("%.6f,%.6f", lat, lon)

	// Micro-cache: identical points inside the coalescing window share the
	// previous answer without touching the chain.
	s.mu.Lock()
	if e, ok := s.recent[key]; ok && time.Since(e.at) < coalesceTTL {
		s.mu.Unlock()
		return e.res
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		res := s.lookup(ctx, lat, lon)

		s.mu.Lock()
		s.pruneLocked()
		s.recent[key] = recentEntry{res: res, at: time.Now()}
		s.mu.Unlock()
		return res, nil
	})
	if err != nil {
		// The closure never returns an error; singleflight contract only.
		return source.Result{SourceID: "none", Message: err.Error()}
	}
	res := v.(source.Result)
	if ctx.Err() != nil && res.Elevation == nil && res.SourceID != "cancelled" {
		// This caller's deadline expired while sharing another flight.
		res = source.Result{SourceID: "cancelled", Message: "request cancelled"}
	}
	return res
}

// lookup consults the Redis cache, then the chain.
func (s *ElevationService) lookup(ctx context.Context, lat, lon float64) source.Result {
	if s.cache != nil {
		if entry, err := s.cache.GetPoint(ctx, lat, lon); err == nil && entry != nil {
			return source.Result{
				Elevation: entry.ElevationM,
				SourceID:  entry.SourceID,
				Message:   entry.Message,
			}
		}
	}

	res := s.chain.Query(ctx, lat, lon)

	if s.cache != nil && res.Err == nil && res.SourceID != "cancelled" && res.SourceID != "overloaded" {
		if err := s.cache.SetPoint(ctx, lat, lon, &cache.PointEntry{
			ElevationM: res.Elevation,
			SourceID:   res.SourceID,
			Message:    res.Message,
		}); err != nil {
			slog.Debug("elevation cache set failed", "error", err)
		}
	}
	return res
}

// pruneLocked drops stale micro-cache entries; called with the mutex held.
func (s *ElevationService) pruneLocked() {
	if len(s.recent) < 1024 {
		return
	}
	cutoff := time.Now().Add(-coalesceTTL)
	for k, e := range s.recent {
		if e.at.Before(cutoff) {
			delete(s.recent, k)
		}
	}
}

// AlongLine samples n points along the great circle between two points.
func (s *ElevationService) AlongLine(ctx context.Context, req models.LineRequest) (models.LineResult, error) {
	if req.NumPoints < 2 {
		return models.LineResult{}, errs.Newf(errs.KindInvalidInput, "num_points %d below minimum 2", req.NumPoints)
	}
	if req.NumPoints > MaxPathPoints {
		return models.LineResult{}, errs.Newf(errs.KindInvalidInput, "num_points %d exceeds maximum %d", req.NumPoints, MaxPathPoints)
	}
	start := geo.Point{Lat: req.Start.Latitude, Lon: req.Start.Longitude}
	end := geo.Point{Lat: req.End.Latitude, Lon: req.End.Longitude}
	if err := start.Validate(); err != nil {
		return models.LineResult{}, err
	}
	if err := end.Validate(); err != nil {
		return models.LineResult{}, err
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	pts := geo.GreatCircleLine(start, end, req.NumPoints)
	var results []models.PointResult
	err := s.monitor.Track("line", func() error {
		var err error
		results, err = s.samplePoints(ctx, pts)
		return err
	})
	if err != nil {
		return models.LineResult{}, err
	}
	return models.LineResult{Points: results, CRS: models.CRSWGS84}, nil
}

// AtPath samples every input vertex, preserving order. Different points may
// resolve to different sources; each result names its own.
func (s *ElevationService) AtPath(ctx context.Context, req models.PathRequest) (models.PathResult, error) {
	if len(req.Points) == 0 {
		return models.PathResult{}, errs.New(errs.KindInvalidInput, "path has no points")
	}
	if len(req.Points) > MaxPathPoints {
		return models.PathResult{}, errs.Newf(errs.KindInvalidInput, "path of %d points exceeds maximum %d", len(req.Points), MaxPathPoints)
	}
	pts := make([]geo.Point, len(req.Points))
	for i, p := range req.Points {
		pts[i] = geo.Point{Lat: p.Latitude, Lon: p.Longitude}
		if err := pts[i].Validate(); err != nil {
			return models.PathResult{}, errs.Newf(errs.KindInvalidInput, "point %d: %v", i, err)
		}
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	var sampled []models.PointResult
	err := s.monitor.Track("path", func() error {
		var err error
		sampled, err = s.samplePoints(ctx, pts)
		return err
	})
	if err != nil {
		return models.PathResult{}, err
	}

	out := models.PathResult{
		PathElevations: make([]models.PathPointResult, len(sampled)),
		CRS:            models.CRSWGS84,
	}
	for i, r := range sampled {
		out.PathElevations[i] = models.PathPointResult{
			InputLatitude:  req.Points[i].Latitude,
			InputLongitude: req.Points[i].Longitude,
			InputID:        req.Points[i].ID,
			ElevationM:     r.ElevationM,
			Sequence:       i,
			SourceID:       r.SourceID,
			Message:        r.Message,
		}
	}
	return out, nil
}

// samplePoints fans the points out in chunks with bounded parallelism,
// reassembling results in input order. An overload from any chunk aborts
// the whole request.
func (s *ElevationService) samplePoints(ctx context.Context, pts []geo.Point) ([]models.PointResult, error) {
	results := make([]models.PointResult, len(pts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for startIdx := 0; startIdx < len(pts); startIdx += pathChunkSize {
		endIdx := min(startIdx+pathChunkSize, len(pts))
		chunk := pts[startIdx:endIdx]
		offset := startIdx

		g.Go(func() error {
			for i, p := range chunk {
				if gctx.Err() != nil {
					results[offset+i] = s.toPointResult(p.Lat, p.Lon,
						source.Result{SourceID: "cancelled", Message: "request cancelled"})
					continue
				}
				res := s.resolve(gctx, p.Lat, p.Lon)
				if errs.Is(res.Err, errs.KindOverloaded) {
					return res.Err
				}
				results[offset+i] = s.toPointResult(p.Lat, p.Lon, res)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// InPolygon grid-samples the polygon's bounding box and keeps the samples
// inside the ring, uniformly down-sampled to the point cap.
func (s *ElevationService) InPolygon(ctx context.Context, req models.PolygonRequest) (models.PolygonResult, error) {
	if len(req.Polygon) < 3 {
		return models.PolygonResult{}, errs.New(errs.KindInvalidInput, "polygon needs at least 3 vertices")
	}
	ring := make([]geo.Point, len(req.Polygon))
	for i, c := range req.Polygon {
		ring[i] = geo.Point{Lat: c.Latitude, Lon: c.Longitude}
		if err := ring[i].Validate(); err != nil {
			return models.PolygonResult{}, errs.Newf(errs.KindInvalidInput, "vertex %d: %v", i, err)
		}
	}
	maxPoints := req.MaxPoints
	if maxPoints <= 0 {
		maxPoints = DefaultPolygonMaxPoints
	}
	if maxPoints > polygonMaxPointsCeiling {
		return models.PolygonResult{}, errs.Newf(errs.KindInvalidInput, "max_points %d exceeds ceiling %d", maxPoints, polygonMaxPointsCeiling)
	}
	if s.windows == nil {
		return models.PolygonResult{}, errs.New(errs.KindInvalidInput, "polygon sampling not available: no raster coverage configured")
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	out := models.PolygonResult{CRS: models.CRSWGS84, SourceID: "none"}
	err := s.monitor.Track("polygon", func() error {
		bounds := geo.PolygonBounds(ring)
		grid, sourceID, err := s.windows.SampleGrid(ctx, bounds, req.SamplingIntervalM)
		if err != nil {
			return err
		}
		if grid == nil {
			out.Message = "no raster coverage for polygon area"
			return nil
		}
		out.SourceID = sourceID
		out.SamplingIntervalM = grid.StrideM
		out.GridPoints = grid.Rows * grid.Cols

		var kept []models.PolygonPoint
		for r := 0; r < grid.Rows; r++ {
			for c := 0; c < grid.Cols; c++ {
				v := grid.Values[r*grid.Cols+c]
				if v != v { // NaN
					continue
				}
				p := geo.Point{Lat: grid.Lats[r], Lon: grid.Lons[c]}
				if !geo.PointInPolygon(p, ring) {
					continue
				}
				kept = append(kept, models.PolygonPoint{
					Latitude:   p.Lat,
					Longitude:  p.Lon,
					ElevationM: v,
				})
			}
		}
		out.Points, out.Truncated = downsample(kept, maxPoints)
		out.TotalPoints = len(out.Points)
		return nil
	})
	if err != nil {
		if errs.Is(err, errs.KindInvalidInput) || errs.Is(err, errs.KindOverloaded) {
			return models.PolygonResult{}, err
		}
		out.Message = err.Error()
		return out, nil
	}
	return out, nil
}

// downsample keeps at most maxPoints samples, evenly strided so the
// retained set stays spatially balanced across the row-major grid order.
func downsample(pts []models.PolygonPoint, maxPoints int) ([]models.PolygonPoint, bool) {
	if len(pts) <= maxPoints {
		return pts, false
	}
	out := make([]models.PolygonPoint, 0, maxPoints)
	step := float64(len(pts)) / float64(maxPoints)
	for i := 0; i < maxPoints; i++ {
		out = append(out, pts[int(float64(i)*step)])
	}
	return out, true
}

func (s *ElevationService) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.deadline)
}

func (s *ElevationService) toPointResult(lat, lon float64, res source.Result) models.PointResult {
	return models.PointResult{
		Latitude:   lat,
		Longitude:  lon,
		ElevationM: res.Elevation,
		CRS:        models.CRSWGS84,
		SourceID:   res.SourceID,
		Message:    res.Message,
	}
}
