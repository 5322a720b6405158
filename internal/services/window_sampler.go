package services

import (
	"context"

	"github.com/summitline/terrain/internal/geo"
	"github.com/summitline/terrain/internal/raster"
	"github.com/summitline/terrain/internal/selector"
)

// RasterWindowSampler serves polygon grid requests from the best campaign
// raster covering the area. The source is chosen once, at the bounding
// box centroid, the same way a point query would choose it; polygon
// requests do not fall through to the external APIs.
type RasterWindowSampler struct {
	selector   *selector.Selector
	datasets   *raster.DatasetCache
	transforms *geo.TransformerCache
}

// NewRasterWindowSampler wires the polygon sampling path.
func NewRasterWindowSampler(sel *selector.Selector, datasets *raster.DatasetCache, transforms *geo.TransformerCache) *RasterWindowSampler {
	return &RasterWindowSampler{selector: sel, datasets: datasets, transforms: transforms}
}

// SampleGrid implements WindowSampler. A nil grid with nil error means no
// raster covers the area.
func (w *RasterWindowSampler) SampleGrid(ctx context.Context, b geo.Bounds, strideM float64) (*GridSample, string, error) {
	centerLat := (b.MinLat + b.MaxLat) / 2
	centerLon := (b.MinLon + b.MaxLon) / 2

	candidates, err := w.selector.Select(centerLat, centerLon)
	if err != nil {
		return nil, "", err
	}
	if len(candidates) == 0 {
		return nil, "", nil
	}
	best := candidates[0]

	h, err := w.datasets.Open(best.File.Path)
	if err != nil {
		return nil, "", err
	}

	if strideM <= 0 {
		strideM = h.PixelSizeM
	}
	grid, err := h.SampleWindow(ctx, w.transforms, b, strideM)
	if err != nil {
		return nil, "", err
	}
	return &GridSample{
		Lats:    grid.Lats,
		Lons:    grid.Lons,
		Values:  grid.Values,
		Rows:    grid.Rows,
		Cols:    grid.Cols,
		StrideM: strideM,
	}, best.Campaign.ID, nil
}
