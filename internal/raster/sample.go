package raster

import (
	"context"
	"math"
	"strconv"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
)

// SampleMeta describes where and how a sample was taken.
type SampleMeta struct {
	Path string
	// NativeCRS is the raster's CRS as "EPSG:nnnn".
	NativeCRS string
	// Reason is set when the returned value is nil: "out_of_raster" or
	// "nodata".
	Reason string
	// Col/Row are the sampled pixel indices (valid when Reason is empty).
	Col, Row int
	// BytesRead estimates the payload fetched for this sample.
	BytesRead int64
}

// nodataFloatTolerance scales the comparison slack for float rasters, where
// the sentinel survives format conversions imperfectly. Integer rasters
// compare exactly.
const nodataFloatTolerance = 1e-6

// SamplePoint returns the elevation of the pixel enclosing the WGS84 point,
// or nil when the point is outside the raster or the pixel is nodata.
// Nearest-neighbor by construction: the value returned is the raster-native
// measurement, never an interpolation.
func (h *Handle) SamplePoint(ctx context.Context, tc *geo.TransformerCache, lat, lon float64) (*float64, SampleMeta, error) {
	meta := SampleMeta{Path: h.Path, NativeCRS: epsgString(h.epsg)}

	if err := ctx.Err(); err != nil {
		return nil, meta, errs.Wrap(errs.KindTimeout, err, "sample cancelled")
	}

	x, y := lon, lat
	if h.epsg != geo.EPSGWGS84 {
		tr, err := tc.ToNative(h.epsg)
		if err != nil {
			return nil, meta, err
		}
		x, y, err = tr.Transform(lon, lat)
		if err != nil {
			return nil, meta, err
		}
	}

	col, row := h.pixelAt(x, y)
	if col < 0 || col >= h.sizeX || row < 0 || row >= h.sizeY {
		meta.Reason = "out_of_raster"
		return nil, meta, nil
	}
	meta.Col, meta.Row = col, row

	buf := make([]float64, 1)
	h.mu.Lock()
	err := h.band.Read(col, row, buf, 1, 1)
	h.mu.Unlock()
	if err != nil {
		return nil, meta, classifyOpenError(h.Path, err)
	}
	meta.BytesRead = 8

	v := buf[0]
	if h.isNodata(v) {
		meta.Reason = "nodata"
		return nil, meta, nil
	}
	return &v, meta, nil
}

// pixelAt maps native-CRS coordinates to the enclosing pixel. The affine
// origin is the upper-left corner of the top-left pixel, so flooring the
// fractional index lands in the pixel whose rectangle contains the point.
func (h *Handle) pixelAt(x, y float64) (col, row int) {
	return pixelFromAffine(h.gt, x, y)
}

func pixelFromAffine(gt [6]float64, x, y float64) (col, row int) {
	col = int(math.Floor((x - gt[0]) / gt[1]))
	row = int(math.Floor((y - gt[3]) / gt[5]))
	return col, row
}

// isNodata applies the sentinel comparison rule: exact for integer bands,
// relative tolerance for float bands. An undeclared sentinel matches
// nothing, so 0 stays a valid elevation.
func (h *Handle) isNodata(v float64) bool {
	return matchesNodata(v, h.nodata, h.hasNodata, h.isFloat)
}

func matchesNodata(v, nodata float64, hasNodata, isFloat bool) bool {
	if !hasNodata {
		return false
	}
	if !isFloat {
		return v == nodata
	}
	if math.IsNaN(nodata) {
		return math.IsNaN(v)
	}
	tol := nodataFloatTolerance * math.Max(1, math.Abs(nodata))
	return math.Abs(v-nodata) < tol
}

// Grid is a regular sample grid in WGS84. Values are row-major with NaN
// marking nodata or out-of-raster cells.
type Grid struct {
	Rows, Cols int
	Lats       []float64 // per row
	Lons       []float64 // per col
	Values     []float64 // Rows*Cols, NaN = no data
	BytesRead  int64
}

// Value returns the cell value and whether it holds data.
func (g *Grid) Value(row, col int) (float64, bool) {
	v := g.Values[row*g.Cols+col]
	return v, !math.IsNaN(v)
}

// maxWindowCells caps a single window request; anything bigger indicates a
// runaway stride and would stall the reader on one giant ranged read.
const maxWindowCells = 1 << 22

// SampleWindow samples the raster over a WGS84 bounding box on a regular
// grid with approximately strideM meters between samples. Nearest-neighbor:
// each output cell carries the value of its enclosing source pixel. Reads
// are batched one output row at a time so the underlying ranged GETs stay
// small and sequential.
func (h *Handle) SampleWindow(ctx context.Context, tc *geo.TransformerCache, b geo.Bounds, strideM float64) (*Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(errs.KindTimeout, err, "window sample cancelled")
	}
	if strideM <= 0 {
		strideM = h.PixelSizeM
	}
	if strideM <= 0 {
		return nil, errs.New(errs.KindUnsupportedCRS, "raster pixel size unknown: "+h.Path)
	}

	latM, lonM := geo.MetersPerDegree((b.MinLat + b.MaxLat) / 2)
	strideLat := strideM / latM
	strideLon := strideM / lonM

	rows := int((b.MaxLat-b.MinLat)/strideLat) + 1
	cols := int((b.MaxLon-b.MinLon)/strideLon) + 1
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	if rows*cols > maxWindowCells {
		return nil, errs.Newf(errs.KindInvalidInput,
			"window of %dx%d samples exceeds limit; increase the stride", rows, cols)
	}

	g := &Grid{
		Rows:   rows,
		Cols:   cols,
		Lats:   make([]float64, rows),
		Lons:   make([]float64, cols),
		Values: make([]float64, rows*cols),
	}
	for r := 0; r < rows; r++ {
		g.Lats[r] = b.MaxLat - float64(r)*strideLat
	}
	for c := 0; c < cols; c++ {
		g.Lons[c] = b.MinLon + float64(c)*strideLon
	}

	// Project the sample grid's corners into the raster CRS to find the
	// source column span.
	var tr *geo.Transformer
	if h.epsg != geo.EPSGWGS84 {
		var err error
		tr, err = tc.ToNative(h.epsg)
		if err != nil {
			return nil, err
		}
	}
	xs := []float64{b.MinLon, b.MinLon, b.MaxLon, b.MaxLon}
	ys := []float64{b.MinLat, b.MaxLat, b.MinLat, b.MaxLat}
	if tr != nil {
		if _, err := tr.TransformBatch(xs, ys); err != nil {
			return nil, err
		}
	}
	minX, maxX := minMax(xs)
	minY, maxY := minMax(ys)

	c0, _ := h.pixelAt(minX, maxY) // leftmost source column of the window
	c1, _ := h.pixelAt(maxX, minY)
	c0 = clampInt(c0, 0, h.sizeX-1)
	c1 = clampInt(c1, 0, h.sizeX-1)
	srcW := c1 - c0 + 1
	if srcW <= 0 {
		for i := range g.Values {
			g.Values[i] = math.NaN()
		}
		return g, nil
	}

	sx := make([]float64, cols)
	sy := make([]float64, cols)
	srcCols := make([]int, cols)
	srcRows := make([]int, cols)
	for r := 0; r < rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, errs.Wrap(errs.KindTimeout, err, "window sample cancelled")
		}

		// Sample positions for this output row in native coordinates. In a
		// projected CRS a constant-latitude row maps to a gently curved
		// pixel row, so source rows are tracked per column.
		for c := 0; c < cols; c++ {
			sx[c] = g.Lons[c]
			sy[c] = g.Lats[r]
		}
		if tr != nil {
			if _, err := tr.TransformBatch(sx, sy); err != nil {
				return nil, err
			}
		}

		rrMin, rrMax := h.sizeY, -1
		for c := 0; c < cols; c++ {
			srcCols[c], srcRows[c] = h.pixelAt(sx[c], sy[c])
			if rr := srcRows[c]; rr >= 0 && rr < h.sizeY {
				if rr < rrMin {
					rrMin = rr
				}
				if rr > rrMax {
					rrMax = rr
				}
			}
		}
		if rrMax < 0 {
			for c := 0; c < cols; c++ {
				g.Values[r*cols+c] = math.NaN()
			}
			continue
		}

		// Read the small block of source rows this output row touches
		// (one row for axis-aligned cases, two or three near projection
		// curvature).
		blockH := rrMax - rrMin + 1
		buf := make([]float64, srcW*blockH)
		h.mu.Lock()
		err := h.band.Read(c0, rrMin, buf, srcW, blockH)
		h.mu.Unlock()
		if err != nil {
			return nil, classifyOpenError(h.Path, err)
		}
		g.BytesRead += int64(srcW) * int64(blockH) * 8

		for c := 0; c < cols; c++ {
			cc, rr := srcCols[c], srcRows[c]
			if rr < rrMin || rr > rrMax || cc < c0 || cc > c1 {
				g.Values[r*cols+c] = math.NaN()
				continue
			}
			v := buf[(rr-rrMin)*srcW+(cc-c0)]
			if h.isNodata(v) {
				g.Values[r*cols+c] = math.NaN()
			} else {
				g.Values[r*cols+c] = v
			}
		}
	}
	return g, nil
}

func epsgString(code int) string {
	if code == 0 {
		return ""
	}
	return "EPSG:" + strconv.Itoa(code)
}

func minMax(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
