// Package geo provides the geographic primitives shared across the elevation
// pipeline: WGS84 points and bounding boxes, bounds normalization for the
// mixed legacy index formats, coordinate transforms, and line subdivision.
//
// Every bounding box that crosses a package boundary is WGS84 canonical
// (min_lat/max_lat/min_lon/max_lon). Mixed-CRS bounds in older indexes have
// produced continent-scale false positives, so normalization happens exactly
// once, at index load, and everything downstream assumes canonical keys.
package geo

import (
	"log/slog"

	"github.com/summitline/terrain/internal/errs"
)

// Point is an immutable WGS84 coordinate.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Validate checks the point against the WGS84 domain.
func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return errs.Newf(errs.KindInvalidInput, "latitude %.6f out of range [-90, 90]", p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return errs.Newf(errs.KindInvalidInput, "longitude %.6f out of range [-180, 180]", p.Lon)
	}
	return nil
}

// Bounds is a WGS84-canonical bounding box. Invariant after normalization:
// MinLat <= MaxLat and MinLon <= MaxLon.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the point lies within the box. All four edges are
// inclusive: a point exactly on a bounds edge is inside.
func (b Bounds) Contains(lat, lon float64) bool {
	return b.MinLat <= lat && lat <= b.MaxLat &&
		b.MinLon <= lon && lon <= b.MaxLon
}

// Area returns the box area in squared degrees. Used only for coarse
// tie-breaking, not geodesy.
func (b Bounds) Area() float64 {
	return (b.MaxLat - b.MinLat) * (b.MaxLon - b.MinLon)
}

// Intersects reports whether the two boxes overlap (edges inclusive).
func (b Bounds) Intersects(o Bounds) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// Union returns the smallest box containing both.
func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		MinLat: min(b.MinLat, o.MinLat),
		MaxLat: max(b.MaxLat, o.MaxLat),
		MinLon: min(b.MinLon, o.MinLon),
		MaxLon: max(b.MaxLon, o.MaxLon),
	}
}

// ContainsBounds reports whether o fits inside b expanded by tol degrees on
// every edge.
func (b Bounds) ContainsBounds(o Bounds, tol float64) bool {
	return b.MinLat-tol <= o.MinLat && o.MaxLat <= b.MaxLat+tol &&
		b.MinLon-tol <= o.MinLon && o.MaxLon <= b.MaxLon+tol
}

// ProjectedBounds carries bounds in a projected CRS (UTM easting/northing).
// Only the index loader handles these; they never cross the selector
// interface.
type ProjectedBounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	CRS        string
}

// NormalizeBounds converts a raw bounds record into WGS84-canonical form.
// Three input shapes are accepted:
//
//	{min_lat, max_lat, min_lon, max_lon}   canonical
//	{min_x, max_x, min_y, max_y}           x interpreted as lon, y as lat
//	{left, right, bottom, top}             raster-library convention
//
// Any other shape fails with a bounds_format error. The returned flag
// reports whether a legacy shape was coerced; callers log it so index
// regeneration can be tracked. Normalization is idempotent: canonical input
// passes through unchanged.
func NormalizeBounds(raw map[string]float64) (Bounds, bool, error) {
	if raw == nil {
		return Bounds{}, false, errs.New(errs.KindBoundsFormat, "missing bounds record")
	}

	get := func(keys ...string) (vals []float64, ok bool) {
		vals = make([]float64, len(keys))
		for i, k := range keys {
			v, present := raw[k]
			if !present {
				return nil, false
			}
			vals[i] = v
		}
		return vals, true
	}

	var b Bounds
	coerced := false
	switch {
	case hasKeys(raw, "min_lat", "max_lat", "min_lon", "max_lon"):
		v, _ := get("min_lat", "max_lat", "min_lon", "max_lon")
		b = Bounds{MinLat: v[0], MaxLat: v[1], MinLon: v[2], MaxLon: v[3]}
	case hasKeys(raw, "min_x", "max_x", "min_y", "max_y"):
		v, _ := get("min_x", "max_x", "min_y", "max_y")
		b = Bounds{MinLon: v[0], MaxLon: v[1], MinLat: v[2], MaxLat: v[3]}
		coerced = true
	case hasKeys(raw, "left", "right", "bottom", "top"):
		v, _ := get("left", "right", "bottom", "top")
		b = Bounds{MinLon: v[0], MaxLon: v[1], MinLat: v[2], MaxLat: v[3]}
		coerced = true
	default:
		return Bounds{}, false, errs.Newf(errs.KindBoundsFormat, "unrecognized bounds keys %v", keysOf(raw))
	}

	// Repair inverted extents rather than rejecting them; several legacy NZ
	// records swap min/max.
	if b.MinLat > b.MaxLat {
		b.MinLat, b.MaxLat = b.MaxLat, b.MinLat
		coerced = true
	}
	if b.MinLon > b.MaxLon {
		b.MinLon, b.MaxLon = b.MaxLon, b.MinLon
		coerced = true
	}

	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLon < -180 || b.MaxLon > 180 {
		return Bounds{}, false, errs.Newf(errs.KindBoundsFormat,
			"bounds outside WGS84 domain: lat [%.4f, %.4f] lon [%.4f, %.4f] (projected coordinates in a geographic field?)",
			b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	}

	if coerced {
		slog.Warn("normalized legacy bounds record",
			"keys", keysOf(raw),
			"min_lat", b.MinLat, "max_lat", b.MaxLat,
			"min_lon", b.MinLon, "max_lon", b.MaxLon,
		)
	}
	return b, coerced, nil
}

func hasKeys(m map[string]float64, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

func keysOf(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
