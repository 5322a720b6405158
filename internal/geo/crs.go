package geo

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/summitline/terrain/internal/errs"
)

// EPSGWGS84 is the canonical exchange CRS at every boundary of the core.
const EPSGWGS84 = 4326

// ParseEPSG extracts the numeric code from an identifier like "EPSG:2193".
// A bare numeric string is accepted too; raster headers frequently carry
// either form.
func ParseEPSG(id string) (int, error) {
	s := strings.TrimSpace(id)
	if rest, ok := strings.CutPrefix(strings.ToUpper(s), "EPSG:"); ok {
		s = rest
	}
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || code <= 0 {
		return 0, errs.Newf(errs.KindUnsupportedCRS, "unparseable CRS identifier %q", id)
	}
	return code, nil
}

// Transformer wraps a PROJ coordinate transform. PROJ transform objects are
// not safe for concurrent use, so every call is serialized on the
// transformer's own mutex; distinct CRS pairs transform in parallel.
type Transformer struct {
	mu  sync.Mutex
	tr  *godal.Transform
	src int
	dst int
}

// Transform converts a single coordinate. x is longitude/easting, y is
// latitude/northing (traditional GIS axis order, matching godal).
func (t *Transformer) Transform(x, y float64) (float64, float64, error) {
	xs := []float64{x}
	ys := []float64{y}
	ok := []bool{false}

	t.mu.Lock()
	err := t.tr.TransformEx(xs, ys, nil, ok)
	t.mu.Unlock()

	if err != nil || !ok[0] {
		return 0, 0, errs.Newf(errs.KindUnsupportedCRS,
			"transform EPSG:%d -> EPSG:%d failed for (%.6f, %.6f)", t.src, t.dst, x, y)
	}
	return xs[0], ys[0], nil
}

// TransformBatch converts coordinate slices in place. Points that fail to
// transform are reported through the returned flags; a wholly failed batch
// returns an error.
func (t *Transformer) TransformBatch(xs, ys []float64) ([]bool, error) {
	ok := make([]bool, len(xs))

	t.mu.Lock()
	err := t.tr.TransformEx(xs, ys, nil, ok)
	t.mu.Unlock()

	if err != nil {
		any := false
		for _, o := range ok {
			any = any || o
		}
		if !any {
			return ok, errs.Wrap(errs.KindUnsupportedCRS, err,
				fmt.Sprintf("batch transform EPSG:%d -> EPSG:%d", t.src, t.dst))
		}
	}
	return ok, nil
}

// TransformerCache materializes and retains coordinate transforms between
// EPSG codes. Building a PROJ pipeline costs milliseconds; queries reuse one
// transformer per CRS pair for the process lifetime. Must handle WGS84 to
// and from all Australian UTM zones (GDA94 28349-28356, WGS84 32749-32760)
// and NZTM 2000 (2193); anything PROJ resolves works.
type TransformerCache struct {
	mu         sync.Mutex
	transforms map[[2]int]*Transformer
}

// NewTransformerCache creates an empty cache.
func NewTransformerCache() *TransformerCache {
	return &TransformerCache{transforms: make(map[[2]int]*Transformer)}
}

// Get returns the transform from srcEPSG to dstEPSG, building it on first
// use. An unresolvable CRS yields an unsupported_crs error.
func (c *TransformerCache) Get(srcEPSG, dstEPSG int) (*Transformer, error) {
	key := [2]int{srcEPSG, dstEPSG}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transforms[key]; ok {
		return t, nil
	}

	src, err := godal.NewSpatialRefFromEPSG(srcEPSG)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedCRS, err, fmt.Sprintf("EPSG:%d", srcEPSG))
	}
	defer src.Close()
	dst, err := godal.NewSpatialRefFromEPSG(dstEPSG)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedCRS, err, fmt.Sprintf("EPSG:%d", dstEPSG))
	}
	defer dst.Close()

	tr, err := godal.NewTransform(src, dst)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnsupportedCRS, err,
			fmt.Sprintf("EPSG:%d -> EPSG:%d", srcEPSG, dstEPSG))
	}

	t := &Transformer{tr: tr, src: srcEPSG, dst: dstEPSG}
	c.transforms[key] = t
	return t, nil
}

// ToNative returns the WGS84 -> epsg transform.
func (c *TransformerCache) ToNative(epsg int) (*Transformer, error) {
	return c.Get(EPSGWGS84, epsg)
}

// FromNative returns the epsg -> WGS84 transform.
func (c *TransformerCache) FromNative(epsg int) (*Transformer, error) {
	return c.Get(epsg, EPSGWGS84)
}

// Close releases every cached transform. Called on shutdown.
func (c *TransformerCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, t := range c.transforms {
		t.mu.Lock()
		t.tr.Close()
		t.mu.Unlock()
		delete(c.transforms, k)
	}
}
