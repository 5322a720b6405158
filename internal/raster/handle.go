// Package raster samples elevations from GeoTIFFs in object storage without
// downloading them whole. GDAL's /vsis3/ virtual filesystem turns pixel
// reads into ranged GETs; a handle caches the parsed header (CRS, affine
// transform, tile layout, nodata) so repeat samples cost one small range
// read each.
package raster

import (
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/summitline/terrain/internal/errs"
	"github.com/summitline/terrain/internal/geo"
)

// gdalMu serializes GDAL dataset open/close. GDAL and libtiff keep global
// state that is not thread-safe across those calls; per-handle locks cover
// reads.
var gdalMu sync.Mutex

var registerOnce sync.Once

// registerDrivers makes GDAL's raster drivers available. Safe to call from
// every Open; only the first does work.
func registerDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// Handle is an open raster with its header decoded. Handles are shared
// across concurrent requests; the per-handle mutex serializes band reads on
// the same dataset while different handles read in parallel.
type Handle struct {
	Path string

	mu   sync.Mutex
	ds   *godal.Dataset
	band godal.Band

	gt        [6]float64
	sizeX     int
	sizeY     int
	epsg      int
	isFloat   bool
	nodata    float64
	hasNodata bool
	// PixelSizeM approximates the pixel ground size from the geotransform;
	// degrees-per-pixel rasters are converted at the raster's latitude.
	PixelSizeM float64
}

// EPSG returns the raster's native CRS code.
func (h *Handle) EPSG() int { return h.epsg }

// Nodata returns the declared nodata sentinel. ok is false when the header
// declares none, in which case every pixel value - including 0 - is a
// valid elevation.
func (h *Handle) Nodata() (float64, bool) { return h.nodata, h.hasNodata }

// Size returns the raster dimensions in pixels.
func (h *Handle) Size() (x, y int) { return h.sizeX, h.sizeY }

// VSIPath converts an s3:// URI to GDAL's /vsis3/ form. Local paths and
// paths already in VSI form pass through.
func VSIPath(path string) string {
	if rest, ok := strings.CutPrefix(path, "s3://"); ok {
		return "/vsis3/" + rest
	}
	return path
}

// Open opens the raster and decodes its header. The GDAL GTiff driver
// fetches the header in a single ranged read for well-formed (and
// especially cloud-optimized) GeoTIFFs. Callers normally go through the
// DatasetCache rather than calling Open directly.
func Open(path string) (*Handle, error) {
	registerDrivers()

	vsiPath := VSIPath(path)

	gdalMu.Lock()
	ds, err := godal.Open(vsiPath)
	if err != nil {
		gdalMu.Unlock()
		return nil, classifyOpenError(path, err)
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		gdalMu.Unlock()
		return nil, errs.Wrap(errs.KindUnsupportedCRS, err, "raster has no geotransform: "+path)
	}
	if gt[2] != 0 || gt[4] != 0 {
		ds.Close()
		gdalMu.Unlock()
		return nil, errs.New(errs.KindUnsupportedCRS, "rotated rasters are not supported: "+path)
	}

	bands := ds.Bands()
	if len(bands) == 0 {
		ds.Close()
		gdalMu.Unlock()
		return nil, errs.New(errs.KindUnsupportedCRS, "raster has no bands: "+path)
	}
	band := bands[0]

	structure := ds.Structure()
	bandStructure := band.Structure()
	nodata, hasNodata := band.NoData()

	epsg := 0
	sr := ds.SpatialRef()
	if sr != nil {
		if code := sr.AuthorityCode(""); code != "" {
			epsg, _ = geo.ParseEPSG(code)
		} else if err := sr.AutoIdentifyEPSG(); err == nil {
			if code := sr.AuthorityCode(""); code != "" {
				epsg, _ = geo.ParseEPSG(code)
			}
		}
	}
	gdalMu.Unlock()

	if epsg == 0 {
		gdalMu.Lock()
		ds.Close()
		gdalMu.Unlock()
		return nil, errs.New(errs.KindUnsupportedCRS, "cannot identify raster CRS: "+path)
	}

	h := &Handle{
		Path:      path,
		ds:        ds,
		band:      band,
		gt:        gt,
		sizeX:     structure.SizeX,
		sizeY:     structure.SizeY,
		epsg:      epsg,
		isFloat:   isFloatType(bandStructure.DataType),
		nodata:    nodata,
		hasNodata: hasNodata,
	}
	h.PixelSizeM = pixelSizeMeters(gt, epsg)
	return h, nil
}

// Close releases the GDAL dataset. Idempotent.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ds != nil {
		gdalMu.Lock()
		h.ds.Close()
		gdalMu.Unlock()
		h.ds = nil
	}
}

func isFloatType(dt godal.DataType) bool {
	switch dt {
	case godal.Float32, godal.Float64:
		return true
	}
	return false
}

func pixelSizeMeters(gt [6]float64, epsg int) float64 {
	px := gt[1]
	if px < 0 {
		px = -px
	}
	if epsg == geo.EPSGWGS84 {
		// Degrees per pixel; convert at the raster's origin latitude.
		_, lonM := geo.MetersPerDegree(gt[3])
		return px * lonM
	}
	return px
}

// classifyOpenError maps GDAL/VSI failure text onto the typed kinds the
// source chain acts on. GDAL folds the HTTP status into the message, so
// string matching is the only signal available.
func classifyOpenError(path string, err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "404") ||
		strings.Contains(lower, "no such file") ||
		strings.Contains(lower, "not found") ||
		strings.Contains(lower, "does not exist"):
		return errs.Wrap(errs.KindRasterMissing, err, path)
	case strings.Contains(msg, "403") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "accessdenied") ||
		strings.Contains(lower, "permission"):
		return errs.Wrap(errs.KindRasterAccess, err, path)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return errs.Wrap(errs.KindTimeout, err, path)
	default:
		return errs.Wrap(errs.KindTransient, err, path)
	}
}
