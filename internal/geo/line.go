package geo

import "math"

const earthRadiusM = 6371008.8

// GreatCircleLine subdivides the great-circle arc between start and end into
// exactly n points, endpoints included. n must be >= 2; smaller values
// return just the endpoints. Interpolation is spherical (slerp), so sample
// spacing stays uniform along long lines where straight lat/lon
// interpolation would drift.
func GreatCircleLine(start, end Point, n int) []Point {
	if n < 2 {
		n = 2
	}
	pts := make([]Point, n)
	pts[0] = start
	pts[n-1] = end
	if n == 2 {
		return pts
	}

	lat1 := start.Lat * math.Pi / 180
	lon1 := start.Lon * math.Pi / 180
	lat2 := end.Lat * math.Pi / 180
	lon2 := end.Lon * math.Pi / 180

	// Angular distance between the endpoints (haversine).
	dLat := lat2 - lat1
	dLon := lon2 - lon1
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	d := 2 * math.Asin(math.Min(1, math.Sqrt(a)))

	if d < 1e-12 {
		// Degenerate: identical endpoints. Fill with copies.
		for i := 1; i < n-1; i++ {
			pts[i] = start
		}
		return pts
	}

	sinD := math.Sin(d)
	for i := 1; i < n-1; i++ {
		f := float64(i) / float64(n-1)
		A := math.Sin((1-f)*d) / sinD
		B := math.Sin(f*d) / sinD
		x := A*math.Cos(lat1)*math.Cos(lon1) + B*math.Cos(lat2)*math.Cos(lon2)
		y := A*math.Cos(lat1)*math.Sin(lon1) + B*math.Cos(lat2)*math.Sin(lon2)
		z := A*math.Sin(lat1) + B*math.Sin(lat2)
		pts[i] = Point{
			Lat: math.Atan2(z, math.Sqrt(x*x+y*y)) * 180 / math.Pi,
			Lon: math.Atan2(y, x) * 180 / math.Pi,
		}
	}
	return pts
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(h)))
}

// PointInPolygon reports whether p lies inside the ring using even-odd ray
// casting. The ring may be open or closed; vertices on an edge count as
// inside often enough for grid filtering, which is all the polygon sampler
// needs.
func PointInPolygon(p Point, ring []Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		yi, xi := ring[i].Lat, ring[i].Lon
		yj, xj := ring[j].Lat, ring[j].Lon
		if (yi > p.Lat) != (yj > p.Lat) &&
			p.Lon < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// PolygonBounds returns the bounding box of a ring.
func PolygonBounds(ring []Point) Bounds {
	b := Bounds{MinLat: 90, MaxLat: -90, MinLon: 180, MaxLon: -180}
	for _, p := range ring {
		b.MinLat = min(b.MinLat, p.Lat)
		b.MaxLat = max(b.MaxLat, p.Lat)
		b.MinLon = min(b.MinLon, p.Lon)
		b.MaxLon = max(b.MaxLon, p.Lon)
	}
	return b
}

// MetersPerDegree approximates the ground distance of one degree of
// latitude and longitude at the given latitude. Good enough for grid stride
// conversion; not for geodesy.
func MetersPerDegree(lat float64) (latM, lonM float64) {
	latM = 111132.0
	lonM = 111320.0 * math.Cos(lat*math.Pi/180)
	if lonM < 1 {
		lonM = 1
	}
	return latM, lonM
}
