package location

import (
	"math"
)

// EarthRadiusMeters is the mean Earth radius used by every distance routine.
const EarthRadiusMeters = 6_371_000.0

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1, lat2 := radians(a.Lat), radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Rounding can push h marginally outside [0,1] for antipodal points.
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Contains reports whether p lies inside the polygon ring (ray casting in
// lon/lat space). Vertices on the boundary count as inside.
func Contains(ring []Point, p Point) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if a == p {
			return true
		}
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			cross := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon == cross {
				return true
			}
			if p.Lon < cross {
				inside = !inside
			}
		}
	}
	return inside
}

// distanceToSegment projects a and b onto a local equirectangular plane
// centred on p and returns the planar distance from p to the segment. Edge
// lengths in location claims are small enough for this to track the
// great-circle distance closely; endpoints fall back to Haversine.
func distanceToSegment(p, a, b Point) float64 {
	cosLat := math.Cos(radians(p.Lat))
	project := func(q Point) (float64, float64) {
		return radians(q.Lon-p.Lon) * cosLat * EarthRadiusMeters, radians(q.Lat-p.Lat) * EarthRadiusMeters
	}
	ax, ay := project(a)
	bx, by := project(b)
	dx, dy := bx-ax, by-ay
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return Haversine(p, a)
	}
	t := -(ax*dx + ay*dy) / lengthSq
	switch {
	case t <= 0:
		return Haversine(p, a)
	case t >= 1:
		return Haversine(p, b)
	}
	x, y := ax+t*dx, ay+t*dy
	return math.Hypot(x, y)
}

// DistanceToTarget returns the distance in meters from p to the claim
// target: to the center for point targets, zero inside a polygon and the
// distance to the nearest edge outside it.
func DistanceToTarget(p Point, target Target) float64 {
	if target.Point != nil {
		return Haversine(p, *target.Point)
	}
	ring := target.Polygon
	if Contains(ring, p) {
		return 0
	}
	best := math.Inf(1)
	for i := range ring {
		a, b := ring[i], ring[(i+1)%len(ring)]
		if d := distanceToSegment(p, a, b); d < best {
			best = d
		}
	}
	if math.IsInf(best, 1) {
		return 0
	}
	return best
}

// Area returns the surface area of the target in square meters. Point
// targets are circles of the given radius; polygons use the spherical
// excess approximation.
func (t Target) Area() float64 {
	if t.Point != nil {
		return math.Pi * t.Radius * t.Radius
	}
	ring := t.Polygon
	if len(ring) < 3 {
		return 0
	}
	var sum float64
	for i := range ring {
		a, b := ring[i], ring[(i+1)%len(ring)]
		sum += radians(b.Lon-a.Lon) * (2 + math.Sin(radians(a.Lat)) + math.Sin(radians(b.Lat)))
	}
	return math.Abs(sum * EarthRadiusMeters * EarthRadiusMeters / 2)
}
