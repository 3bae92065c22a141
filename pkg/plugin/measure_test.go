package plugin_test

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(sec int64) time.Time { return epoch.Add(time.Duration(sec) * time.Second) }

// ring places up to len(offsets)/2 vertices around center, clamped to valid
// coordinates.
func ring(center location.Point, vertices int, offsets []float64) []location.Point {
	out := make([]location.Point, 0, vertices)
	for i := 0; i < vertices && 2*i+1 < len(offsets); i++ {
		out = append(out, location.Point{
			Lon: math.Max(-180, math.Min(180, center.Lon+offsets[2*i])),
			Lat: math.Max(-90, math.Min(90, center.Lat+offsets[2*i+1])),
		})
	}
	return out
}

func finiteNonNegative(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x >= 0
}

func unit(x float64) bool { return !math.IsNaN(x) && x >= 0 && x <= 1 }

func TestMeasureRangeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)

	lon := gen.Float64Range(-180, 180)
	lat := gen.Float64Range(-90, 90)
	seconds := gen.Int64Range(-86_400, 86_400)

	properties.Property("point claims measure a finite distance and an overlap in [0,1]", prop.ForAll(
		func(sLon, sLat, cLon, cLat, radius, accuracy float64, ts, duration, start, end int64) bool {
			stamp := location.Stamp{
				Timestamp: at(ts),
				Duration:  time.Duration(duration) * time.Second,
				Location:  location.Point{Lon: sLon, Lat: sLat},
				Accuracy:  accuracy,
			}
			claim := location.NewPointClaim(location.Point{Lon: cLon, Lat: cLat}, radius,
				location.TimeWindow{Start: at(start), End: at(end)}, location.OperationWithin)
			ev := plugin.Measure(stamp, claim)
			return finiteNonNegative(ev.DistanceMeters) && unit(ev.TemporalOverlap)
		},
		lon, lat, lon, lat, gen.Float64Range(0, 50_000), gen.Float64Range(-10, 500),
		seconds, seconds, seconds, seconds,
	))

	properties.Property("polygon claims measure a finite distance and an overlap in [0,1]", prop.ForAll(
		func(sLon, sLat, cLon, cLat float64, vertices int, offsets []float64, ts, duration, start, end int64) bool {
			stamp := location.Stamp{
				Timestamp: at(ts),
				Duration:  time.Duration(duration) * time.Second,
				Location:  location.Point{Lon: sLon, Lat: sLat},
			}
			claim := location.NewRegionClaim(ring(location.Point{Lon: cLon, Lat: cLat}, vertices, offsets),
				location.TimeWindow{Start: at(start), End: at(end)}, location.OperationIntersects)
			ev := plugin.Measure(stamp, claim)
			return finiteNonNegative(ev.DistanceMeters) && unit(ev.TemporalOverlap)
		},
		lon, lat, lon, lat, gen.IntRange(3, 8), gen.SliceOfN(16, gen.Float64Range(-2, 2)),
		seconds, seconds, seconds, seconds,
	))

	properties.Property("overlap of arbitrary windows stays in [0,1]", prop.ForAll(
		func(s1, e1, s2, e2 int64) bool {
			stamp := location.TimeWindow{Start: at(s1), End: at(e1)}
			claim := location.TimeWindow{Start: at(s2), End: at(e2)}
			return unit(location.TemporalOverlap(stamp, claim)) && unit(location.TemporalOverlap(claim, stamp))
		},
		seconds, seconds, seconds, seconds,
	))

	properties.TestingRun(t)
}
