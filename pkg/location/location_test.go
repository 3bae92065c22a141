package location

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sfCenter = Point{Lon: -122.4194, Lat: 37.7749}

func TestHaversineSanFrancisco(t *testing.T) {
	d := Haversine(sfCenter, Point{Lon: -122.42, Lat: 37.775})
	assert.InDelta(t, 53.9, d, 1.0)
	assert.Zero(t, Haversine(sfCenter, sfCenter))
	assert.InDelta(t, d, Haversine(Point{Lon: -122.42, Lat: 37.775}, sfCenter), 1e-9)
}

func TestHaversineAntipodalIsFinite(t *testing.T) {
	d := Haversine(Point{Lon: 0, Lat: 0}, Point{Lon: 180, Lat: 0})
	require.False(t, math.IsNaN(d))
	assert.InDelta(t, math.Pi*EarthRadiusMeters, d, 1)
}

func square(half float64) []Point {
	return []Point{
		{Lon: -half, Lat: -half},
		{Lon: half, Lat: -half},
		{Lon: half, Lat: half},
		{Lon: -half, Lat: half},
	}
}

func TestDistanceToTargetPolygon(t *testing.T) {
	target := Target{Polygon: square(0.01)}

	assert.Zero(t, DistanceToTarget(Point{}, target))
	assert.Zero(t, DistanceToTarget(Point{Lon: 0.01, Lat: 0.01}, target), "vertex counts as inside")

	outside := DistanceToTarget(Point{Lon: 0.02, Lat: 0}, target)
	assert.InDelta(t, 1111.95, outside, 1)

	corner := DistanceToTarget(Point{Lon: 0.02, Lat: 0.02}, target)
	assert.InDelta(t, Haversine(Point{Lon: 0.02, Lat: 0.02}, Point{Lon: 0.01, Lat: 0.01}), corner, 1e-6)
}

func TestDistanceToTargetPoint(t *testing.T) {
	center := sfCenter
	target := Target{Point: &center, Radius: 100}
	assert.InDelta(t, 53.9, DistanceToTarget(Point{Lon: -122.42, Lat: 37.775}, target), 1)
}

func TestTargetArea(t *testing.T) {
	center := sfCenter
	assert.InDelta(t, math.Pi*100*100, Target{Point: &center, Radius: 100}.Area(), 1e-6)

	side := 0.02 * math.Pi / 180 * EarthRadiusMeters
	assert.InEpsilon(t, side*side, Target{Polygon: square(0.01)}.Area(), 0.01)
}

func TestTemporalOverlap(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	at := func(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

	cases := []struct {
		name  string
		stamp TimeWindow
		claim TimeWindow
		want  float64
	}{
		{"identical ranges", TimeWindow{at(0), at(10)}, TimeWindow{at(0), at(10)}, 1},
		{"partial ranges", TimeWindow{at(0), at(10)}, TimeWindow{at(5), at(15)}, 1.0 / 3.0},
		{"disjoint ranges", TimeWindow{at(0), at(10)}, TimeWindow{at(20), at(30)}, 0},
		{"touching ranges", TimeWindow{at(0), at(10)}, TimeWindow{at(10), at(20)}, 0},
		{"instant inside range", Instant(at(5)), TimeWindow{at(0), at(10)}, 1},
		{"instant on boundary", Instant(at(10)), TimeWindow{at(0), at(10)}, 1},
		{"instant outside range", Instant(at(11)), TimeWindow{at(0), at(10)}, 0},
		{"range contains claim instant", TimeWindow{at(0), at(10)}, Instant(at(3)), 1},
		{"equal instants", Instant(at(3)), Instant(at(3)), 1},
		{"different instants", Instant(at(3)), Instant(at(4)), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TemporalOverlap(tc.stamp, tc.claim)
			assert.InDelta(t, tc.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestClaimValidate(t *testing.T) {
	now := time.Now().UTC()
	window := TimeWindow{Start: now, End: now.Add(time.Minute)}

	valid := NewPointClaim(sfCenter, 100, window, OperationWithin)
	require.NoError(t, valid.Validate())

	invalid := map[string]Claim{
		"unknown operation": NewPointClaim(sfCenter, 100, window, "near"),
		"negative radius":   NewPointClaim(sfCenter, -1, window, OperationWithin),
		"bad latitude":      NewPointClaim(Point{Lon: 0, Lat: 91}, 1, window, OperationWithin),
		"inverted window":   NewPointClaim(sfCenter, 1, TimeWindow{Start: now, End: now.Add(-time.Second)}, OperationWithin),
		"degenerate ring":   NewRegionClaim([]Point{{0, 0}, {1, 1}, {0, 0}}, window, OperationContains),
		"no geometry":       {Window: window, Operation: OperationWithin},
	}
	for name, claim := range invalid {
		assert.Error(t, claim.Validate(), name)
	}
}

func TestNewRegionClaimCopiesRing(t *testing.T) {
	ring := square(1)
	claim := NewRegionClaim(ring, Instant(time.Now()), OperationIntersects)
	ring[0] = Point{Lon: 50, Lat: 50}
	assert.Equal(t, Point{Lon: -1, Lat: -1}, claim.Target.Polygon[0])
}

func TestPointJSON(t *testing.T) {
	raw, err := json.Marshal(sfCenter)
	require.NoError(t, err)
	assert.JSONEq(t, `[-122.4194, 37.7749]`, string(raw))

	var p Point
	require.NoError(t, json.Unmarshal([]byte(`[1.5, -2.5]`), &p))
	assert.Equal(t, Point{Lon: 1.5, Lat: -2.5}, p)
	assert.Error(t, json.Unmarshal([]byte(`[1.5]`), &p))
}

func TestStampDigest(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	stamp := Stamp{
		Plugin:    "gps",
		Timestamp: ts,
		Location:  sfCenter,
		Accuracy:  5,
		Payload:   json.RawMessage(`{"b": 2, "a": 1}`),
	}

	first, err := stamp.Digest()
	require.NoError(t, err)

	zoned := stamp
	zoned.Timestamp = ts.In(time.FixedZone("PDT", -7*3600))
	zoned.Payload = json.RawMessage(`{"a":1,"b":2}`)
	second, err := zoned.Digest()
	require.NoError(t, err)
	assert.Equal(t, first, second, "digest is independent of zone and key order")

	unsignedHash, err := stamp.SigningHash()
	require.NoError(t, err)

	signed := stamp
	signed.Signature = []byte{0x01, 0x02}
	signedDigest, err := signed.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, first, signedDigest)

	signedHash, err := signed.SigningHash()
	require.NoError(t, err)
	assert.Equal(t, unsignedHash, signedHash)
}

func TestStampWindow(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	assert.True(t, Stamp{Timestamp: ts}.Window().IsInstant())
	w := Stamp{Timestamp: ts, Duration: time.Minute}.Window()
	assert.Equal(t, time.Minute, w.Length())
}

func TestClaimHashStable(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	a := NewPointClaim(sfCenter, 100, TimeWindow{Start: start, End: start.Add(time.Hour)}, OperationWithin)
	b := a.Clone()
	b.Window.Start = start.In(time.FixedZone("X", 3600))

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
