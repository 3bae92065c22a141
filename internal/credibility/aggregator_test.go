package credibility

import (
	"math"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

var pluginNames = []string{"gps", "witness", "cell", "wifi"}

func testClaim(op location.Operation) location.Claim {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return location.NewPointClaim(location.Point{Lon: -122.4194, Lat: 37.7749}, 5000, location.Instant(ts), op)
}

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	a, err := NewAggregator(DefaultPolicy())
	require.NoError(t, err)
	return a
}

// buildEvaluations zips generated columns into evaluations.
func buildEvaluations(dists, overlaps []float64, within []bool, plugins []int) []plugin.Evaluation {
	n := min(len(dists), len(overlaps), len(within), len(plugins))
	out := make([]plugin.Evaluation, n)
	for i := range n {
		out[i] = plugin.Evaluation{
			DistanceMeters:  dists[i],
			TemporalOverlap: overlaps[i],
			WithinRadius:    within[i],
			Plugin:          pluginNames[plugins[i]],
			StampRef:        common.BigToHash(big.NewInt(int64(i + 1))),
		}
	}
	return out
}

func inUnit(x float64) bool { return !math.IsNaN(x) && x >= 0 && x <= 1 }

func TestSingleStampScenario(t *testing.T) {
	a := newAggregator(t)
	ev := plugin.Evaluation{DistanceMeters: 53.9, TemporalOverlap: 1, WithinRadius: true, Plugin: "gps"}

	v := a.Aggregate(testClaim(location.OperationWithin), []plugin.Evaluation{ev}, 1, 1)
	assert.Equal(t, 1.0, v.Spatial)
	assert.Equal(t, 1.0, v.Temporal)
	assert.InDelta(t, 0.5, v.Source, 1e-12)
	assert.InDelta(t, 0.9, v.Overall, 1e-12)
	assert.Equal(t, OutcomeVerified, v.Outcome)
	assert.True(t, v.Result)
	assert.Equal(t, 1, v.DistinctSources)
}

func TestUnverifiableWhenNothingVerified(t *testing.T) {
	a := newAggregator(t)
	v := a.Aggregate(testClaim(location.OperationWithin), nil, 0, 3)
	assert.Equal(t, OutcomeUnverifiable, v.Outcome)
	assert.True(t, v.Unverifiable())
	assert.False(t, v.Result)
	assert.Zero(t, v.Overall)
	assert.Equal(t, 3, v.Submitted)
}

func TestRefutedWhenOutsideRadius(t *testing.T) {
	a := newAggregator(t)
	evs := []plugin.Evaluation{
		{DistanceMeters: 90_000, TemporalOverlap: 1, WithinRadius: false, Plugin: "gps"},
		{DistanceMeters: 80_000, TemporalOverlap: 0, WithinRadius: false, Plugin: "witness"},
	}
	v := a.Aggregate(testClaim(location.OperationContains), evs, 2, 2)
	assert.Zero(t, v.Spatial)
	assert.Equal(t, OutcomeRefuted, v.Outcome)
	assert.False(t, v.Result)
}

func TestSpatialDecayUsesAccuracyWithoutRadius(t *testing.T) {
	a := newAggregator(t)
	ring := []location.Point{{Lon: 0, Lat: 0}, {Lon: 0.01, Lat: 0}, {Lon: 0.01, Lat: 0.01}}
	claim := location.NewRegionClaim(ring, location.Instant(time.Now()), location.OperationIntersects)
	accuracy := map[string]any{plugin.DetailAccuracy: 20.0}
	evs := []plugin.Evaluation{
		{DistanceMeters: 40, TemporalOverlap: 1, WithinRadius: true, Plugin: "gps", Details: accuracy},
		{DistanceMeters: 20, TemporalOverlap: 1, WithinRadius: false, Plugin: "witness", Details: accuracy},
	}
	// Weights 20/40 and 1: the agreeing stamp carries a third of the total.
	v := a.Aggregate(claim, evs, 2, 2)
	assert.InDelta(t, 1.0/3, v.Spatial, 1e-12)
}

func TestDistantAgreeingSourceDoesNotLowerScore(t *testing.T) {
	a := newAggregator(t)
	claim := testClaim(location.OperationWithin)
	near := plugin.Evaluation{DistanceMeters: 100, TemporalOverlap: 1, WithinRadius: true, Plugin: "gps"}
	far := plugin.Evaluation{DistanceMeters: 15_000, TemporalOverlap: 1, WithinRadius: true, Plugin: "witness"}

	before := a.Aggregate(claim, []plugin.Evaluation{near}, 1, 1)
	after := a.Aggregate(claim, []plugin.Evaluation{near, far}, 2, 2)
	assert.InDelta(t, 0.9, before.Overall, 1e-12)
	assert.Equal(t, 1.0, after.Spatial)
	assert.GreaterOrEqual(t, after.Overall, before.Overall)
}

func TestVerifiedCountsStampsWithoutEvaluation(t *testing.T) {
	a := newAggregator(t)
	ev := plugin.Evaluation{DistanceMeters: 10, TemporalOverlap: 1, WithinRadius: true, Plugin: "gps"}
	v := a.Aggregate(testClaim(location.OperationWithin), []plugin.Evaluation{ev}, 2, 3)
	assert.Equal(t, 2, v.Verified)
	assert.Equal(t, 1, v.Evaluated)
	assert.Equal(t, 3, v.Submitted)
	assert.InDelta(t, 0.5/3, v.Source, 1e-12)
}

func TestNumericOperations(t *testing.T) {
	a := newAggregator(t)
	evs := []plugin.Evaluation{
		{DistanceMeters: 100, TemporalOverlap: 1, WithinRadius: true, Plugin: "gps"},
		{DistanceMeters: 300, TemporalOverlap: 1, WithinRadius: true, Plugin: "witness"},
	}

	distance := a.Aggregate(testClaim(location.OperationDistance), evs, 2, 2)
	assert.InDelta(t, 200, distance.Value, 1e-9)
	assert.Equal(t, location.UnitsMeters, distance.Units)
	assert.False(t, distance.Result)

	claim := testClaim(location.OperationArea)
	area := a.Aggregate(claim, evs, 2, 2)
	assert.InDelta(t, claim.Target.Area(), area.Value, 1e-6)
	assert.Equal(t, location.UnitsSquareMeters, area.Units)
}

func TestPolicyValidation(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	bad := []Policy{
		{Weights: Weights{Spatial: 0.5, Temporal: 0.5, Source: 0.5}, Threshold: 0.6},
		{Weights: Weights{Spatial: 1.2, Temporal: -0.2}, Threshold: 0.6},
		{Weights: DefaultWeights(), Threshold: 1.5},
		{Weights: Weights{Spatial: math.NaN(), Temporal: 0.5, Source: 0.5}, Threshold: 0.5},
	}
	for _, p := range bad {
		_, err := NewAggregator(p)
		assert.Error(t, err, "%+v", p)
	}
}

func TestAggregationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 1000
	properties := gopter.NewProperties(parameters)
	a := newAggregator(t)

	dists := gen.SliceOf(gen.Float64Range(0, 50_000))
	overlaps := gen.SliceOf(gen.Float64Range(0, 1))
	within := gen.SliceOf(gen.Bool())
	plugins := gen.SliceOf(gen.IntRange(0, len(pluginNames)-1))

	properties.Property("every dimension lies in [0,1]", prop.ForAll(
		func(d, o []float64, w []bool, p []int, extra int) bool {
			evs := buildEvaluations(d, o, w, p)
			v := a.Aggregate(testClaim(location.OperationWithin), evs, len(evs), len(evs)+extra)
			for _, ev := range evs {
				if !inUnit(ev.TemporalOverlap) {
					return false
				}
			}
			return inUnit(v.Spatial) && inUnit(v.Temporal) && inUnit(v.Source) && inUnit(v.Overall)
		},
		dists, overlaps, within, plugins, gen.IntRange(0, 10),
	))

	properties.Property("result is independent of evaluation order", prop.ForAll(
		func(d, o []float64, w []bool, p []int, seed int64) bool {
			evs := buildEvaluations(d, o, w, p)
			shuffled := append([]plugin.Evaluation(nil), evs...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})
			claim := testClaim(location.OperationDistance)
			return a.Aggregate(claim, evs, len(evs), len(evs)) == a.Aggregate(claim, shuffled, len(evs), len(evs))
		},
		dists, overlaps, within, plugins, gen.Int64(),
	))

	properties.Property("a new fully agreeing source never lowers the score", prop.ForAll(
		func(d, o []float64, w []bool, p []int, extra int, freshDist float64) bool {
			evs := buildEvaluations(d, o, w, p)
			claim := testClaim(location.OperationWithin)
			before := a.Aggregate(claim, evs, len(evs), len(evs)+extra)
			fresh := plugin.Evaluation{DistanceMeters: freshDist, TemporalOverlap: 1, WithinRadius: true, Plugin: "fresh-source"}
			after := a.Aggregate(claim, append(evs, fresh), len(evs)+1, len(evs)+extra+1)
			return after.Overall >= before.Overall-1e-12
		},
		dists, overlaps, within, plugins, gen.IntRange(0, 10), gen.Float64Range(0, 100_000),
	))

	properties.Property("no verified evidence is unverifiable, never refuted", prop.ForAll(
		func(submitted int) bool {
			v := a.Aggregate(testClaim(location.OperationWithin), nil, 0, submitted)
			return v.Outcome == OutcomeUnverifiable && !v.Result
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
