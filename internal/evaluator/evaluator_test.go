package evaluator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/internal/verifier"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
	"GeoAttest-Chain/pkg/plugin/plugintest"
)

var (
	base   = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	center = location.Point{Lon: -122.4194, Lat: 37.7749}
)

func sfClaim() location.Claim {
	return location.NewPointClaim(center, 5000, location.Instant(base), location.OperationWithin)
}

func verifiedFor(t *testing.T, p *plugintest.Fake, index int) verifier.Verified {
	t.Helper()
	stamp := location.Stamp{Plugin: p.Meta.Name, Timestamp: base, Location: location.Point{Lon: -122.42, Lat: 37.775}, Accuracy: 50}
	ref, err := stamp.Digest()
	require.NoError(t, err)
	return verifier.Verified{Index: index, Stamp: stamp, Info: p.Info(), Ref: ref, Plugin: p}
}

func TestEvaluateSanFranciscoScenario(t *testing.T) {
	gps := plugintest.New("gps")
	v := verifiedFor(t, gps, 0)

	evs, rejected, err := New().Evaluate(context.Background(), sfClaim(), []verifier.Verified{v})
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Len(t, evs, 1)

	ev := evs[0]
	assert.InDelta(t, 53.9, ev.DistanceMeters, 1)
	assert.True(t, ev.WithinRadius)
	assert.Equal(t, 1.0, ev.TemporalOverlap)
	assert.Equal(t, "gps", ev.Plugin)
	assert.Equal(t, v.Ref, ev.StampRef)
}

func TestEvaluateRejectsContractViolations(t *testing.T) {
	nan := plugintest.New("nan")
	nan.EvaluateFn = func(context.Context, location.Stamp, location.Claim) (plugin.Evaluation, error) {
		return plugin.Evaluation{DistanceMeters: math.NaN(), TemporalOverlap: 1}, nil
	}
	over := plugintest.New("over")
	over.EvaluateFn = func(context.Context, location.Stamp, location.Claim) (plugin.Evaluation, error) {
		return plugin.Evaluation{DistanceMeters: 1, TemporalOverlap: 1.5}, nil
	}
	failing := plugintest.New("failing")
	failing.EvaluateFn = func(context.Context, location.Stamp, location.Claim) (plugin.Evaluation, error) {
		return plugin.Evaluation{}, errors.New("projection unsupported")
	}
	panicking := plugintest.New("panicking")
	panicking.EvaluateFn = func(context.Context, location.Stamp, location.Claim) (plugin.Evaluation, error) {
		panic("index out of range")
	}
	good := plugintest.New("gps")

	input := []verifier.Verified{
		verifiedFor(t, nan, 0),
		verifiedFor(t, good, 1),
		verifiedFor(t, over, 2),
		verifiedFor(t, failing, 3),
		verifiedFor(t, panicking, 4),
	}
	evs, rejected, err := New(WithMaxInFlight(2)).Evaluate(context.Background(), sfClaim(), input)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "gps", evs[0].Plugin)

	require.Len(t, rejected, 4)
	indexes := []int{}
	for _, r := range rejected {
		assert.Equal(t, xerrors.CodeEvaluationError, r.Code)
		indexes = append(indexes, r.Index)
	}
	assert.Equal(t, []int{0, 2, 3, 4}, indexes)
	assert.Equal(t, "projection unsupported", rejected[2].Reason)
}

func TestEvaluateTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := plugintest.New("slow")
	slow.EvaluateFn = func(context.Context, location.Stamp, location.Claim) (plugin.Evaluation, error) {
		<-release
		return plugin.Evaluation{}, nil
	}

	_, rejected, err := New(WithTimeout(20*time.Millisecond)).Evaluate(context.Background(), sfClaim(), []verifier.Verified{verifiedFor(t, slow, 0)})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.True(t, rejected[0].Timeout())
}

func TestEvaluateIsolatesClaimFromPlugins(t *testing.T) {
	mutating := plugintest.New("mutating")
	mutating.EvaluateFn = func(_ context.Context, stamp location.Stamp, claim location.Claim) (plugin.Evaluation, error) {
		claim.Target.Point.Lat = 0
		return plugin.Measure(stamp, claim), nil
	}
	claim := sfClaim()
	_, _, err := New().Evaluate(context.Background(), claim, []verifier.Verified{verifiedFor(t, mutating, 0)})
	require.NoError(t, err)
	assert.Equal(t, center, *claim.Target.Point)
}
