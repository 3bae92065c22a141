package credibility

import (
	"bytes"
	"cmp"
	"encoding/json"
	"math"
	"slices"
	"strings"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

// Aggregator computes credibility vectors under a fixed policy.
type Aggregator struct {
	policy Policy
}

// NewAggregator validates policy and returns an aggregator using it.
func NewAggregator(policy Policy) (*Aggregator, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{policy: policy}, nil
}

// Policy returns the weights and threshold in use.
func (a *Aggregator) Policy() Policy { return a.policy }

// Aggregate folds the evaluations of verified stamps into a vector.
// verified counts the stamps that passed verification, including any whose
// evaluation later failed; submitted counts every stamp the caller supplied.
// The result does not depend on the order of evaluations.
func (a *Aggregator) Aggregate(claim location.Claim, evaluations []plugin.Evaluation, verified, submitted int) Vector {
	verified = max(verified, len(evaluations))
	v := Vector{
		Submitted: max(submitted, verified),
		Verified:  verified,
		Evaluated: len(evaluations),
		Weights:   a.policy.Weights,
		Threshold: a.policy.Threshold,
		Units:     claim.Operation.Units(),
	}
	if len(evaluations) == 0 {
		v.Outcome = OutcomeUnverifiable
		return v
	}

	sorted := slices.Clone(evaluations)
	slices.SortFunc(sorted, compareEvaluations)

	var agreeing, weight, temporal, distance float64
	sources := make(map[string]struct{}, len(sorted))
	for _, ev := range sorted {
		w := spatialWeight(claim, ev)
		weight += w
		if ev.WithinRadius {
			agreeing += w
		}
		temporal += clamp01(ev.TemporalOverlap)
		distance += ev.DistanceMeters
		sources[ev.Plugin] = struct{}{}
	}
	n := float64(len(sorted))
	v.DistinctSources = len(sources)
	if weight > 0 {
		v.Spatial = clamp01(agreeing / weight)
	}
	v.Temporal = clamp01(temporal / n)
	v.Source = clamp01((1 - math.Pow(0.5, float64(v.DistinctSources))) * n / float64(v.Submitted))

	w := a.policy.Weights
	v.Overall = clamp01(w.Spatial*v.Spatial + w.Temporal*v.Temporal + w.Source*v.Source)

	if v.Overall >= a.policy.Threshold {
		v.Outcome = OutcomeVerified
	} else {
		v.Outcome = OutcomeRefuted
	}
	switch claim.Operation {
	case location.OperationDistance:
		v.Value = distance / n
	case location.OperationArea:
		v.Value = claim.Target.Area()
	default:
		v.Result = v.Outcome == OutcomeVerified
	}
	return v
}

// spatialWeight is min(1, reference/distance): full weight within the
// reference radius, decaying beyond it. Spatial is the weighted share of
// evaluations the plugins judged within the radius.
func spatialWeight(claim location.Claim, ev plugin.Evaluation) float64 {
	ref := claim.Target.Radius
	if ref <= 0 {
		ref = accuracyOf(ev)
	}
	if ref <= 0 {
		ref = 1
	}
	r := ev.DistanceMeters / ref
	if math.IsNaN(r) || r <= 1 {
		return 1
	}
	return 1 / r
}

func accuracyOf(ev plugin.Evaluation) float64 {
	var acc float64
	switch v := ev.Details[plugin.DetailAccuracy].(type) {
	case float64:
		acc = v
	case float32:
		acc = float64(v)
	case int:
		acc = float64(v)
	case json.Number:
		acc, _ = v.Float64()
	}
	if math.IsNaN(acc) || math.IsInf(acc, 0) {
		return 0
	}
	return acc
}

func compareEvaluations(a, b plugin.Evaluation) int {
	if c := strings.Compare(a.Plugin, b.Plugin); c != 0 {
		return c
	}
	if c := bytes.Compare(a.StampRef[:], b.StampRef[:]); c != 0 {
		return c
	}
	if c := cmp.Compare(a.DistanceMeters, b.DistanceMeters); c != 0 {
		return c
	}
	return cmp.Compare(a.TemporalOverlap, b.TemporalOverlap)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
