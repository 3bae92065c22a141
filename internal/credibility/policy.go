package credibility

import (
	"fmt"
	"math"
)

const weightTolerance = 1e-9

// Weights are the contributions of each dimension to the overall score.
type Weights struct {
	Spatial  float64 `koanf:"spatial" json:"spatial"`
	Temporal float64 `koanf:"temporal" json:"temporal"`
	Source   float64 `koanf:"source" json:"source"`
}

// DefaultWeights favour spatial agreement, then timing, then corroboration.
func DefaultWeights() Weights {
	return Weights{Spatial: 0.5, Temporal: 0.3, Source: 0.2}
}

// Validate requires finite non-negative weights summing to one.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{"spatial": w.Spatial, "temporal": w.Temporal, "source": w.Source} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("weight %s must be a finite non-negative number, got %v", name, v)
		}
	}
	if sum := w.Spatial + w.Temporal + w.Source; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights must sum to 1, got %v", sum)
	}
	return nil
}

// Policy couples the weights with the acceptance threshold.
type Policy struct {
	Weights   Weights `koanf:"weights" json:"weights"`
	Threshold float64 `koanf:"threshold" json:"threshold"`
}

// DefaultThreshold is the minimum overall score of a verified outcome.
const DefaultThreshold = 0.6

// DefaultPolicy returns the default weights and threshold.
func DefaultPolicy() Policy {
	return Policy{Weights: DefaultWeights(), Threshold: DefaultThreshold}
}

// Validate checks weights and threshold.
func (p Policy) Validate() error {
	if err := p.Weights.Validate(); err != nil {
		return err
	}
	if math.IsNaN(p.Threshold) || p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0,1], got %v", p.Threshold)
	}
	return nil
}
