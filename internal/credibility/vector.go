// Package credibility folds per-stamp evaluations into a credibility vector
// and a policy outcome.
package credibility

// Outcome is the policy decision for a claim.
type Outcome string

const (
	OutcomeVerified     Outcome = "verified"
	OutcomeRefuted      Outcome = "refuted"
	OutcomeUnverifiable Outcome = "unverifiable"
)

// Vector is the multi-dimensional credibility of one assessment. It is
// derived per call and never persisted.
type Vector struct {
	Spatial         float64 `json:"spatial"`
	Temporal        float64 `json:"temporal"`
	Source          float64 `json:"source"`
	Overall         float64 `json:"overall"`
	Verified        int     `json:"verified"`
	Evaluated       int     `json:"evaluated"`
	Submitted       int     `json:"submitted"`
	DistinctSources int     `json:"distinct_sources"`
	Outcome         Outcome `json:"outcome"`
	// Result is the boolean answer of within/contains/intersects claims.
	Result bool `json:"result"`
	// Value and Units carry the measurement of distance/area claims.
	Value     float64 `json:"value,omitempty"`
	Units     string  `json:"units,omitempty"`
	Weights   Weights `json:"weights"`
	Threshold float64 `json:"threshold"`
}

// Unverifiable reports whether no verified evidence backed the vector.
func (v Vector) Unverifiable() bool {
	return v.Outcome == OutcomeUnverifiable
}
