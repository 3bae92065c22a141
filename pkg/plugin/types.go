package plugin

import (
	"context"
	"math"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"GeoAttest-Chain/pkg/location"
)

// Capability expresses optional host access a plugin may request.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Well-known environments a plugin can declare support for.
const (
	EnvironmentServer  = "server"
	EnvironmentMobile  = "mobile"
	EnvironmentBrowser = "browser"
)

// Info contains the identity and descriptive metadata of a plugin.
type Info struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Environments []string     `json:"environments,omitempty"`
	Description  string       `json:"description,omitempty"`
	Author       string       `json:"author,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
}

// Supports reports whether the plugin runs in env. Plugins that declare no
// environments run anywhere.
func (i Info) Supports(env string) bool {
	return env == "" || len(i.Environments) == 0 || slices.Contains(i.Environments, env)
}

// Requires reports whether the plugin declared capability c.
func (i Info) Requires(c Capability) bool {
	return slices.Contains(i.Capabilities, c)
}

// VerificationResult is the outcome of checking a stamp's authenticity.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Valid is the shorthand for a passing verification.
func Valid() VerificationResult { return VerificationResult{Valid: true} }

// Invalid builds a failing verification with reason.
func Invalid(reason string) VerificationResult {
	return VerificationResult{Reason: reason}
}

// DetailAccuracy is the Details key under which evaluations record the stamp
// accuracy in meters.
const DetailAccuracy = "accuracy_meters"

// Evaluation is a plugin's measurement of one verified stamp against a claim.
// Plugin and StampRef are filled in by the host after the call.
type Evaluation struct {
	DistanceMeters  float64        `json:"distance_meters"`
	TemporalOverlap float64        `json:"temporal_overlap"`
	WithinRadius    bool           `json:"within_radius"`
	Details         map[string]any `json:"details,omitempty"`
	Plugin          string         `json:"plugin"`
	StampRef        common.Hash    `json:"stamp_ref"`
}

// Check reports whether the evaluation respects the measurement bounds.
func (e Evaluation) Check() bool {
	d, o := e.DistanceMeters, e.TemporalOverlap
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		return false
	}
	return !math.IsNaN(o) && o >= 0 && o <= 1
}

// Measure computes the standard evaluation every point-evidence plugin
// shares: distance from the stamp location to the claim target, temporal
// overlap of the windows and the radius check widened by the stamp accuracy.
func Measure(stamp location.Stamp, claim location.Claim) Evaluation {
	distance := location.DistanceToTarget(stamp.Location, claim.Target)
	accuracy := math.Max(0, stamp.Accuracy)
	return Evaluation{
		DistanceMeters:  distance,
		TemporalOverlap: location.TemporalOverlap(stamp.Window(), claim.Window),
		WithinRadius:    distance <= claim.Target.Radius+accuracy,
		Details:         map[string]any{DetailAccuracy: accuracy},
	}
}

// Plugin is the contract each evidence source implements.
type Plugin interface {
	// Info returns the static identity of the plugin.
	Info() Info
	// Verify checks the stamp's authenticity. It never panics on malformed
	// input and reports parse failures as an invalid result.
	Verify(ctx context.Context, stamp location.Stamp) VerificationResult
	// Evaluate measures a verified stamp against the claim. It must be pure
	// for fixed input.
	Evaluate(ctx context.Context, stamp location.Stamp, claim location.Claim) (Evaluation, error)
}

// Configurable plugins receive their configuration block once, at
// registration.
type Configurable interface {
	Configure(cfg map[string]any) error
}
