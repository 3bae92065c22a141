// Package plugintest provides configurable plugin doubles for tests.
package plugintest

import (
	"context"
	"sync/atomic"

	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/plugin"
)

// Fake is a plugin whose behaviour is supplied by function fields. With no
// functions set it accepts every stamp and returns plugin.Measure.
type Fake struct {
	Meta       plugin.Info
	VerifyFn   func(ctx context.Context, stamp location.Stamp) plugin.VerificationResult
	EvaluateFn func(ctx context.Context, stamp location.Stamp, claim location.Claim) (plugin.Evaluation, error)
	ConfigFn   func(cfg map[string]any) error

	Verifies  atomic.Int64
	Evaluates atomic.Int64
	Closed    atomic.Bool
}

// New returns a Fake named name at version 1.0.0.
func New(name string) *Fake {
	return &Fake{Meta: plugin.Info{Name: name, Version: "1.0.0"}}
}

func (f *Fake) Info() plugin.Info { return f.Meta }

func (f *Fake) Configure(cfg map[string]any) error {
	if f.ConfigFn != nil {
		return f.ConfigFn(cfg)
	}
	return nil
}

func (f *Fake) Verify(ctx context.Context, stamp location.Stamp) plugin.VerificationResult {
	f.Verifies.Add(1)
	if f.VerifyFn != nil {
		return f.VerifyFn(ctx, stamp)
	}
	return plugin.Valid()
}

func (f *Fake) Evaluate(ctx context.Context, stamp location.Stamp, claim location.Claim) (plugin.Evaluation, error) {
	f.Evaluates.Add(1)
	if f.EvaluateFn != nil {
		return f.EvaluateFn(ctx, stamp, claim)
	}
	return plugin.Measure(stamp, claim), nil
}

func (f *Fake) Close() error {
	f.Closed.Store(true)
	return nil
}

// Blocking returns a verify function that ignores its context and waits on
// release.
func Blocking(release <-chan struct{}) func(context.Context, location.Stamp) plugin.VerificationResult {
	return func(context.Context, location.Stamp) plugin.VerificationResult {
		<-release
		return plugin.Valid()
	}
}
