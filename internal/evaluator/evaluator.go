// Package evaluator measures verified stamps against a claim through their
// plugins.
package evaluator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/internal/verifier"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/logger"
	"GeoAttest-Chain/pkg/plugin"
)

const defaultMaxInFlight = 16

// Evaluator runs plugin evaluations with bounded concurrency.
type Evaluator struct {
	maxInFlight int
	timeout     time.Duration
	hook        verifier.Hook
	log         *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

func WithMaxInFlight(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxInFlight = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

func WithHook(h verifier.Hook) Option {
	return func(e *Evaluator) { e.hook = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{maxInFlight: defaultMaxInFlight, log: logger.Named("evaluator")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type slot struct {
	evaluation *plugin.Evaluation
	rejection  *verifier.Rejection
}

// Evaluate measures every verified stamp. Evaluations come back in input
// order with Plugin and StampRef filled in; failed evaluations become
// EVALUATION_ERROR rejections. Only cancellation of ctx is returned as an
// error.
func (e *Evaluator) Evaluate(ctx context.Context, claim location.Claim, verified []verifier.Verified) ([]plugin.Evaluation, []verifier.Rejection, error) {
	slots := make([]slot, len(verified))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxInFlight)
	for i := range verified {
		g.Go(func() error {
			s, err := e.evaluateOne(gctx, claim, verified[i])
			if err != nil {
				return err
			}
			slots[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	evaluations := make([]plugin.Evaluation, 0, len(slots))
	var rejections []verifier.Rejection
	for _, s := range slots {
		if s.evaluation != nil {
			evaluations = append(evaluations, *s.evaluation)
		} else if s.rejection != nil {
			rejections = append(rejections, *s.rejection)
		}
	}
	return evaluations, rejections, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, claim location.Claim, v verifier.Verified) (slot, error) {
	reject := func(reason string) (slot, error) {
		e.log.Debug("evaluation failed", "index", v.Index, "plugin", v.Info.Name, "reason", reason)
		e.observe(v.Info.Name, xerrors.CodeEvaluationError, 0)
		return slot{rejection: &verifier.Rejection{
			Index:  v.Index,
			Plugin: v.Info.Name,
			Ref:    v.Ref,
			Code:   xerrors.CodeEvaluationError,
			Reason: reason,
		}}, nil
	}

	start := time.Now()
	ev, err := plugin.Invoke(ctx, e.timeout, func(callCtx context.Context) (plugin.Evaluation, error) {
		return v.Plugin.Evaluate(callCtx, v.Stamp.Clone(), claim.Clone())
	})
	elapsed := time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return slot{}, ctxErr
	}

	var pe *plugin.PanicError
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return reject(verifier.ReasonTimeout)
	case stdErrors.As(err, &pe):
		return reject(pe.Error())
	case err != nil:
		return reject(err.Error())
	case !ev.Check():
		return reject(fmt.Sprintf("evaluation out of bounds: distance=%v overlap=%v", ev.DistanceMeters, ev.TemporalOverlap))
	}

	ev.Plugin = v.Info.Name
	ev.StampRef = v.Ref
	ev.Details = maps.Clone(ev.Details)
	e.observe(v.Info.Name, "", elapsed)
	return slot{evaluation: &ev}, nil
}

func (e *Evaluator) observe(name string, code xerrors.Code, elapsed time.Duration) {
	if e.hook != nil {
		e.hook(name, code, elapsed)
	}
}
