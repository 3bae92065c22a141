// Package verifier partitions evidence stamps into verified and rejected
// sets by resolving each stamp's plugin and checking its authenticity.
package verifier

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/logger"
	"GeoAttest-Chain/pkg/plugin"
)

// ReasonTimeout is the rejection reason of a plugin call that exceeded its
// deadline.
const ReasonTimeout = "timeout"

const defaultMaxInFlight = 16

// Resolver looks plugins up by name. *plugin.Registry satisfies it.
type Resolver interface {
	Resolve(name string) (plugin.Plugin, error)
}

// Verified is a stamp whose plugin accepted it.
type Verified struct {
	Index  int            `json:"index"`
	Stamp  location.Stamp `json:"stamp"`
	Info   plugin.Info    `json:"plugin"`
	Ref    common.Hash    `json:"ref"`
	Plugin plugin.Plugin  `json:"-"`
}

// Rejection records why a stamp was excluded from an assessment.
type Rejection struct {
	Index  int          `json:"index"`
	Plugin string       `json:"plugin"`
	Ref    common.Hash  `json:"ref"`
	Code   xerrors.Code `json:"code"`
	Reason string       `json:"reason"`
}

// Timeout reports whether the rejection was caused by a deadline.
func (r Rejection) Timeout() bool { return r.Reason == ReasonTimeout }

// Partition splits the submitted stamps. Both slices are ordered by input
// index.
type Partition struct {
	Verified []Verified  `json:"verified"`
	Rejected []Rejection `json:"rejected"`
}

// Hook observes every plugin call made by the verifier or evaluator.
type Hook func(plugin string, code xerrors.Code, elapsed time.Duration)

// Verifier checks stamps with bounded concurrency.
type Verifier struct {
	resolver    Resolver
	maxInFlight int
	timeout     time.Duration
	memo        *Memo
	limiter     *Limiter
	hook        Hook
	log         *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithMaxInFlight bounds concurrent plugin calls.
func WithMaxInFlight(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxInFlight = n
		}
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) { v.timeout = d }
}

// WithMemo enables memoisation of verification results.
func WithMemo(m *Memo) Option {
	return func(v *Verifier) { v.memo = m }
}

// WithLimiter throttles plugins declaring the network capability.
func WithLimiter(l *Limiter) Option {
	return func(v *Verifier) { v.limiter = l }
}

// WithHook installs an observer of plugin calls.
func WithHook(h Hook) Option {
	return func(v *Verifier) { v.hook = h }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.log = l
		}
	}
}

// New builds a verifier resolving plugins through resolver.
func New(resolver Resolver, opts ...Option) *Verifier {
	v := &Verifier{
		resolver:    resolver,
		maxInFlight: defaultMaxInFlight,
		log:         logger.Named("verifier"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type slot struct {
	verified *Verified
	rejected *Rejection
}

// Verify checks every stamp independently. Individual failures become
// rejections; only cancellation of ctx is returned as an error.
func (v *Verifier) Verify(ctx context.Context, stamps []location.Stamp) (Partition, error) {
	slots := make([]slot, len(stamps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.maxInFlight)
	for i := range stamps {
		g.Go(func() error {
			s, err := v.verifyOne(gctx, i, stamps[i])
			if err != nil {
				return err
			}
			slots[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Partition{}, err
	}
	if err := ctx.Err(); err != nil {
		return Partition{}, err
	}

	var out Partition
	for _, s := range slots {
		switch {
		case s.verified != nil:
			out.Verified = append(out.Verified, *s.verified)
		case s.rejected != nil:
			out.Rejected = append(out.Rejected, *s.rejected)
		}
	}
	return out, nil
}

func (v *Verifier) verifyOne(ctx context.Context, index int, stamp location.Stamp) (slot, error) {
	reject := func(ref common.Hash, code xerrors.Code, reason string) (slot, error) {
		v.log.Debug("stamp rejected", "index", index, "plugin", stamp.Plugin, "code", code, "reason", reason)
		return slot{rejected: &Rejection{Index: index, Plugin: stamp.Plugin, Ref: ref, Code: code, Reason: reason}}, nil
	}

	ref, digestErr := stamp.Digest()
	p, err := v.resolver.Resolve(stamp.Plugin)
	if err != nil {
		return reject(ref, xerrors.CodePluginNotFound, "plugin not found: "+stamp.Plugin)
	}
	if digestErr != nil {
		return reject(ref, xerrors.CodeVerificationFailed, "malformed stamp: "+digestErr.Error())
	}
	info := p.Info()

	if v.memo != nil && v.memo.Accepted(info, ref) {
		return slot{verified: &Verified{Index: index, Stamp: stamp, Info: info, Ref: ref, Plugin: p}}, nil
	}

	start := time.Now()
	res, err := plugin.Invoke(ctx, v.timeout, func(callCtx context.Context) (plugin.VerificationResult, error) {
		if v.limiter != nil && info.Requires(plugin.CapabilityNetwork) {
			if err := v.limiter.Wait(callCtx, info.Name); err != nil {
				return plugin.VerificationResult{}, err
			}
		}
		return p.Verify(callCtx, stamp.Clone()), nil
	})
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return slot{}, ctxErr
	}
	if err != nil {
		reason := callFailure(err)
		v.observe(info.Name, xerrors.CodeVerificationFailed, elapsed)
		return reject(ref, xerrors.CodeVerificationFailed, reason)
	}

	if v.memo != nil {
		v.memo.Put(info, ref, res)
	}
	if !res.Valid {
		v.observe(info.Name, xerrors.CodeVerificationFailed, elapsed)
		return reject(ref, xerrors.CodeVerificationFailed, reasonOf(res))
	}
	v.observe(info.Name, "", elapsed)
	return slot{verified: &Verified{Index: index, Stamp: stamp, Info: info, Ref: ref, Plugin: p}}, nil
}

func (v *Verifier) observe(name string, code xerrors.Code, elapsed time.Duration) {
	if v.hook != nil {
		v.hook(name, code, elapsed)
	}
}

func reasonOf(res plugin.VerificationResult) string {
	if res.Reason == "" {
		return "rejected by plugin"
	}
	return res.Reason
}

// callFailure maps an abandoned or failed plugin call to a rejection reason.
func callFailure(err error) string {
	var pe *plugin.PanicError
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case stdErrors.As(err, &pe):
		return pe.Error()
	default:
		return fmt.Sprintf("plugin call failed: %v", err)
	}
}
