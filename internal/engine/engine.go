// Package engine runs one assessment end to end: verify every stamp,
// evaluate the survivors against the claim, fold the evaluations into a
// credibility vector and, on request, encode and publish an attestation.
package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/credibility"
	xerrors "GeoAttest-Chain/internal/errors"
	"GeoAttest-Chain/internal/evaluator"
	"GeoAttest-Chain/internal/observability/alerting"
	"GeoAttest-Chain/internal/observability/metrics"
	"GeoAttest-Chain/internal/outbox"
	"GeoAttest-Chain/internal/verifier"
	"GeoAttest-Chain/pkg/location"
	"GeoAttest-Chain/pkg/logger"
	"GeoAttest-Chain/pkg/plugin"
)

var tracer = otel.Tracer("geoattest.engine")

// Assessment is the outcome of one Assess call.
type Assessment struct {
	ID          string               `json:"id"`
	Claim       location.Claim       `json:"claim"`
	Vector      credibility.Vector   `json:"credibility"`
	Evaluations []plugin.Evaluation  `json:"evaluations"`
	Rejections  []verifier.Rejection `json:"rejections"`
	Refs        []common.Hash        `json:"input_refs"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Engine wires the assessment stages together.
type Engine struct {
	verifier   *verifier.Verifier
	evaluator  *evaluator.Evaluator
	aggregator *credibility.Aggregator
	encoder    *attestation.Encoder

	publisher outbox.Publisher
	attester  common.Address
	alerts    alerting.Dispatcher
	metrics   *metrics.Metrics
	log       *slog.Logger

	policy        credibility.Policy
	verifierOpts  []verifier.Option
	evaluatorOpts []evaluator.Option
	now           func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPolicy overrides the credibility weights and threshold.
func WithPolicy(p credibility.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithVerifierOptions forwards options to the verification stage.
func WithVerifierOptions(opts ...verifier.Option) Option {
	return func(e *Engine) { e.verifierOpts = append(e.verifierOpts, opts...) }
}

// WithEvaluatorOptions forwards options to the evaluation stage.
func WithEvaluatorOptions(opts ...evaluator.Option) Option {
	return func(e *Engine) { e.evaluatorOpts = append(e.evaluatorOpts, opts...) }
}

// WithEncoder sets the attestation encoder. Without one, Attest uses the
// schemas of the zero resolver.
func WithEncoder(enc *attestation.Encoder) Option {
	return func(e *Engine) { e.encoder = enc }
}

// WithOutbox publishes every attestation as attester.
func WithOutbox(p outbox.Publisher, attester common.Address) Option {
	return func(e *Engine) {
		e.publisher = p
		e.attester = attester
	}
}

// WithAlerts notifies d about timeouts and delivery failures.
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

// WithMetrics records stage and assessment metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New builds an engine resolving plugins through resolver.
func New(resolver verifier.Resolver, opts ...Option) (*Engine, error) {
	if resolver == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "engine requires a plugin resolver")
	}
	e := &Engine{
		policy: credibility.DefaultPolicy(),
		log:    logger.Named("engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	aggregator, err := credibility.NewAggregator(e.policy)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "credibility policy")
	}
	e.aggregator = aggregator
	if e.encoder == nil {
		e.encoder = attestation.NewEncoder(attestation.NewSchemas(common.Address{}, true), "")
	}

	vOpts := []verifier.Option{verifier.WithLogger(e.log.With("stage", "verify"))}
	eOpts := []evaluator.Option{evaluator.WithLogger(e.log.With("stage", "evaluate"))}
	if e.metrics != nil {
		vOpts = append(vOpts, verifier.WithHook(e.metrics.PluginHook(metrics.StageVerify)))
		eOpts = append(eOpts, evaluator.WithHook(e.metrics.PluginHook(metrics.StageEvaluate)))
	}
	e.verifier = verifier.New(resolver, append(vOpts, e.verifierOpts...)...)
	e.evaluator = evaluator.New(append(eOpts, e.evaluatorOpts...)...)
	return e, nil
}

// Policy returns the active credibility policy.
func (e *Engine) Policy() credibility.Policy { return e.aggregator.Policy() }

// Schemas returns the attestation layouts the engine encodes.
func (e *Engine) Schemas() attestation.Schemas { return e.encoder.Schemas() }

// Assess verifies stamps and scores claim against the verified evidence.
// Individual stamp failures become rejections; the only errors returned are
// an invalid claim and cancellation of ctx.
func (e *Engine) Assess(ctx context.Context, claim location.Claim, stamps []location.Stamp) (*Assessment, error) {
	if err := claim.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid claim")
	}
	id := uuid.NewString()
	ctx, span := tracer.Start(ctx, "engine.Assess", trace.WithAttributes(
		attribute.String("assessment.id", id),
		attribute.String("claim.operation", string(claim.Operation)),
		attribute.Int("stamps.submitted", len(stamps)),
	))
	defer span.End()

	partition, err := e.verify(ctx, stamps)
	if err != nil {
		return nil, e.abort(span, id, err)
	}
	evaluations, evalRejected, err := e.evaluate(ctx, claim, partition.Verified)
	if err != nil {
		return nil, e.abort(span, id, err)
	}

	rejections := append(slices.Clone(partition.Rejected), evalRejected...)
	slices.SortStableFunc(rejections, func(a, b verifier.Rejection) int { return cmp.Compare(a.Index, b.Index) })

	refs := make([]common.Hash, 0, len(evaluations))
	for _, ev := range evaluations {
		refs = append(refs, ev.StampRef)
	}

	a := &Assessment{
		ID:          id,
		Claim:       claim.Clone(),
		Vector:      e.aggregator.Aggregate(claim, evaluations, len(partition.Verified), len(stamps)),
		Evaluations: evaluations,
		Rejections:  rejections,
		Refs:        attestation.SortedRefs(refs),
		CreatedAt:   e.now().UTC(),
	}

	span.SetAttributes(
		attribute.String("assessment.outcome", string(a.Vector.Outcome)),
		attribute.Float64("assessment.overall", a.Vector.Overall),
		attribute.Int("stamps.verified", a.Vector.Verified),
		attribute.Int("stamps.evaluated", a.Vector.Evaluated),
	)
	e.record(ctx, a)
	return a, nil
}

func (e *Engine) verify(ctx context.Context, stamps []location.Stamp) (verifier.Partition, error) {
	ctx, span := tracer.Start(ctx, "engine.Verify")
	defer span.End()
	part, err := e.verifier.Verify(ctx, stamps)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return part, err
	}
	span.SetAttributes(attribute.Int("verified", len(part.Verified)), attribute.Int("rejected", len(part.Rejected)))
	return part, nil
}

func (e *Engine) evaluate(ctx context.Context, claim location.Claim, verified []verifier.Verified) ([]plugin.Evaluation, []verifier.Rejection, error) {
	ctx, span := tracer.Start(ctx, "engine.Evaluate")
	defer span.End()
	evs, rejected, err := e.evaluator.Evaluate(ctx, claim, verified)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("evaluated", len(evs)), attribute.Int("rejected", len(rejected)))
	return evs, rejected, nil
}

func (e *Engine) abort(span trace.Span, id string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.log.Warn("assessment aborted", slog.String("assessment_id", id), slog.Any("error", err))
	return err
}

// record logs, audits, meters and alerts on a finished assessment.
func (e *Engine) record(ctx context.Context, a *Assessment) {
	for _, r := range a.Rejections {
		e.log.Debug("stamp rejected",
			slog.String("assessment_id", a.ID),
			slog.Int("index", r.Index),
			slog.String("plugin", r.Plugin),
			slog.String("code", string(r.Code)),
			slog.String("reason", r.Reason),
		)
		if r.Timeout() {
			e.alert(ctx, alerting.Event{
				Code:         xerrors.CodeTimeout,
				Message:      fmt.Sprintf("plugin %s timed out on stamp %d", r.Plugin, r.Index),
				Severity:     xerrors.AttributesOf(xerrors.CodeTimeout).Severity,
				AssessmentID: a.ID,
				Plugin:       r.Plugin,
				Metadata:     map[string]string{"stage_code": string(r.Code)},
				OccurredAt:   a.CreatedAt,
			})
		}
	}

	claimHash, err := a.Claim.Hash()
	if err != nil {
		e.log.Warn("hash claim for audit", slog.String("assessment_id", a.ID), slog.Any("error", err))
	}
	logger.Audit().Info("assessment",
		slog.String("assessment_id", a.ID),
		slog.String("claim_hash", claimHash.Hex()),
		slog.String("operation", string(a.Claim.Operation)),
		slog.String("outcome", string(a.Vector.Outcome)),
		slog.Float64("overall", a.Vector.Overall),
		slog.Int("verified", a.Vector.Verified),
		slog.Int("evaluated", a.Vector.Evaluated),
		slog.Int("submitted", a.Vector.Submitted),
	)
	if e.metrics != nil {
		e.metrics.ObserveAssessment(string(a.Vector.Outcome), a.Vector.Overall)
	}
}

func (e *Engine) alert(ctx context.Context, ev alerting.Event) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(ctx, ev); err != nil {
		e.log.Warn("alert delivery failed", slog.String("code", string(ev.Code)), slog.Any("error", err))
	}
}

// Attest encodes a under kind (empty selects the layout of the claim
// operation) and hands the record to the outbox when one is configured.
// The encoded attestation is returned even when publishing fails.
func (e *Engine) Attest(ctx context.Context, a *Assessment, kind attestation.Kind) (attestation.Attestation, error) {
	if a == nil {
		return attestation.Attestation{}, xerrors.New(xerrors.CodeInvalidArgument, "assessment is nil")
	}
	ctx, span := tracer.Start(ctx, "engine.Attest", trace.WithAttributes(attribute.String("assessment.id", a.ID)))
	defer span.End()

	att, err := e.encoder.Encode(attestation.Subject{
		ID:       a.ID,
		Claim:    a.Claim,
		Vector:   a.Vector,
		Refs:     a.Refs,
		IssuedAt: a.CreatedAt,
	}, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return attestation.Attestation{}, err
	}
	span.SetAttributes(attribute.String("attestation.schema", string(att.Schema)))
	if e.publisher == nil {
		return att, nil
	}

	err = e.publisher.Publish(ctx, outbox.NewEnvelope(a.ID, att, e.attester))
	if e.metrics != nil {
		e.metrics.ObservePublish(string(att.Schema), err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ev, ok := alerting.FromError(err, a.ID); ok {
			e.alert(ctx, ev)
		}
		return att, err
	}
	e.log.Info("attestation queued",
		slog.String("assessment_id", a.ID),
		slog.String("schema", string(att.Schema)),
		slog.String("uid", att.UID.Hex()),
	)
	return att, nil
}

// Close releases the outbox.
func (e *Engine) Close() error {
	if e.publisher == nil {
		return nil
	}
	return e.publisher.Close()
}
