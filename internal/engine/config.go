package engine

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"GeoAttest-Chain/internal/attestation"
	"GeoAttest-Chain/internal/config"
	"GeoAttest-Chain/internal/evaluator"
	"GeoAttest-Chain/internal/observability/alerting"
	"GeoAttest-Chain/internal/verifier"
)

// ConfigOptions translates the process configuration into engine options.
// The outbox, metrics and the plugin registry are process resources and are
// passed separately.
func ConfigOptions(cfg *config.Config) []Option {
	opts := []Option{
		WithPolicy(cfg.Credibility),
		WithEncoder(attestation.NewEncoder(Schemas(cfg), cfg.Attestation.CredibilityURIBase)),
	}

	vOpts := []verifier.Option{
		verifier.WithMaxInFlight(cfg.Engine.MaxInFlight),
		verifier.WithTimeout(cfg.Engine.VerifyTimeout),
	}
	if cfg.Engine.CacheTTL > 0 {
		vOpts = append(vOpts, verifier.WithMemo(verifier.NewMemo(cfg.Engine.CacheTTL)))
	}
	if cfg.Engine.NetworkRate > 0 {
		vOpts = append(vOpts, verifier.WithLimiter(verifier.NewLimiter(cfg.Engine.NetworkRate, cfg.Engine.NetworkBurst)))
	}
	opts = append(opts,
		WithVerifierOptions(vOpts...),
		WithEvaluatorOptions(
			evaluator.WithMaxInFlight(cfg.Engine.MaxInFlight),
			evaluator.WithTimeout(cfg.Engine.EvaluateTimeout),
		),
	)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		timeout := cfg.Alerting.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL, Client: &http.Client{Timeout: timeout}})
	}
	return append(opts, WithAlerts(alerting.NewFanout(notifiers...)))
}

// Attester returns the configured attester address, or the zero address.
func Attester(cfg *config.Config) common.Address {
	return common.HexToAddress(cfg.Attestation.Attester)
}

// Schemas returns the layouts registered under the configured resolver.
func Schemas(cfg *config.Config) attestation.Schemas {
	return attestation.NewSchemas(common.HexToAddress(cfg.Attestation.Resolver), cfg.Attestation.Revocable)
}
