package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"GeoAttest-Chain/internal/api"
	"GeoAttest-Chain/internal/auth"
	"GeoAttest-Chain/internal/config"
	"GeoAttest-Chain/internal/engine"
	"GeoAttest-Chain/internal/observability/metrics"
	"GeoAttest-Chain/internal/outbox"
	"GeoAttest-Chain/internal/plugins"
	"GeoAttest-Chain/pkg/logger"
	"GeoAttest-Chain/pkg/plugin"
)

// Runtime holds the process resources built from a configuration.
type Runtime struct {
	Config   *config.Config
	Registry *plugin.Registry
	Metrics  *metrics.Metrics
	Engine   *engine.Engine
}

// Bootstrap loads the plugins, opens the outbox and builds the engine.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	reg, err := plugins.NewRegistry(cfg.Plugins.ManagerPath, cfg.Engine.Environment)
	if err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	pub, err := outbox.Open(ctx, cfg.Outbox)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	m := metrics.New()
	opts := append(engine.ConfigOptions(cfg),
		engine.WithMetrics(m),
		engine.WithOutbox(pub, engine.Attester(cfg)),
	)
	eng, err := engine.New(reg, opts...)
	if err != nil {
		_ = pub.Close()
		_ = reg.Close()
		return nil, err
	}
	logger.L().Info("runtime ready",
		slog.Int("plugins", reg.Len()),
		slog.String("outbox", cfg.Outbox.Driver),
		slog.String("environment", cfg.Engine.Environment),
	)
	return &Runtime{Config: cfg, Registry: reg, Metrics: m, Engine: eng}, nil
}

// Close releases the outbox and the plugins.
func (r *Runtime) Close() error {
	return errors.Join(r.Engine.Close(), r.Registry.Close())
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, cfg *config.Config) error {
	guard, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("server auth: %w", err)
	}
	rt, err := Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.L().Warn("shutdown", slog.Any("error", err))
		}
	}()

	if cfg.Ledger.RPCURL != "" {
		reportLedger(ctx, cfg)
	}

	opts := []api.Option{
		api.WithAuth(guard),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		api.WithTimeouts(api.Timeouts{
			Read:     cfg.Server.ReadTimeout,
			Write:    cfg.Server.WriteTimeout,
			Shutdown: cfg.Server.ShutdownTimeout,
		}),
	}
	if addr := cfg.Server.MetricsAddress; addr != "" {
		go func() {
			if err := rt.Metrics.StartServer(ctx, addr); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics server", slog.String("address", addr), slog.Any("error", err))
			}
		}()
	} else {
		opts = append(opts, api.WithMetrics(rt.Metrics))
	}

	server := api.NewServer(cfg.Server.Address, rt.Engine, rt.Registry, opts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reportLedger logs schemas missing from the ledger registry. Failing to
// reach the ledger does not stop the API.
func reportLedger(ctx context.Context, cfg *config.Config) {
	log := logger.Named("ledger")
	statuses, err := checkLedger(ctx, cfg.Ledger, engine.Schemas(cfg))
	if err != nil {
		log.Warn("schema registry check failed", slog.Any("error", err))
		return
	}
	for _, st := range statuses {
		switch {
		case !st.Registered:
			log.Warn("schema not registered", slog.String("kind", string(st.Kind)), slog.String("uid", st.UID.Hex()))
		case !st.Matches:
			log.Warn("schema registered with different fields", slog.String("kind", string(st.Kind)), slog.String("uid", st.UID.Hex()))
		}
	}
}
