package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"GeoAttest-Chain/internal/cli"
	"GeoAttest-Chain/internal/config"
	"GeoAttest-Chain/pkg/logger"
)

// main is the entry point of the GeoAttest daemon.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("geoattestd: %v", err)
	}
}

func run(ctx context.Context) error {
	// An empty path falls back to $GEOATTEST_CONFIG.
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	return cli.Serve(ctx, cfg)
}
