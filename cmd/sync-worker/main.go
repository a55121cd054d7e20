package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/app"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	logger := app.NewLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := workerOpts{
		httpAddr:    cfg.CRMSync.WorkerHTTPAddr,
		grpcAddr:    cfg.CRMSync.WorkerGRPCAddr,
		swaggerPath: os.Getenv("swaggerPath"),
	}
	if err := RunSyncWorker(ctx, cfg, app.DefaultFactories(), opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("sync worker stopped", "error", err.Error())
		os.Exit(1)
	}
}
