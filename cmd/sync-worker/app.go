package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/app"
	"golang.org/x/sync/errgroup"
)

type workerOpts struct {
	httpAddr    string
	grpcAddr    string
	swaggerPath string

	onListen func(httpAddr, grpcAddr string)
}

// RunSyncWorker drives processDueRetries on a ticker next to the ops HTTP and gRPC
// health servers. It returns when ctx is done or any of them fails.
func RunSyncWorker(ctx context.Context, cfg *config.Config, f app.Factories, opts workerOpts, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	pollInterval := time.Duration(cfg.CRMSync.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 60 * time.Second
	}

	svc, err := app.Build(cfg, f, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.Retry.WithSettings(pollInterval, svc.Config.RetryBatchSize, 2*svc.Config.LockTTL)

	if err := ctx.Err(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	httpReady := make(chan string, 1)
	grpcReady := make(chan string, 1)

	g.Go(func() error {
		logger.Info("retry scheduler started", "poll_interval", pollInterval.String(), "batch", svc.Config.RetryBatchSize)
		return svc.Retry.Run(ctx)
	})
	g.Go(func() error {
		return runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr:    opts.httpAddr,
			swaggerPath: opts.swaggerPath,
			onListen:    func(addr string) { httpReady <- addr },
			retry:       svc.Retry,
			repo:        svc.Repo,
			cfg:         cfg,
			pollEvery:   pollInterval,
		})
	})
	g.Go(func() error {
		return runHealthServer(ctx, opts.grpcAddr, svc.Repo, func(addr string) { grpcReady <- addr })
	})

	if opts.onListen != nil {
		g.Go(func() error {
			var httpAddr, grpcAddr string
			for httpAddr == "" || grpcAddr == "" {
				select {
				case <-ctx.Done():
					return nil
				case httpAddr = <-httpReady:
				case grpcAddr = <-grpcReady:
				}
			}
			opts.onListen(httpAddr, grpcAddr)
			return nil
		})
	}

	return g.Wait()
}
