package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/CRMSync/config"
	"github.com/BearBump/CRMSync/internal/metrics"
	"github.com/BearBump/CRMSync/internal/services/retry"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	retry     *retry.Scheduler
	repo      pinger
	cfg       *config.Config
	pollEvery time.Duration
}

func workerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.repo != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.repo.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.retry == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retry scheduler not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.retry.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
			return
		}
		// Operational settings only, never credentials.
		sc := opts.cfg.SyncConfig()
		writeJSON(w, http.StatusOK, map[string]any{
			"pollIntervalSeconds":             int(opts.pollEvery / time.Second),
			"maxRetries":                      sc.MaxRetries,
			"retryStrategy":                   sc.RetryStrategy,
			"retryBaseIntervalSeconds":        int(sc.RetryBaseInterval / time.Second),
			"retryMaxJitterSeconds":           int(sc.RetryMaxJitter / time.Second),
			"retryBatchSize":                  sc.RetryBatchSize,
			"remoteRateLimitPerMinute":        sc.RemoteRateLimitPerMinute,
			"notifyOnPermanentFailure":        sc.NotifyOnPermanentFailure,
			"failFastOnPermanentRemoteErrors": sc.FailFastOnPermanentRemoteErrors,
			"recordKind":                      sc.RecordKind,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.retry == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "retry scheduler not wired"})
			return
		}
		opts.retry.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
	})

	r.Get("/metrics", metrics.Handler().ServeHTTP)

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}
	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: workerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
