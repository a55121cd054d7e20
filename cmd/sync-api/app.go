package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/CRMSync/internal/api/syncapi"
	"github.com/BearBump/CRMSync/internal/app"
	"github.com/BearBump/CRMSync/internal/events"
	"github.com/BearBump/CRMSync/internal/services/dispatch"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
)

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type inboundTopic struct {
	consumer kafkaConsumer
	topic    string
	decode   dispatch.Decoder
}

type syncAPIOpts struct {
	httpAddr    string
	swaggerPath string
	inbound     []inboundTopic

	onListen func(httpAddr string)
}

func runSyncAPI(ctx context.Context, opts syncAPIOpts, svc *app.Services, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runHTTPServer(ctx, lis, newRouter(svc, opts.swaggerPath), logger)
	})
	for _, in := range opts.inbound {
		g.Go(func() error {
			return consumeTopic(ctx, in, svc.Bus, logger)
		})
	}
	return g.Wait()
}

func newRouter(svc *app.Services, swaggerPath string) http.Handler {
	r := chi.NewRouter()
	syncapi.New(svc.Syncer, svc.Retry, svc.Repo, svc.Bus).Routes(r)

	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}
	return r
}

// consumeTopic keeps the consumer running: a broken reader is restarted after a
// short pause until ctx is done.
func consumeTopic(ctx context.Context, in inboundTopic, bus *events.Bus, logger *slog.Logger) error {
	handler := dispatch.KafkaHandler(ctx, bus, in.topic, in.decode, logger)
	logger.Info("kafka consumer started", "topic", in.topic)
	for {
		err := in.consumer.Consume(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("kafka consumer failed", "topic", in.topic, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
