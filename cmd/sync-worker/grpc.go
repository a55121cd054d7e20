package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const healthService = "crmsync.worker"

// runHealthServer serves grpc.health.v1 and flips the status with storage
// reachability.
func runHealthServer(ctx context.Context, addr string, repo pinger, onListen func(addr string)) error {
	if addr == "" {
		addr = ":50052"
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if onListen != nil {
		onListen(lis.Addr().String())
	}

	hs := health.NewServer()
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	go func() {
		t := time.NewTicker(10 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				stopped := make(chan struct{})
				go func() {
					s.GracefulStop()
					close(stopped)
				}()
				select {
				case <-stopped:
				case <-time.After(2 * time.Second):
					s.Stop()
				}
				_ = lis.Close()
				return
			case <-t.C:
				st := healthpb.HealthCheckResponse_SERVING
				if repo != nil {
					pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
					if err := repo.Ping(pctx); err != nil {
						st = healthpb.HealthCheckResponse_NOT_SERVING
					}
					cancel()
				}
				hs.SetServingStatus(healthService, st)
			}
		}
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return ctx.Err()
}
