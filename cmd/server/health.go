package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const pipelineService = "editalflow.Pipeline"

// healthServer exposes gRPC health checks so orchestrators can probe worker
// liveness without going through the HTTP stack.
type healthServer struct {
	port   string
	srv    *grpc.Server
	hs     *health.Server
	logger *slog.Logger
}

func newHealthServer(port string, logger *slog.Logger) *healthServer {
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &healthServer{port: port, srv: srv, hs: hs, logger: logger}
}

func (h *healthServer) Start(context.Context) error {
	lis, err := net.Listen("tcp", ":"+h.port)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	h.hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.hs.SetServingStatus(pipelineService, healthpb.HealthCheckResponse_SERVING)
	h.logger.Info("grpc health serving", "port", h.port)

	go func() {
		if err := h.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			h.logger.Error("grpc health serve", "error", err)
		}
	}()
	return nil
}

func (h *healthServer) Shutdown(ctx context.Context) error {
	h.hs.Shutdown()

	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.srv.Stop()
		return ctx.Err()
	}
}
