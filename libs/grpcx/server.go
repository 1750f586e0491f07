package grpcx

import (
	"context"
	"log/slog"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer builds a grpc.Server with tracing, request ids and call logging.
func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) *grpc.Server {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLogInterceptor(logger),
		),
	}
	return grpc.NewServer(append(opts, extra...)...)
}

// Health tracks per-component serving status and exposes it through the
// standard grpc.health.v1 service.
type Health struct {
	srv *health.Server
}

func RegisterHealth(s *grpc.Server) *Health {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	return &Health{srv: hs}
}

// Set marks component as serving or not. The empty component name is the
// overall server status.
func (h *Health) Set(component string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus(component, st)
}

// Shutdown flips every component to NOT_SERVING.
func (h *Health) Shutdown() {
	h.srv.Shutdown()
}

// Serve listens on addr and stops gracefully when ctx is done.
func Serve(ctx context.Context, logger *slog.Logger, srv *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("grpc server starting", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	logger.Info("grpc server stopped")
	return nil
}
