package grpcx

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthReportsComponentStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 16)
	srv := NewServer(logger)
	h := RegisterHealth(srv)
	h.Set("relay", true)
	h.Set("consumer", false)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "relay"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "consumer"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDMetadataKey, "probe-1")
	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "relay"}, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"probe-1"}, header.Get(RequestIDMetadataKey))
}
