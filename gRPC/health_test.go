package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestHealthServer(t *testing.T) {
	lis := bufconn.Listen(1024 * 1024)
	server := Serve(lis)
	defer server.GracefulStop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	t.Run("Test NotServingBeforeModel", func(t *testing.T) {
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))
	})

	t.Run("Test Serving", func(t *testing.T) {
		server.SetServing(true)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	})

	t.Run("Test Draining", func(t *testing.T) {
		server.SetServing(false)
		assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))
	})
}
