package health

import (
	"context"
	"net"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCChecker(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	hs.SetServingStatus("api", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("billing", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx := context.Background()

	result := NewGRPCChecker(lis.Addr().String(), "api").Check(ctx)
	assert.True(t, result.Healthy, result.Message)
	assert.Equal(t, "gRPC SERVING", result.Message)

	result = NewGRPCChecker(lis.Addr().String(), "billing").Check(ctx)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "NOT_SERVING")

	result = NewGRPCChecker(lis.Addr().String(), "unknown").Check(ctx)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "health rpc failed")
}

func TestTCPChecker(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	result := NewTCPChecker(addr).Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
	assert.Contains(t, result.Message, "accepting connections")

	require.NoError(t, lis.Close())
	result = NewTCPChecker(addr).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "tcp "+addr)
	assert.Equal(t, CheckTypeTCP, NewTCPChecker(addr).Type())
}

func TestExecChecker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX commands")
	}
	ctx := context.Background()

	result := NewExecChecker([]string{"sh", "-c", "echo ready"}).Check(ctx)
	assert.True(t, result.Healthy, result.Message)
	assert.Contains(t, result.Message, "Output: ready")

	result = NewExecChecker([]string{"sh", "-c", "echo broken >&2; exit 3"}).Check(ctx)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "Stderr: broken")

	result = NewExecChecker(nil).Check(ctx)
	assert.False(t, result.Healthy)
	assert.Equal(t, "no command specified", result.Message)
}
