package health

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCChecker probes the standard grpc.health.v1 service. Only SERVING is
// healthy.
type GRPCChecker struct {
	// Address is the gRPC target (e.g., "api.internal:9090")
	Address string

	// Service is the name sent in the request; empty checks the server as a whole
	Service string

	// Timeout bounds a single probe (default: 5 seconds)
	Timeout time.Duration

	// DialOptions default to plaintext transport
	DialOptions []grpc.DialOption
}

// NewGRPCChecker creates a new gRPC health checker
func NewGRPCChecker(address, service string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Service: service,
		Timeout: DefaultTimeout,
		DialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
}

// Check performs the gRPC health check
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := grpc.NewClient(g.Address, g.DialOptions...)
	if err != nil {
		return failed(start, fmt.Sprintf("failed to create client: %v", err))
	}
	defer conn.Close()

	checkCtx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return failed(start, fmt.Sprintf("health rpc failed: %v", err))
	}

	status := resp.GetStatus()
	return Result{
		Healthy:   status == healthpb.HealthCheckResponse_SERVING,
		Message:   fmt.Sprintf("gRPC %s", status),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}

// WithTimeout sets the probe timeout
func (g *GRPCChecker) WithTimeout(timeout time.Duration) *GRPCChecker {
	g.Timeout = timeout
	return g
}
