package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker passes when the address accepts a connection. Used for
// services without an HTTP or gRPC health endpoint.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker with a 5s dial timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultTimeout}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	conn, err := (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return failed(start, fmt.Sprintf("tcp %s: %v", t.Address, err))
	}
	remote := conn.RemoteAddr().String()
	_ = conn.Close()

	return Result{
		Healthy:   true,
		Message:   "tcp " + remote + " accepting connections",
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the dial timeout; zero keeps the current one
func (t *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	if timeout > 0 {
		t.Timeout = timeout
	}
	return t
}
