package health

import (
	"context"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeGRPC CheckType = "grpc"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// DefaultTimeout bounds a single probe unless a checker is configured otherwise
const DefaultTimeout = 5 * time.Second

// Result represents the outcome of a single probe
type Result struct {
	Healthy bool
	// StatusCode is the HTTP status, or 0 when the probe is not HTTP or the
	// request never got a response
	StatusCode int
	Message    string
	CheckedAt  time.Time
	Duration   time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

func failed(start time.Time, message string) Result {
	return Result{
		Healthy:   false,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// CheckerFunc adapts a function to the Checker interface
type CheckerFunc func(ctx context.Context) Result

func (f CheckerFunc) Check(ctx context.Context) Result { return f(ctx) }

func (f CheckerFunc) Type() CheckType { return "func" }
