package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxBodyBytes bounds how much of a health payload is read
const maxBodyBytes = 1 << 20

// HTTPChecker performs HTTP-based health checks
type HTTPChecker struct {
	// URL is the full HTTP URL to check (e.g., "http://api.internal:8080/health")
	URL string

	// Method is the HTTP method to use (default: GET)
	Method string

	// Headers are custom HTTP headers to include in the request
	Headers map[string]string

	// ExpectedStatusMin is the minimum acceptable HTTP status code (default: 200)
	ExpectedStatusMin int

	// ExpectedStatusMax is the maximum acceptable HTTP status code (default: 399)
	ExpectedStatusMax int

	// RequireHealthyPayload additionally requires a JSON body whose "status"
	// field is "healthy". A 200 with "degraded" is a failure.
	RequireHealthyPayload bool

	// Client is the HTTP client to use (allows custom configuration)
	Client *http.Client
}

// healthPayload is the documented shape of a health endpoint response
type healthPayload struct {
	Status string `json:"status"`
}

// NewHTTPChecker creates a new HTTP health checker
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:               url,
		Method:            http.MethodGet,
		Headers:           make(map[string]string),
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewEndpointChecker creates a checker for a service health endpoint: 2xx
// and a {"status": "healthy"} payload
func NewEndpointChecker(url string) *HTTPChecker {
	return NewHTTPChecker(url).WithStatusRange(200, 299).WithHealthyPayload()
}

// Check performs the HTTP health check
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	// Create HTTP request with context
	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return failed(start, fmt.Sprintf("failed to create request: %v", err))
	}

	// Add custom headers
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}
	if h.RequireHealthyPayload {
		req.Header.Set("Accept", "application/json")
	}

	// Perform HTTP request
	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	// Check status code
	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax

	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	} else if h.RequireHealthyPayload {
		var payload healthPayload
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
			healthy = false
			message = fmt.Sprintf("%s, invalid health payload: %v", message, err)
		} else if payload.Status != "healthy" {
			healthy = false
			message = fmt.Sprintf("%s, status %q", message, payload.Status)
		}
	}

	return Result{
		Healthy:    healthy,
		StatusCode: resp.StatusCode,
		Message:    message,
		CheckedAt:  start,
		Duration:   time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithMethod sets the HTTP method
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.Method = method
	return h
}

// WithHeader adds a custom HTTP header
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange sets the expected status code range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatusMin = min
	h.ExpectedStatusMax = max
	return h
}

// WithHealthyPayload requires a {"status": "healthy"} body
func (h *HTTPChecker) WithHealthyPayload() *HTTPChecker {
	h.RequireHealthyPayload = true
	return h
}

// WithTimeout sets the HTTP client timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
