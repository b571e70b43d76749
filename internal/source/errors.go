package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/agatticelli/storefront-catalog/internal/platform/resilience"
)

var (
	// ErrTransport wraps network and client-side failures reaching the source
	ErrTransport = errors.New("source: transport error")

	// ErrShape is returned when the body is not a product list or page
	ErrShape = errors.New("source: unexpected response shape")
)

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("source: unexpected status code %d from %s: %s", e.StatusCode, e.URL, string(e.Body))
}

// ErrorKind returns a short label for logs and metrics.
func ErrorKind(err error) string {
	var httpErr *HTTPError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &httpErr):
		return "http"
	case errors.Is(err, ErrShape):
		return "shape"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

// IsOutage reports whether err points at the backend being unhealthy rather
// than at the request. 5xx, 429, timeouts, transport and shape errors count;
// other 4xx and cancellation do not.
func IsOutage(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	return true
}
