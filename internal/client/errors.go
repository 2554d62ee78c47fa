package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/ollama/ollama/api"
)

// APIError represents an API error with HTTP status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsRetryableAPIError returns true if the API error has a retryable status code.
func IsRetryableAPIError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return retryableStatus(statusErr.StatusCode)
	}
	var statusErrPtr *api.StatusError
	if errors.As(err, &statusErrPtr) {
		return retryableStatus(statusErrPtr.StatusCode)
	}
	return false
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// IsRetryableError checks if an error is worth retrying. Cancellation never is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if IsRetryableAPIError(err) {
		return true
	}

	// String fallback only for untyped errors from third-party libraries
	msg := strings.ToLower(err.Error())
	untyped := []string{
		"rate limit",
		"resource_exhausted",
		"unavailable",
		"connection refused",
		"connection reset",
		"eof",
		"tls handshake",
		"no such host",
		"429",
		"503",
	}
	for _, pattern := range untyped {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
