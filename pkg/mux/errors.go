package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Domain errors shared across mux subpackages. Check with errors.Is();
// wrapping errors add the backend and operation context.

var (
	// ErrLaunchFailed indicates the backend process or socket could not
	// be created. Fatal for that backend until the registry retries.
	ErrLaunchFailed = errors.New("backend launch failed")

	// ErrNegotiationFailed indicates the MCP handshake or capability
	// discovery failed after the transport opened. Treated as a failed
	// ready attempt and retried per backoff policy.
	ErrNegotiationFailed = errors.New("capability negotiation failed")

	// ErrUnknownCapability indicates a routing miss: no backend has
	// ever exposed the requested qualified name. Not retried.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrBackendUnavailable indicates the owning backend is degraded,
	// failed, or stopped at call time. Surfaced to the caller; never
	// silently queued.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrTimeout indicates a request exceeded the backend's configured
	// deadline. Any late backend result is discarded.
	ErrTimeout = errors.New("operation timed out")

	// ErrSessionInvalidated indicates a backend reset mid-session and
	// the handle could not be transparently re-established.
	ErrSessionInvalidated = errors.New("session invalidated")
)

// WrapBackendError classifies err against the domain taxonomy and adds
// backend/operation context. The returned error wraps the sentinel with
// %w so errors.Is() keeps working; the original error is flattened into
// the message.
func WrapBackendError(err error, backend, operation string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s on backend %s: %v", ErrTimeout, operation, backend, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s on backend %s cancelled: %w", operation, backend, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s on backend %s: %v", ErrTimeout, operation, backend, err)
	}

	// Library errors (MCP SDK, HTTP stack) are not always typed, so fall
	// back to pattern matching before defaulting to unavailable.
	if IsTimeoutError(err) {
		return fmt.Errorf("%w: %s on backend %s: %v", ErrTimeout, operation, backend, err)
	}

	return fmt.Errorf("%w: %s on backend %s: %v", ErrBackendUnavailable, operation, backend, err)
}

// IsTimeoutError reports whether err looks like a timeout based on its
// message. Used only where structured error types are unavailable.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

// IsConnectionError reports whether err looks like a transport-level
// connection failure.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable")
}
