package errors

import (
	"context"
	"errors"
	"fmt"
)

// Config returns a ConfigError carrying message.
func Config(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConfig)
}

// TransientNetwork returns a TransientNetworkError carrying message.
func TransientNetwork(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransientNetwork)
}

// FatalNetwork returns a FatalNetworkError carrying message.
func FatalNetwork(message string) error {
	return fmt.Errorf("%s: %w", message, ErrFatalNetwork)
}

// Storage returns a StorageError carrying message.
func Storage(message string) error {
	return fmt.Errorf("%s: %w", message, ErrStorage)
}

// NotFound returns a not-found error carrying message.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// Internal returns an unclassified internal error carrying message.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// Wrap adds context to err without changing its classification.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryable reports whether err should trigger backoff-and-retry rather
// than an unwind of the daemon. Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransientNetwork)
}

// Category returns the taxonomy name for err, for logging/metrics.
func Category(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrConfig):
		return "ConfigError"
	case errors.Is(err, ErrTransientNetwork):
		return "TransientNetworkError"
	case errors.Is(err, ErrFatalNetwork):
		return "FatalNetworkError"
	case errors.Is(err, ErrStorage):
		return "StorageError"
	case errors.Is(err, ErrStaleCursor):
		return "StaleCursor"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrInternal):
		return "InternalError"
	default:
		return "Unknown"
	}
}
