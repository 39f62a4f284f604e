package errors

import (
	"errors"
)

// Sentinel errors for the daemon's error taxonomy. Callers classify with
// errors.Is against these, never against wrapped message text.
var (
	// ErrConfig - malformed config, unknown event type, bad filter, missing
	// credentials. Fatal at load; never raised at runtime.
	ErrConfig = errors.New("config error")

	// ErrTransientNetwork - retryable; triggers backoff in the daemon loop.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrFatalNetwork - auth rejected, non-retryable status. Shuts the
	// daemon down after draining in-flight work.
	ErrFatalNetwork = errors.New("fatal network error")

	// ErrStorage - local database write failure; cursor integrity cannot be
	// guaranteed, treated as fatal.
	ErrStorage = errors.New("storage error")

	// ErrStaleCursor - SetCursor called with a value less than the stored
	// cursor.
	ErrStaleCursor = errors.New("stale cursor")

	// ErrNotFound - resource not found.
	ErrNotFound = errors.New("not found")

	// ErrInternal - unclassified internal error.
	ErrInternal = errors.New("internal error")
)
