package classify

import (
	"errors"
	"fmt"
)

// ErrNoURL is returned by NewClient when no endpoint is configured.
var ErrNoURL = errors.New("classify: endpoint URL required")

// Reason categorizes a failed classification.
type Reason int

const (
	// Network covers connection, DNS and transport failures.
	Network Reason = iota + 1
	// Timeout means the request deadline passed.
	Timeout
	// ServerRejected means the service answered with a non-2xx status.
	ServerRejected
	// SchemaInvalid means the body was not the expected detection document.
	SchemaInvalid
)

// String implements fmt.Stringer.
func (r Reason) String() string {
	switch r {
	case Network:
		return "network"
	case Timeout:
		return "timeout"
	case ServerRejected:
		return "server_rejected"
	case SchemaInvalid:
		return "schema_invalid"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Error is a failed classification.
type Error struct {
	Reason Reason

	// StatusCode is set for ServerRejected.
	StatusCode int

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("classify [%s]: status %d: %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("classify [%s]: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsServerError reports an HTTP 5xx rejection.
func (e *Error) IsServerError() bool {
	return e.Reason == ServerRejected && e.StatusCode >= 500
}

// IsRetryable reports whether another attempt may succeed. A 4xx rejection
// other than 408 or 429 means the request itself is wrong, and a malformed
// answer would only be returned again.
func (e *Error) IsRetryable() bool {
	switch e.Reason {
	case SchemaInvalid:
		return false
	case ServerRejected:
		return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
	default:
		return true
	}
}

// ReasonOf extracts the reason from err if it is or wraps an *Error.
func ReasonOf(err error) (Reason, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason, true
	}
	return 0, false
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Err: err}
}
