package driver

import (
	"errors"
	"fmt"
)

// TransientProviderError marks a failure worth retrying: provider timeouts,
// 5xx responses, rate limits, network flaps. The workflow retry policy only
// retries errors of this kind.
type TransientProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient provider error (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

// SchemaValidationError reports model output that failed structured-output
// validation. It is never retried by the workflow retry policy; callers fall
// back to prompt repair or fail the node.
type SchemaValidationError struct {
	Detail string
	Err    error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %s", e.Detail)
}

func (e *SchemaValidationError) Unwrap() error {
	return e.Err
}
