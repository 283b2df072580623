package chain

import (
	"errors"
	"fmt"
)

// ErrConfirmDeadline is returned by Confirm when the caller-supplied deadline
// expires before the transaction reaches a confirmed state. The transaction may
// still land on-chain afterwards; callers reconcile on the next evaluation pass.
var ErrConfirmDeadline = errors.New("confirmation deadline exceeded")

// ConfigurationError indicates the on-chain program configuration is absent,
// malformed, or carries a guard kind this build does not understand. It is
// fatal: evaluation halts until configuration is re-resolved successfully.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf builds a ConfigurationError from a format string.
func Configf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// NetworkError indicates a transient transport failure talking to the chain.
// Callers retry these with backoff; they are surfaced only once the retry
// budget is exhausted.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is (or wraps) a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
