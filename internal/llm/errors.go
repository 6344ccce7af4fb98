package llm

import (
	"errors"
	"fmt"
)

// ErrProviderNotConfigured means no usable active provider exists. It is
// returned before any external call is made.
var ErrProviderNotConfigured = errors.New("no inference provider configured")

// ProviderCallError is a failed call to the external model: network error,
// non-success status or timeout. Callers may retry.
type ProviderCallError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *ProviderCallError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %s timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s call failed: %v", e.Provider, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// ProviderResponseError means the model answered but its output could not be
// normalized.
type ProviderResponseError struct {
	Provider string
	Reason   string
}

func (e *ProviderResponseError) Error() string {
	return fmt.Sprintf("provider %s returned an unusable response: %s", e.Provider, e.Reason)
}
