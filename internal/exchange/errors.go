package exchange

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network errors,
// timeouts, throttling, or server-side 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ProtocolError marks a response the adapter cannot work with: a
// malformed body, an unexpected shape, or an application-level error
// code delivered inside an HTTP 200. Retrying would only repeat it.
type ProtocolError struct {
	Op  string
	Msg string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsProtocol reports whether err is a non-retryable response defect.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
