// Package dropgateerrors defines the error taxonomy shared by every
// transfer engine, a sentinel + wrapping-struct pattern: callers classify
// with errors.Is against the sentinels below rather than string-matching
// messages.
package dropgateerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Use errors.Is(err, dropgateerrors.ErrX) to classify.
var (
	ErrValidation = errors.New("dropgate: validation error")
	ErrNetwork    = errors.New("dropgate: network error")
	ErrProtocol   = errors.New("dropgate: protocol error")
	ErrCrypto     = errors.New("dropgate: crypto error")
	ErrAbort      = errors.New("dropgate: aborted")
	ErrTimeout    = errors.New("dropgate: timeout")
)

// Error wraps a sentinel with a human-readable message and optional context,
// mirroring GraphError's shape (StatusCode/RequestID/Message/Err).
type Error struct {
	StatusCode int // HTTP status, 0 if not HTTP-originated
	Message    string
	Err        error // one of the sentinels above
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dropgate: HTTP %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("dropgate: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a ValidationError with the given message.
func Validation(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrValidation}
}

// Network builds a NetworkError with the given message.
func Network(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrNetwork}
}

// Protocol builds a ProtocolError with the given message.
func Protocol(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrProtocol}
}

// Crypto builds a CryptoError with the given message.
func Crypto(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrCrypto}
}

// Abort builds an AbortError, terminal but never reported as a
// user-visible failure.
func Abort(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrAbort}
}

// Timeout builds a TimeoutError with the given message.
func Timeout(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrTimeout}
}

// IncompatibleServer builds the ProtocolError raised when a client/server
// major.minor mismatch is detected during the server-compat phase, before
// any upload state is created.
func IncompatibleServer(format string, args ...any) error {
	return &Error{Message: fmt.Sprintf(format, args...), Err: ErrProtocol}
}

// FromHTTPStatus classifies an HTTP response status: 4xx is a
// ValidationError (not retried), 5xx and 408/429 are a NetworkError
// (retried by the upload chunk loop).
func FromHTTPStatus(status int, body string) error {
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		return nil
	}

	e := &Error{StatusCode: status, Message: body}

	if IsRetryableStatus(status) {
		e.Err = ErrNetwork
	} else {
		e.Err = ErrValidation
	}

	return e
}

// IsRetryableStatus reports whether a chunk POST should be retried for the
// given status code. Network errors, 5xx and timeouts retry; 4xx such as
// 413/400 do not.
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return status >= http.StatusInternalServerError
	}
}
