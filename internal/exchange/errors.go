package exchange

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedExchange is returned when no adapter is registered for
	// the requested exchange identifier.
	ErrUnsupportedExchange = errors.New("unsupported exchange")

	// ErrRateLimitExceeded is returned when a rate limit token could not be
	// acquired within the configured maximum wait.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrConnectTimeout is returned when a websocket handshake did not reach
	// the streaming state within the configured bound.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrReconnectExhausted signals that a session exceeded its maximum
	// reconnect attempts. It is delivered through the terminal failure
	// callback, never raised into an unrelated call stack.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrSessionClosed is returned when an operation targets a session that
	// has already been closed.
	ErrSessionClosed = errors.New("session closed")
)

// CredentialError indicates the exchange rejected the supplied API keys.
// It is fatal for the session that carried them.
type CredentialError struct {
	Exchange string
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: credentials rejected: %s", e.Exchange, e.Reason)
	}
	return fmt.Sprintf("%s: credentials rejected", e.Exchange)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// NewCredentialError wraps a vendor rejection into a CredentialError.
func NewCredentialError(exchange, reason string, err error) *CredentialError {
	return &CredentialError{Exchange: exchange, Reason: reason, Err: err}
}

// IsCredentialError reports whether err carries a CredentialError anywhere
// in its chain.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
