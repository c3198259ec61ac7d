package sources

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthRejected is wrapped by AuthErrors raised because the provider refused
// a credential or token.
var ErrAuthRejected = errors.New("authentication rejected")

// maxExcerpt bounds how much of a response body is kept for diagnosis.
const maxExcerpt = 256

// AuthError reports bad credentials or a token the provider would not accept
// even after re-authenticating.
type AuthError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: authentication failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError reports a network failure, timeout or unexpected HTTP status.
type TransportError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a response that could not be understood. Excerpt holds
// the start of the offending body.
type ParseError struct {
	Provider string
	Op       string
	Excerpt  string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s: malformed response: %v (body: %q)", e.Provider, e.Op, e.Err, e.Excerpt)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Excerpt returns at most the first 256 bytes of body.
func Excerpt(body []byte) string {
	if len(body) > maxExcerpt {
		return string(body[:maxExcerpt]) + "..."
	}
	return string(body)
}

// IsAuthRejection reports whether an HTTP status means the token was refused.
func IsAuthRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// statusError is used as the cause of errors raised for non-2xx responses.
func statusError(status int, body []byte) error {
	return fmt.Errorf("unexpected status %d %s: %s", status, http.StatusText(status), Excerpt(body))
}

// NewStatusError builds the TransportError for an unexpected HTTP status.
func NewStatusError(provider, op string, status int, body []byte) error {
	return &TransportError{Provider: provider, Op: op, StatusCode: status, Err: statusError(status, body)}
}
