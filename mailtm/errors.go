package mailtm

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned once the retry budget for 429 responses is spent.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnexpectedStatus marks a non-error status the operation does not accept.
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrEmptyToken       = errors.New("token response carried no token")
)

// AuthError reports a failed token request. It is fatal for the run.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.Status, e.Body)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// UpstreamError is any status >= 400 other than 429. Callers treat it as
// "no data" for the current cycle.
type UpstreamError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("api error (%d) on %s %s: %s", e.Status, e.Method, e.Path, e.Body)
}

// IsUpstreamError reports whether err carries an UpstreamError and returns it.
func IsUpstreamError(err error) (*UpstreamError, bool) {
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return upErr, true
	}
	return nil, false
}
