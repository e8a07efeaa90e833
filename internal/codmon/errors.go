package codmon

import (
	"fmt"

	"github.com/pkg/errors"
)

// AuthError reports a failed or rejected login. It aborts the run.
type AuthError struct {
	StatusCode int
	Snippet    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("codmon: login failed with status %d: %s", e.StatusCode, e.Snippet)
}

// APIError reports a non-2xx response from the vendor API.
type APIError struct {
	StatusCode int
	URL        string
	Snippet    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("codmon: api error %d for %s: %s", e.StatusCode, e.URL, e.Snippet)
}

// IsAuth reports whether err is a login failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient classifies fetch failures for retry purposes. Network-level
// errors and server-side statuses are worth another attempt; client errors
// (404 and friends) are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.StatusCode >= 500 || ae.StatusCode == 429
	}
	if IsAuth(err) {
		return false
	}
	return true
}
