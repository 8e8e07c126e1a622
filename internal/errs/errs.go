// Package errs defines the error taxonomy shared by the delivery pipeline.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ConfigError reports a missing secret or configuration value.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s is not configured", e.Key)
}

// UpstreamError reports a failed call to an external service.
// StatusCode is zero for network failures.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return fmt.Sprintf("%s authentication failed - check your credentials and tokens", e.Service)
	case e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("%s forbidden - check your app permissions", e.Service)
	case e.StatusCode == http.StatusTooManyRequests:
		return fmt.Sprintf("%s rate limit exceeded", e.Service)
	case e.StatusCode >= 500:
		return fmt.Sprintf("%s server error %d - service temporarily unavailable", e.Service, e.StatusCode)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s error %d: %s", e.Service, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s error %d", e.Service, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AuthError reports a failure to obtain or refresh an access token.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("oauth %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError reports that the local posting quota is exhausted.
type RateLimitError struct {
	Remaining int
	ResetTime time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d remaining until %s", e.Remaining, e.ResetTime.UTC().Format(time.RFC3339))
}

// IsRateLimited reports whether err is a local quota exhaustion or an
// upstream 429 response.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var up *UpstreamError
	return errors.As(err, &up) && up.StatusCode == http.StatusTooManyRequests
}
