// Package apierr classifies errors returned by the remote directory and auth APIs.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
)

// APIError is a non-2xx response from the remote API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, body)
}

// RetryAfter returns the server supplied Retry-After delay, if any.
func (e *APIError) RetryAfter() time.Duration { return e.retryAfter }

// FromResponse builds an APIError from a response whose body has already been read.
func FromResponse(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.Redacted()
	}
	e.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	return e
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return retrieveErr.Response.StatusCode
	}
	return 0
}

// IsTransient reports whether a retry may succeed: network failures, call
// timeouts, busy half-open circuits, HTTP 408, 429 and 5xx. Open circuits and
// caller cancellation are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrHalfOpenBusy) {
		return true
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if code := StatusCode(err); code != 0 {
		return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, code int) bool {
	return StatusCode(err) == code
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
