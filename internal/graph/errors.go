// Package graph provides an HTTP client for the Microsoft Graph API with
// transparent token refresh, throttling compliance, bounded retry, and
// error classification.
package graph

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, graph.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("graph: bad request")
	ErrUnauthorized = errors.New("graph: unauthorized")
	ErrForbidden    = errors.New("graph: forbidden")
	ErrNotFound     = errors.New("graph: not found")
	ErrConflict     = errors.New("graph: conflict")
	ErrGone         = errors.New("graph: resource gone")
	ErrThrottled    = errors.New("graph: throttled")
	ErrServerError  = errors.New("graph: server error")
)

// ErrReauthRequired indicates the refresh token itself was rejected: the user
// must sign in again. Never retried; halts sync for the affected source only.
var ErrReauthRequired = errors.New("graph: re-authentication required")

// GraphError wraps a sentinel error with the HTTP status code, the server's
// error code and message, and the response headers for debugging.
type GraphError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	Headers    http.Header
	Err        error // sentinel, for errors.Is()
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("graph: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// errorEnvelope mirrors the Graph API error response body.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrGone
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// tokenExpiredCode is the substring the identity platform embeds in the error
// message of a 401 when the access token has expired (error AADSTS80049228).
const tokenExpiredCode = "80049228"

// isTokenExpired reports whether err is a 401 caused by an expired or invalid
// access token, which a token refresh can fix. Other 401s (e.g. missing
// scopes) are not refreshable.
func isTokenExpired(err error) bool {
	var ge *GraphError
	if !errors.As(err, &ge) {
		return false
	}

	if ge.StatusCode != http.StatusUnauthorized {
		return false
	}

	return ge.Code == "InvalidAuthenticationToken" &&
		strings.Contains(ge.Message, tokenExpiredCode)
}
