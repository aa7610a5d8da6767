package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/HighEncryption/Blueshift/internal/tokenstore"
)

// DefaultBaseURL is the Microsoft Graph API endpoint.
const DefaultBaseURL = "https://graph.microsoft.com"

// Retry protocol constants.
const (
	maxThrottleAttempts  = 3
	defaultThrottleDelay = 10 * time.Second
	maxServerRetries     = 3
	serverErrorBackoff   = 3 * time.Second
	userAgent            = "blueshift/1.0"
)

// Refresher exchanges a refresh token for a new token pair. Defined at the
// consumer per Go convention; the real implementation lives in auth.go.
type Refresher interface {
	Refresh(ctx context.Context, current *tokenstore.TokenPair) (*tokenstore.TokenPair, error)
}

// Client issues authenticated requests against the Graph API. It owns the
// token pair in memory for the lifetime of a sync run: expired-token
// responses trigger a refresh and a single re-issue of the original request,
// and the rotated pair is handed back to the caller via RotatedToken for
// persistence. The client itself never writes to disk.
type Client struct {
	baseURL    string
	httpClient *http.Client
	noRedirect *http.Client
	refresher  Refresher
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Tests override this
	// to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error

	token   *tokenstore.TokenPair
	rotated bool
}

// NewClient creates a Graph API client holding the given token pair.
func NewClient(
	baseURL string,
	httpClient *http.Client,
	token *tokenstore.TokenPair,
	refresher Refresher,
	logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// The download-URI endpoint answers with a redirect whose Location is the
	// pre-authenticated URL; that redirect must not be followed.
	noRedirect := &http.Client{
		Transport: httpClient.Transport,
		Timeout:   httpClient.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		noRedirect: noRedirect,
		refresher:  refresher,
		logger:     logger,
		sleepFunc:  timeSleep,
		token:      token,
	}
}

// RotatedToken returns the current token pair and whether it was rotated by a
// refresh since the client was built. The caller persists a rotated pair;
// this explicit hand-off replaces callback wiring.
func (c *Client) RotatedToken() (*tokenstore.TokenPair, bool) {
	return c.token, c.rotated
}

// Do executes an authenticated request. If url is relative it is appended to
// the client's base URL (the delta feed hands back absolute next links, which
// are used verbatim). An expired-token response triggers one token refresh
// followed by a single re-issue of the request.
// The caller is responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	return c.doAuth(ctx, method, c.absoluteURL(url), body, c.httpClient)
}

// DoNoRedirect is Do without redirect following, for endpoints whose payload
// is the redirect itself.
func (c *Client) DoNoRedirect(ctx context.Context, method, url string, body []byte) (*http.Response, error) {
	return c.doAuth(ctx, method, c.absoluteURL(url), body, c.noRedirect)
}

func (c *Client) absoluteURL(url string) string {
	if strings.HasPrefix(url, "http") {
		return url
	}

	return c.baseURL + url
}

func (c *Client) doAuth(ctx context.Context, method, url string, body []byte, hc *http.Client) (*http.Response, error) {
	resp, err := c.sendWithRetry(ctx, method, url, body, hc)
	if err == nil || !isTokenExpired(err) {
		return resp, err
	}

	c.logger.Info("response indicates expired token, attempting refresh",
		slog.String("method", method),
	)

	if refreshErr := c.refreshToken(ctx); refreshErr != nil {
		return nil, refreshErr
	}

	// Re-issue the original request once with the new token.
	return c.sendWithRetry(ctx, method, url, body, hc)
}

// refreshToken exchanges the refresh token for a new pair and marks the pair
// rotated so the caller knows to persist it.
func (c *Client) refreshToken(ctx context.Context) error {
	newPair, err := c.refresher.Refresh(ctx, c.token)
	if err != nil {
		return err
	}

	c.logger.Info("token refreshed",
		slog.Time("expires_at", newPair.ExpiresAt()),
	)

	c.token = newPair
	c.rotated = true

	return nil
}

// sendWithRetry implements the retry protocol:
//   - success and redirect responses are returned as-is
//   - 429 is retried up to 3 attempts, honoring Retry-After (default 10s)
//   - 5xx is retried on a separate bounded budget with a fixed 3s backoff,
//     rebuilding the request each time, but only after the attempt count has
//     passed the throttle budget; a 5xx on an early attempt is returned
//     immediately
//   - anything else becomes a structured GraphError and is never retried
func (c *Client) sendWithRetry(ctx context.Context, method, url string, body []byte, hc *http.Client) (*http.Response, error) {
	attempt := 0
	serverRetries := 0

	for {
		// The request is rebuilt fresh on every attempt: a fresh content
		// reader and headers are the Go equivalent of cloning the request.
		resp, err := c.sendOnce(ctx, method, url, body, hc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
			}

			return nil, fmt.Errorf("graph: %s %s: %w", method, redactURL(url), err)
		}

		attempt++

		if isSuccessOrRedirect(resp.StatusCode) {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)

			return resp, nil
		}

		graphErr := readGraphError(resp)

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxThrottleAttempts {
			delay := retryAfterDelay(resp)
			c.logger.Warn("throttled by server, delaying",
				slog.String("method", method),
				slog.Duration("delay", delay),
				slog.Int("attempt", attempt),
			)

			if sleepErr := c.sleepFunc(ctx, delay); sleepErr != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", sleepErr)
			}

			continue
		}

		// 5xx responses are retried only once the attempt count has passed
		// the throttle budget; early server errors surface immediately.
		if resp.StatusCode >= http.StatusInternalServerError &&
			attempt > maxThrottleAttempts && serverRetries < maxServerRetries {
			serverRetries++
			c.logger.Warn("server error, retrying after delay",
				slog.String("method", method),
				slog.Int("status", resp.StatusCode),
				slog.Int("server_retry", serverRetries),
			)

			if sleepErr := c.sleepFunc(ctx, serverErrorBackoff); sleepErr != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", sleepErr)
			}

			continue
		}

		c.logger.Warn("returning error response",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", attempt),
		)

		return nil, graphErr
	}
}

// sendOnce executes a single HTTP request (no retry).
func (c *Client) sendOnce(ctx context.Context, method, url string, body []byte, hc *http.Client) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token.AccessToken)
	req.Header.Set("User-Agent", userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return hc.Do(req)
}

// readGraphError drains an error response into a structured GraphError.
func readGraphError(resp *http.Response) *GraphError {
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		data = []byte("(failed to read response body)")
	}

	ge := &GraphError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Headers:    resp.Header.Clone(),
		Message:    string(data),
		Err:        classifyStatus(resp.StatusCode),
	}

	var envelope errorEnvelope
	if jsonErr := json.Unmarshal(data, &envelope); jsonErr == nil && envelope.Error.Code != "" {
		ge.Code = envelope.Error.Code
		ge.Message = envelope.Error.Message
	}

	return ge
}

// retryAfterDelay returns the server-requested delay for a throttled
// response, or the default when the header is absent or malformed.
func retryAfterDelay(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}

	return defaultThrottleDelay
}

func isSuccessOrRedirect(code int) bool {
	return code >= http.StatusOK && code < http.StatusBadRequest
}

// redactURL strips the query string before logging; pre-authenticated URLs
// embed tokens in query parameters.
func redactURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}

	return url
}

// getJSON executes a GET and decodes the JSON response into v.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("graph: decoding response: %w", err)
	}

	return nil
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
