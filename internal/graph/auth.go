package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/HighEncryption/Blueshift/internal/tokenstore"
)

// Scopes requested on every token refresh. Must stay a subset of the scopes
// the user originally consented to.
var defaultScopes = []string{
	"openid",
	"files.read",
	"offline_access",
	"profile",
	"User.Read",
}

// OAuthRefresher exchanges refresh tokens against the identity platform's
// token endpoint via the standard refresh grant. An invalid or expired
// refresh grant is surfaced as ErrReauthRequired and never retried.
type OAuthRefresher struct {
	ClientID string
	Endpoint oauth2.Endpoint // zero value selects the consumers endpoint
	Scopes   []string        // nil selects defaultScopes
	logger   *slog.Logger
}

// NewOAuthRefresher creates a refresher for the given application ID.
func NewOAuthRefresher(clientID string, logger *slog.Logger) *OAuthRefresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &OAuthRefresher{ClientID: clientID, logger: logger}
}

// Refresh exchanges current.RefreshToken for a new token pair.
func (r *OAuthRefresher) Refresh(ctx context.Context, current *tokenstore.TokenPair) (*tokenstore.TokenPair, error) {
	endpoint := r.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = microsoft.AzureADEndpoint("consumers")
	}

	scopes := r.Scopes
	if scopes == nil {
		scopes = defaultScopes
	}

	cfg := &oauth2.Config{
		ClientID: r.ClientID,
		Endpoint: endpoint,
		Scopes:   scopes,
	}

	r.logger.Info("refreshing token pair")

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: current.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	pair := &tokenstore.TokenPair{
		TokenType:    tok.TokenType,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        current.Scope,
		AcquireTime:  time.Now().UTC(),
	}

	// The token endpoint may omit the refresh token when it is unchanged.
	if pair.RefreshToken == "" {
		pair.RefreshToken = current.RefreshToken
	}

	if !tok.Expiry.IsZero() {
		pair.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}

	return pair, nil
}

// classifyRefreshError maps a token endpoint failure to the error taxonomy:
// an invalid_grant response means the refresh token itself is expired or
// revoked and the user must sign in again.
func classifyRefreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
		return fmt.Errorf("%w: refresh token rejected: %s", ErrReauthRequired, rerr.ErrorDescription)
	}

	return fmt.Errorf("graph: refreshing token: %w", err)
}
