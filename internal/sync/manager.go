// Package sync implements the one-way mirror engine: the fetch phase stages
// remote delta-feed entries into the durable change queue, and the apply
// phase drains the queue in order, materializing each change on disk and in
// the catalog.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/HighEncryption/Blueshift/internal/catalog"
	"github.com/HighEncryption/Blueshift/internal/config"
	"github.com/HighEncryption/Blueshift/internal/graph"
	"github.com/HighEncryption/Blueshift/internal/tokenstore"
)

// ErrNoToken is returned when a source has no persisted token pair yet.
var ErrNoToken = errors.New("sync: no token found for source, run refresh-tokens")

// ErrAccountMismatch is returned when the signed-in account does not match
// the source's configured user principal name.
var ErrAccountMismatch = errors.New("sync: signed-in account does not match configured account")

// Manager drives sync runs across all configured sources. Sources are
// processed one after another; a failure in one source is logged and does
// not abort the remaining sources.
type Manager struct {
	cfg    *config.Config
	tokens tokenstore.Store
	logger *slog.Logger

	// baseURL and httpClient are overridable for tests; they default to the
	// production Graph endpoint and http.DefaultClient.
	baseURL    string
	httpClient *http.Client
}

// NewManager creates a sync manager over the given configuration and token
// store.
func NewManager(cfg *config.Config, tokens tokenstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:     cfg,
		tokens:  tokens,
		logger:  logger,
		baseURL: graph.DefaultBaseURL,
	}
}

// SetHTTPClient overrides the HTTP client used for Graph API requests.
func (m *Manager) SetHTTPClient(c *http.Client) {
	m.httpClient = c
}

// Sync runs the fetch and apply phases for every enabled source. Per-source
// errors are collected rather than aborting the remaining sources.
func (m *Manager) Sync(ctx context.Context) error {
	var errs []error

	for i := range m.cfg.Sources {
		src := &m.cfg.Sources[i]

		if err := m.syncSource(ctx, src); err != nil {
			m.logger.Error("sync failed for source",
				slog.String("source", src.Name),
				slog.Any("error", err),
			)

			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
		}
	}

	return errors.Join(errs...)
}

// RefreshTokens forces a token refresh for every enabled source by fetching
// the user profile, then persists any rotated pair. Used to keep refresh
// tokens alive between sync runs.
func (m *Manager) RefreshTokens(ctx context.Context) error {
	var errs []error

	for i := range m.cfg.Sources {
		src := &m.cfg.Sources[i]
		if src.Disabled {
			continue
		}

		logger := m.logger.With(slog.String("source", src.Name))
		logger.Info("starting token refresh")

		client, err := m.newClient(src, logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}

		err = m.checkProfile(ctx, client, src, logger)

		if persistErr := m.persistRotatedToken(client, src, logger); persistErr != nil && err == nil {
			err = persistErr
		}

		if err != nil {
			logger.Error("token refresh failed", slog.Any("error", err))
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))

			continue
		}

		logger.Info("token refresh complete")
	}

	return errors.Join(errs...)
}

func (m *Manager) syncSource(ctx context.Context, src *config.Source) (err error) {
	logger := m.logger.With(
		slog.String("source", src.Name),
		slog.String("run_id", uuid.NewString()),
	)

	if src.Disabled {
		logger.Info("skipping disabled sync source")
		return nil
	}

	client, err := m.newClient(src, logger)
	if err != nil {
		return err
	}

	// The token may rotate during any network call, including ones on a
	// failing path; persist whatever the client holds on the way out.
	defer func() {
		if persistErr := m.persistRotatedToken(client, src, logger); persistErr != nil && err == nil {
			err = persistErr
		}
	}()

	if err := m.checkProfile(ctx, client, src, logger); err != nil {
		return err
	}

	store, err := catalog.Open(m.cfg.DatabasePath(src), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	pending, err := store.Queries().CountPendingChanges(ctx)
	if err != nil {
		return err
	}

	if pending > 0 {
		// An interrupted apply run must finish before fetching again; a new
		// fetch would overwrite queued changes that have not been applied.
		logger.Info("found pending changes not yet processed, skipping fetch",
			slog.Int64("count", pending),
		)
	} else if err := m.fetchChanges(ctx, client, store, src, logger); err != nil {
		return err
	}

	return m.applyChanges(ctx, client, store, src, logger)
}

// newClient builds a Graph client for the source from its persisted token.
func (m *Manager) newClient(src *config.Source, logger *slog.Logger) (*graph.Client, error) {
	pair, err := m.tokens.Load(m.cfg.TokenPath(src))
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, src.Name)
	} else if err != nil {
		return nil, err
	}

	refresher := graph.NewOAuthRefresher(m.cfg.AppID, logger)

	return graph.NewClient(m.baseURL, m.httpClient, pair, refresher, logger), nil
}

// checkProfile fetches the signed-in user's profile, which forces a token
// refresh when the access token has expired, and verifies the account
// identity against the source configuration.
func (m *Manager) checkProfile(ctx context.Context, client *graph.Client, src *config.Source, logger *slog.Logger) error {
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return fmt.Errorf("fetching profile: %w", err)
	}

	logger.Info("profile retrieved",
		slog.String("user_principal_name", profile.UserPrincipalName),
	)

	if !strings.EqualFold(src.UserPrincipalName, profile.UserPrincipalName) {
		return fmt.Errorf("%w: got %s, expected %s",
			ErrAccountMismatch, profile.UserPrincipalName, src.UserPrincipalName)
	}

	return nil
}

func (m *Manager) persistRotatedToken(client *graph.Client, src *config.Source, logger *slog.Logger) error {
	pair, rotated := client.RotatedToken()
	if !rotated {
		return nil
	}

	path := m.cfg.TokenPath(src)

	logger.Info("token was rotated, saving new pair",
		slog.String("path", path),
		slog.Time("expires_at", pair.ExpiresAt()),
	)

	if err := m.tokens.Save(path, pair); err != nil {
		return fmt.Errorf("persisting rotated token: %w", err)
	}

	return nil
}
